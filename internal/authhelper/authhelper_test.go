package authhelper

import (
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

func TestOptionsNormalizeDefaults(t *testing.T) {
	got := Options{}.Normalize()
	if got.MaxTries != 3 {
		t.Errorf("MaxTries = %d, want 3", got.MaxTries)
	}
	if got.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", got.Timeout)
	}
}

func TestOptionsNormalizeMinimums(t *testing.T) {
	got := Options{MaxTries: 0, Timeout: 2 * time.Second}.Normalize()
	if got.MaxTries != 3 {
		t.Errorf("MaxTries = %d, want default 3", got.MaxTries)
	}
	if got.Timeout != 30*time.Second {
		t.Errorf("Timeout below minimum should fall back to default, got %v", got.Timeout)
	}
}

func TestOptionsNormalizeKeepsValidValues(t *testing.T) {
	got := Options{MaxTries: 5, Timeout: 15 * time.Second}.Normalize()
	if got.MaxTries != 5 || got.Timeout != 15*time.Second {
		t.Errorf("got %+v, want MaxTries=5 Timeout=15s", got)
	}
}

func TestIsRemoteSession(t *testing.T) {
	cases := []struct {
		host     string
		platform bool
		want     bool
	}{
		{"", false, false},
		{"localhost", false, false},
		{"somehost.example.com", false, true},
		{"", true, true},
	}
	for _, c := range cases {
		if got := IsRemoteSession(c.host, c.platform); got != c.want {
			t.Errorf("IsRemoteSession(%q, %v) = %v, want %v", c.host, c.platform, got, c.want)
		}
	}
}

func TestClassifySignalTerminalOutcomes(t *testing.T) {
	cases := []struct {
		status string
		want   attemptResult
	}{
		{"verify-match", attemptMatch},
		{"verify-no-match", attemptNoMatch},
		{"verify-disconnected", attemptDisconnectedOrUnknown},
		{"verify-unknown-error", attemptDisconnectedOrUnknown},
		{"enroll-completed", attemptUnrecognized},
	}
	for _, c := range cases {
		sig := &dbus.Signal{Name: "net.reactivated.Fprint.Device.VerifyStatus", Body: []interface{}{c.status, true}}
		got, done := classifySignal(sig)
		if !done {
			t.Errorf("status %q: expected terminal", c.status)
		}
		if got != c.want {
			t.Errorf("status %q: got %v, want %v", c.status, got, c.want)
		}
	}
}

func TestClassifySignalNonTerminalIgnored(t *testing.T) {
	sig := &dbus.Signal{Name: "net.reactivated.Fprint.Device.VerifyStatus", Body: []interface{}{"verify-retry-scan", false}}
	if _, done := classifySignal(sig); done {
		t.Error("expected a non-done VerifyStatus to be non-terminal")
	}
	sel := &dbus.Signal{Name: "net.reactivated.Fprint.Device.VerifyFingerSelected", Body: []interface{}{"right-index-finger"}}
	if _, done := classifySignal(sel); done {
		t.Error("expected VerifyFingerSelected to never be terminal")
	}
}

func TestDeviceIDFromPath(t *testing.T) {
	if got := deviceIDFromPath("/net/reactivated/Fprint/Device/7"); got != 7 {
		t.Errorf("deviceIDFromPath = %d, want 7", got)
	}
}
