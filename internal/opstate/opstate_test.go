package opstate

import (
	"context"
	"testing"

	"github.com/freedesktop-fprint/fprintd-go/internal/capability"
	"github.com/freedesktop-fprint/fprintd-go/internal/finger"
	"github.com/freedesktop-fprint/fprintd-go/internal/fperrors"
	"github.com/freedesktop-fprint/fprintd-go/internal/model"
	"github.com/freedesktop-fprint/fprintd-go/internal/store"
)

func newTestMachine(t *testing.T, desc model.DeviceDescriptor) (*Machine, *capability.SimulatedDevice, store.Store) {
	t.Helper()
	dev := capability.NewSimulatedDevice(desc)
	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return New(Dependencies{Device: dev, Store: st}), dev, st
}

func collectStatuses(t *testing.T, run func(emit func(string, bool))) []string {
	t.Helper()
	var statuses []string
	done := make(chan struct{})
	run(func(status string, isDone bool) {
		statuses = append(statuses, status)
		if isDone {
			close(done)
		}
	})
	select {
	case <-done:
	default:
		t.Fatal("operation did not report a terminal status")
	}
	return statuses
}

func TestEnrollSuccess(t *testing.T) {
	m, _, st := newTestMachine(t, model.DeviceDescriptor{DriverName: "sim", DeviceID: "dev0", NumEnrollStages: 2})
	statuses := collectStatuses(t, func(emit func(string, bool)) {
		m.Enroll(context.Background(), "alice", finger.RightIndex, emit)
	})
	last := statuses[len(statuses)-1]
	if last != StatusEnrollCompleted {
		t.Fatalf("last status = %q, want %q (all: %v)", last, StatusEnrollCompleted, statuses)
	}
	if _, err := st.Load("alice", "sim", "dev0", finger.RightIndex); err != nil {
		t.Errorf("expected print to be persisted: %v", err)
	}
}

func TestEnrollDataFullTriggersGCRetryThenSucceeds(t *testing.T) {
	desc := model.DeviceDescriptor{
		DriverName:      "sim",
		DeviceID:        "dev0",
		NumEnrollStages: 1,
		Features:        model.FeatureStorage | model.FeatureStorageList,
	}
	m, dev, _ := newTestMachine(t, desc)
	for i := 0; i < 5; i++ {
		if _, err := dev.Enroll(context.Background(), nil); err != nil {
			t.Fatalf("priming enroll %d: %v", i, err)
		}
	}
	statuses := collectStatuses(t, func(emit func(string, bool)) {
		m.Enroll(context.Background(), "alice", finger.LeftThumb, emit)
	})
	last := statuses[len(statuses)-1]
	if last != StatusEnrollCompleted {
		t.Fatalf("last status = %q, want %q (all: %v)", last, StatusEnrollCompleted, statuses)
	}
}

func TestEnrollDataFullWithNothingToGCReportsDataFull(t *testing.T) {
	desc := model.DeviceDescriptor{
		DriverName:      "sim",
		DeviceID:        "dev0",
		NumEnrollStages: 1,
		Features:        model.FeatureStorage | model.FeatureStorageList,
	}
	m, dev, st := newTestMachine(t, desc)
	fingers := []finger.ID{finger.LeftThumb, finger.LeftIndex, finger.LeftMiddle, finger.LeftRing, finger.LeftLittle}
	for i, f := range fingers {
		template, err := dev.Enroll(context.Background(), nil)
		if err != nil {
			t.Fatalf("priming enroll %d: %v", i, err)
		}
		// Every device print is also on the host, so gc.SelectForDeletion
		// has no victim to pick and the retry never gets a chance to run.
		if err := st.Save(model.Print{Username: "bob", Driver: "sim", DeviceID: "dev0", Finger: f, Data: template}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	statuses := collectStatuses(t, func(emit func(string, bool)) {
		m.Enroll(context.Background(), "alice", finger.RightIndex, emit)
	})
	last := statuses[len(statuses)-1]
	if last != StatusEnrollDataFull {
		t.Fatalf("last status = %q, want %q (all: %v)", last, StatusEnrollDataFull, statuses)
	}
}

func TestEnrollDuplicateDetection(t *testing.T) {
	desc := model.DeviceDescriptor{DriverName: "sim", DeviceID: "dev0", NumEnrollStages: 1, Features: model.FeatureIdentify}
	m, dev, st := newTestMachine(t, desc)

	existing := model.Print{Username: "bob", Driver: "sim", DeviceID: "dev0", Finger: finger.RightThumb, Data: []byte("bobs-print")}
	if err := st.Save(existing); err != nil {
		t.Fatalf("Save: %v", err)
	}
	dev.SetLiveScan([]byte("bobs-print"))

	statuses := collectStatuses(t, func(emit func(string, bool)) {
		m.Enroll(context.Background(), "alice", finger.RightThumb, emit)
	})
	last := statuses[len(statuses)-1]
	if last != StatusEnrollDuplicate {
		t.Fatalf("last status = %q, want %q", last, StatusEnrollDuplicate)
	}
}

func TestVerifySingleMatch(t *testing.T) {
	m, _, st := newTestMachine(t, model.DeviceDescriptor{DriverName: "sim", DeviceID: "dev0"})
	st.Save(model.Print{Username: "alice", Driver: "sim", DeviceID: "dev0", Finger: finger.RightIndex, Data: []byte("alices-print")})

	mode, target, template, gallery, err := m.ResolveVerifyTarget("alice", finger.RightIndex)
	if err != nil {
		t.Fatalf("ResolveVerifyTarget: %v", err)
	}
	if mode != ModeSingle || target != finger.RightIndex {
		t.Fatalf("got mode=%v target=%v", mode, target)
	}

	var selected finger.ID
	var order []string
	statuses := collectStatuses(t, func(emit func(string, bool)) {
		m.RunVerify(context.Background(), mode, target, template, gallery,
			func(f finger.ID) { selected = f; order = append(order, "selected") },
			func(status string, done bool) { order = append(order, "status"); emit(status, done) })
	})
	if last := statuses[len(statuses)-1]; last != StatusVerifyMatch {
		t.Fatalf("last status = %q, want %q", last, StatusVerifyMatch)
	}
	if selected != finger.RightIndex {
		t.Errorf("selected finger = %v, want %v", selected, finger.RightIndex)
	}
	if len(order) == 0 || order[0] != "selected" {
		t.Fatalf("VerifyFingerSelected was not reported before the first status: %v", order)
	}
}

func TestVerifyNoEnrolledPrintsFailsFast(t *testing.T) {
	m, _, _ := newTestMachine(t, model.DeviceDescriptor{DriverName: "sim", DeviceID: "dev0"})
	_, _, _, _, err := m.ResolveVerifyTarget("alice", finger.RightIndex)
	if err == nil {
		t.Fatal("expected NoEnrolledPrints error")
	}
}

func TestVerifyAnyWithMultipleFingersNoIdentifyFeatureFails(t *testing.T) {
	m, _, st := newTestMachine(t, model.DeviceDescriptor{DriverName: "sim", DeviceID: "dev0"})
	st.Save(model.Print{Username: "alice", Driver: "sim", DeviceID: "dev0", Finger: finger.RightIndex, Data: []byte("a")})
	st.Save(model.Print{Username: "alice", Driver: "sim", DeviceID: "dev0", Finger: finger.LeftThumb, Data: []byte("b")})

	_, _, _, _, err := m.ResolveVerifyTarget("alice", finger.Unknown)
	if err == nil {
		t.Fatal("expected NoEnrolledPrints error when device cannot identify among several fingers")
	}
}

func TestVerifyAnyWithIdentifyFeatureSelectsFinger(t *testing.T) {
	desc := model.DeviceDescriptor{DriverName: "sim", DeviceID: "dev0", Features: model.FeatureIdentify}
	m, dev, st := newTestMachine(t, desc)
	st.Save(model.Print{Username: "alice", Driver: "sim", DeviceID: "dev0", Finger: finger.RightIndex, Data: []byte("right")})
	st.Save(model.Print{Username: "alice", Driver: "sim", DeviceID: "dev0", Finger: finger.LeftThumb, Data: []byte("left")})
	dev.SetLiveScan([]byte("left"))

	mode, target, template, gallery, err := m.ResolveVerifyTarget("alice", finger.Unknown)
	if err != nil {
		t.Fatalf("ResolveVerifyTarget: %v", err)
	}
	if mode != ModeIdentifyAny {
		t.Fatalf("mode = %v, want ModeIdentifyAny", mode)
	}
	if target != finger.Unknown {
		t.Fatalf("target = %v, want finger.Unknown for a genuine any-finger identify", target)
	}

	var selected finger.ID
	var selectedBeforeDone bool
	statuses := collectStatuses(t, func(emit func(string, bool)) {
		m.RunVerify(context.Background(), mode, target, template, gallery,
			func(f finger.ID) { selected = f; selectedBeforeDone = true },
			emit)
	})
	if !selectedBeforeDone {
		t.Fatal("VerifyFingerSelected was never reported")
	}
	if last := statuses[len(statuses)-1]; last != StatusVerifyMatch {
		t.Fatalf("last status = %q, want %q", last, StatusVerifyMatch)
	}
	if selected != finger.Unknown {
		t.Errorf("selected finger = %v, want finger.Unknown (match is only known after the scan, not before it)", selected)
	}
}

func TestDeleteSingleFinger(t *testing.T) {
	m, _, st := newTestMachine(t, model.DeviceDescriptor{DriverName: "sim", DeviceID: "dev0"})
	st.Save(model.Print{Username: "alice", Driver: "sim", DeviceID: "dev0", Finger: finger.RightIndex, Data: []byte("x")})

	targets, err := m.ResolveDeleteTargets("alice", finger.RightIndex, false)
	if err != nil {
		t.Fatalf("ResolveDeleteTargets: %v", err)
	}
	if err := m.Delete(context.Background(), "alice", targets); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := st.Load("alice", "sim", "dev0", finger.RightIndex); err == nil {
		t.Error("expected print to be gone after Delete")
	}
}

func TestDeleteAllFingers(t *testing.T) {
	m, _, st := newTestMachine(t, model.DeviceDescriptor{DriverName: "sim", DeviceID: "dev0"})
	st.Save(model.Print{Username: "alice", Driver: "sim", DeviceID: "dev0", Finger: finger.RightIndex, Data: []byte("x")})
	st.Save(model.Print{Username: "alice", Driver: "sim", DeviceID: "dev0", Finger: finger.LeftThumb, Data: []byte("y")})

	targets, err := m.ResolveDeleteTargets("alice", finger.Unknown, true)
	if err != nil {
		t.Fatalf("ResolveDeleteTargets: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("got %d targets, want 2", len(targets))
	}
	if err := m.Delete(context.Background(), "alice", targets); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	remaining, _ := st.DiscoverPrints("alice", "sim", "dev0")
	if len(remaining) != 0 {
		t.Errorf("expected all prints deleted, got %v", remaining)
	}
}

func TestDeleteSingleUnenrolledFingerFailsFast(t *testing.T) {
	m, _, _ := newTestMachine(t, model.DeviceDescriptor{DriverName: "sim", DeviceID: "dev0"})
	_, err := m.ResolveDeleteTargets("alice", finger.RightIndex, false)
	if err == nil {
		t.Fatal("expected NoEnrolledPrints for a finger that was never enrolled")
	}
	if fperrors.KindOf(err) != fperrors.NoEnrolledPrints {
		t.Fatalf("kind = %v, want %v", fperrors.KindOf(err), fperrors.NoEnrolledPrints)
	}
}

func TestDeleteAllFingersWithNoneEnrolledFailsFast(t *testing.T) {
	m, _, _ := newTestMachine(t, model.DeviceDescriptor{DriverName: "sim", DeviceID: "dev0"})
	_, err := m.ResolveDeleteTargets("alice", finger.Unknown, true)
	if err == nil {
		t.Fatal("expected NoEnrolledPrints for a user with no prints at all")
	}
	if fperrors.KindOf(err) != fperrors.NoEnrolledPrints {
		t.Fatalf("kind = %v, want %v", fperrors.KindOf(err), fperrors.NoEnrolledPrints)
	}
}

func TestStatusConstantsMatchWireVocabulary(t *testing.T) {
	cases := map[string]string{
		StatusEnrollRemoveFinger: "enroll-remove-and-retry",
		StatusVerifyRemoveFinger: "verify-remove-and-retry",
	}
	for got, want := range cases {
		if got != want {
			t.Errorf("status constant = %q, want %q", got, want)
		}
	}
}

func TestCancelDuringEnrollReportsDisconnected(t *testing.T) {
	m, _, _ := newTestMachine(t, model.DeviceDescriptor{DriverName: "sim", DeviceID: "dev0", NumEnrollStages: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	statuses := collectStatuses(t, func(emit func(string, bool)) {
		m.Enroll(ctx, "alice", finger.RightIndex, emit)
	})
	if last := statuses[len(statuses)-1]; last != StatusEnrollDisconnected {
		t.Fatalf("last status = %q, want %q", last, StatusEnrollDisconnected)
	}
}
