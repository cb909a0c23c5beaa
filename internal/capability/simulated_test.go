package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/freedesktop-fprint/fprintd-go/internal/model"
)

func TestSimulatedEnrollProducesStagesAndTemplate(t *testing.T) {
	d := NewSimulatedDevice(model.DeviceDescriptor{NumEnrollStages: 3})
	var stages []EnrollStage
	template, err := d.Enroll(context.Background(), func(s EnrollStage) { stages = append(stages, s) })
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if len(stages) != 3 {
		t.Errorf("got %d stage callbacks, want 3", len(stages))
	}
	if len(template) == 0 {
		t.Error("expected a non-empty template")
	}
}

func TestSimulatedEnrollHookFailure(t *testing.T) {
	d := NewSimulatedDevice(model.DeviceDescriptor{NumEnrollStages: 2})
	d.EnrollHook = func(stage int) error {
		if stage == 2 {
			return &DriverError{Kind: ErrSwipeTooShort}
		}
		return nil
	}
	_, err := d.Enroll(context.Background(), nil)
	if KindOf(err) != ErrSwipeTooShort {
		t.Errorf("KindOf(err) = %v, want ErrSwipeTooShort", KindOf(err))
	}
}

func TestSimulatedEnrollDataFullWhenStorageListExhausted(t *testing.T) {
	d := NewSimulatedDevice(model.DeviceDescriptor{
		NumEnrollStages: 1,
		Features:        model.FeatureStorage | model.FeatureStorageList,
	})
	for i := 0; i < 5; i++ {
		if _, err := d.Enroll(context.Background(), nil); err != nil {
			t.Fatalf("Enroll %d: %v", i, err)
		}
	}
	_, err := d.Enroll(context.Background(), nil)
	if KindOf(err) != ErrDataFull {
		t.Errorf("KindOf(err) = %v, want ErrDataFull", KindOf(err))
	}
}

func TestSimulatedVerifyMatchesNonEmptyTemplate(t *testing.T) {
	d := NewSimulatedDevice(model.DeviceDescriptor{NumEnrollStages: 1})
	matched, err := d.Verify(context.Background(), []byte("template"), nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !matched {
		t.Error("expected match")
	}
}

func TestSimulatedVerifyHookError(t *testing.T) {
	d := NewSimulatedDevice(model.DeviceDescriptor{NumEnrollStages: 1})
	d.VerifyHook = func() error { return errors.New("hardware fault") }
	_, err := d.Verify(context.Background(), []byte("template"), nil)
	if err == nil {
		t.Error("expected verify hook error to propagate")
	}
}

func TestSimulatedIdentifyMatchesLiveScan(t *testing.T) {
	d := NewSimulatedDevice(model.DeviceDescriptor{NumEnrollStages: 1})
	d.SetLiveScan([]byte("bob"))
	idx, err := d.Identify(context.Background(), [][]byte{[]byte("alice"), []byte("bob")}, nil)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if idx != 1 {
		t.Errorf("idx = %d, want 1", idx)
	}
}

func TestSimulatedIdentifyNoMatch(t *testing.T) {
	d := NewSimulatedDevice(model.DeviceDescriptor{NumEnrollStages: 1})
	d.SetLiveScan([]byte("carol"))
	idx, err := d.Identify(context.Background(), [][]byte{[]byte("alice"), []byte("bob")}, nil)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if idx != -1 {
		t.Errorf("idx = %d, want -1", idx)
	}
}

func TestSimulatedEnrollRespectsCancellation(t *testing.T) {
	d := NewSimulatedDevice(model.DeviceDescriptor{NumEnrollStages: 5})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Enroll(ctx, nil)
	if KindOf(err) != ErrCancelled {
		t.Errorf("KindOf(err) = %v, want ErrCancelled", KindOf(err))
	}
}
