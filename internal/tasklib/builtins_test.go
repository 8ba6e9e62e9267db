package tasklib

import (
	"context"
	"testing"
	"time"

	"github.com/artemis/taskmesh/internal/wire"
)

// fakeExecutionContext is a minimal in-memory ExecutionContext for testing
// built-in tasks without standing up a worker.
type fakeExecutionContext struct {
	ctx         context.Context
	paused      bool
	progress    []int
	checkpoints []map[string]interface{}
}

func newFakeExecutionContext() *fakeExecutionContext {
	return &fakeExecutionContext{ctx: context.Background()}
}

func (f *fakeExecutionContext) Context() context.Context { return f.ctx }
func (f *fakeExecutionContext) ReportProgress(percent int) {
	f.progress = append(f.progress, percent)
}
func (f *fakeExecutionContext) ShouldCheckpoint(step int) bool { return step%2 == 0 }
func (f *fakeExecutionContext) SaveCheckpoint(currentStep, totalSteps int, variables map[string]interface{}) error {
	f.checkpoints = append(f.checkpoints, variables)
	return nil
}
func (f *fakeExecutionContext) Sleep(d time.Duration) {}
func (f *fakeExecutionContext) IsPaused() bool         { return f.paused }

func TestStepCounterRunsToCompletion(t *testing.T) {
	fc := newFakeExecutionContext()
	task := &StepCounter{}

	result, err := task.Run(fc, map[string]interface{}{"totalSteps": 5, "stepDelayMs": 0})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result["finalCount"] != 5 {
		t.Fatalf("expected finalCount 5, got %v", result["finalCount"])
	}
	if len(fc.progress) != 5 {
		t.Fatalf("expected 5 progress reports, got %d", len(fc.progress))
	}
	if fc.progress[len(fc.progress)-1] != 100 {
		t.Fatalf("expected final progress 100, got %d", fc.progress[len(fc.progress)-1])
	}
	if len(fc.checkpoints) == 0 {
		t.Fatalf("expected at least one checkpoint")
	}
}

func TestStepCounterPausesCleanly(t *testing.T) {
	fc := newFakeExecutionContext()
	fc.paused = true
	task := &StepCounter{}

	result, err := task.Run(fc, map[string]interface{}{"totalSteps": 10, "stepDelayMs": 0})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result["paused"] != true {
		t.Fatalf("expected paused result, got %+v", result)
	}
	if result["lastStep"] != 0 {
		t.Fatalf("expected lastStep 0 on immediate pause, got %v", result["lastStep"])
	}
}

func TestStepCounterResumesFromCheckpoint(t *testing.T) {
	fc := newFakeExecutionContext()
	task := &StepCounter{}

	result, err := task.Run(fc, map[string]interface{}{
		"totalSteps":     10,
		"stepDelayMs":    0,
		"resumeFromStep": 7,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result["finalCount"] != 10 {
		t.Fatalf("expected finalCount 10, got %v", result["finalCount"])
	}
	if len(fc.progress) != 3 {
		t.Fatalf("expected 3 progress reports resuming from step 7, got %d", len(fc.progress))
	}
}

func TestChecksumVerifierDetectsMismatch(t *testing.T) {
	fc := newFakeExecutionContext()
	task := &ChecksumVerifier{}

	goodSum, err := wire.Checksum("hello")
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}

	records := []interface{}{
		map[string]interface{}{"data": "hello", "checksum": goodSum},
		map[string]interface{}{"data": "hello", "checksum": "0000000000000000"},
	}

	result, err := task.Run(fc, map[string]interface{}{"records": records})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result["verified"] != 1 || result["failed"] != 1 {
		t.Fatalf("expected 1 verified, 1 failed; got %+v", result)
	}
}

func TestMatrixReducerProducesOnePerRow(t *testing.T) {
	fc := newFakeExecutionContext()
	task := &MatrixReducer{}

	rows := []interface{}{
		[]interface{}{1.0, 2.0},
		[]interface{}{3.0, 4.0},
	}

	result, err := task.Run(fc, map[string]interface{}{"rows": rows, "spinIterations": 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	sums, ok := result["sums"].([]float64)
	if !ok || len(sums) != 2 {
		t.Fatalf("expected 2 row sums, got %+v", result["sums"])
	}
}

func TestRegistryResolvesBuiltins(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"step-counter", "checksum-verifier", "matrix-reducer"} {
		if _, ok := r.Lookup(name); !ok {
			t.Fatalf("expected registry to resolve built-in %q", name)
		}
	}
	if _, ok := r.Lookup("does-not-exist"); ok {
		t.Fatalf("expected unknown task name to miss")
	}
}
