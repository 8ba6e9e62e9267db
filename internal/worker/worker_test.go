package worker

import (
	"testing"

	"github.com/artemis/taskmesh/internal/coderegistry"
	"github.com/artemis/taskmesh/internal/config"
	"github.com/artemis/taskmesh/internal/observability"
	"github.com/artemis/taskmesh/internal/wire"
)

func mustTestWorker(t *testing.T) *Worker {
	t.Helper()
	logger, err := observability.NewLogger("error")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	cfg := config.Defaults()
	cfg.CoordinatorURL = "ws://localhost:3001"
	return New(cfg, logger, observability.NewMetrics(), nil)
}

// handleCheckpointSave must not panic when the worker has never cached a
// checkpoint for the requested task — there is simply nothing to emit.
func TestHandleCheckpointSaveNoopWhenNoCheckpointCached(t *testing.T) {
	w := mustTestWorker(t)
	env, err := wire.NewEnvelope(wire.EventCheckpointSave, map[string]interface{}{"taskId": "task-1"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	w.HandleEnvelope(env)
}

// With a checkpoint cached, handleCheckpointSave takes the re-emit path;
// this test only checks that the failed send on an unconnected worker is
// swallowed, not what is sent.
func TestHandleCheckpointSaveWithCachedCheckpointSurvivesSendFailure(t *testing.T) {
	w := mustTestWorker(t)
	cp := &coderegistry.ExecutionCheckpoint{TaskID: "task-1", CurrentStep: 3, TotalSteps: 10}
	w.runtime.mu.Lock()
	w.runtime.latest["task-1"] = cp
	w.runtime.mu.Unlock()

	env, err := wire.NewEnvelope(wire.EventCheckpointSave, map[string]interface{}{"taskId": "task-1"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	// The connector isn't actually connected in this test, so Send will
	// fail — handleCheckpointSave must swallow that error rather than
	// panic, same as the existing checkpoint:load handler does.
	w.HandleEnvelope(env)
}
