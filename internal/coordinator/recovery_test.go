package coordinator

import (
	"testing"
	"time"

	"github.com/artemis/taskmesh/internal/coderegistry"
	"github.com/artemis/taskmesh/internal/observability"
)

func newTestRecoveryManager(t *testing.T) (*RecoveryManager, *NodeRegistry, *TaskStore, *coderegistry.Registry) {
	t.Helper()
	nodes := NewNodeRegistry()
	tasks := NewTaskStore()
	registry := coderegistry.NewRegistry(nil)
	hub := NewHub(mustTestLogger(t), nil)
	tracer, err := observability.NewTraceProvider(observability.DefaultTracingConfig())
	if err != nil {
		t.Fatalf("NewTraceProvider: %v", err)
	}
	orch := NewOrchestrator(nodes, tasks, registry, hub, mustTestLogger(t), observability.NewMetrics(), tracer)
	rm := NewRecoveryManager(nodes, tasks, registry, hub, orch, mustTestLogger(t), observability.NewMetrics())
	return rm, nodes, tasks, registry
}

// requestFreshCheckpoint must not block for the full grace window when the
// failed node has no live connection left in the hub — hub.Send reports
// false immediately in that case.
func TestRequestFreshCheckpointReturnsImmediatelyWhenNodeUnreachable(t *testing.T) {
	rm, _, _, _ := newTestRecoveryManager(t)

	start := time.Now()
	rm.requestFreshCheckpoint("task-1", "gone-node")
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("expected requestFreshCheckpoint to return promptly for an unreachable node, took %s", elapsed)
	}
}

func TestRecoverTaskFallsBackToRegistryCheckpointWhenNodeUnreachable(t *testing.T) {
	rm, nodes, tasks, registry := newTestRecoveryManager(t)
	nodes.Register("source", "source", RoleWorker, "")
	nodes.Register("target", "target", RoleWorker, "")

	cp, err := registry.SaveCheckpoint("task-1", 4, 10, map[string]interface{}{"x": 1.0}, "source")
	if err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	task := &Task{ID: "task-1", Status: TaskRunning, CurrentNodeID: "source", MigrationType: MigrationStrong}
	tasks.Put(task)

	rm.HandleNodeFailure("source")

	// No client is registered in the hub for either node in this test, so
	// the task:assign send to "target" fails and recovery reports failure
	// — but the checkpoint request to the already-failed "source" must
	// still have been a harmless no-op rather than a hang, and the
	// registry's last known checkpoint must be untouched.
	updated, _ := tasks.Get("task-1")
	if updated.CurrentNodeID != "target" || updated.Status != TaskFailed {
		t.Fatalf("expected recovery to pick target and report failure without a reachable worker, got %+v", updated)
	}

	latest, ok := registry.GetLatestCheckpoint("task-1")
	if !ok || latest.ID != cp.ID {
		t.Fatalf("expected recovery to still have the registry's last known checkpoint available")
	}
}
