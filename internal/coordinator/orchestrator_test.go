package coordinator

import (
	"testing"
	"time"

	"github.com/artemis/taskmesh/internal/coderegistry"
	"github.com/artemis/taskmesh/internal/observability"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *NodeRegistry, *TaskStore, *coderegistry.Registry) {
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
	return orch, nodes, tasks, registry
}

func mustTestLogger(t *testing.T) *observability.Logger {
	t.Helper()
	logger, err := observability.NewLogger("error")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return logger
}

func TestPrepareRejectsSecondMigrationWithoutSideEffects(t *testing.T) {
	orch, nodes, tasks, _ := newTestOrchestrator(t)

	nodes.Register("source", "source", RoleWorker, "")
	nodes.Register("target", "target", RoleWorker, "")
	tasks.Put(&Task{ID: "task-1", Status: TaskRunning, CurrentNodeID: "source", MigrationType: MigrationWeak})

	if err := orch.prepare("task-1", "source", "target", MigrationWeak); err != nil {
		t.Fatalf("first prepare: %v", err)
	}

	task, _ := tasks.Get("task-1")
	if task.Status != TaskMigrating {
		t.Fatalf("expected task migrating after prepare, got %s", task.Status)
	}

	// A second prepare for the same task must be rejected since its
	// status is already migrating, per spec.md §4.1.3's tie-break rule.
	if err := orch.prepare("task-1", "source", "target", MigrationWeak); err == nil {
		t.Fatalf("expected second prepare to be rejected")
	}
}

func TestPrepareRejectsWrongSourceOwner(t *testing.T) {
	orch, nodes, tasks, _ := newTestOrchestrator(t)
	nodes.Register("source", "source", RoleWorker, "")
	nodes.Register("other", "other", RoleWorker, "")
	tasks.Put(&Task{ID: "task-1", Status: TaskRunning, CurrentNodeID: "source", MigrationType: MigrationWeak})

	if err := orch.prepare("task-1", "other", "source", MigrationWeak); err == nil {
		t.Fatalf("expected prepare to reject a non-owning source node")
	}
}

func TestResolveCheckpointRejectsTamperedChecksum(t *testing.T) {
	orch, nodes, tasks, registry := newTestOrchestrator(t)
	nodes.Register("source", "source", RoleWorker, "")
	nodes.Register("target", "target", RoleWorker, "")
	tasks.Put(&Task{ID: "task-1", Status: TaskRunning, CurrentNodeID: "source", MigrationType: MigrationStrong})

	cp, err := registry.SaveCheckpoint("task-1", 3, 10, map[string]interface{}{"x": 1.0}, "source")
	if err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	w := orch.registerWaiter("task-1", true)
	defer orch.clearWaiter("task-1")

	cp.Checksum = "deadbeefdeadbeef"
	valid, err := orch.ResolveCheckpoint(cp)
	if valid || err == nil {
		t.Fatalf("expected ResolveCheckpoint to report an invalid checksum, got valid=%v err=%v", valid, err)
	}

	select {
	case res := <-w.result:
		if res.err == nil {
			t.Fatalf("expected checksum mismatch error")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected waiter to resolve with an error")
	}
}

func TestResolveCheckpointAcceptsValidChecksum(t *testing.T) {
	orch, nodes, tasks, registry := newTestOrchestrator(t)
	nodes.Register("source", "source", RoleWorker, "")
	nodes.Register("target", "target", RoleWorker, "")
	tasks.Put(&Task{ID: "task-1", Status: TaskRunning, CurrentNodeID: "source", MigrationType: MigrationStrong})

	cp, err := registry.SaveCheckpoint("task-1", 3, 10, map[string]interface{}{"x": 1.0}, "source")
	if err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	w := orch.registerWaiter("task-1", true)
	defer orch.clearWaiter("task-1")

	valid, err := orch.ResolveCheckpoint(cp)
	if !valid || err != nil {
		t.Fatalf("expected ResolveCheckpoint to accept a valid checksum, got valid=%v err=%v", valid, err)
	}

	select {
	case res := <-w.result:
		if res.err != nil {
			t.Fatalf("expected valid checkpoint to resolve cleanly, got %v", res.err)
		}
		if res.checkpoint.ID != cp.ID {
			t.Fatalf("expected resolved checkpoint to match")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected waiter to resolve")
	}
}

func TestOverloadWindowRequiresSustainedThreshold(t *testing.T) {
	nodes := NewNodeRegistry()
	nodes.Register("n1", "n1", RoleWorker, "")

	nodes.RecordStats("n1", 95)
	time.Sleep(5 * time.Millisecond)
	nodes.RecordStats("n1", 40) // one low sample breaks the sustained window

	// An expected interval equal to the window needs only one sample, so the
	// sample-count floor is met and the 40% reading alone decides the result.
	if nodes.OverloadWindow("n1", 20*time.Millisecond, 90, 20*time.Millisecond) {
		t.Fatalf("expected overload window to require every sample above threshold")
	}
}
