package coordinator

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/artemis/taskmesh/internal/coderegistry"
	"github.com/artemis/taskmesh/internal/observability"
	"github.com/artemis/taskmesh/internal/wire"
)

// checkpointSaveGrace bounds how long HandleNodeFailure waits for a
// checkpoint:save reply from a node it is about to declare failed, before
// falling back to whatever the registry already has on file.
const checkpointSaveGrace = 2 * time.Second

// RecoveryManager rebinds tasks off a node that has just been declared
// failed, per spec.md §4.4. It has no direct teacher equivalent — the
// teacher never rebinds a migration off a dead node — so it is built fresh
// in the coordinator's idiom: same logger/metrics conventions as
// Orchestrator, same single-responsibility shape as the teacher's other
// master/*.go components.
type RecoveryManager struct {
	nodes        *NodeRegistry
	tasks        *TaskStore
	registry     *coderegistry.Registry
	hub          *Hub
	orchestrator *Orchestrator
	logger       *observability.Logger
	metrics      *observability.Metrics

	// excluded tracks, per task, node ids that must never be rebound to
	// even if they re-register mid-recovery (spec.md §4.4's "must not
	// rebind to the failed node" requirement). Guarded by mu since the
	// failure sweep and per-client disconnect handlers can both call
	// HandleNodeFailure concurrently.
	mu       sync.Mutex
	excluded map[string]map[string]bool
}

// NewRecoveryManager wires a RecoveryManager to the coordinator's shared state.
func NewRecoveryManager(nodes *NodeRegistry, tasks *TaskStore, registry *coderegistry.Registry, hub *Hub, orchestrator *Orchestrator, logger *observability.Logger, metrics *observability.Metrics) *RecoveryManager {
	return &RecoveryManager{
		nodes:        nodes,
		tasks:        tasks,
		registry:     registry,
		hub:          hub,
		orchestrator: orchestrator,
		logger:       logger,
		metrics:      metrics,
		excluded:     make(map[string]map[string]bool),
	}
}

// HandleNodeFailure finds every task bound to failedNodeID that is running
// or migrating and rebinds each to a new worker, per spec.md §4.4.
func (rm *RecoveryManager) HandleNodeFailure(failedNodeID string) {
	tasks := rm.tasks.TasksOnNode(failedNodeID)
	if len(tasks) == 0 {
		return
	}

	rm.hub.BroadcastEvent(wire.BroadcastNodeFailureDetected, map[string]interface{}{"nodeId": failedNodeID})

	for _, task := range tasks {
		if task.MigrationType == MigrationStrong {
			rm.requestFreshCheckpoint(task.ID, failedNodeID)
		}
		rm.recoverTask(task, failedNodeID)
	}
}

// requestFreshCheckpoint makes a best-effort attempt to pull a last-minute
// checkpoint out of a node that is about to be declared failed, per
// spec.md §4.2's checkpoint:save — "request a checkpoint emission, used by
// the recovery path." A node is declared failed on heartbeat timeout, which
// can fire while its control-channel socket is still open (a stalled
// worker isn't necessarily a dead one); if it answers within the grace
// window, the checkpoint:saved reply runs through the coordinator's normal
// handleCheckpointSaved path and lands in the registry before recoverTask
// below reads it, so recovery resumes from a fresher step than whatever was
// already on file. If the node is truly gone, hub.Send fails immediately
// and this is a no-op.
func (rm *RecoveryManager) requestFreshCheckpoint(taskID, nodeID string) {
	if rm.orchestrator == nil {
		return
	}
	env, err := wire.NewEnvelope(wire.EventCheckpointSave, map[string]interface{}{"taskId": taskID})
	if err != nil {
		return
	}

	w := rm.orchestrator.registerWaiter(taskID, true)
	defer rm.orchestrator.clearWaiter(taskID)

	if !rm.hub.Send(nodeID, env) {
		return
	}

	select {
	case <-w.result:
	case <-time.After(checkpointSaveGrace):
	}
}

func (rm *RecoveryManager) recoverTask(task *Task, failedNodeID string) {
	rm.markExcluded(task.ID, failedNodeID)

	target, ok := rm.nodes.FindAvailableWorker(failedNodeID)
	if !ok || rm.isExcluded(task.ID, target.ID) {
		rm.tasks.Update(task.ID, func(t *Task) {
			t.Status = TaskFailed
		})
		rm.hub.BroadcastEvent(wire.BroadcastMigrationFailed, map[string]interface{}{"taskId": task.ID, "reason": "no available worker for recovery"})
		if rm.logger != nil {
			rm.logger.Error("recovery failed: no available worker", zap.String("task_id", task.ID))
		}
		return
	}

	var payload map[string]interface{}
	degraded := false

	if task.MigrationType == MigrationStrong {
		cp, ok := rm.registry.GetLatestCheckpoint(task.ID)
		if ok {
			payload = map[string]interface{}{"task": task, "checkpoint": cp}
		} else {
			degraded = true
			payload = map[string]interface{}{"task": task}
		}
	} else {
		rm.tasks.Update(task.ID, func(t *Task) {
			t.Progress = 0
		})
		payload = map[string]interface{}{"task": task}
	}

	rm.nodes.SetStatus(target.ID, NodeBusy)
	rm.tasks.Update(task.ID, func(t *Task) {
		t.CurrentNodeID = target.ID
		t.Status = TaskRunning
	})

	env, err := wire.NewEnvelope(wire.EventTaskAssign, payload)
	if err != nil {
		if rm.logger != nil {
			rm.logger.Error("failed to build recovery task:assign envelope", zap.String("task_id", task.ID), zap.Error(err))
		}
		return
	}
	if !rm.hub.Send(target.ID, env) {
		rm.tasks.Update(task.ID, func(t *Task) {
			t.Status = TaskFailed
		})
		rm.hub.BroadcastEvent(wire.BroadcastMigrationFailed, map[string]interface{}{"taskId": task.ID, "reason": "selected recovery worker unreachable"})
		return
	}

	if degraded && rm.logger != nil {
		rm.logger.Warn("strong task recovered without a checkpoint, restarting from step 1",
			zap.String("task_id", task.ID))
	}

	rm.hub.BroadcastEvent(wire.BroadcastTaskRecovered, map[string]interface{}{
		"taskId": task.ID, "targetNodeId": target.ID, "degraded": degraded,
	})
	if rm.logger != nil {
		rm.logger.Info("task recovered", zap.String("task_id", task.ID), zap.String("target_node_id", target.ID))
	}
}

func (rm *RecoveryManager) markExcluded(taskID, nodeID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.excluded[taskID] == nil {
		rm.excluded[taskID] = make(map[string]bool)
	}
	rm.excluded[taskID][nodeID] = true
}

func (rm *RecoveryManager) isExcluded(taskID, nodeID string) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.excluded[taskID] != nil && rm.excluded[taskID][nodeID]
}

// ForgetTask clears recovery bookkeeping for a task reaching a terminal
// state, so the exclusion map doesn't grow without bound.
func (rm *RecoveryManager) ForgetTask(taskID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.excluded, taskID)
}
