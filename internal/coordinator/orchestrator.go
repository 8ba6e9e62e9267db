package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/artemis/taskmesh/internal/coderegistry"
	"github.com/artemis/taskmesh/internal/observability"
	"github.com/artemis/taskmesh/internal/wire"
)

// Migration transaction states, per spec.md §4.1.3.
const (
	StateIdle          = "IDLE"
	StatePrepare       = "PREPARE"
	StateAwaitSnapshot = "AWAIT_SNAPSHOT"
	StateCommit        = "COMMIT"
	StateDone          = "DONE"
	StateAbort         = "ABORT"
)

// DefaultAwaitSnapshotTimeout bounds how long AWAIT_SNAPSHOT waits for a
// checksum-validated checkpoint before aborting, per spec.md §5.
const DefaultAwaitSnapshotTimeout = 5 * time.Second

// waiter is a one-shot rendezvous between the migration transaction and the
// event that resolves its current suspension point: a checkpoint:saved
// frame (strong) or a paused task:progress report (weak). Grounded on the
// teacher's orchestrator.go MigrationJob bookkeeping, generalized from a
// polled job-status record into a channel-based waiter so AWAIT_SNAPSHOT
// can block one goroutine without blocking the hub's dispatch loop.
type waiter struct {
	strong bool
	result chan waiterResult
	timer  *time.Timer
}

type waiterResult struct {
	checkpoint *coderegistry.ExecutionCheckpoint
	err        error
}

// Orchestrator runs the migration transaction state machine described in
// spec.md §4.1.3. Directly grounded on the teacher's
// internal/master/orchestrator.go Orchestrator (migrations map + mu,
// StartMigration/executeMigration goroutine-per-job shape); PREPARE /
// AWAIT_SNAPSHOT / COMMIT / DONE / ABORT is the generalization of the
// teacher's pending -> running -> completed/failed job lifecycle.
type Orchestrator struct {
	nodes    *NodeRegistry
	tasks    *TaskStore
	registry *coderegistry.Registry
	hub      *Hub
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.TraceProvider

	mu      sync.Mutex // guards waiters and the "task already migrating" check, atomically w.r.t. each other per spec.md §5
	waiters map[string]*waiter
}

// NewOrchestrator wires an Orchestrator to the coordinator's shared state.
func NewOrchestrator(nodes *NodeRegistry, tasks *TaskStore, registry *coderegistry.Registry, hub *Hub, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.TraceProvider) *Orchestrator {
	return &Orchestrator{
		nodes:    nodes,
		tasks:    tasks,
		registry: registry,
		hub:      hub,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		waiters:  make(map[string]*waiter),
	}
}

// RequestMigration runs PREPARE through DONE/ABORT for a single migration
// request. It blocks until the transaction resolves, so callers should
// invoke it from its own goroutine per request (mirroring the teacher's
// "one goroutine per migration job" pattern).
func (o *Orchestrator) RequestMigration(taskID, sourceNodeID, targetNodeID, migrationType string) error {
	ctx, span := o.tracer.Tracer().Start(context.Background(), "migration.transaction")
	defer span.End()
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("source_node_id", sourceNodeID),
		attribute.String("target_node_id", targetNodeID),
		attribute.String("migration_type", migrationType),
	)

	start := time.Now()
	observability.ActiveMigrations.Inc()
	defer observability.ActiveMigrations.Dec()

	outcome, err := o.run(ctx, taskID, sourceNodeID, targetNodeID, migrationType)
	o.metrics.RecordMigration(outcome, migrationType, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (o *Orchestrator) run(ctx context.Context, taskID, sourceNodeID, targetNodeID, migrationType string) (outcome string, err error) {
	// PREPARE
	if err := o.prepare(taskID, sourceNodeID, targetNodeID, migrationType); err != nil {
		return "aborted", err
	}

	o.hub.BroadcastEvent(wire.BroadcastMigrationRequested, map[string]interface{}{
		"taskId": taskID, "sourceNodeId": sourceNodeID, "targetNodeId": targetNodeID, "migrationType": migrationType,
	})

	w := o.registerWaiter(taskID, migrationType == MigrationStrong)
	defer o.clearWaiter(taskID)

	task, _ := o.tasks.Get(taskID)
	requireSnapshot := migrationType == MigrationStrong
	pauseEnv, err := wire.NewEnvelope(wire.EventTaskPause, map[string]interface{}{
		"taskId": taskID, "requireSnapshot": requireSnapshot,
	})
	if err != nil {
		o.abort(task, sourceNodeID, fmt.Errorf("build pause envelope: %w", err))
		return "aborted", err
	}
	if !o.hub.Send(sourceNodeID, pauseEnv) {
		err := fmt.Errorf("source node %s unreachable", sourceNodeID)
		o.abort(task, sourceNodeID, err)
		return "aborted", err
	}

	o.hub.BroadcastEvent(wire.BroadcastMigrationStarted, map[string]interface{}{"taskId": taskID})

	// AWAIT_SNAPSHOT / await-pause-ack suspension point.
	timeout := DefaultAwaitSnapshotTimeout
	select {
	case res := <-w.result:
		if res.err != nil {
			o.abort(task, sourceNodeID, res.err)
			return "aborted", res.err
		}
		return o.commit(ctx, task, sourceNodeID, targetNodeID, migrationType, res.checkpoint)

	case <-time.After(timeout):
		err := fmt.Errorf("migration %s timed out waiting on source", taskID)
		o.abort(task, sourceNodeID, err)
		return "aborted", err
	}
}

// prepare validates the request and marks the task migrating, per spec.md
// §4.1.3 step 1. It rejects a second request for an already-migrating task
// without any side effects, per the tie-break rule in §4.1.3.
func (o *Orchestrator) prepare(taskID, sourceNodeID, targetNodeID, migrationType string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, inFlight := o.waiters[taskID]; inFlight {
		return fmt.Errorf("task %s already has a migration in flight", taskID)
	}

	task, ok := o.tasks.Get(taskID)
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	if task.Status == TaskMigrating {
		return fmt.Errorf("task %s already migrating", taskID)
	}
	if task.CurrentNodeID != sourceNodeID {
		return fmt.Errorf("task %s is not owned by source node %s", taskID, sourceNodeID)
	}
	if sourceNodeID == targetNodeID {
		return fmt.Errorf("source and target node must differ")
	}
	source, ok := o.nodes.Get(sourceNodeID)
	if !ok || source.Status == NodeOffline {
		return fmt.Errorf("source node %s is not online", sourceNodeID)
	}
	target, ok := o.nodes.Get(targetNodeID)
	if !ok || target.Status != NodeOnline {
		return fmt.Errorf("target node %s is not online", targetNodeID)
	}
	if migrationType != MigrationWeak && migrationType != MigrationStrong {
		return fmt.Errorf("unknown migration type %q", migrationType)
	}

	o.tasks.Update(taskID, func(t *Task) {
		t.Status = TaskMigrating
	})
	return nil
}

func (o *Orchestrator) registerWaiter(taskID string, strong bool) *waiter {
	w := &waiter{strong: strong, result: make(chan waiterResult, 1)}
	o.mu.Lock()
	o.waiters[taskID] = w
	o.mu.Unlock()
	return w
}

func (o *Orchestrator) clearWaiter(taskID string) {
	o.mu.Lock()
	delete(o.waiters, taskID)
	o.mu.Unlock()
}

// ResolvePauseAck is called by the coordinator's task:progress handler when
// a progress report marked paused arrives for a task with an outstanding
// weak-migration waiter. There is no dedicated pause-acknowledgment event
// in the wire protocol's closed event set (spec.md §6), so a task:progress
// report whose message is "paused" is overloaded to serve as the ack.
func (o *Orchestrator) ResolvePauseAck(taskID string) {
	o.mu.Lock()
	w, ok := o.waiters[taskID]
	o.mu.Unlock()
	if !ok || w.strong {
		return
	}
	select {
	case w.result <- waiterResult{}:
	default:
	}
}

// ResolveCheckpoint is the single checksum gate for an inbound
// checkpoint:saved frame: it verifies cp's checksum and resolves the
// AWAIT_SNAPSHOT waiter for its task, if one exists, with either the
// checkpoint (valid) or a checksum-mismatch error (invalid) — a distinct
// rejection outcome from the generic AWAIT_SNAPSHOT timeout, per spec.md
// §4.1.3 and the worked example in spec.md §8 Scenario 4. It reports the
// verdict so the caller can decide whether the checkpoint is fit to
// persist; a checkpoint:saved arriving for a task with no pending waiter
// still gets verified here, it just has no waiter to resolve.
func (o *Orchestrator) ResolveCheckpoint(cp *coderegistry.ExecutionCheckpoint) (bool, error) {
	valid, err := o.registry.VerifyCheckpoint(cp)
	if err == nil && !valid {
		err = fmt.Errorf("checkpoint checksum mismatch for task %s", cp.TaskID)
	}

	o.mu.Lock()
	w, ok := o.waiters[cp.TaskID]
	o.mu.Unlock()
	if ok && w.strong {
		if err != nil {
			select {
			case w.result <- waiterResult{err: err}:
			default:
			}
		} else {
			select {
			case w.result <- waiterResult{checkpoint: cp}:
			default:
			}
		}
	}

	return valid, err
}

// commit performs COMMIT and DONE (spec.md §4.1.3 steps 3-4): it moves the
// task's currentNodeId to the target, marks the source online and the
// target busy, and dispatches task:assign with the checkpoint (strong) or
// without (weak).
func (o *Orchestrator) commit(ctx context.Context, task *Task, sourceNodeID, targetNodeID, migrationType string, cp *coderegistry.ExecutionCheckpoint) (string, error) {
	_, span := o.tracer.Tracer().Start(ctx, "migration.commit")
	defer span.End()

	if cp != nil {
		o.hub.BroadcastEvent(wire.BroadcastCheckpointSaved, map[string]interface{}{"taskId": task.ID, "currentStep": cp.CurrentStep})
	}
	o.hub.BroadcastEvent(wire.BroadcastCodeTransferred, map[string]interface{}{"taskId": task.ID})
	if cp != nil {
		o.hub.BroadcastEvent(wire.BroadcastStateTransferred, map[string]interface{}{"taskId": task.ID})
	}

	o.nodes.SetStatus(sourceNodeID, NodeOnline)
	o.nodes.SetStatus(targetNodeID, NodeBusy)

	o.tasks.Update(task.ID, func(t *Task) {
		t.CurrentNodeID = targetNodeID
		t.Status = TaskRunning
	})

	payload := map[string]interface{}{"task": task}
	if cp != nil {
		payload["checkpoint"] = cp
	}
	assignEnv, err := wire.NewEnvelope(wire.EventTaskAssign, payload)
	if err != nil {
		return "aborted", fmt.Errorf("build task:assign envelope: %w", err)
	}
	if !o.hub.Send(targetNodeID, assignEnv) {
		return "aborted", fmt.Errorf("target node %s unreachable at commit", targetNodeID)
	}

	o.hub.BroadcastEvent(wire.BroadcastMigrationCompleted, map[string]interface{}{"taskId": task.ID, "targetNodeId": targetNodeID})
	o.hub.BroadcastEnvelope(mustSystemUpdate(o))

	if o.logger != nil {
		o.logger.Info("migration committed",
			zap.String("task_id", task.ID),
			zap.String("source_node_id", sourceNodeID),
			zap.String("target_node_id", targetNodeID),
			zap.String("migration_type", migrationType))
	}

	return "completed", nil
}

// abort performs ABORT (spec.md §4.1.3 step 5): it logs the failure and
// reverts task.status to running if the source is still reachable, or
// leaves the task for the recovery manager to pick up otherwise.
func (o *Orchestrator) abort(task *Task, sourceNodeID string, cause error) {
	if task == nil {
		return
	}
	if o.logger != nil {
		o.logger.Error("migration aborted", zap.String("task_id", task.ID), zap.Error(cause))
	}

	source, ok := o.nodes.Get(sourceNodeID)
	if ok && source.Status != NodeOffline {
		o.tasks.Update(task.ID, func(t *Task) {
			t.Status = TaskRunning
		})
	}
	// If the source is unreachable the task is left in `migrating`; the
	// recovery manager's failure sweep will pick it up once the node is
	// declared offline, per spec.md §4.4.

	o.hub.BroadcastEvent(wire.BroadcastMigrationFailed, map[string]interface{}{"taskId": task.ID, "reason": cause.Error()})
}

// mustSystemUpdate builds the system:update broadcast envelope (node and
// task lists) sent on DONE and after node table changes. If encoding the
// payload fails, it returns a system:update envelope with no payload
// instead of an error.
func mustSystemUpdate(o *Orchestrator) *wire.Envelope {
	env, err := wire.NewEnvelope(wire.EventSystemUpdate, map[string]interface{}{
		"nodes": o.nodes.List(),
		"tasks": o.tasks.List(),
	})
	if err != nil {
		env = &wire.Envelope{Event: wire.EventSystemUpdate}
	}
	return env
}
