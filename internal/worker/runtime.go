package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/artemis/taskmesh/internal/coderegistry"
	"github.com/artemis/taskmesh/internal/config"
	"github.com/artemis/taskmesh/internal/observability"
	"github.com/artemis/taskmesh/internal/tasklib"
	"github.com/artemis/taskmesh/internal/wire"
)

// ExecutionRuntime runs one task to completion (or pause) under the
// cooperative contract in spec.md §4.5. Grounded on the teacher's
// worker/executor.go Executor: the active-migration-by-id cancellation map
// and phase-by-phase progress reporting there is generalized here from
// "migrate a Docker resource" into "run a task, checkpointing and pausing
// cooperatively." The runtime is single-threaded with respect to a given
// task, per spec.md §4.5.
type ExecutionRuntime struct {
	connector *Connector
	logger    *observability.Logger
	metrics   *observability.Metrics
	tasks     *tasklib.Registry
	defaultCheckpointInterval int

	mu           sync.Mutex
	currentTaskID string
	cancel       context.CancelFunc
	paused       bool
	latest       map[string]*coderegistry.ExecutionCheckpoint
}

// NewExecutionRuntime builds the runtime the worker composition root drives.
func NewExecutionRuntime(connector *Connector, logger *observability.Logger, metrics *observability.Metrics, tasks *tasklib.Registry, cfg *config.Config) *ExecutionRuntime {
	return &ExecutionRuntime{
		connector:                 connector,
		logger:                    logger,
		metrics:                   metrics,
		tasks:                     tasks,
		defaultCheckpointInterval: cfg.CheckpointIntervalSteps,
		latest:                    make(map[string]*coderegistry.ExecutionCheckpoint),
	}
}

// assignPayload is the task:assign envelope payload, per spec.md §4.1.2.
type assignPayload struct {
	Task       assignTask                         `json:"task"`
	CodeBundle *coderegistry.CodeBundle          `json:"codeBundle"`
	Checkpoint *coderegistry.ExecutionCheckpoint `json:"checkpoint"`
}

type assignTask struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Code          string                 `json:"code"`
	MigrationType string                 `json:"migrationType"`
	Params        map[string]interface{} `json:"params"`
}

// Execute begins running a task assigned to this worker. It is an error
// (reported back, never silently dropped) to assign a new task while one
// is already active, per spec.md §4.2.
func (r *ExecutionRuntime) Execute(p assignPayload) {
	r.mu.Lock()
	if r.currentTaskID != "" {
		r.mu.Unlock()
		r.reportError(p.Task.ID, fmt.Errorf("worker busy with task %s", r.currentTaskID))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.currentTaskID = p.Task.ID
	r.cancel = cancel
	r.paused = false
	r.mu.Unlock()

	checkpointsEnabled := p.Task.MigrationType == "strong"
	interval := r.defaultCheckpointInterval
	if !checkpointsEnabled {
		interval = 0
	}

	// Built-in bundles are registered with their code set to their name, so
	// Task.Code identifies the task when an assignment carries no bundle
	// (migration and recovery assignments).
	taskName := p.Task.Code
	if p.CodeBundle != nil {
		taskName = p.CodeBundle.Name
	}
	task, ok := r.tasks.Lookup(taskName)
	if !ok {
		r.reportError(p.Task.ID, fmt.Errorf("unknown task %q", taskName))
		r.clear(p.Task.ID)
		return
	}

	params := p.Task.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	if p.Checkpoint != nil {
		params["resumeFromStep"] = p.Checkpoint.CurrentStep + 1
		for k, v := range p.Checkpoint.Variables {
			params[k] = v
		}
	}

	rc := &runtimeContext{
		ctx:             ctx,
		runtime:         r,
		taskID:          p.Task.ID,
		checkpointEvery: interval,
	}

	go r.run(task, rc, params)
}

func (r *ExecutionRuntime) run(task tasklib.Task, rc *runtimeContext, params map[string]interface{}) {
	start := time.Now()
	result, err := task.Run(rc, params)
	status := "completed"
	defer func() {
		r.metrics.RecordTaskExecution(status, time.Since(start).Seconds())
		r.clear(rc.taskID)
	}()

	if err != nil {
		status = "failed"
		r.reportError(rc.taskID, err)
		return
	}

	if paused, _ := result["paused"].(bool); paused {
		status = "paused"
		return
	}

	env, buildErr := wire.NewEnvelope(wire.EventTaskComplete, map[string]interface{}{
		"taskId": rc.taskID, "result": result,
	})
	if buildErr != nil {
		if r.logger != nil {
			r.logger.Error("failed to build task:complete envelope", zap.Error(buildErr))
		}
		return
	}
	if err := r.connector.Send(env); err != nil && r.logger != nil {
		r.logger.Error("failed to send task:complete", zap.Error(err))
	}
}

func (r *ExecutionRuntime) reportError(taskID string, cause error) {
	if r.logger != nil {
		r.logger.Error("task execution error", zap.String("task_id", taskID), zap.Error(cause))
	}
	env, err := wire.NewEnvelope(wire.EventTaskError, map[string]interface{}{"taskId": taskID, "error": cause.Error()})
	if err == nil {
		_ = r.connector.Send(env)
	}
}

func (r *ExecutionRuntime) clear(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentTaskID == taskID {
		r.currentTaskID = ""
		r.cancel = nil
		r.paused = false
	}
}

// Pause asks the active task to stop at its next cooperative check point,
// per spec.md §4.2's task:pause handling. If requireSnapshot is set, the
// latest checkpoint (if any) is re-emitted so the coordinator's
// AWAIT_SNAPSHOT waiter has something to resolve against even if the task
// itself doesn't produce a fresh one before yielding.
func (r *ExecutionRuntime) Pause(taskID string, requireSnapshot bool) {
	r.mu.Lock()
	isCurrent := r.currentTaskID == taskID
	if isCurrent {
		r.paused = true
	}
	latest := r.latest[taskID]
	r.mu.Unlock()

	if !isCurrent {
		return
	}

	if requireSnapshot && latest != nil {
		env, err := wire.NewEnvelope(wire.EventCheckpointSaved, map[string]interface{}{"checkpoint": latest})
		if err == nil {
			_ = r.connector.Send(env)
		}
	}

	ackEnv, err := wire.NewEnvelope(wire.EventTaskProgress, map[string]interface{}{"taskId": taskID, "message": "paused"})
	if err == nil {
		_ = r.connector.Send(ackEnv)
	}
}

// GetLatestCheckpoint returns the most recent checkpoint this runtime has
// emitted locally for taskID, used by the worker's checkpoint:load and
// checkpoint:save handlers.
func (r *ExecutionRuntime) GetLatestCheckpoint(taskID string) (*coderegistry.ExecutionCheckpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp, ok := r.latest[taskID]
	return cp, ok
}

// runtimeContext implements tasklib.ExecutionContext for one task
// execution. It is the concrete counterpart to the ExecutionContext
// capabilities described in spec.md §4.5.
type runtimeContext struct {
	ctx             context.Context
	runtime         *ExecutionRuntime
	taskID          string
	checkpointEvery int
	stepsSince      int
}

func (rc *runtimeContext) Context() context.Context { return rc.ctx }

func (rc *runtimeContext) ReportProgress(percent int) {
	env, err := wire.NewEnvelope(wire.EventTaskProgress, map[string]interface{}{
		"taskId": rc.taskID, "progress": percent,
	})
	if err != nil {
		return
	}
	_ = rc.runtime.connector.Send(env)
	rc.stepsSince++
}

func (rc *runtimeContext) ShouldCheckpoint(step int) bool {
	if rc.checkpointEvery <= 0 {
		return false
	}
	return rc.stepsSince >= rc.checkpointEvery
}

func (rc *runtimeContext) SaveCheckpoint(currentStep, totalSteps int, variables map[string]interface{}) error {
	nodeID := rc.runtime.connector.NodeID()
	cp := &coderegistry.ExecutionCheckpoint{
		TaskID:       rc.taskID,
		CurrentStep:  currentStep,
		TotalSteps:   totalSteps,
		Variables:    variables,
		SourceNodeID: nodeID,
		CreatedAt:    time.Now(),
	}
	checksum, err := wire.Checksum(map[string]interface{}{
		"taskId": cp.TaskID, "currentStep": cp.CurrentStep, "totalSteps": cp.TotalSteps, "variables": cp.Variables,
	})
	if err != nil {
		return fmt.Errorf("checksum checkpoint: %w", err)
	}
	cp.Checksum = checksum

	rc.runtime.mu.Lock()
	rc.runtime.latest[rc.taskID] = cp
	rc.runtime.mu.Unlock()
	rc.stepsSince = 0

	env, err := wire.NewEnvelope(wire.EventCheckpointSaved, map[string]interface{}{"checkpoint": cp})
	if err != nil {
		return fmt.Errorf("build checkpoint:saved envelope: %w", err)
	}
	return rc.runtime.connector.Send(env)
}

func (rc *runtimeContext) Sleep(d time.Duration) {
	select {
	case <-rc.ctx.Done():
	case <-time.After(d):
	}
}

func (rc *runtimeContext) IsPaused() bool {
	rc.runtime.mu.Lock()
	defer rc.runtime.mu.Unlock()
	return rc.runtime.paused && rc.runtime.currentTaskID == rc.taskID
}
