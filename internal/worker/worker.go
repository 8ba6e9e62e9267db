package worker

import (
	"go.uber.org/zap"

	"github.com/artemis/taskmesh/internal/config"
	"github.com/artemis/taskmesh/internal/observability"
	"github.com/artemis/taskmesh/internal/tasklib"
	"github.com/artemis/taskmesh/internal/wire"
)

// Worker is the composition root for a single mesh participant: it owns the
// Connector (control channel) and the ExecutionRuntime (task execution),
// and is the CommandHandler the Connector dispatches decoded envelopes
// into. Grounded on the teacher's worker/worker.go composition root, which
// wires the same Connector+Executor pair behind one dispatch switch.
type Worker struct {
	cfg       *config.Config
	logger    *observability.Logger
	connector *Connector
	runtime   *ExecutionRuntime
	tasks     *tasklib.Registry
	statsFn   func() (cpuUsage, memUsage float64)
}

// New builds a Worker. statsFn supplies the CPU/memory samples attached to
// node:stats heartbeats; pass nil to omit resource reporting entirely.
func New(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics, statsFn func() (cpuUsage, memUsage float64)) *Worker {
	w := &Worker{
		cfg:     cfg,
		logger:  logger,
		tasks:   tasklib.NewRegistry(),
		statsFn: statsFn,
	}
	w.connector = NewConnector(cfg, logger, w, statsFn)
	w.runtime = NewExecutionRuntime(w.connector, logger, metrics, w.tasks, cfg)
	return w
}

// Start connects to the coordinator and blocks dispatching control-channel
// traffic until Stop is called.
func (w *Worker) Start() error {
	if err := w.connector.Connect(); err != nil {
		return err
	}
	<-w.connector.ctx.Done()
	return nil
}

// Stop disconnects from the coordinator and halts the active task, if any.
func (w *Worker) Stop() {
	w.connector.Disconnect()
	w.runtime.mu.Lock()
	if w.runtime.cancel != nil {
		w.runtime.cancel()
	}
	w.runtime.mu.Unlock()
}

// HandleEnvelope is the Connector's CommandHandler callback: it dispatches
// one decoded inbound envelope to the matching handler. Unknown or
// malformed events are logged and dropped, never allowed to crash the
// process, mirroring the coordinator's own dispatch discipline in
// spec.md §7.
func (w *Worker) HandleEnvelope(env *wire.Envelope) {
	switch env.Event {
	case wire.EventNodeRegistered:
		w.handleRegistered(env)
	case wire.EventTaskAssign:
		w.handleTaskAssign(env)
	case wire.EventTaskPause:
		w.handleTaskPause(env)
	case wire.EventCheckpointLoad:
		w.handleCheckpointLoad(env)
	case wire.EventCheckpointSave:
		w.handleCheckpointSave(env)
	default:
		if w.logger != nil {
			w.logger.Debug("worker ignoring unhandled event", zap.String("event", string(env.Event)))
		}
	}
}

func (w *Worker) handleRegistered(env *wire.Envelope) {
	var payload struct {
		NodeID string `json:"nodeId"`
	}
	if err := env.Decode(&payload); err != nil {
		w.logProtocolError(env, err)
		return
	}
	if w.logger != nil {
		w.logger.Info("registered with coordinator", zap.String("node_id", payload.NodeID))
	}
}

func (w *Worker) handleTaskAssign(env *wire.Envelope) {
	var payload assignPayload
	if err := env.Decode(&payload); err != nil {
		w.logProtocolError(env, err)
		return
	}
	if w.logger != nil {
		w.logger.Info("task assigned", zap.String("task_id", payload.Task.ID), zap.String("task_name", payload.Task.Name))
	}
	w.runtime.Execute(payload)
}

func (w *Worker) handleTaskPause(env *wire.Envelope) {
	var payload struct {
		TaskID          string `json:"taskId"`
		RequireSnapshot bool   `json:"requireSnapshot"`
	}
	if err := env.Decode(&payload); err != nil {
		w.logProtocolError(env, err)
		return
	}
	w.runtime.Pause(payload.TaskID, payload.RequireSnapshot)
}

func (w *Worker) handleCheckpointLoad(env *wire.Envelope) {
	var payload struct {
		TaskID string `json:"taskId"`
	}
	if err := env.Decode(&payload); err != nil {
		w.logProtocolError(env, err)
		return
	}
	cp, ok := w.runtime.GetLatestCheckpoint(payload.TaskID)
	if !ok {
		return
	}
	reply, err := wire.NewEnvelope(wire.EventCheckpointLoaded, map[string]interface{}{"checkpoint": cp})
	if err != nil {
		return
	}
	_ = w.connector.Send(reply)
}

// handleCheckpointSave answers a checkpoint:save request (spec.md §4.2,
// used by the coordinator's recovery path) by re-emitting whatever this
// runtime already has cached for the task as checkpoint:saved. There is no
// way to interrupt a running task mid-step to force a brand-new snapshot
// beyond what it has already cached at its own checkpoint cadence, so this
// hands back the freshest one this worker can produce on demand.
func (w *Worker) handleCheckpointSave(env *wire.Envelope) {
	var payload struct {
		TaskID string `json:"taskId"`
	}
	if err := env.Decode(&payload); err != nil {
		w.logProtocolError(env, err)
		return
	}
	cp, ok := w.runtime.GetLatestCheckpoint(payload.TaskID)
	if !ok {
		return
	}
	reply, err := wire.NewEnvelope(wire.EventCheckpointSaved, map[string]interface{}{"checkpoint": cp})
	if err != nil {
		return
	}
	_ = w.connector.Send(reply)
}

func (w *Worker) logProtocolError(env *wire.Envelope, err error) {
	if w.logger != nil {
		w.logger.Warn("failed to decode control channel payload",
			zap.String("event", string(env.Event)), zap.Error(err))
	}
}
