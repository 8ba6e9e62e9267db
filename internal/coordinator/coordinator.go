package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/artemis/taskmesh/internal/coderegistry"
	"github.com/artemis/taskmesh/internal/config"
	"github.com/artemis/taskmesh/internal/observability"
	"github.com/artemis/taskmesh/internal/tasklib"
	"github.com/artemis/taskmesh/internal/wire"
)

// Coordinator is the composition root for the sole-authority control plane:
// it wires the node/task tables, the code registry, the migration
// orchestrator, the recovery manager, the overload detector, the control
// channel hub, and the HTTP API together. Grounded on the teacher's
// internal/master/master.go Master composition root — constructor shape,
// Start/Stop/StartBackgroundTasks lifecycle — generalized from Docker
// transfer coordination to task mobility.
type Coordinator struct {
	cfg    *config.Config
	logger *observability.Logger
	health *observability.HealthChecker
	tracer *observability.TraceProvider

	nodes        *NodeRegistry
	tasks        *TaskStore
	registry     *coderegistry.Registry
	tasklib      *tasklib.Registry
	hub          *Hub
	orchestrator *Orchestrator
	recovery     *RecoveryManager
	autoscaler   *Autoscaler
	metrics      *observability.Metrics

	httpServer *http.Server
	stop       chan struct{}
}

// New builds a Coordinator from cfg. Grounded on the teacher's
// master.New(cfg, logger) constructor shape.
func New(cfg *config.Config, logger *observability.Logger, tracer *observability.TraceProvider) *Coordinator {
	nodes := NewNodeRegistry()
	tasks := NewTaskStore()
	registry := coderegistry.NewRegistry(logger)
	tasklibRegistry := tasklib.NewRegistry()
	metrics := observability.NewMetrics()

	c := &Coordinator{
		cfg:      cfg,
		logger:   logger,
		tracer:   tracer,
		nodes:    nodes,
		tasks:    tasks,
		registry: registry,
		tasklib:  tasklibRegistry,
		metrics:  metrics,
		stop:     make(chan struct{}),
	}

	c.hub = NewHub(logger, c.HandleEnvelope)
	c.orchestrator = NewOrchestrator(nodes, tasks, registry, c.hub, logger, metrics, tracer)
	c.recovery = NewRecoveryManager(nodes, tasks, registry, c.hub, c.orchestrator, logger, metrics)
	c.autoscaler = NewAutoscaler(nodes, tasks, c.orchestrator, logger, metrics, cfg.AutoMigrationCPUThreshold, cfg.AutoMigrationDuration, cfg.HeartbeatInterval)
	c.health = observability.NewHealthChecker(nodes)

	for _, name := range tasklibRegistry.Names() {
		if _, err := registry.RegisterBundle(name, "built-in task", name); err != nil && logger != nil {
			logger.Error("failed to pre-register built-in bundle", zap.String("name", name), zap.Error(err))
		}
	}

	return c
}

// Start runs the hub loop, the HTTP server, the failure sweep, and the
// overload detector, then blocks until Stop is called.
func (c *Coordinator) Start() error {
	go c.hub.Run()
	go c.runFailureSweep()
	go c.autoscaler.Run(c.stop, c.cfg.CheckInterval)

	router := gin.New()
	router.Use(gin.Recovery())
	c.RegisterRoutes(router)

	c.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", c.cfg.CoordinatorPort),
		Handler: router,
	}

	if c.logger != nil {
		c.logger.Info("coordinator listening", zap.Int("port", c.cfg.CoordinatorPort))
	}
	if err := c.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("coordinator http server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the coordinator.
func (c *Coordinator) Stop(ctx context.Context) error {
	close(c.stop)
	c.hub.Stop()
	if c.httpServer != nil {
		return c.httpServer.Shutdown(ctx)
	}
	return nil
}

// runFailureSweep is the periodic sweep described in spec.md §4.6.
func (c *Coordinator) runFailureSweep() {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			stale := c.nodes.StaleNodes(c.cfg.HeartbeatTimeout)
			for _, n := range stale {
				c.nodes.SetStatus(n.ID, NodeOffline)
				observability.HeartbeatTimeouts.WithLabelValues(n.Role).Inc()
				if c.logger != nil {
					c.logger.Warn("node heartbeat timeout, declared offline", zap.String("node_id", n.ID))
				}
				c.recovery.HandleNodeFailure(n.ID)
			}
			if len(stale) > 0 {
				c.hub.BroadcastEnvelope(mustSystemUpdate(c.orchestrator))
			}
			c.publishNodeGauge()
		}
	}
}

func (c *Coordinator) publishNodeGauge() {
	c.metrics.SetNodeCounts(c.nodes.CountByStatus())
}

// SubmitTask stores a new task and attempts immediate assignment, per
// spec.md §4.1's task:submit contract.
func (c *Coordinator) SubmitTask(name, bundleName, customCode, migrationType string, params map[string]interface{}) (*Task, error) {
	if migrationType != MigrationWeak && migrationType != MigrationStrong {
		migrationType = MigrationWeak
	}

	var code, bundleID string
	if customCode != "" {
		ephemeral, err := c.registry.RegisterBundle(fmt.Sprintf("adhoc-%s", uuid.NewString()), "ad-hoc custom code", customCode)
		if err != nil {
			return nil, fmt.Errorf("register custom code bundle: %w", err)
		}
		code, bundleID = customCode, ephemeral.ID
	} else {
		bundle, ok := c.registry.GetLatestBundleByName(bundleName)
		if !ok {
			return nil, fmt.Errorf("no code bundle named %q", bundleName)
		}
		code, bundleID = bundle.Code, bundle.ID
	}

	task := &Task{
		ID:            uuid.NewString(),
		Name:          name,
		Code:          code,
		CustomCode:    customCode,
		Status:        TaskPending,
		MigrationType: migrationType,
		Progress:      0,
		CreatedAt:     time.Now(),
		Params:        params,
		bundleID:      bundleID,
	}
	c.tasks.Put(task)

	worker, ok := c.nodes.FindAvailableWorker("")
	if !ok {
		if c.logger != nil {
			c.logger.Warn("no available worker at submit, task left pending", zap.String("task_id", task.ID))
		}
		return task, nil
	}

	c.assign(task, worker.ID, nil)
	return task, nil
}

// assign performs spec.md §4.1.2's assignment side effects and dispatches
// task:assign to the chosen worker.
func (c *Coordinator) assign(task *Task, workerID string, cp *coderegistry.ExecutionCheckpoint) {
	now := time.Now()
	c.tasks.Update(task.ID, func(t *Task) {
		t.Status = TaskRunning
		t.CurrentNodeID = workerID
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	})
	c.nodes.SetStatus(workerID, NodeBusy)

	bundle, _ := c.registry.GetBundle(task.bundleID)

	payload := map[string]interface{}{"task": task}
	if bundle != nil {
		payload["codeBundle"] = bundle
	}
	if cp != nil {
		payload["checkpoint"] = cp
	}

	env, err := wire.NewEnvelope(wire.EventTaskAssign, payload)
	if err != nil {
		if c.logger != nil {
			c.logger.Error("failed to build task:assign envelope", zap.Error(err))
		}
		return
	}
	if !c.hub.Send(workerID, env) {
		c.tasks.Update(task.ID, func(t *Task) {
			t.Status = TaskPending
			t.CurrentNodeID = ""
		})
		if c.logger != nil {
			c.logger.Error("assignment target unreachable", zap.String("task_id", task.ID), zap.String("worker_id", workerID))
		}
	}
}

// HandleEnvelope dispatches one inbound control-channel frame. Per spec.md
// §7, protocol errors (unknown event, schema mismatch) are dropped and
// logged — they never crash the coordinator.
func (c *Coordinator) HandleEnvelope(client *Client, env *wire.Envelope) {
	switch env.Event {
	case wire.EventNodeRegister:
		c.handleNodeRegister(client, env)
	case wire.EventNodeHeartbeat:
		c.handleNodeHeartbeat(env)
	case wire.EventNodeStats:
		c.handleNodeStats(env)
	case wire.EventNodeStatusUpdate:
		c.handleNodeStatusUpdate(env)
	case wire.EventTaskSubmit:
		c.handleTaskSubmit(env)
	case wire.EventTaskProgress:
		c.handleTaskProgress(env)
	case wire.EventTaskComplete:
		c.handleTaskComplete(env)
	case wire.EventTaskError:
		c.handleTaskError(env)
	case wire.EventMigrationRequest:
		c.handleMigrationRequest(env)
	case wire.EventCheckpointSaved:
		c.handleCheckpointSaved(env)
	case wire.EventDisconnect:
		c.handleDisconnect(client)
	default:
		if c.logger != nil {
			c.logger.Warn("dropping unrecognized control channel event", zap.String("event", string(env.Event)))
		}
	}
}

type nodeRegisterPayload struct {
	NodeID  string `json:"nodeId"`
	Name    string `json:"name"`
	Role    string `json:"role"`
	Address string `json:"address"`
}

func (c *Coordinator) handleNodeRegister(client *Client, env *wire.Envelope) {
	var p nodeRegisterPayload
	if err := env.Decode(&p); err != nil {
		c.logProtocolError("node:register", err)
		return
	}
	if p.NodeID == "" {
		p.NodeID = uuid.NewString()
	}
	if p.Role == "" {
		p.Role = RoleWorker
	}

	c.nodes.Register(p.NodeID, p.Name, p.Role, p.Address)
	c.hub.BindNode(client, p.NodeID)

	reply, err := wire.NewEnvelope(wire.EventNodeRegistered, map[string]interface{}{"nodeId": p.NodeID})
	if err == nil {
		c.hub.Send(p.NodeID, reply)
	}
	c.hub.BroadcastEnvelope(mustSystemUpdate(c.orchestrator))
}

type nodeHeartbeatPayload struct {
	NodeID string `json:"nodeId"`
}

func (c *Coordinator) handleNodeHeartbeat(env *wire.Envelope) {
	var p nodeHeartbeatPayload
	if err := env.Decode(&p); err != nil {
		c.logProtocolError("node:heartbeat", err)
		return
	}
	c.nodes.Heartbeat(p.NodeID)
}

type nodeStatsPayload struct {
	NodeID   string  `json:"nodeId"`
	CPUUsage float64 `json:"cpuUsage"`
}

func (c *Coordinator) handleNodeStats(env *wire.Envelope) {
	var p nodeStatsPayload
	if err := env.Decode(&p); err != nil {
		c.logProtocolError("node:stats", err)
		return
	}
	c.nodes.RecordStats(p.NodeID, p.CPUUsage)
}

type nodeStatusUpdatePayload struct {
	NodeID string `json:"nodeId"`
	Status string `json:"status"`
}

func (c *Coordinator) handleNodeStatusUpdate(env *wire.Envelope) {
	var p nodeStatusUpdatePayload
	if err := env.Decode(&p); err != nil {
		c.logProtocolError("node:status:update", err)
		return
	}
	c.nodes.SetStatus(p.NodeID, p.Status)
	c.hub.BroadcastEnvelope(mustSystemUpdate(c.orchestrator))
}

func (c *Coordinator) handleTaskSubmit(env *wire.Envelope) {
	var p submitTaskRequest
	if err := env.Decode(&p); err != nil {
		c.logProtocolError("task:submit", err)
		return
	}
	task, err := c.SubmitTask(p.Name, p.BundleName, p.CustomCode, p.MigrationType, p.Params)
	if err != nil {
		errEnv, _ := wire.NewEnvelope(wire.EventTaskError, map[string]interface{}{"error": err.Error()})
		c.hub.BroadcastEnvelope(errEnv)
		return
	}
	submitted, _ := wire.NewEnvelope(wire.EventTaskSubmitted, task)
	c.hub.BroadcastEnvelope(submitted)
}

type taskProgressPayload struct {
	TaskID      string `json:"taskId"`
	CurrentStep int    `json:"currentStep"`
	TotalSteps  int    `json:"totalSteps"`
	Progress    int    `json:"progress"`
	Message     string `json:"message"`
}

func (c *Coordinator) handleTaskProgress(env *wire.Envelope) {
	var p taskProgressPayload
	if err := env.Decode(&p); err != nil {
		c.logProtocolError("task:progress", err)
		return
	}
	c.tasks.Update(p.TaskID, func(t *Task) {
		t.Progress = p.Progress
	})

	if p.Message == "paused" {
		c.orchestrator.ResolvePauseAck(p.TaskID)
	}

	c.hub.BroadcastEnvelope(env)
}

type taskCompletePayload struct {
	TaskID string                 `json:"taskId"`
	Result map[string]interface{} `json:"result"`
}

func (c *Coordinator) handleTaskComplete(env *wire.Envelope) {
	var p taskCompletePayload
	if err := env.Decode(&p); err != nil {
		c.logProtocolError("task:complete", err)
		return
	}

	now := time.Now()
	var workerID string
	c.tasks.Update(p.TaskID, func(t *Task) {
		t.Status = TaskCompleted
		t.CompletedAt = &now
		t.Result = p.Result
		t.Progress = 100
		workerID = t.CurrentNodeID
	})
	if workerID != "" {
		c.nodes.SetStatus(workerID, NodeOnline)
	}
	c.registry.ClearCheckpoints(p.TaskID)
	c.recovery.ForgetTask(p.TaskID)
	c.metrics.RecordTaskTerminal(TaskCompleted)

	c.hub.BroadcastEnvelope(env)
}

type taskErrorPayload struct {
	TaskID string `json:"taskId"`
	Error  string `json:"error"`
}

func (c *Coordinator) handleTaskError(env *wire.Envelope) {
	var p taskErrorPayload
	if err := env.Decode(&p); err != nil {
		c.logProtocolError("task:error", err)
		return
	}
	var workerID string
	c.tasks.Update(p.TaskID, func(t *Task) {
		t.Status = TaskFailed
		workerID = t.CurrentNodeID
	})
	if workerID != "" {
		c.nodes.SetStatus(workerID, NodeOnline)
	}
	c.recovery.ForgetTask(p.TaskID)
	c.metrics.RecordTaskTerminal(TaskFailed)
	c.hub.BroadcastEnvelope(env)
}

type migrationRequestPayload struct {
	TaskID        string `json:"taskId"`
	SourceNodeID  string `json:"sourceNodeId"`
	TargetNodeID  string `json:"targetNodeId"`
	MigrationType string `json:"migrationType"`
}

func (c *Coordinator) handleMigrationRequest(env *wire.Envelope) {
	var p migrationRequestPayload
	if err := env.Decode(&p); err != nil {
		c.logProtocolError("migration:request", err)
		return
	}
	go func() {
		if err := c.orchestrator.RequestMigration(p.TaskID, p.SourceNodeID, p.TargetNodeID, p.MigrationType); err != nil && c.logger != nil {
			c.logger.Error("migration request failed", zap.String("task_id", p.TaskID), zap.Error(err))
		}
	}()
}

type checkpointSavedPayload struct {
	Checkpoint coderegistry.ExecutionCheckpoint `json:"checkpoint"`
}

func (c *Coordinator) handleCheckpointSaved(env *wire.Envelope) {
	var p checkpointSavedPayload
	if err := env.Decode(&p); err != nil {
		c.logProtocolError("checkpoint:saved", err)
		return
	}

	// ResolveCheckpoint is the sole checksum gate: it verifies p.Checkpoint
	// and resolves any AWAIT_SNAPSHOT waiter with the matching accept/reject
	// outcome before this handler decides whether to persist anything.
	valid, err := c.orchestrator.ResolveCheckpoint(&p.Checkpoint)
	if err != nil || !valid {
		if c.logger != nil {
			c.logger.Error("rejecting checkpoint with invalid checksum", zap.String("task_id", p.Checkpoint.TaskID))
		}
		return
	}

	saved, err := c.registry.SaveCheckpoint(p.Checkpoint.TaskID, p.Checkpoint.CurrentStep, p.Checkpoint.TotalSteps, p.Checkpoint.Variables, p.Checkpoint.SourceNodeID)
	if err != nil {
		if c.logger != nil {
			c.logger.Error("failed to persist checkpoint", zap.String("task_id", p.Checkpoint.TaskID), zap.Error(err))
		}
		return
	}

	ack, err := wire.NewEnvelope(wire.EventCheckpointSaved, saved)
	if err == nil {
		c.hub.BroadcastEnvelope(ack)
	}
}

func (c *Coordinator) handleDisconnect(client *Client) {
	nodeID := client.NodeID()
	if nodeID == "" {
		return
	}
	c.nodes.SetStatus(nodeID, NodeOffline)
	c.recovery.HandleNodeFailure(nodeID)
	c.hub.BroadcastEnvelope(mustSystemUpdate(c.orchestrator))
}

func (c *Coordinator) logProtocolError(event string, err error) {
	if c.logger != nil {
		c.logger.Warn("protocol error", zap.String("event", event), zap.Error(err))
	}
}
