package coordinator

import (
	"time"

	"go.uber.org/zap"

	"github.com/artemis/taskmesh/internal/observability"
)

// Autoscaler is the overload detector described in spec.md §4.7: it
// watches each node's trailing CPU sample window and triggers a strong
// migration off any node sustaining high CPU for AUTO_MIGRATION_DURATION_MS.
// Has no direct teacher equivalent (the teacher migrates containers only on
// explicit operator request); built fresh following the same
// logger/metrics/polling-loop idiom as the rest of this package.
type Autoscaler struct {
	nodes        *NodeRegistry
	tasks        *TaskStore
	orchestrator *Orchestrator
	logger       *observability.Logger
	metrics      *observability.Metrics

	cpuThresholdPct  float64
	durationWindow   time.Duration
	heartbeatInterval time.Duration
}

// NewAutoscaler wires an Autoscaler to the coordinator's shared state.
func NewAutoscaler(nodes *NodeRegistry, tasks *TaskStore, orchestrator *Orchestrator, logger *observability.Logger, metrics *observability.Metrics, cpuThresholdPct float64, durationWindow, heartbeatInterval time.Duration) *Autoscaler {
	return &Autoscaler{
		nodes:             nodes,
		tasks:             tasks,
		orchestrator:      orchestrator,
		logger:            logger,
		metrics:           metrics,
		cpuThresholdPct:   cpuThresholdPct,
		durationWindow:    durationWindow,
		heartbeatInterval: heartbeatInterval,
	}
}

// Run polls every checkInterval until stop is closed, triggering auto-migration
// for any overloaded worker it finds.
func (a *Autoscaler) Run(stop <-chan struct{}, checkInterval time.Duration) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

func (a *Autoscaler) sweep() {
	for _, node := range a.nodes.List() {
		if node.Role != RoleWorker || node.Status != NodeBusy {
			continue
		}
		if !a.nodes.OverloadWindow(node.ID, a.durationWindow, a.cpuThresholdPct, a.heartbeatInterval) {
			continue
		}
		a.triggerAutoMigration(node.ID)
	}
}

func (a *Autoscaler) triggerAutoMigration(sourceNodeID string) {
	running := a.tasks.TasksOnNode(sourceNodeID)
	if len(running) == 0 {
		a.nodes.ClearStats(sourceNodeID)
		return
	}
	task := running[0]

	target, ok := a.nodes.FindAvailableWorker(sourceNodeID)
	if !ok {
		if a.logger != nil {
			a.logger.Warn("overload detected but no alternative worker available", zap.String("node_id", sourceNodeID))
		}
		return
	}

	if a.logger != nil {
		a.logger.Info("auto-migration triggered by sustained overload",
			zap.String("source_node_id", sourceNodeID),
			zap.String("target_node_id", target.ID),
			zap.String("task_id", task.ID))
	}
	a.metrics.RecordAutoMigrationTrigger(sourceNodeID)

	// Clear the source's history to debounce, per spec.md §4.7. Only the
	// source's window is cleared (Open Question resolved conservatively in
	// DESIGN.md); the target's samples are left as they are.
	a.nodes.ClearStats(sourceNodeID)

	go func() {
		if err := a.orchestrator.RequestMigration(task.ID, sourceNodeID, target.ID, MigrationStrong); err != nil && a.logger != nil {
			a.logger.Error("auto-migration failed", zap.String("task_id", task.ID), zap.Error(err))
		}
	}()
}
