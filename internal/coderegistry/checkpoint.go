package coderegistry

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/artemis/taskmesh/internal/observability"
	"github.com/artemis/taskmesh/internal/wire"
)

// ExecutionCheckpoint is a point-in-time snapshot of a task's progress,
// taken on the source node before a strong migration and replayed on the
// target node to resume execution. Field names mirror spec.md §3 exactly.
type ExecutionCheckpoint struct {
	ID           string                 `json:"id"`
	TaskID       string                 `json:"taskId"`
	CurrentStep  int                    `json:"currentStep"`
	TotalSteps   int                    `json:"totalSteps"`
	Variables    map[string]interface{} `json:"variables"`
	SourceNodeID string                 `json:"sourceNodeId"`
	CreatedAt    time.Time              `json:"createdAt"`
	Checksum     string                 `json:"checksum,omitempty"`
}

// checksumView is the subset of fields the checkpoint checksum covers, per
// spec.md §9: {taskId, currentStep, totalSteps, variables}. sourceNodeId and
// id are deliberately excluded — the checksum authenticates the execution
// state, not which node produced it or which history slot it occupies.
func (c *ExecutionCheckpoint) checksumView() map[string]interface{} {
	return map[string]interface{}{
		"taskId":      c.TaskID,
		"currentStep": c.CurrentStep,
		"totalSteps":  c.TotalSteps,
		"variables":   c.Variables,
	}
}

// SaveCheckpoint appends a new checkpoint to taskID's history and sets it as
// the latest. Checkpoints are never mutated once written; a failed
// migration simply leaves stale history behind for later inspection.
func (r *Registry) SaveCheckpoint(taskID string, currentStep, totalSteps int, variables map[string]interface{}, sourceNodeID string) (*ExecutionCheckpoint, error) {
	cp := &ExecutionCheckpoint{
		ID:           uuid.NewString(),
		TaskID:       taskID,
		CurrentStep:  currentStep,
		TotalSteps:   totalSteps,
		Variables:    variables,
		SourceNodeID: sourceNodeID,
		CreatedAt:    time.Now(),
	}

	checksum, err := wire.Checksum(cp.checksumView())
	if err != nil {
		observability.CheckpointsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("checksum checkpoint for task %s: %w", taskID, err)
	}
	cp.Checksum = checksum

	r.mu.Lock()
	r.checkpoints[taskID] = append(r.checkpoints[taskID], cp)
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Info("saved checkpoint",
			zap.String("task_id", taskID),
			zap.Int("current_step", currentStep),
			zap.Int("total_steps", totalSteps))
	}
	observability.CheckpointsTotal.WithLabelValues("accepted").Inc()

	return cp, nil
}

// GetLatestCheckpoint returns the most recently saved checkpoint for taskID.
func (r *Registry) GetLatestCheckpoint(taskID string) (*ExecutionCheckpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	history := r.checkpoints[taskID]
	if len(history) == 0 {
		return nil, false
	}
	return history[len(history)-1], true
}

// VerifyCheckpoint recomputes a checkpoint's checksum and reports whether it
// still matches, catching tampering or corruption in transit between source
// and target node.
func (r *Registry) VerifyCheckpoint(cp *ExecutionCheckpoint) (bool, error) {
	ok, err := wire.VerifyChecksum(cp.checksumView(), cp.Checksum)
	result := "valid"
	if err != nil || !ok {
		result = "mismatch"
	}
	observability.ChecksumVerifications.WithLabelValues("checkpoint", result).Inc()
	return ok, err
}

// ClearCheckpoints discards every checkpoint recorded for taskID. The
// coordinator calls it once the task completes; migrations and
// auto-migrations leave the history in place.
func (r *Registry) ClearCheckpoints(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkpoints, taskID)
}

// CheckpointHistory returns every checkpoint saved for taskID, oldest first.
func (r *Registry) CheckpointHistory(taskID string) []*ExecutionCheckpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	history := r.checkpoints[taskID]
	out := make([]*ExecutionCheckpoint, len(history))
	copy(out, history)
	return out
}

// Stats summarizes registry size for the dashboard and for diagnostics.
type Stats struct {
	TotalBundles     int   `json:"totalBundles"`
	TotalCheckpoints int   `json:"totalCheckpoints"`
	TasksWithHistory int   `json:"tasksWithHistory"`
	ApproxStorageBytes int64 `json:"approxStorageBytes"`
}

// Stats computes current registry statistics, per spec.md §4.3.
// ApproxStorageBytes is a rough estimate (each bundle's code, description
// and name lengths plus approxCheckpointSize for each checkpoint), not an
// exact accounting of in-memory footprint.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	var approxBytes int64
	for _, history := range r.checkpoints {
		total += len(history)
		for _, cp := range history {
			approxBytes += approxCheckpointSize(cp)
		}
	}
	for _, b := range r.bundles {
		approxBytes += int64(len(b.Code) + len(b.Description) + len(b.Name))
	}

	return Stats{
		TotalBundles:       len(r.bundles),
		TotalCheckpoints:    total,
		TasksWithHistory:    len(r.checkpoints),
		ApproxStorageBytes:  approxBytes,
	}
}

// approxCheckpointSize estimates a checkpoint's footprint from a fixed
// per-record overhead, its id lengths, each variable key plus 16 bytes, and
// the length of string-valued variables; exact byte accounting isn't worth
// the cost of a real json.Marshal on every stats call.
func approxCheckpointSize(cp *ExecutionCheckpoint) int64 {
	const fixedOverhead = 96
	size := int64(fixedOverhead + len(cp.ID) + len(cp.TaskID) + len(cp.SourceNodeID))
	for k, v := range cp.Variables {
		size += int64(len(k) + 16)
		if s, ok := v.(string); ok {
			size += int64(len(s))
		}
	}
	return size
}
