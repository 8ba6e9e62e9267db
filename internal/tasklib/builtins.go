package tasklib

import (
	"fmt"
	"time"

	"github.com/artemis/taskmesh/internal/wire"
)

// hashString computes the same xxhash64 checksum format used for code
// bundles and checkpoints, so a verification task can compare against
// checksums minted by the same codebase that produces them.
func hashString(s string) (string, error) {
	return wire.Checksum(s)
}

// StepCounter is the simplest built-in: it counts from 0 to the requested
// total, checkpointing and reporting progress along the way. It mirrors
// the worked weak/strong migration examples in the external scenarios
// (spec.md §8 scenarios 1-2), which both describe a task that "counts up"
// and is migrated mid-count.
type StepCounter struct{}

func (StepCounter) Run(ctx ExecutionContext, params map[string]interface{}) (map[string]interface{}, error) {
	total := intParam(params, "totalSteps", 100)
	delay := time.Duration(intParam(params, "stepDelayMs", 50)) * time.Millisecond

	start := 0
	if v, ok := params["resumeFromStep"]; ok {
		start = toInt(v)
	}

	for step := start; step < total; step++ {
		if ctx.IsPaused() {
			return map[string]interface{}{"lastStep": step, "paused": true}, nil
		}

		select {
		case <-ctx.Context().Done():
			return nil, ctx.Context().Err()
		default:
		}

		ctx.ReportProgress(int(float64(step+1) / float64(total) * 100))

		if ctx.ShouldCheckpoint(step) {
			if err := ctx.SaveCheckpoint(step, total, map[string]interface{}{"count": step}); err != nil {
				return nil, fmt.Errorf("checkpoint at step %d: %w", step, err)
			}
		}

		ctx.Sleep(delay)
	}

	return map[string]interface{}{"finalCount": total}, nil
}

// ChecksumVerifier processes a batch of opaque records, verifying each
// against an expected xxhash64 checksum supplied in params. It exercises
// the coderegistry checksum machinery end to end from inside a running
// task, rather than only at bundle/checkpoint transfer time.
type ChecksumVerifier struct{}

func (ChecksumVerifier) Run(ctx ExecutionContext, params map[string]interface{}) (map[string]interface{}, error) {
	records, _ := params["records"].([]interface{})
	total := len(records)
	if total == 0 {
		total = 1
	}

	verified, failed := 0, 0
	start := 0
	if v, ok := params["resumeFromStep"]; ok {
		start = toInt(v)
	}

	for i := start; i < len(records); i++ {
		if ctx.IsPaused() {
			return map[string]interface{}{"lastStep": i, "verified": verified, "failed": failed, "paused": true}, nil
		}

		rec, _ := records[i].(map[string]interface{})
		ok, err := verifyRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("verify record %d: %w", i, err)
		}
		if ok {
			verified++
		} else {
			failed++
		}

		ctx.ReportProgress(int(float64(i+1) / float64(total) * 100))

		if ctx.ShouldCheckpoint(i) {
			vars := map[string]interface{}{"verified": verified, "failed": failed}
			if err := ctx.SaveCheckpoint(i, total, vars); err != nil {
				return nil, fmt.Errorf("checkpoint at record %d: %w", i, err)
			}
		}
	}

	return map[string]interface{}{"verified": verified, "failed": failed}, nil
}

// MatrixReducer sums rows of a matrix one at a time, spinning enough to
// register as CPU-bound on the worker's resource sampler. It exists
// specifically to drive the auto-migration scenario (spec.md §8 scenario
// 6), where the overload detector needs a task that can be made to push a
// worker's CPU sample above AUTO_MIGRATION_CPU_THRESHOLD for a sustained
// window.
type MatrixReducer struct{}

func (MatrixReducer) Run(ctx ExecutionContext, params map[string]interface{}) (map[string]interface{}, error) {
	rows, _ := params["rows"].([]interface{})
	spinIterations := intParam(params, "spinIterations", 2_000_000)
	total := len(rows)
	if total == 0 {
		total = 1
	}

	sums := make([]float64, 0, len(rows))
	start := 0
	if v, ok := params["resumeFromStep"]; ok {
		start = toInt(v)
	}

	for i := start; i < len(rows); i++ {
		if ctx.IsPaused() {
			return map[string]interface{}{"lastStep": i, "sums": sums, "paused": true}, nil
		}

		row, _ := rows[i].([]interface{})
		sum := reduceRow(row, spinIterations)
		sums = append(sums, sum)

		ctx.ReportProgress(int(float64(i+1) / float64(total) * 100))

		if ctx.ShouldCheckpoint(i) {
			vars := map[string]interface{}{"sums": sums}
			if err := ctx.SaveCheckpoint(i, total, vars); err != nil {
				return nil, fmt.Errorf("checkpoint at row %d: %w", i, err)
			}
		}
	}

	return map[string]interface{}{"sums": sums}, nil
}

// reduceRow sums a row's numeric entries, burning spinIterations of pure
// arithmetic per entry to manufacture CPU load deterministically rather
// than relying on the host's real floating-point throughput.
func reduceRow(row []interface{}, spinIterations int) float64 {
	var sum float64
	for _, v := range row {
		f := toFloat(v)
		acc := f
		for i := 0; i < spinIterations; i++ {
			acc = acc*1.0000001 - f*0.0000001
		}
		sum += acc
	}
	return sum
}

func verifyRecord(rec map[string]interface{}) (bool, error) {
	data, _ := rec["data"].(string)
	expected, _ := rec["checksum"].(string)
	if expected == "" {
		return false, fmt.Errorf("record missing expected checksum")
	}
	got, err := hashString(data)
	if err != nil {
		return false, err
	}
	return got == expected, nil
}

func intParam(params map[string]interface{}, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	return toInt(v)
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
