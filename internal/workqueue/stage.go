// Package workqueue implements a persistence-aware task scheduler running
// ordered, retryable stage chains on per-lane serialized workers.
package workqueue

import (
	"context"

	json "github.com/goccy/go-json"
)

// Disposition is the three-valued outcome of a stage execution. The deliberate
// failure-swallowing of the pipeline lives in this type: a stage that recorded
// a terminal failure on its echo returns Stop, and the chain still counts as
// successfully processed so later messages in the lane are never blocked.
type Disposition int

const (
	// Continue hands the stage's output to the next stage in the chain.
	Continue Disposition = iota
	// Retry re-runs the same stage after backoff, leaving state unchanged.
	Retry
	// Stop abandons the remaining stages; the failure is already recorded on
	// the echo and the chain reports success to the scheduler.
	Stop
)

// Result carries a stage's disposition, its output for the next stage, and a
// human-readable reason for Retry/Stop outcomes.
type Result struct {
	Disposition Disposition
	Output      json.RawMessage
	Reason      string
}

// ContinueWith builds a Continue result forwarding output to the next stage.
func ContinueWith(output json.RawMessage) Result {
	return Result{Disposition: Continue, Output: output, Reason: ""}
}

// RetryStage builds a Retry result with the transient failure reason.
func RetryStage(reason string) Result {
	return Result{Disposition: Retry, Output: nil, Reason: reason}
}

// StopChain builds a Stop result; the terminal outcome must already be
// recorded on the local echo before returning it.
func StopChain(reason string) Result {
	return Result{Disposition: Stop, Output: nil, Reason: reason}
}

// StageFunc executes one resumable unit of work. Input is the previous stage's
// output, or the chain's input data for the first stage.
type StageFunc func(ctx context.Context, input json.RawMessage) Result
