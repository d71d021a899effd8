package workqueue

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// Handle identifies a submitted chain for best-effort cancellation.
type Handle struct {
	ChainID string
	Lane    string
}

// Queue schedules ordered stage chains. Chains sharing a lane key run
// strictly in submission order; distinct lanes run in parallel. Cancel
// reports whether the chain was still pending, so callers know its
// remaining stages will be skipped rather than run.
type Queue interface {
	SubmitChain(ctx context.Context, laneKey string, stages []string, input json.RawMessage) (Handle, error)
	Cancel(handle Handle) bool
}

// Config sizes the queue's lanes and retry policy.
type Config struct {
	// LaneDepth bounds the number of chains queued per lane.
	LaneDepth int
	// IdleLaneTTL controls how long an empty lane's worker lingers before it
	// is garbage-collected.
	IdleLaneTTL time.Duration
	// InitialBackoff seeds the exponential retry backoff.
	InitialBackoff time.Duration
	// MaxBackoff caps the retry backoff interval.
	MaxBackoff time.Duration
}

func (c Config) normalize() Config {
	if c.LaneDepth <= 0 {
		c.LaneDepth = 256
	}
	if c.IdleLaneTTL <= 0 {
		c.IdleLaneTTL = 2 * time.Minute
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 250 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}
