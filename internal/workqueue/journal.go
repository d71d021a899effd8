package workqueue

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// Chain outcomes recorded in the journal.
const (
	OutcomePending   = "pending"
	OutcomeCompleted = "completed"
	OutcomeStopped   = "stopped"
	OutcomeCancelled = "cancelled"
)

// ChainRecord captures the persisted state of a submitted chain. StageIndex
// and Input advance together as stages complete so a restart resumes the chain
// at the first unfinished stage with the chained input intact.
type ChainRecord struct {
	ID         string
	Lane       string
	Stages     []string
	StageIndex int
	Input      json.RawMessage
	Outcome    string
	LastError  string
	CreatedAt  time.Time
}

// Journal persists chain progress so queued work survives process restarts.
type Journal interface {
	Append(ctx context.Context, record ChainRecord) error
	MarkStage(ctx context.Context, chainID string, stageIndex int, input json.RawMessage) error
	MarkDone(ctx context.Context, chainID string, outcome, lastError string) error
	ListPending(ctx context.Context) ([]ChainRecord, error)
}

// MemoryJournal is an in-memory Journal for tests and journal-less deployments.
type MemoryJournal struct {
	mu      sync.Mutex
	records map[string]*ChainRecord
	order   []string
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	journal := new(MemoryJournal)
	journal.records = make(map[string]*ChainRecord)
	journal.order = make([]string, 0)
	return journal
}

// Append stores a new pending chain record.
func (j *MemoryJournal) Append(_ context.Context, record ChainRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	stored := record
	stored.Outcome = OutcomePending
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	stored.Stages = append([]string(nil), record.Stages...)
	stored.Input = append(json.RawMessage(nil), record.Input...)
	j.records[record.ID] = &stored
	j.order = append(j.order, record.ID)
	return nil
}

// MarkStage advances the chain's resume point.
func (j *MemoryJournal) MarkStage(_ context.Context, chainID string, stageIndex int, input json.RawMessage) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	record, exists := j.records[chainID]
	if !exists {
		return nil
	}
	record.StageIndex = stageIndex
	record.Input = append(json.RawMessage(nil), input...)
	return nil
}

// MarkDone finalises the chain's outcome.
func (j *MemoryJournal) MarkDone(_ context.Context, chainID string, outcome, lastError string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	record, exists := j.records[chainID]
	if !exists {
		return nil
	}
	record.Outcome = outcome
	record.LastError = lastError
	return nil
}

// ListPending returns chains still awaiting completion, oldest first.
func (j *MemoryJournal) ListPending(_ context.Context) ([]ChainRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	pending := make([]ChainRecord, 0)
	for _, chainID := range j.order {
		record, exists := j.records[chainID]
		if !exists || record.Outcome != OutcomePending {
			continue
		}
		dup := *record
		dup.Stages = append([]string(nil), record.Stages...)
		dup.Input = append(json.RawMessage(nil), record.Input...)
		pending = append(pending, dup)
	}
	return pending, nil
}

// Outcome reports the stored outcome for a chain id, primarily for tests.
func (j *MemoryJournal) Outcome(chainID string) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	record, exists := j.records[chainID]
	if !exists {
		return ""
	}
	return record.Outcome
}

var _ Journal = (*MemoryJournal)(nil)
