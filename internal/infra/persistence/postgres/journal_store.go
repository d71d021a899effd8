package postgres

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/element-hq/element-android-sub012/internal/workqueue"
)

const (
	journalInsertSQL = `
INSERT INTO chain_journal (
    chain_id,
    lane,
    stages,
    stage_index,
    input,
    outcome,
    last_error,
    created_at
)
VALUES ($1, $2, $3::jsonb, $4, COALESCE($5::jsonb, 'null'::jsonb), $6, $7, $8);
`

	journalMarkStageSQL = `
UPDATE chain_journal
SET stage_index = $2,
    input = COALESCE($3::jsonb, 'null'::jsonb)
WHERE chain_id = $1;
`

	journalMarkDoneSQL = `
UPDATE chain_journal
SET outcome = $2,
    last_error = $3
WHERE chain_id = $1;
`

	journalListPendingSQL = `
SELECT
    chain_id,
    lane,
    stages,
    stage_index,
    input,
    outcome,
    last_error,
    created_at
FROM chain_journal
WHERE outcome = 'pending'
ORDER BY created_at ASC;
`
)

// JournalStore persists work queue chain progress in PostgreSQL so queued
// sends survive a process restart.
type JournalStore struct {
	pool *pgxpool.Pool
}

// NewJournalStore constructs a JournalStore backed by the provided pool.
func NewJournalStore(pool *pgxpool.Pool) *JournalStore {
	return &JournalStore{pool: pool}
}

// Append stores a new pending chain record.
func (s *JournalStore) Append(ctx context.Context, record workqueue.ChainRecord) error {
	stages, err := json.Marshal(record.Stages)
	if err != nil {
		return fmt.Errorf("journal store: encode stages: %w", err)
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, journalInsertSQL,
		record.ID,
		record.Lane,
		stages,
		record.StageIndex,
		[]byte(record.Input),
		workqueue.OutcomePending,
		"",
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("journal store: append: %w", err)
	}
	return nil
}

// MarkStage advances the chain's resume point.
func (s *JournalStore) MarkStage(ctx context.Context, chainID string, stageIndex int, input json.RawMessage) error {
	_, err := s.pool.Exec(ctx, journalMarkStageSQL, chainID, stageIndex, []byte(input))
	if err != nil {
		return fmt.Errorf("journal store: mark stage: %w", err)
	}
	return nil
}

// MarkDone finalises the chain's outcome.
func (s *JournalStore) MarkDone(ctx context.Context, chainID string, outcome, lastError string) error {
	_, err := s.pool.Exec(ctx, journalMarkDoneSQL, chainID, outcome, lastError)
	if err != nil {
		return fmt.Errorf("journal store: mark done: %w", err)
	}
	return nil
}

// ListPending returns chains still awaiting completion, oldest first.
func (s *JournalStore) ListPending(ctx context.Context) ([]workqueue.ChainRecord, error) {
	rows, err := s.pool.Query(ctx, journalListPendingSQL)
	if err != nil {
		return nil, fmt.Errorf("journal store: list pending: %w", err)
	}
	defer rows.Close()

	var records []workqueue.ChainRecord
	for rows.Next() {
		var (
			record workqueue.ChainRecord
			stages []byte
			input  []byte
		)
		if err := rows.Scan(
			&record.ID,
			&record.Lane,
			&stages,
			&record.StageIndex,
			&input,
			&record.Outcome,
			&record.LastError,
			&record.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("journal store: scan record: %w", err)
		}
		if err := json.Unmarshal(stages, &record.Stages); err != nil {
			return nil, fmt.Errorf("journal store: decode stages: %w", err)
		}
		if string(input) != "null" {
			record.Input = input
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal store: iterate pending: %w", err)
	}
	return records, nil
}

var _ workqueue.Journal = (*JournalStore)(nil)
