// Package postgres provides PostgreSQL-backed implementations of the echo
// store and the work queue journal.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/element-android-sub012/errs"
	"github.com/element-hq/element-android-sub012/internal/echostore"
	"github.com/element-hq/element-android-sub012/internal/schema"
)

const uniqueViolationCode = "23505"

const (
	echoInsertSQL = `
INSERT INTO local_echoes (
    transaction_id,
    room_id,
    sender_id,
    event_type,
    content,
    redacts_event_id,
    send_state,
    send_state_details,
    created_at
)
VALUES ($1, $2, $3, $4, COALESCE($5::jsonb, '{}'::jsonb), $6, $7, $8, $9);
`

	// The CASE keeps a SYNCED row untouched when a late SENT acknowledgment
	// arrives, matching the in-memory store's suppression guard.
	echoUpdateStateSQL = `
UPDATE local_echoes
SET send_state = CASE
        WHEN send_state = 'SYNCED' AND $3 = 'SENT' THEN send_state
        ELSE $3
    END,
    send_state_details = CASE
        WHEN send_state = 'SYNCED' AND $3 = 'SENT' THEN send_state_details
        ELSE $4
    END
WHERE transaction_id = $1 AND room_id = $2;
`

	echoUpdateContentSQL = `
UPDATE local_echoes
SET event_type = $3,
    content = COALESCE($4::jsonb, '{}'::jsonb)
WHERE transaction_id = $1 AND room_id = $2;
`

	echoGetSQL = `
SELECT
    transaction_id,
    room_id,
    sender_id,
    event_type,
    content,
    redacts_event_id,
    send_state,
    send_state_details,
    created_at
FROM local_echoes
WHERE transaction_id = $1;
`

	echoDeleteSQL = `
DELETE FROM local_echoes
WHERE transaction_id = $1 AND room_id = $2;
`

	echoQueryByStatesSQL = `
SELECT
    transaction_id,
    room_id,
    sender_id,
    event_type,
    content,
    redacts_event_id,
    send_state,
    send_state_details,
    created_at
FROM local_echoes
WHERE room_id = $1 AND send_state = ANY($2)
ORDER BY created_at DESC, transaction_id DESC;
`

	echoSummarySQL = `
SELECT
    COUNT(*) FILTER (WHERE send_state IN ('UNSENT', 'ENCRYPTING', 'SENDING')),
    COUNT(*) FILTER (WHERE send_state IN ('UNDELIVERED', 'FAILED_UNKNOWN_DEVICES'))
FROM local_echoes
WHERE room_id = $1;
`
)

// EchoStore persists local echoes in PostgreSQL.
type EchoStore struct {
	pool *pgxpool.Pool

	observerMu sync.RWMutex
	observers  []echostore.Observer
}

// NewEchoStore constructs an EchoStore backed by the provided pool.
func NewEchoStore(pool *pgxpool.Pool) *EchoStore {
	store := new(EchoStore)
	store.pool = pool
	store.observers = make([]echostore.Observer, 0)
	return store
}

// RegisterObserver subscribes to the store's change feed.
func (s *EchoStore) RegisterObserver(observer echostore.Observer) {
	if observer == nil {
		return
	}
	s.observerMu.Lock()
	s.observers = append(s.observers, observer)
	s.observerMu.Unlock()
}

// Create persists a new echo. The primary key on (transaction_id, room_id)
// enforces the duplicate guard.
func (s *EchoStore) Create(ctx context.Context, echo *schema.LocalEcho) error {
	if err := echo.Validate(); err != nil {
		return err
	}
	// New rows always start the state machine at UNSENT with no details,
	// whatever the caller left on the echo.
	stored := echo.Clone()
	stored.SendState = schema.SendStateUnsent
	stored.SendStateDetails = ""
	_, err := s.pool.Exec(ctx, echoInsertSQL,
		stored.TransactionID,
		string(stored.RoomID),
		string(stored.SenderID),
		stored.Type,
		[]byte(stored.Content),
		string(stored.RedactsEventID),
		string(stored.SendState),
		stored.SendStateDetails,
		stored.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return errs.New("echostore", errs.CodeDuplicateEcho,
				errs.WithMessage("echo already exists: "+stored.TransactionID))
		}
		return fmt.Errorf("echo store: create: %w", err)
	}
	s.notify(ctx, echostore.ChangeCreated, stored.Key(), stored)
	return nil
}

// UpdateSendState transitions the echo's state with the SYNCED guard applied
// in SQL.
func (s *EchoStore) UpdateSendState(ctx context.Context, transactionID string, roomID id.RoomID, state schema.SendState, details string) error {
	if !state.Valid() {
		return errs.New("echostore", errs.CodeInvalidEvent,
			errs.WithMessage("unknown send state: "+string(state)))
	}
	tag, err := s.pool.Exec(ctx, echoUpdateStateSQL,
		transactionID, string(roomID), string(state), details)
	if err != nil {
		return fmt.Errorf("echo store: update state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("echostore", errs.CodeNotFound,
			errs.WithMessage("echo not found: "+transactionID))
	}
	s.notifyUpdated(ctx, transactionID)
	return nil
}

// UpdateContent rewrites the echo's type and content in place.
func (s *EchoStore) UpdateContent(ctx context.Context, transactionID string, roomID id.RoomID, eventType string, content json.RawMessage) error {
	tag, err := s.pool.Exec(ctx, echoUpdateContentSQL,
		transactionID, string(roomID), eventType, []byte(content))
	if err != nil {
		return fmt.Errorf("echo store: update content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("echostore", errs.CodeNotFound,
			errs.WithMessage("echo not found: "+transactionID))
	}
	s.notifyUpdated(ctx, transactionID)
	return nil
}

// GetForProcessing returns the freshest snapshot for the transaction id.
func (s *EchoStore) GetForProcessing(ctx context.Context, transactionID string) (*schema.LocalEcho, error) {
	row := s.pool.QueryRow(ctx, echoGetSQL, transactionID)
	echo, err := scanEcho(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.New("echostore", errs.CodeNotFound,
				errs.WithMessage("echo not found: "+transactionID))
		}
		return nil, err
	}
	return echo, nil
}

// Delete removes the echo.
func (s *EchoStore) Delete(ctx context.Context, transactionID string, roomID id.RoomID) error {
	tag, err := s.pool.Exec(ctx, echoDeleteSQL, transactionID, string(roomID))
	if err != nil {
		return fmt.Errorf("echo store: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("echostore", errs.CodeNotFound,
			errs.WithMessage("echo not found: "+transactionID))
	}
	key := schema.EchoKey{TransactionID: transactionID, RoomID: roomID}
	s.notify(ctx, echostore.ChangeDeleted, key, nil)
	return nil
}

// QueryByStates returns the room's echoes in the given states, most recent
// first.
func (s *EchoStore) QueryByStates(ctx context.Context, roomID id.RoomID, states []schema.SendState) ([]*schema.LocalEcho, error) {
	if len(states) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(states))
	for _, state := range states {
		names = append(names, string(state))
	}
	rows, err := s.pool.Query(ctx, echoQueryByStatesSQL, string(roomID), names)
	if err != nil {
		return nil, fmt.Errorf("echo store: query by states: %w", err)
	}
	defer rows.Close()

	var echoes []*schema.LocalEcho
	for rows.Next() {
		echo, err := scanEcho(rows)
		if err != nil {
			return nil, err
		}
		echoes = append(echoes, echo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("echo store: iterate query: %w", err)
	}
	return echoes, nil
}

// Summary recomputes the room's sending summary.
func (s *EchoStore) Summary(ctx context.Context, roomID id.RoomID) (schema.SendingSummary, error) {
	summary := schema.SendingSummary{RoomID: roomID}
	row := s.pool.QueryRow(ctx, echoSummarySQL, string(roomID))
	if err := row.Scan(&summary.PendingCount, &summary.FailedCount); err != nil {
		return schema.SendingSummary{}, fmt.Errorf("echo store: summary: %w", err)
	}
	return summary, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEcho(row rowScanner) (*schema.LocalEcho, error) {
	var (
		echo           schema.LocalEcho
		roomID         string
		senderID       string
		content        []byte
		redactsEventID string
		sendState      string
	)
	if err := row.Scan(
		&echo.TransactionID,
		&roomID,
		&senderID,
		&echo.Type,
		&content,
		&redactsEventID,
		&sendState,
		&echo.SendStateDetails,
		&echo.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("echo store: scan echo: %w", err)
	}
	echo.RoomID = id.RoomID(roomID)
	echo.SenderID = id.UserID(senderID)
	echo.Content = content
	echo.RedactsEventID = id.EventID(redactsEventID)
	echo.SendState = schema.SendState(sendState)
	return &echo, nil
}

// notifyUpdated re-reads the row so observers always see the applied state,
// including the case where the SYNCED guard suppressed a transition.
func (s *EchoStore) notifyUpdated(ctx context.Context, transactionID string) {
	echo, err := s.GetForProcessing(ctx, transactionID)
	if err != nil {
		return
	}
	s.notify(ctx, echostore.ChangeUpdated, echo.Key(), echo)
}

func (s *EchoStore) notify(ctx context.Context, kind echostore.ChangeKind, key schema.EchoKey, echo *schema.LocalEcho) {
	s.observerMu.RLock()
	observers := append([]echostore.Observer(nil), s.observers...)
	s.observerMu.RUnlock()
	if len(observers) == 0 {
		return
	}
	summary, err := s.Summary(ctx, key.RoomID)
	if err != nil {
		summary = schema.SendingSummary{RoomID: key.RoomID}
	}
	change := echostore.Change{Kind: kind, Key: key, Echo: echo, Summary: summary}
	for _, observer := range observers {
		observer(change)
	}
}

var _ echostore.Store = (*EchoStore)(nil)
