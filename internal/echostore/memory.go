package echostore

import (
	"context"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/element-android-sub012/errs"
	"github.com/element-hq/element-android-sub012/internal/schema"
)

// MemoryStore is an in-memory implementation of the echo Store.
type MemoryStore struct {
	mu        sync.RWMutex
	echoes    map[schema.EchoKey]*schema.LocalEcho
	roomOrder map[id.RoomID][]schema.EchoKey

	obsMu     sync.RWMutex
	observers []Observer
}

// NewMemoryStore creates a memory-backed echo store.
func NewMemoryStore() *MemoryStore {
	store := new(MemoryStore)
	store.echoes = make(map[schema.EchoKey]*schema.LocalEcho)
	store.roomOrder = make(map[id.RoomID][]schema.EchoKey)
	store.observers = make([]Observer, 0)
	return store
}

// RegisterObserver adds a change-feed observer. Observers registered after a
// mutation do not receive it retroactively.
func (s *MemoryStore) RegisterObserver(obs Observer) {
	if obs == nil {
		return
	}
	s.obsMu.Lock()
	s.observers = append(s.observers, obs)
	s.obsMu.Unlock()
}

// Create persists a new echo in UNSENT state.
func (s *MemoryStore) Create(ctx context.Context, echo *schema.LocalEcho) error {
	if err := checkContext(ctx, "create"); err != nil {
		return err
	}
	if err := echo.Validate(); err != nil {
		return err
	}
	key := echo.Key()

	s.mu.Lock()
	if _, exists := s.echoes[key]; exists {
		s.mu.Unlock()
		return errs.New("echostore", errs.CodeDuplicateEcho,
			errs.WithMessage("echo already exists for transaction "+key.TransactionID))
	}
	stored := echo.Clone()
	stored.SendState = schema.SendStateUnsent
	stored.SendStateDetails = ""
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.echoes[key] = stored
	s.roomOrder[key.RoomID] = append(s.roomOrder[key.RoomID], key)
	snapshot := stored.Clone()
	summary := s.summaryLocked(key.RoomID)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeCreated, Key: key, Echo: snapshot, Summary: summary})
	return nil
}

// UpdateSendState transitions the echo's state, honouring the SYNCED guard.
func (s *MemoryStore) UpdateSendState(ctx context.Context, transactionID string, roomID id.RoomID, state schema.SendState, details string) error {
	if err := checkContext(ctx, "update send state"); err != nil {
		return err
	}
	if !state.Valid() {
		return errs.New("echostore", errs.CodeInvalidEvent, errs.WithMessage("unknown send state "+string(state)))
	}
	key := schema.EchoKey{TransactionID: transactionID, RoomID: roomID}

	s.mu.Lock()
	echo, exists := s.echoes[key]
	if !exists {
		s.mu.Unlock()
		return errs.New("echostore", errs.CodeNotFound, errs.WithMessage("no echo for transaction "+transactionID))
	}
	if state == schema.SendStateSent && echo.SendState == schema.SendStateSynced {
		// Sync already confirmed this event; a late send ack must not regress it.
		s.mu.Unlock()
		return nil
	}
	echo.SendState = state
	echo.SendStateDetails = details
	snapshot := echo.Clone()
	summary := s.summaryLocked(roomID)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeUpdated, Key: key, Echo: snapshot, Summary: summary})
	return nil
}

// UpdateContent rewrites the echo's type and content in place.
func (s *MemoryStore) UpdateContent(ctx context.Context, transactionID string, roomID id.RoomID, eventType string, content json.RawMessage) error {
	if err := checkContext(ctx, "update content"); err != nil {
		return err
	}
	key := schema.EchoKey{TransactionID: transactionID, RoomID: roomID}

	s.mu.Lock()
	echo, exists := s.echoes[key]
	if !exists {
		s.mu.Unlock()
		return errs.New("echostore", errs.CodeNotFound, errs.WithMessage("no echo for transaction "+transactionID))
	}
	echo.Type = eventType
	echo.Content = append(json.RawMessage(nil), content...)
	snapshot := echo.Clone()
	summary := s.summaryLocked(roomID)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeUpdated, Key: key, Echo: snapshot, Summary: summary})
	return nil
}

// GetForProcessing returns the freshest snapshot for the transaction id.
func (s *MemoryStore) GetForProcessing(ctx context.Context, transactionID string) (*schema.LocalEcho, error) {
	if err := checkContext(ctx, "get"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, echo := range s.echoes {
		if key.TransactionID == transactionID {
			return echo.Clone(), nil
		}
	}
	return nil, errs.New("echostore", errs.CodeNotFound, errs.WithMessage("no echo for transaction "+transactionID))
}

// Delete removes the echo and its ordering entry.
func (s *MemoryStore) Delete(ctx context.Context, transactionID string, roomID id.RoomID) error {
	if err := checkContext(ctx, "delete"); err != nil {
		return err
	}
	key := schema.EchoKey{TransactionID: transactionID, RoomID: roomID}

	s.mu.Lock()
	if _, exists := s.echoes[key]; !exists {
		s.mu.Unlock()
		return errs.New("echostore", errs.CodeNotFound, errs.WithMessage("no echo for transaction "+transactionID))
	}
	delete(s.echoes, key)
	order := s.roomOrder[roomID]
	kept := order[:0]
	for _, existing := range order {
		if existing != key {
			kept = append(kept, existing)
		}
	}
	if len(kept) == 0 {
		delete(s.roomOrder, roomID)
	} else {
		s.roomOrder[roomID] = kept
	}
	summary := s.summaryLocked(roomID)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeDeleted, Key: key, Echo: nil, Summary: summary})
	return nil
}

// QueryByStates returns the room's echoes in the given states, most-recent-first.
func (s *MemoryStore) QueryByStates(ctx context.Context, roomID id.RoomID, states []schema.SendState) ([]*schema.LocalEcho, error) {
	if err := checkContext(ctx, "query"); err != nil {
		return nil, err
	}
	wanted := make(map[schema.SendState]struct{}, len(states))
	for _, state := range states {
		wanted[state] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	order := s.roomOrder[roomID]
	matches := make([]*schema.LocalEcho, 0, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		echo, exists := s.echoes[order[i]]
		if !exists {
			continue
		}
		if _, ok := wanted[echo.SendState]; ok {
			matches = append(matches, echo.Clone())
		}
	}
	return matches, nil
}

// Summary recomputes the room's sending summary.
func (s *MemoryStore) Summary(ctx context.Context, roomID id.RoomID) (schema.SendingSummary, error) {
	if err := checkContext(ctx, "summary"); err != nil {
		return schema.SendingSummary{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summaryLocked(roomID), nil
}

func (s *MemoryStore) summaryLocked(roomID id.RoomID) schema.SendingSummary {
	summary := schema.SendingSummary{RoomID: roomID}
	for _, key := range s.roomOrder[roomID] {
		echo, exists := s.echoes[key]
		if !exists {
			continue
		}
		switch {
		case echo.SendState.IsInProgress():
			summary.PendingCount++
		case echo.SendState.HasFailed():
			summary.FailedCount++
		}
	}
	return summary
}

func (s *MemoryStore) notify(change Change) {
	s.obsMu.RLock()
	observers := s.observers
	s.obsMu.RUnlock()
	for _, obs := range observers {
		obs(change)
	}
}

func checkContext(ctx context.Context, op string) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("echo store %s context: %w", op, ctx.Err())
	default:
		return nil
	}
}

var _ Store = (*MemoryStore)(nil)
