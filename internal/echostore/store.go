// Package echostore defines persistence contracts for outgoing local echoes.
package echostore

import (
	"context"

	json "github.com/goccy/go-json"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/element-android-sub012/internal/schema"
)

// ChangeKind classifies a change-feed entry.
type ChangeKind string

const (
	// ChangeCreated signals a new local echo was persisted.
	ChangeCreated ChangeKind = "created"
	// ChangeUpdated signals an echo's state or content changed.
	ChangeUpdated ChangeKind = "updated"
	// ChangeDeleted signals an echo was removed.
	ChangeDeleted ChangeKind = "deleted"
)

// Change describes a single store mutation for timeline/UI observers. Every
// change carries the recomputed room sending summary.
type Change struct {
	Kind    ChangeKind
	Key     schema.EchoKey
	Echo    *schema.LocalEcho
	Summary schema.SendingSummary
}

// Observer receives store change notifications. Observers are invoked
// synchronously after the mutation is durable and must not block.
type Observer func(Change)

// Store abstracts persistence operations for local echoes.
type Store interface {
	// Create persists a new echo in UNSENT state. Fails with CodeDuplicateEcho
	// when the (transaction, room) pair already exists.
	Create(ctx context.Context, echo *schema.LocalEcho) error
	// UpdateSendState transitions the echo's state. A transition to SENT is
	// suppressed when the stored state is already SYNCED so a late send
	// acknowledgment never regresses the sync-derived confirmation.
	UpdateSendState(ctx context.Context, transactionID string, roomID id.RoomID, state schema.SendState, details string) error
	// UpdateContent rewrites the echo's type and content in place, used by the
	// encrypt and upload stages.
	UpdateContent(ctx context.Context, transactionID string, roomID id.RoomID, eventType string, content json.RawMessage) error
	// GetForProcessing returns the freshest snapshot for the transaction id.
	GetForProcessing(ctx context.Context, transactionID string) (*schema.LocalEcho, error)
	// Delete removes the echo and its ordering entry.
	Delete(ctx context.Context, transactionID string, roomID id.RoomID) error
	// QueryByStates returns the room's echoes in the given states,
	// most-recent-first.
	QueryByStates(ctx context.Context, roomID id.RoomID, states []schema.SendState) ([]*schema.LocalEcho, error)
	// Summary recomputes the room's sending summary.
	Summary(ctx context.Context, roomID id.RoomID) (schema.SendingSummary, error)
}
