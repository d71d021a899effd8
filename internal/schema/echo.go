package schema

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/element-android-sub012/errs"
)

// Matrix event types handled by the pipeline.
const (
	EventTypeMessage   = "m.room.message"
	EventTypeEncrypted = "m.room.encrypted"
	EventTypeRedaction = "m.room.redaction"
	EventTypeReaction  = "m.reaction"
)

// EchoKey uniquely identifies a local echo.
type EchoKey struct {
	TransactionID string
	RoomID        id.RoomID
}

// Validate checks both key components are present.
func (k EchoKey) Validate() error {
	if strings.TrimSpace(k.TransactionID) == "" {
		return errs.New("schema", errs.CodeInvalidEvent, errs.WithMessage("transaction id required"))
	}
	if strings.TrimSpace(string(k.RoomID)) == "" {
		return errs.New("schema", errs.CodeInvalidEvent, errs.WithMessage("room id required"))
	}
	return nil
}

// LocalEcho is the optimistic client-side representation of an outgoing event.
// The transaction id doubles as the local event id until the server assigns a
// real one via sync.
type LocalEcho struct {
	TransactionID    string          `json:"transactionId"`
	RoomID           id.RoomID       `json:"roomId"`
	SenderID         id.UserID       `json:"senderId"`
	Type             string          `json:"type"`
	Content          json.RawMessage `json:"content"`
	RedactsEventID   id.EventID      `json:"redactsEventId,omitempty"`
	SendState        SendState       `json:"sendState"`
	SendStateDetails string          `json:"sendStateDetails,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// Key returns the echo's unique (transaction, room) pair.
func (e *LocalEcho) Key() EchoKey {
	return EchoKey{TransactionID: e.TransactionID, RoomID: e.RoomID}
}

// Validate checks the fields required before the echo may enter the pipeline.
func (e *LocalEcho) Validate() error {
	if e == nil {
		return errs.New("schema", errs.CodeInvalidEvent, errs.WithMessage("echo required"))
	}
	if err := e.Key().Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(e.Type) == "" {
		return errs.New("schema", errs.CodeInvalidEvent, errs.WithMessage("event type required"))
	}
	if e.Type != EventTypeRedaction && len(e.Content) == 0 {
		return errs.New("schema", errs.CodeInvalidEvent, errs.WithMessage("event content required"))
	}
	return nil
}

// IsEncrypted reports whether the echo's content has already been encrypted.
func (e *LocalEcho) IsEncrypted() bool {
	return e.Type == EventTypeEncrypted
}

// Clone returns a deep copy safe to hand to other goroutines.
func (e *LocalEcho) Clone() *LocalEcho {
	if e == nil {
		return nil
	}
	dup := *e
	if len(e.Content) > 0 {
		dup.Content = make(json.RawMessage, len(e.Content))
		copy(dup.Content, e.Content)
	}
	return &dup
}

// CancelRequest records a user's intent to abandon a pending send.
type CancelRequest struct {
	TransactionID string
	RoomID        id.RoomID
}

// SendingSummary aggregates a room's outgoing activity for UI consumption.
type SendingSummary struct {
	RoomID       id.RoomID
	PendingCount int
	FailedCount  int
}
