// Package pipeline implements the retryable stage tasks that drive an
// outgoing event from local echo to server acknowledgment.
package pipeline

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/element-android-sub012/internal/cancelreg"
	"github.com/element-hq/element-android-sub012/internal/echostore"
	"github.com/element-hq/element-android-sub012/internal/observability"
	"github.com/element-hq/element-android-sub012/internal/schema"
	"github.com/element-hq/element-android-sub012/internal/telemetry"
	"github.com/element-hq/element-android-sub012/internal/workqueue"
)

// Stage names registered with the work queue. Chains reference stages by name
// so journaled chains survive restarts.
const (
	StageEncrypt = "encrypt"
	StageSend    = "send"
	StageRedact  = "redact"
	StageUpload  = "upload"
	StageFanout  = "fanout"
)

// Cryptor is the end-to-end encryption collaborator.
type Cryptor interface {
	Encrypt(ctx context.Context, roomID id.RoomID, eventType string, content json.RawMessage) (json.RawMessage, error)
	IsRoomEncrypted(ctx context.Context, roomID id.RoomID) (bool, error)
}

// Sender is the homeserver network collaborator. Returned errors must carry an
// errs code so stages can classify them as retryable or terminal.
type Sender interface {
	SendEvent(ctx context.Context, roomID id.RoomID, eventType, transactionID string, content json.RawMessage) (id.EventID, error)
	RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, transactionID, reason string) (id.EventID, error)
	UploadMedia(ctx context.Context, attachment schema.Attachment) (string, error)
}

// Dispatcher submits per-room send chains on behalf of the fan-out stage.
type Dispatcher interface {
	DispatchSend(ctx context.Context, key schema.EchoKey, encrypted bool) error
}

// EchoRef identifies one echo inside persisted stage inputs.
type EchoRef struct {
	TransactionID string    `json:"transactionId"`
	RoomID        id.RoomID `json:"roomId"`
}

// Key converts the reference to a store key.
func (r EchoRef) Key() schema.EchoKey {
	return schema.EchoKey{TransactionID: r.TransactionID, RoomID: r.RoomID}
}

// UploadInput is the persisted input of the upload stage: one attachment and
// the echoes, grouped by encryption requirement, awaiting its content URI.
type UploadInput struct {
	Attachment schema.Attachment `json:"attachment"`
	Echoes     []EchoRef         `json:"echoes"`
	Encrypted  bool              `json:"encrypted"`
}

// FanoutInput is the persisted input of the fan-out dispatch stage.
type FanoutInput struct {
	Echoes    []EchoRef `json:"echoes"`
	Encrypted bool      `json:"encrypted"`
}

// SendOutput is the send stage's output, recording the server-assigned id.
type SendOutput struct {
	EchoRef
	EventID id.EventID `json:"eventId"`
}

// Stages bundles the pipeline's stage implementations with their shared
// collaborators.
type Stages struct {
	store      echostore.Store
	cancels    *cancelreg.Tracker
	cryptor    Cryptor
	sender     Sender
	dispatcher Dispatcher
	logger     observability.Logger
}

// NewStages wires the stage tasks. The dispatcher may be set later through
// SetDispatcher to break the construction cycle with the orchestrator.
func NewStages(store echostore.Store, cancels *cancelreg.Tracker, cryptor Cryptor, sender Sender, logger observability.Logger) *Stages {
	stages := new(Stages)
	stages.store = store
	stages.cancels = cancels
	stages.cryptor = cryptor
	stages.sender = sender
	stages.logger = observability.OrNop(logger)
	return stages
}

// SetDispatcher installs the fan-out dispatcher.
func (s *Stages) SetDispatcher(dispatcher Dispatcher) {
	s.dispatcher = dispatcher
}

// Registrar registers stage implementations by name.
type Registrar interface {
	RegisterStage(name string, fn workqueue.StageFunc) error
}

// Register binds every stage to the queue's registry.
func (s *Stages) Register(registrar Registrar) error {
	bindings := map[string]workqueue.StageFunc{
		StageEncrypt: s.runEncrypt,
		StageSend:    s.runSend,
		StageRedact:  s.runRedact,
		StageUpload:  s.runUpload,
		StageFanout:  s.runFanout,
	}
	for name, fn := range bindings {
		if err := registrar.RegisterStage(name, fn); err != nil {
			return fmt.Errorf("register stage %s: %w", name, err)
		}
	}
	return nil
}

// honorCancellation checks the cooperative cancel set at stage entry. When a
// cancel is pending it removes the echo, marks the request honored, and
// reports true so the stage stops without touching the network.
func (s *Stages) honorCancellation(ctx context.Context, ref EchoRef) bool {
	if !s.cancels.IsCancelRequested(ref.TransactionID, ref.RoomID) {
		return false
	}
	if err := s.store.Delete(ctx, ref.TransactionID, ref.RoomID); err != nil {
		s.logger.Debug("cancelled echo already gone",
			observability.F("txn_id", ref.TransactionID),
			observability.F("room_id", ref.RoomID))
	}
	s.cancels.MarkHonored(ref.TransactionID, ref.RoomID)
	telemetry.RecordCancellationHonored(ctx)
	s.logger.Info("send cancelled",
		observability.F("txn_id", ref.TransactionID),
		observability.F("room_id", ref.RoomID))
	return true
}

func decodeRef(input json.RawMessage) (EchoRef, error) {
	var ref EchoRef
	if err := json.Unmarshal(input, &ref); err != nil {
		return EchoRef{}, fmt.Errorf("decode stage input: %w", err)
	}
	if err := ref.Key().Validate(); err != nil {
		return EchoRef{}, err
	}
	return ref, nil
}

// EncodeRef serializes an echo reference as stage input.
func EncodeRef(key schema.EchoKey) json.RawMessage {
	input, _ := json.Marshal(EchoRef{TransactionID: key.TransactionID, RoomID: key.RoomID})
	return input
}
