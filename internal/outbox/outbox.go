// Package outbox is the client-facing surface of the delivery pipeline. It
// manufactures local echoes, hands them to the orchestrator, and exposes the
// cancel/resend/cleanup operations the timeline UI drives.
package outbox

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/element-android-sub012/errs"
	"github.com/element-hq/element-android-sub012/internal/echostore"
	"github.com/element-hq/element-android-sub012/internal/observability"
	"github.com/element-hq/element-android-sub012/internal/schema"
)

// Scheduler is the orchestrator-facing contract the facade schedules through.
// Forget releases cancel bookkeeping when the facade deletes an echo itself,
// so no stage is left to do it.
type Scheduler interface {
	Submit(ctx context.Context, echo *schema.LocalEcho) error
	Resubmit(ctx context.Context, key schema.EchoKey) error
	SubmitMedia(ctx context.Context, attachment schema.Attachment, echoes []*schema.LocalEcho) error
	Cancel(key schema.EchoKey)
	Forget(key schema.EchoKey)
}

// Outbox builds echoes and forwards them to the scheduler.
type Outbox struct {
	scheduler Scheduler
	store     echostore.Store
	logger    observability.Logger
	userID    id.UserID

	now   func() time.Time
	newID func() string
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithClock overrides the provisional-timestamp clock.
func WithClock(now func() time.Time) Option {
	return func(o *Outbox) {
		if now != nil {
			o.now = now
		}
	}
}

// WithTransactionIDs overrides the transaction id generator.
func WithTransactionIDs(newID func() string) Option {
	return func(o *Outbox) {
		if newID != nil {
			o.newID = newID
		}
	}
}

// New creates the facade for the given local user.
func New(scheduler Scheduler, store echostore.Store, userID id.UserID, logger observability.Logger, opts ...Option) *Outbox {
	o := new(Outbox)
	o.scheduler = scheduler
	o.store = store
	o.logger = observability.OrNop(logger)
	o.userID = userID
	o.now = func() time.Time { return time.Now().UTC() }
	o.newID = uuid.NewString
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// SendEvent queues an arbitrary event for delivery and returns the echo key
// the caller can use to track, cancel, or resend it.
func (o *Outbox) SendEvent(ctx context.Context, roomID id.RoomID, eventType string, content json.RawMessage) (schema.EchoKey, error) {
	echo := o.newEcho(roomID, eventType, content)
	if err := o.scheduler.Submit(ctx, echo); err != nil {
		return schema.EchoKey{}, err
	}
	return echo.Key(), nil
}

// SendText queues a plain text message.
func (o *Outbox) SendText(ctx context.Context, roomID id.RoomID, body string) (schema.EchoKey, error) {
	return o.SendEvent(ctx, roomID, schema.EventTypeMessage, schema.TextMessageContent(body))
}

// SendReaction queues an annotation targeting an existing event.
func (o *Outbox) SendReaction(ctx context.Context, roomID id.RoomID, targetEventID id.EventID, key string) (schema.EchoKey, error) {
	return o.SendEvent(ctx, roomID, schema.EventTypeReaction, schema.ReactionContent(targetEventID, key))
}

// RedactEvent queues a redaction of an existing event. Reason may be empty.
func (o *Outbox) RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, reason string) (schema.EchoKey, error) {
	echo := o.newEcho(roomID, schema.EventTypeRedaction, schema.RedactionContent(reason))
	echo.RedactsEventID = eventID
	if err := o.scheduler.Submit(ctx, echo); err != nil {
		return schema.EchoKey{}, err
	}
	return echo.Key(), nil
}

// SendMedia queues one attachment for delivery to every listed room. The
// attachment is uploaded once and fanned out into per-room sends.
func (o *Outbox) SendMedia(ctx context.Context, attachment schema.Attachment, roomIDs []id.RoomID) ([]schema.EchoKey, error) {
	if len(roomIDs) == 0 {
		return nil, errs.New("outbox", errs.CodeInvalidEvent, errs.WithMessage("at least one target room required"))
	}
	echoes := make([]*schema.LocalEcho, 0, len(roomIDs))
	keys := make([]schema.EchoKey, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		echo := o.newEcho(roomID, schema.EventTypeMessage, schema.FileMessageContent(attachment, ""))
		echoes = append(echoes, echo)
		keys = append(keys, echo.Key())
	}
	if err := o.scheduler.SubmitMedia(ctx, attachment, echoes); err != nil {
		return nil, err
	}
	return keys, nil
}

// Resend re-queues a failed echo. Media echoes whose content already carries a
// server content URI go straight back to the send chain without re-uploading;
// a media echo that failed before its upload completed cannot be resent
// because the attachment bytes are not retained.
func (o *Outbox) Resend(ctx context.Context, key schema.EchoKey) error {
	echo, err := o.store.GetForProcessing(ctx, key.TransactionID)
	if err != nil {
		return err
	}
	if !echo.SendState.HasFailed() {
		return errs.New("outbox", errs.CodeConflict,
			errs.WithMessage("echo is not in a failed state: "+string(echo.SendState)))
	}
	if schema.IsMediaMessage(echo.Content) && !schema.HasServerReference(echo.Content) {
		return errs.New("outbox", errs.CodeInvalidEvent,
			errs.WithMessage("attachment was never uploaded; send the media again"))
	}
	return o.scheduler.Resubmit(ctx, key)
}

// CancelSend abandons an outgoing echo. Failed echoes are deleted immediately.
// In-flight echoes are cancelled through the scheduler, which removes the echo
// itself when it can skip the chain and otherwise leaves the removal to the
// next stage to observe the request. Cancelling an unknown echo is a no-op.
func (o *Outbox) CancelSend(ctx context.Context, key schema.EchoKey) error {
	echo, err := o.store.GetForProcessing(ctx, key.TransactionID)
	if err != nil {
		if errs.IsCode(err, errs.CodeNotFound) {
			return nil
		}
		return err
	}
	if echo.SendState.HasFailed() {
		if err := o.store.Delete(ctx, key.TransactionID, key.RoomID); err != nil {
			return err
		}
		o.scheduler.Forget(key)
		return nil
	}
	o.scheduler.Cancel(key)
	return nil
}

// ResendAllFailed re-queues every failed echo in the room, oldest first so the
// original submission order is preserved, and returns how many were queued.
func (o *Outbox) ResendAllFailed(ctx context.Context, roomID id.RoomID) (int, error) {
	failed, err := o.store.QueryByStates(ctx, roomID, schema.FailureStates())
	if err != nil {
		return 0, err
	}
	resent := 0
	for i := len(failed) - 1; i >= 0; i-- {
		echo := failed[i]
		if err := o.Resend(ctx, echo.Key()); err != nil {
			o.logger.Error("resend failed echo",
				observability.F("txn_id", echo.TransactionID),
				observability.F("error", err.Error()))
			continue
		}
		resent++
	}
	return resent, nil
}

// CancelAllFailed deletes every failed echo in the room and returns the count.
func (o *Outbox) CancelAllFailed(ctx context.Context, roomID id.RoomID) (int, error) {
	failed, err := o.store.QueryByStates(ctx, roomID, schema.FailureStates())
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, echo := range failed {
		if err := o.store.Delete(ctx, echo.TransactionID, echo.RoomID); err != nil {
			o.logger.Error("delete failed echo",
				observability.F("txn_id", echo.TransactionID),
				observability.F("error", err.Error()))
			continue
		}
		o.scheduler.Forget(echo.Key())
		removed++
	}
	return removed, nil
}

// DeleteFailedEcho removes a single failed echo. Echoes still in flight are
// rejected so a running chain never loses its backing row mid-stage.
func (o *Outbox) DeleteFailedEcho(ctx context.Context, key schema.EchoKey) error {
	echo, err := o.store.GetForProcessing(ctx, key.TransactionID)
	if err != nil {
		return err
	}
	if !echo.SendState.HasFailed() {
		return errs.New("outbox", errs.CodeConflict,
			errs.WithMessage("echo is not in a failed state: "+string(echo.SendState)))
	}
	if err := o.store.Delete(ctx, key.TransactionID, key.RoomID); err != nil {
		return err
	}
	o.scheduler.Forget(key)
	return nil
}

// ClearSendQueue abandons the room's entire outgoing backlog: failed echoes
// are deleted immediately and in-flight echoes are cancelled cooperatively.
// It returns the number of echoes affected.
func (o *Outbox) ClearSendQueue(ctx context.Context, roomID id.RoomID) (int, error) {
	states := append(schema.PendingStates(), schema.FailureStates()...)
	echoes, err := o.store.QueryByStates(ctx, roomID, states)
	if err != nil {
		return 0, err
	}
	cleared := 0
	for _, echo := range echoes {
		if echo.SendState.HasFailed() {
			if err := o.store.Delete(ctx, echo.TransactionID, echo.RoomID); err != nil {
				continue
			}
			o.scheduler.Forget(echo.Key())
		} else {
			o.scheduler.Cancel(echo.Key())
		}
		cleared++
	}
	return cleared, nil
}

// Summary reports the room's pending/failed counts for UI badges.
func (o *Outbox) Summary(ctx context.Context, roomID id.RoomID) (schema.SendingSummary, error) {
	return o.store.Summary(ctx, roomID)
}

func (o *Outbox) newEcho(roomID id.RoomID, eventType string, content json.RawMessage) *schema.LocalEcho {
	return &schema.LocalEcho{
		TransactionID: o.newID(),
		RoomID:        roomID,
		SenderID:      o.userID,
		Type:          eventType,
		Content:       content,
		SendState:     schema.SendStateUnsent,
		CreatedAt:     o.now(),
	}
}
