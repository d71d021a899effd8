// Package orchestrator turns outgoing echoes into ordered stage chains on the
// work queue. One lane per room keeps that room's sends strictly ordered while
// other rooms proceed in parallel.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/element-android-sub012/errs"
	"github.com/element-hq/element-android-sub012/internal/cancelreg"
	"github.com/element-hq/element-android-sub012/internal/echostore"
	"github.com/element-hq/element-android-sub012/internal/observability"
	"github.com/element-hq/element-android-sub012/internal/pipeline"
	"github.com/element-hq/element-android-sub012/internal/schema"
	"github.com/element-hq/element-android-sub012/internal/telemetry"
	"github.com/element-hq/element-android-sub012/internal/workqueue"
)

// observableStore is implemented by stores that expose a change feed. The
// orchestrator uses it to prune chain handles once an echo leaves the
// in-progress states.
type observableStore interface {
	RegisterObserver(echostore.Observer)
}

// Orchestrator owns the mapping from echoes to stage chains. It also serves as
// the fan-out dispatcher: the fanout stage calls DispatchSend to spawn one
// per-room send chain for every echo of a completed media upload.
type Orchestrator struct {
	queue   workqueue.Queue
	store   echostore.Store
	cancels *cancelreg.Tracker
	cryptor pipeline.Cryptor
	logger  observability.Logger

	mu      sync.Mutex
	handles map[schema.EchoKey]workqueue.Handle
}

// New wires the orchestrator. When the store exposes a change feed the
// orchestrator subscribes to it so handle bookkeeping follows echo lifecycle.
func New(queue workqueue.Queue, store echostore.Store, cancels *cancelreg.Tracker, cryptor pipeline.Cryptor, logger observability.Logger) *Orchestrator {
	o := new(Orchestrator)
	o.queue = queue
	o.store = store
	o.cancels = cancels
	o.cryptor = cryptor
	o.logger = observability.OrNop(logger)
	o.handles = make(map[schema.EchoKey]workqueue.Handle)
	if observable, ok := store.(observableStore); ok {
		observable.RegisterObserver(o.onStoreChange)
	}
	return o
}

// Submit validates and persists a new echo, then schedules its delivery chain.
// Validation failures surface synchronously; everything past this point is
// reported through the echo's send state.
func (o *Orchestrator) Submit(ctx context.Context, echo *schema.LocalEcho) error {
	if err := echo.Validate(); err != nil {
		return err
	}
	if err := o.store.Create(ctx, echo); err != nil {
		return err
	}
	return o.schedule(ctx, echo)
}

// Resubmit re-queues an existing echo, typically one parked in a failure
// state. The echo's state resets to UNSENT before the chain is scheduled.
func (o *Orchestrator) Resubmit(ctx context.Context, key schema.EchoKey) error {
	echo, err := o.store.GetForProcessing(ctx, key.TransactionID)
	if err != nil {
		return err
	}
	if err := o.store.UpdateSendState(ctx, key.TransactionID, key.RoomID, schema.SendStateUnsent, ""); err != nil {
		return err
	}
	return o.schedule(ctx, echo)
}

// SubmitMedia persists one echo per target room and schedules a shared
// upload-then-fanout chain per encryption group, so the attachment is
// uploaded once regardless of how many rooms receive it.
func (o *Orchestrator) SubmitMedia(ctx context.Context, attachment schema.Attachment, echoes []*schema.LocalEcho) error {
	if err := attachment.Validate(); err != nil {
		return err
	}
	if len(echoes) == 0 {
		return errs.New("orchestrator", errs.CodeInvalidEvent, errs.WithMessage("at least one target room required"))
	}

	groups := map[bool][]pipeline.EchoRef{}
	for _, echo := range echoes {
		if err := echo.Validate(); err != nil {
			return err
		}
		if err := o.store.Create(ctx, echo); err != nil {
			return err
		}
		encrypted, err := o.cryptor.IsRoomEncrypted(ctx, echo.RoomID)
		if err != nil {
			return err
		}
		groups[encrypted] = append(groups[encrypted], pipeline.EchoRef{
			TransactionID: echo.TransactionID,
			RoomID:        echo.RoomID,
		})
		telemetry.RecordSendStarted(ctx, encrypted)
	}

	for encrypted, refs := range groups {
		input, err := encodeUploadInput(attachment, refs, encrypted)
		if err != nil {
			return err
		}
		// Uploads get their own lane so a long transfer never blocks plain
		// text sends in any of the target rooms.
		lane := "media/" + uuid.NewString()
		if _, err := o.queue.SubmitChain(ctx, lane, []string{pipeline.StageUpload, pipeline.StageFanout}, input); err != nil {
			o.parkGroup(ctx, refs, err)
			return err
		}
		o.logger.Info("media chain scheduled",
			observability.F("lane", lane),
			observability.F("rooms", len(refs)),
			observability.F("encrypted", encrypted))
	}
	return nil
}

// DispatchSend implements pipeline.Dispatcher. The fanout stage calls it once
// per echo after an upload completes; each send lands on its room's lane.
func (o *Orchestrator) DispatchSend(ctx context.Context, key schema.EchoKey, encrypted bool) error {
	stages := []string{pipeline.StageSend}
	if encrypted {
		stages = []string{pipeline.StageEncrypt, pipeline.StageSend}
	}
	handle, err := o.queue.SubmitChain(ctx, laneFor(key.RoomID), stages, pipeline.EncodeRef(key))
	if err != nil {
		return err
	}
	o.remember(key, handle)
	return nil
}

// Cancel records a cooperative cancel request and, when the chain is still
// known to the queue, skips its remaining stages. A skipped chain never
// reaches a stage-entry check, so the request is honored here: the echo is
// removed and the registry entry cleared. A stage already mid-call may still
// finish; its state update then lands on the deleted row and is dropped.
func (o *Orchestrator) Cancel(key schema.EchoKey) {
	o.cancels.RequestCancel(key.TransactionID, key.RoomID)
	o.mu.Lock()
	handle, exists := o.handles[key]
	o.mu.Unlock()
	if !exists {
		// No per-echo chain handle (shared media chains, recovered chains);
		// the stage-entry checks observe the request instead.
		return
	}
	ctx := context.Background()
	if !o.queue.Cancel(handle) {
		// The chain already finished, so no stage will ever observe the
		// request; drop it to keep the registry bounded.
		o.cancels.MarkHonored(key.TransactionID, key.RoomID)
		return
	}
	if err := o.store.Delete(ctx, key.TransactionID, key.RoomID); err != nil {
		o.logger.Debug("cancelled echo already gone",
			observability.F("txn_id", key.TransactionID),
			observability.F("room_id", key.RoomID))
	}
	o.cancels.MarkHonored(key.TransactionID, key.RoomID)
	telemetry.RecordCancellationHonored(ctx)
	o.logger.Info("send cancelled",
		observability.F("txn_id", key.TransactionID),
		observability.F("room_id", key.RoomID))
}

// Forget clears the cancel bookkeeping for an echo the caller has explicitly
// deleted, so no registry entry outlives its echo.
func (o *Orchestrator) Forget(key schema.EchoKey) {
	o.cancels.MarkHonored(key.TransactionID, key.RoomID)
	o.mu.Lock()
	delete(o.handles, key)
	o.mu.Unlock()
}

// schedule picks the chain shape for the echo and submits it on the room lane.
func (o *Orchestrator) schedule(ctx context.Context, echo *schema.LocalEcho) error {
	key := echo.Key()
	stages, encrypted, err := o.chainFor(ctx, echo)
	if err != nil {
		o.park(ctx, key, err)
		return err
	}
	handle, err := o.queue.SubmitChain(ctx, laneFor(key.RoomID), stages, pipeline.EncodeRef(key))
	if err != nil {
		o.park(ctx, key, err)
		return err
	}
	o.remember(key, handle)
	telemetry.RecordSendStarted(ctx, encrypted)
	o.logger.Debug("chain scheduled",
		observability.F("txn_id", key.TransactionID),
		observability.F("room_id", key.RoomID),
		observability.F("stages", len(stages)))
	return nil
}

func (o *Orchestrator) chainFor(ctx context.Context, echo *schema.LocalEcho) ([]string, bool, error) {
	if echo.Type == schema.EventTypeRedaction {
		return []string{pipeline.StageRedact}, false, nil
	}
	if echo.IsEncrypted() {
		// Resend of already-encrypted content goes straight to the wire.
		return []string{pipeline.StageSend}, true, nil
	}
	encrypted, err := o.cryptor.IsRoomEncrypted(ctx, echo.RoomID)
	if err != nil {
		return nil, false, err
	}
	if encrypted {
		return []string{pipeline.StageEncrypt, pipeline.StageSend}, true, nil
	}
	return []string{pipeline.StageSend}, false, nil
}

// park records a scheduling failure on the echo so it surfaces in the room's
// failed set instead of silently vanishing.
func (o *Orchestrator) park(ctx context.Context, key schema.EchoKey, cause error) {
	if err := o.store.UpdateSendState(ctx, key.TransactionID, key.RoomID, schema.SendStateUndelivered, cause.Error()); err != nil {
		o.logger.Error("park unscheduled echo",
			observability.F("txn_id", key.TransactionID),
			observability.F("error", err.Error()))
	}
	telemetry.RecordTerminalFailure(ctx, string(schema.SendStateUndelivered))
}

func (o *Orchestrator) parkGroup(ctx context.Context, refs []pipeline.EchoRef, cause error) {
	for _, ref := range refs {
		o.park(ctx, ref.Key(), cause)
	}
}

func (o *Orchestrator) remember(key schema.EchoKey, handle workqueue.Handle) {
	o.mu.Lock()
	o.handles[key] = handle
	o.mu.Unlock()
}

// onStoreChange drops the chain handle once the echo is deleted or settles in
// a state no chain will advance, keeping the handle map bounded.
func (o *Orchestrator) onStoreChange(change echostore.Change) {
	release := change.Kind == echostore.ChangeDeleted
	if !release && change.Echo != nil {
		state := change.Echo.SendState
		release = state.HasFailed() || state.IsConfirmed()
	}
	if !release {
		return
	}
	o.mu.Lock()
	delete(o.handles, change.Key)
	o.mu.Unlock()
}

func laneFor(roomID id.RoomID) string {
	return "room/" + string(roomID)
}

func encodeUploadInput(attachment schema.Attachment, refs []pipeline.EchoRef, encrypted bool) (json.RawMessage, error) {
	input, err := json.Marshal(pipeline.UploadInput{Attachment: attachment, Echoes: refs, Encrypted: encrypted})
	if err != nil {
		return nil, fmt.Errorf("encode upload input: %w", err)
	}
	return input, nil
}

var _ pipeline.Dispatcher = (*Orchestrator)(nil)
