package pipeline

import (
	"context"

	json "github.com/goccy/go-json"

	"github.com/element-hq/element-android-sub012/errs"
	"github.com/element-hq/element-android-sub012/internal/observability"
	"github.com/element-hq/element-android-sub012/internal/schema"
	"github.com/element-hq/element-android-sub012/internal/telemetry"
	"github.com/element-hq/element-android-sub012/internal/workqueue"
)

// runSend performs the network send. It always re-reads the echo rather than
// trusting stage input content, so edits made while the chain was queued are
// picked up.
func (s *Stages) runSend(ctx context.Context, input json.RawMessage) workqueue.Result {
	ref, err := decodeRef(input)
	if err != nil {
		return workqueue.StopChain(err.Error())
	}
	if s.honorCancellation(ctx, ref) {
		return workqueue.StopChain("cancelled")
	}

	echo, err := s.store.GetForProcessing(ctx, ref.TransactionID)
	if err != nil {
		return workqueue.StopChain("echo removed before send")
	}
	if echo.SendState.HasFailed() {
		// A prior stage already recorded a terminal failure; propagate it
		// without touching the network.
		s.logger.Debug("skipping send for failed echo",
			observability.F("txn_id", ref.TransactionID),
			observability.F("state", string(echo.SendState)))
		return workqueue.StopChain(echo.SendStateDetails)
	}

	if err := s.store.UpdateSendState(ctx, ref.TransactionID, ref.RoomID, schema.SendStateSending, ""); err != nil {
		return workqueue.StopChain(err.Error())
	}

	eventID, err := s.sender.SendEvent(ctx, ref.RoomID, echo.Type, ref.TransactionID, echo.Content)
	if err != nil {
		if errs.Retryable(err) {
			telemetry.RecordStageRetry(ctx, StageSend)
			return workqueue.RetryStage(err.Error())
		}
		return s.recordSendFailure(ctx, ref, err)
	}

	if err := s.store.UpdateSendState(ctx, ref.TransactionID, ref.RoomID, schema.SendStateSent, ""); err != nil {
		return workqueue.StopChain(err.Error())
	}
	s.logger.Info("event sent",
		observability.F("txn_id", ref.TransactionID),
		observability.F("room_id", ref.RoomID),
		observability.F("event_id", eventID))

	output, _ := json.Marshal(SendOutput{EchoRef: ref, EventID: eventID})
	return workqueue.ContinueWith(output)
}

func (s *Stages) recordSendFailure(ctx context.Context, ref EchoRef, sendErr error) workqueue.Result {
	details := sendErr.Error()
	if err := s.store.UpdateSendState(ctx, ref.TransactionID, ref.RoomID, schema.SendStateUndelivered, details); err != nil {
		s.logger.Error("record send failure",
			observability.F("txn_id", ref.TransactionID),
			observability.F("error", err.Error()))
	}
	telemetry.RecordTerminalFailure(ctx, string(schema.SendStateUndelivered))
	s.logger.Info("event undeliverable",
		observability.F("txn_id", ref.TransactionID),
		observability.F("room_id", ref.RoomID),
		observability.F("reason", details))
	return workqueue.StopChain(details)
}
