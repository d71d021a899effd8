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

// runRedact is the single stage of a redaction chain. Redactions are never
// encrypted, so the whole stage retries on transient network failures.
func (s *Stages) runRedact(ctx context.Context, input json.RawMessage) workqueue.Result {
	ref, err := decodeRef(input)
	if err != nil {
		return workqueue.StopChain(err.Error())
	}
	if s.honorCancellation(ctx, ref) {
		return workqueue.StopChain("cancelled")
	}

	echo, err := s.store.GetForProcessing(ctx, ref.TransactionID)
	if err != nil {
		return workqueue.StopChain("echo removed before redaction")
	}
	if echo.RedactsEventID == "" {
		return s.recordSendFailure(ctx, ref,
			errs.New("pipeline", errs.CodeInvalidEvent, errs.WithMessage("redaction without target event")))
	}

	if err := s.store.UpdateSendState(ctx, ref.TransactionID, ref.RoomID, schema.SendStateSending, ""); err != nil {
		return workqueue.StopChain(err.Error())
	}

	eventID, err := s.sender.RedactEvent(ctx, ref.RoomID, echo.RedactsEventID, ref.TransactionID, redactionReason(echo.Content))
	if err != nil {
		if errs.Retryable(err) {
			telemetry.RecordStageRetry(ctx, StageRedact)
			return workqueue.RetryStage(err.Error())
		}
		return s.recordSendFailure(ctx, ref, err)
	}

	if err := s.store.UpdateSendState(ctx, ref.TransactionID, ref.RoomID, schema.SendStateSent, ""); err != nil {
		return workqueue.StopChain(err.Error())
	}
	s.logger.Info("redaction sent",
		observability.F("txn_id", ref.TransactionID),
		observability.F("room_id", ref.RoomID),
		observability.F("event_id", eventID))

	output, _ := json.Marshal(SendOutput{EchoRef: ref, EventID: eventID})
	return workqueue.ContinueWith(output)
}

func redactionReason(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var fields struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(content, &fields); err != nil {
		return ""
	}
	return fields.Reason
}
