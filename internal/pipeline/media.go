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

// runUpload pushes one attachment to the media repository and rewrites every
// grouped echo's content with the returned content URI. The echo list then
// feeds the fan-out dispatch stage.
func (s *Stages) runUpload(ctx context.Context, rawInput json.RawMessage) workqueue.Result {
	var input UploadInput
	if err := json.Unmarshal(rawInput, &input); err != nil {
		return workqueue.StopChain("decode upload input: " + err.Error())
	}

	remaining := make([]EchoRef, 0, len(input.Echoes))
	for _, ref := range input.Echoes {
		if s.honorCancellation(ctx, ref) {
			continue
		}
		remaining = append(remaining, ref)
	}
	if len(remaining) == 0 {
		return workqueue.StopChain("all uploads cancelled")
	}

	uri, err := s.sender.UploadMedia(ctx, input.Attachment)
	if err != nil {
		if errs.Retryable(err) {
			telemetry.RecordStageRetry(ctx, StageUpload)
			return workqueue.RetryStage(err.Error())
		}
		for _, ref := range remaining {
			if updateErr := s.store.UpdateSendState(ctx, ref.TransactionID, ref.RoomID, schema.SendStateUndelivered, err.Error()); updateErr != nil {
				s.logger.Error("record upload failure",
					observability.F("txn_id", ref.TransactionID),
					observability.F("error", updateErr.Error()))
			}
			telemetry.RecordTerminalFailure(ctx, string(schema.SendStateUndelivered))
		}
		return workqueue.StopChain(err.Error())
	}

	for _, ref := range remaining {
		echo, err := s.store.GetForProcessing(ctx, ref.TransactionID)
		if err != nil {
			continue
		}
		content, err := schema.SetFileURL(echo.Content, uri)
		if err != nil {
			s.logger.Error("rewrite media content",
				observability.F("txn_id", ref.TransactionID),
				observability.F("error", err.Error()))
			continue
		}
		if err := s.store.UpdateContent(ctx, ref.TransactionID, ref.RoomID, echo.Type, content); err != nil {
			s.logger.Error("store media content",
				observability.F("txn_id", ref.TransactionID),
				observability.F("error", err.Error()))
		}
	}

	output, _ := json.Marshal(FanoutInput{Echoes: remaining, Encrypted: input.Encrypted})
	return workqueue.ContinueWith(output)
}

// runFanout expands one completed upload into per-room send chains, each
// submitted into its own room's lane.
func (s *Stages) runFanout(ctx context.Context, rawInput json.RawMessage) workqueue.Result {
	var input FanoutInput
	if err := json.Unmarshal(rawInput, &input); err != nil {
		return workqueue.StopChain("decode fanout input: " + err.Error())
	}
	if s.dispatcher == nil {
		return workqueue.StopChain("fanout dispatcher not configured")
	}

	for _, ref := range input.Echoes {
		if s.honorCancellation(ctx, ref) {
			continue
		}
		if err := s.store.UpdateSendState(ctx, ref.TransactionID, ref.RoomID, schema.SendStateSending, ""); err != nil {
			s.logger.Error("mark echo sending",
				observability.F("txn_id", ref.TransactionID),
				observability.F("error", err.Error()))
			continue
		}
		if err := s.dispatcher.DispatchSend(ctx, ref.Key(), input.Encrypted); err != nil {
			if updateErr := s.store.UpdateSendState(ctx, ref.TransactionID, ref.RoomID, schema.SendStateUndelivered, err.Error()); updateErr != nil {
				s.logger.Error("record dispatch failure",
					observability.F("txn_id", ref.TransactionID),
					observability.F("error", updateErr.Error()))
			}
			telemetry.RecordTerminalFailure(ctx, string(schema.SendStateUndelivered))
		}
	}
	return workqueue.ContinueWith(nil)
}
