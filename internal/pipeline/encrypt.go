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

// runEncrypt replaces the echo's clear content with its encrypted form before
// handing the echo to the send stage. Relation metadata stays outside the
// ciphertext and is reattached to the encrypted payload.
func (s *Stages) runEncrypt(ctx context.Context, input json.RawMessage) workqueue.Result {
	ref, err := decodeRef(input)
	if err != nil {
		return workqueue.StopChain(err.Error())
	}
	if s.honorCancellation(ctx, ref) {
		return workqueue.StopChain("cancelled")
	}

	echo, err := s.store.GetForProcessing(ctx, ref.TransactionID)
	if err != nil {
		// The echo was deleted while queued; nothing left to encrypt.
		return workqueue.StopChain("echo removed before encryption")
	}
	if echo.IsEncrypted() {
		// Resend of an echo whose content already went through encryption.
		return workqueue.ContinueWith(input)
	}

	if err := s.store.UpdateSendState(ctx, ref.TransactionID, ref.RoomID, schema.SendStateEncrypting, ""); err != nil {
		return workqueue.StopChain(err.Error())
	}

	stripped, relation, err := schema.SplitRelation(echo.Content)
	if err != nil {
		return s.recordEncryptFailure(ctx, ref, errs.CodeCryptoFailure, err.Error())
	}

	encrypted, err := s.cryptor.Encrypt(ctx, ref.RoomID, echo.Type, stripped)
	if err != nil {
		code := errs.CodeOf(err)
		if code != errs.CodeCryptoUnknownDevices {
			code = errs.CodeCryptoFailure
		}
		return s.recordEncryptFailure(ctx, ref, code, err.Error())
	}

	final, err := schema.AttachRelation(encrypted, relation)
	if err != nil {
		return s.recordEncryptFailure(ctx, ref, errs.CodeCryptoFailure, err.Error())
	}
	if err := s.store.UpdateContent(ctx, ref.TransactionID, ref.RoomID, schema.EventTypeEncrypted, final); err != nil {
		return workqueue.StopChain(err.Error())
	}
	return workqueue.ContinueWith(input)
}

// recordEncryptFailure parks the echo in its terminal state. The chain still
// reports success so it never strands later messages in the room's lane; the
// failure travels through the echo's send state instead.
func (s *Stages) recordEncryptFailure(ctx context.Context, ref EchoRef, code errs.Code, details string) workqueue.Result {
	state := schema.SendStateUndelivered
	if code == errs.CodeCryptoUnknownDevices {
		state = schema.SendStateFailedUnknownDevices
	}
	if err := s.store.UpdateSendState(ctx, ref.TransactionID, ref.RoomID, state, details); err != nil {
		s.logger.Error("record encrypt failure",
			observability.F("txn_id", ref.TransactionID),
			observability.F("error", err.Error()))
	}
	telemetry.RecordTerminalFailure(ctx, string(state))
	s.logger.Info("encryption failed",
		observability.F("txn_id", ref.TransactionID),
		observability.F("room_id", ref.RoomID),
		observability.F("state", string(state)))
	return workqueue.StopChain(details)
}
