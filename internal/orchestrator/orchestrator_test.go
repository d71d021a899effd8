package orchestrator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/element-android-sub012/errs"
	"github.com/element-hq/element-android-sub012/internal/cancelreg"
	"github.com/element-hq/element-android-sub012/internal/echostore"
	"github.com/element-hq/element-android-sub012/internal/observability"
	"github.com/element-hq/element-android-sub012/internal/orchestrator"
	"github.com/element-hq/element-android-sub012/internal/pipeline"
	"github.com/element-hq/element-android-sub012/internal/schema"
	"github.com/element-hq/element-android-sub012/internal/workqueue"
)

const (
	plainRoom     = id.RoomID("!plain:example.org")
	encryptedRoom = id.RoomID("!encrypted:example.org")
	sender        = id.UserID("@alice:example.org")
)

type stubCryptor struct {
	encryptedRooms map[id.RoomID]bool
	lookupErr      error
}

func (c *stubCryptor) Encrypt(_ context.Context, _ id.RoomID, _ string, content json.RawMessage) (json.RawMessage, error) {
	payload, _ := json.Marshal(map[string]any{
		"algorithm":  "m.megolm.v1.aes-sha2",
		"ciphertext": string(content),
	})
	return payload, nil
}

func (c *stubCryptor) IsRoomEncrypted(_ context.Context, roomID id.RoomID) (bool, error) {
	if c.lookupErr != nil {
		return false, c.lookupErr
	}
	return c.encryptedRooms[roomID], nil
}

type sentCall struct {
	RoomID  id.RoomID
	Type    string
	TxnID   string
	Content json.RawMessage
}

type stubSender struct {
	mu       sync.Mutex
	sent     []sentCall
	uploads  int
	errByTxn map[string]error

	holdTxn string
	release chan struct{}
}

func (s *stubSender) SendEvent(_ context.Context, roomID id.RoomID, eventType, txnID string, content json.RawMessage) (id.EventID, error) {
	s.mu.Lock()
	hold := s.holdTxn == txnID
	release := s.release
	err := s.errByTxn[txnID]
	s.mu.Unlock()
	if hold && release != nil {
		<-release
	}
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.sent = append(s.sent, sentCall{RoomID: roomID, Type: eventType, TxnID: txnID, Content: content})
	s.mu.Unlock()
	return id.EventID("$" + txnID), nil
}

func (s *stubSender) RedactEvent(_ context.Context, _ id.RoomID, _ id.EventID, txnID, _ string) (id.EventID, error) {
	return id.EventID("$" + txnID), nil
}

func (s *stubSender) UploadMedia(context.Context, schema.Attachment) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads++
	return "mxc://example.org/uploaded", nil
}

func (s *stubSender) failTxn(txnID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errByTxn == nil {
		s.errByTxn = map[string]error{}
	}
	s.errByTxn[txnID] = err
}

func (s *stubSender) sentTxns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	txns := make([]string, 0, len(s.sent))
	for _, call := range s.sent {
		txns = append(txns, call.TxnID)
	}
	return txns
}

func (s *stubSender) lastSent() (sentCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return sentCall{}, false
	}
	return s.sent[len(s.sent)-1], true
}

type harness struct {
	store   *echostore.MemoryStore
	cancels *cancelreg.Tracker
	cryptor *stubCryptor
	sender  *stubSender
	queue   *workqueue.MemoryQueue
	orch    *orchestrator.Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   echostore.NewMemoryStore(),
		cancels: cancelreg.NewTracker(),
		cryptor: &stubCryptor{encryptedRooms: map[id.RoomID]bool{encryptedRoom: true}},
		sender:  &stubSender{},
	}
	h.queue = workqueue.NewMemoryQueue(workqueue.Config{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})
	stages := pipeline.NewStages(h.store, h.cancels, h.cryptor, h.sender, observability.NopLogger{})
	require.NoError(t, stages.Register(h.queue))
	h.orch = orchestrator.New(h.queue, h.store, h.cancels, h.cryptor, observability.NopLogger{})
	stages.SetDispatcher(h.orch)
	t.Cleanup(h.queue.Close)
	return h
}

func textEcho(txnID string, roomID id.RoomID) *schema.LocalEcho {
	return &schema.LocalEcho{
		TransactionID: txnID,
		RoomID:        roomID,
		SenderID:      sender,
		Type:          schema.EventTypeMessage,
		Content:       schema.TextMessageContent("message " + txnID),
		CreatedAt:     time.Now().UTC(),
	}
}

func (h *harness) waitForState(t *testing.T, txnID string, state schema.SendState) {
	t.Helper()
	require.Eventually(t, func() bool {
		echo, err := h.store.GetForProcessing(context.Background(), txnID)
		return err == nil && echo.SendState == state
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSubmitDeliversRoomEchoesInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, txn := range []string{"t1", "t2", "t3"} {
		require.NoError(t, h.orch.Submit(ctx, textEcho(txn, plainRoom)))
	}
	for _, txn := range []string{"t1", "t2", "t3"} {
		h.waitForState(t, txn, schema.SendStateSent)
	}
	require.Equal(t, []string{"t1", "t2", "t3"}, h.sender.sentTxns())
}

func TestSubmitEncryptsBeforeSendingInEncryptedRoom(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.orch.Submit(context.Background(), textEcho("t1", encryptedRoom)))
	h.waitForState(t, "t1", schema.SendStateSent)

	call, ok := h.sender.lastSent()
	require.True(t, ok)
	require.Equal(t, schema.EventTypeEncrypted, call.Type)
	require.Contains(t, string(call.Content), "ciphertext")
}

func TestSubmitRejectsInvalidEchoSynchronously(t *testing.T) {
	h := newHarness(t)

	echo := textEcho("t1", plainRoom)
	echo.Content = nil
	err := h.orch.Submit(context.Background(), echo)
	require.True(t, errs.IsCode(err, errs.CodeInvalidEvent))

	_, err = h.store.GetForProcessing(context.Background(), "t1")
	require.True(t, errs.IsCode(err, errs.CodeNotFound))
}

func TestCancelPendingSendRemovesEchoWithoutNetworkCall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	release := make(chan struct{})
	h.sender.holdTxn = "t1"
	h.sender.release = release

	require.NoError(t, h.orch.Submit(ctx, textEcho("t1", plainRoom)))
	require.NoError(t, h.orch.Submit(ctx, textEcho("t2", plainRoom)))
	h.orch.Cancel(schema.EchoKey{TransactionID: "t2", RoomID: plainRoom})
	close(release)

	h.waitForState(t, "t1", schema.SendStateSent)
	require.Eventually(t, func() bool {
		_, err := h.store.GetForProcessing(ctx, "t2")
		return errs.IsCode(err, errs.CodeNotFound)
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"t1"}, h.sender.sentTxns())

	// The skipped chain never reaches a stage-entry check, so the cancel
	// request must be cleared here and the echo must stop counting as pending.
	require.Equal(t, 0, h.cancels.Pending())
	summary, err := h.store.Summary(ctx, plainRoom)
	require.NoError(t, err)
	require.Equal(t, 0, summary.PendingCount)
}

func TestCancelQueuedChainBeforeFirstStageRemovesEcho(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	release := make(chan struct{})
	h.sender.holdTxn = "t1"
	h.sender.release = release

	require.NoError(t, h.orch.Submit(ctx, textEcho("t1", plainRoom)))
	require.NoError(t, h.orch.Submit(ctx, textEcho("t2", plainRoom)))
	h.waitForState(t, "t1", schema.SendStateSending)

	// t2's chain is parked behind the held t1 and has not started; cancelling
	// it must not leave the echo stranded in UNSENT.
	h.orch.Cancel(schema.EchoKey{TransactionID: "t2", RoomID: plainRoom})
	_, err := h.store.GetForProcessing(ctx, "t2")
	require.True(t, errs.IsCode(err, errs.CodeNotFound))
	require.Equal(t, 0, h.cancels.Pending())

	close(release)
	h.waitForState(t, "t1", schema.SendStateSent)
	require.Equal(t, []string{"t1"}, h.sender.sentTxns())
}

func TestSubmitParksEchoWhenChainSelectionFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.cryptor.lookupErr = errs.New("crypto", errs.CodeCryptoFailure, errs.WithMessage("store unavailable"))
	err := h.orch.Submit(ctx, textEcho("t1", plainRoom))
	require.True(t, errs.IsCode(err, errs.CodeCryptoFailure))

	echo, getErr := h.store.GetForProcessing(ctx, "t1")
	require.NoError(t, getErr)
	require.Equal(t, schema.SendStateUndelivered, echo.SendState)
	require.Contains(t, echo.SendStateDetails, "store unavailable")
}

func TestSubmitMediaUploadsOnceAndFansOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	att := schema.Attachment{Name: "cat.png", MimeType: "image/png", Size: 3, Data: []byte{1, 2, 3}}
	otherRoom := id.RoomID("!other:example.org")
	echoes := []*schema.LocalEcho{
		{TransactionID: "m1", RoomID: plainRoom, SenderID: sender, Type: schema.EventTypeMessage, Content: schema.FileMessageContent(att, ""), CreatedAt: time.Now().UTC()},
		{TransactionID: "m2", RoomID: otherRoom, SenderID: sender, Type: schema.EventTypeMessage, Content: schema.FileMessageContent(att, ""), CreatedAt: time.Now().UTC()},
	}
	require.NoError(t, h.orch.SubmitMedia(ctx, att, echoes))

	h.waitForState(t, "m1", schema.SendStateSent)
	h.waitForState(t, "m2", schema.SendStateSent)

	h.sender.mu.Lock()
	defer h.sender.mu.Unlock()
	require.Equal(t, 1, h.sender.uploads)
	require.Len(t, h.sender.sent, 2)
	for _, call := range h.sender.sent {
		require.Contains(t, string(call.Content), "mxc://example.org/uploaded")
	}
}

func TestResubmitRedeliversFailedEcho(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.sender.failTxn("t1", errs.New("transport", errs.CodeServerRejected, errs.WithHTTP(403), errs.WithMessage("M_FORBIDDEN")))
	require.NoError(t, h.orch.Submit(ctx, textEcho("t1", plainRoom)))
	h.waitForState(t, "t1", schema.SendStateUndelivered)

	h.sender.failTxn("t1", nil)
	require.NoError(t, h.orch.Resubmit(ctx, schema.EchoKey{TransactionID: "t1", RoomID: plainRoom}))
	h.waitForState(t, "t1", schema.SendStateSent)
	require.Equal(t, []string{"t1"}, h.sender.sentTxns())
}

func TestRedactionChainDeliversRedaction(t *testing.T) {
	h := newHarness(t)

	echo := &schema.LocalEcho{
		TransactionID:  "r1",
		RoomID:         plainRoom,
		SenderID:       sender,
		Type:           schema.EventTypeRedaction,
		Content:        schema.RedactionContent("spam"),
		RedactsEventID: "$dead:example.org",
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, h.orch.Submit(context.Background(), echo))
	h.waitForState(t, "r1", schema.SendStateSent)
}
