package httpapi_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/element-android-sub012/internal/echostore"
	"github.com/element-hq/element-android-sub012/internal/observability"
	"github.com/element-hq/element-android-sub012/internal/outbox"
	"github.com/element-hq/element-android-sub012/internal/schema"
	"github.com/element-hq/element-android-sub012/internal/server/httpapi"
)

// stubScheduler persists submitted echoes the way the orchestrator would and
// records resubmit/cancel traffic for assertions.
type stubScheduler struct {
	store      echostore.Store
	resubmits  []schema.EchoKey
	cancels    []schema.EchoKey
	forgets    []schema.EchoKey
	mediaCalls int
}

func (s *stubScheduler) Submit(ctx context.Context, echo *schema.LocalEcho) error {
	if err := echo.Validate(); err != nil {
		return err
	}
	return s.store.Create(ctx, echo)
}

func (s *stubScheduler) Resubmit(_ context.Context, key schema.EchoKey) error {
	s.resubmits = append(s.resubmits, key)
	return nil
}

func (s *stubScheduler) SubmitMedia(ctx context.Context, _ schema.Attachment, echoes []*schema.LocalEcho) error {
	s.mediaCalls++
	for _, echo := range echoes {
		if err := s.store.Create(ctx, echo); err != nil {
			return err
		}
	}
	return nil
}

func (s *stubScheduler) Cancel(key schema.EchoKey) {
	s.cancels = append(s.cancels, key)
}

func (s *stubScheduler) Forget(key schema.EchoKey) {
	s.forgets = append(s.forgets, key)
}

type apiHarness struct {
	server    *httptest.Server
	store     *echostore.MemoryStore
	scheduler *stubScheduler
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	store := echostore.NewMemoryStore()
	scheduler := &stubScheduler{store: store}

	txnSeq := 0
	ob := outbox.New(scheduler, store, "@alice:example.org", observability.NopLogger{},
		outbox.WithTransactionIDs(func() string {
			txnSeq++
			return fmt.Sprintf("t%d", txnSeq)
		}))

	server := httptest.NewServer(httpapi.NewHandler(ob, observability.NopLogger{}))
	t.Cleanup(server.Close)
	return &apiHarness{server: server, store: store, scheduler: scheduler}
}

func (h *apiHarness) do(t *testing.T, method, path string, payload any) (*http.Response, map[string]any) {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}
	req, err := http.NewRequest(method, h.server.URL+path, &body)
	require.NoError(t, err)
	resp, err := h.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func (h *apiHarness) seedFailed(t *testing.T, roomID id.RoomID, txn string) {
	t.Helper()
	ctx := context.Background()
	echo := &schema.LocalEcho{
		TransactionID: txn,
		RoomID:        roomID,
		SenderID:      "@alice:example.org",
		Type:          schema.EventTypeMessage,
		Content:       schema.TextMessageContent("failed"),
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, h.store.Create(ctx, echo))
	require.NoError(t, h.store.UpdateSendState(ctx, txn, roomID, schema.SendStateUndelivered, "rejected"))
}

func TestSendMessageReturnsEchoKey(t *testing.T) {
	h := newAPIHarness(t)

	resp, body := h.do(t, http.MethodPost, "/rooms/!room:example.org/messages", map[string]string{"body": "hello"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "t1", body["transactionId"])
	require.Equal(t, "!room:example.org", body["roomId"])

	echo, err := h.store.GetForProcessing(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, schema.EventTypeMessage, echo.Type)
}

func TestSendMessageRequiresBodyOrContent(t *testing.T) {
	h := newAPIHarness(t)

	resp, body := h.do(t, http.MethodPost, "/rooms/!room:example.org/messages", map[string]string{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "error", body["status"])
}

func TestSendCustomEvent(t *testing.T) {
	h := newAPIHarness(t)

	resp, _ := h.do(t, http.MethodPost, "/rooms/!room:example.org/messages", map[string]any{
		"type":    "m.room.message",
		"content": map[string]string{"msgtype": "m.emote", "body": "waves"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	echo, err := h.store.GetForProcessing(context.Background(), "t1")
	require.NoError(t, err)
	require.Contains(t, string(echo.Content), "m.emote")
}

func TestSendReaction(t *testing.T) {
	h := newAPIHarness(t)

	resp, _ := h.do(t, http.MethodPost, "/rooms/!room:example.org/reactions", map[string]string{
		"eventId": "$target", "key": "👍",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	echo, err := h.store.GetForProcessing(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, schema.EventTypeReaction, echo.Type)
}

func TestSendRedaction(t *testing.T) {
	h := newAPIHarness(t)

	resp, _ := h.do(t, http.MethodPost, "/rooms/!room:example.org/redactions", map[string]string{
		"eventId": "$target", "reason": "spam",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	echo, err := h.store.GetForProcessing(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, schema.EventTypeRedaction, echo.Type)
	require.Equal(t, id.EventID("$target"), echo.RedactsEventID)
}

func TestSendMediaFansOutAcrossRooms(t *testing.T) {
	h := newAPIHarness(t)

	resp, body := h.do(t, http.MethodPost, "/media", map[string]any{
		"name":     "photo.jpg",
		"mimeType": "image/jpeg",
		"data":     []byte{0xff, 0xd8, 0xff},
		"roomIds":  []string{"!one:example.org", "!two:example.org"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, body["echoes"], 2)
	require.Equal(t, 1, h.scheduler.mediaCalls)
}

func TestSendMediaWithoutRoomsRejected(t *testing.T) {
	h := newAPIHarness(t)

	resp, _ := h.do(t, http.MethodPost, "/media", map[string]any{
		"name":     "photo.jpg",
		"mimeType": "image/jpeg",
		"data":     []byte{0x01},
		"roomIds":  []string{},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSummaryCountsBacklog(t *testing.T) {
	h := newAPIHarness(t)
	room := id.RoomID("!room:example.org")
	h.seedFailed(t, room, "failed1")

	resp, body := h.do(t, http.MethodGet, "/rooms/!room:example.org/summary", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 0, body["pending"])
	require.EqualValues(t, 1, body["failed"])
}

func TestResendFailedQueue(t *testing.T) {
	h := newAPIHarness(t)
	room := id.RoomID("!room:example.org")
	h.seedFailed(t, room, "failed1")
	h.seedFailed(t, room, "failed2")

	resp, body := h.do(t, http.MethodPost, "/rooms/!room:example.org/queue/resend-failed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 2, body["resent"])
	require.Len(t, h.scheduler.resubmits, 2)
}

func TestCancelFailedQueue(t *testing.T) {
	h := newAPIHarness(t)
	room := id.RoomID("!room:example.org")
	h.seedFailed(t, room, "failed1")

	resp, body := h.do(t, http.MethodPost, "/rooms/!room:example.org/queue/cancel-failed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1, body["removed"])

	summary, err := h.store.Summary(context.Background(), room)
	require.NoError(t, err)
	require.Zero(t, summary.FailedCount)
}

func TestClearQueueDropsFailedEchoes(t *testing.T) {
	h := newAPIHarness(t)
	room := id.RoomID("!room:example.org")
	h.seedFailed(t, room, "failed1")

	resp, body := h.do(t, http.MethodDelete, "/rooms/!room:example.org/queue", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1, body["cleared"])
}

func TestDeleteEchoRejectsNonFailed(t *testing.T) {
	h := newAPIHarness(t)

	_, _ = h.do(t, http.MethodPost, "/rooms/!room:example.org/messages", map[string]string{"body": "hi"})

	resp, _ := h.do(t, http.MethodDelete, "/rooms/!room:example.org/echoes/t1", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancelEchoForwardsToScheduler(t *testing.T) {
	h := newAPIHarness(t)

	_, _ = h.do(t, http.MethodPost, "/rooms/!room:example.org/messages", map[string]string{"body": "hi"})

	resp, _ := h.do(t, http.MethodPost, "/rooms/!room:example.org/echoes/t1/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, h.scheduler.cancels, 1)
	require.Equal(t, "t1", h.scheduler.cancels[0].TransactionID)
}

func TestResendEchoRequiresFailure(t *testing.T) {
	h := newAPIHarness(t)
	room := id.RoomID("!room:example.org")
	h.seedFailed(t, room, "failed1")

	resp, _ := h.do(t, http.MethodPost, "/rooms/!room:example.org/echoes/failed1/resend", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, h.scheduler.resubmits, 1)

	resp, _ = h.do(t, http.MethodPost, "/rooms/!room:example.org/echoes/missing/resend", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	h := newAPIHarness(t)

	resp, _ := h.do(t, http.MethodGet, "/rooms/!room:example.org/messages", nil)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	require.Equal(t, "POST", resp.Header.Get("Allow"))
}

func TestUnknownResource(t *testing.T) {
	h := newAPIHarness(t)

	resp, _ := h.do(t, http.MethodGet, "/rooms/!room:example.org/nope", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
