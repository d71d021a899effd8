package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/element-android-sub012/errs"
	"github.com/element-hq/element-android-sub012/internal/schema"
)

const testRoom = id.RoomID("!room:example.org")

func newTestSender(t *testing.T, handler http.HandlerFunc) *HTTPSender {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	sender, err := NewHTTPSender(server.URL, "syt_token",
		WithRateLimit(rate.Limit(1000), 1000))
	require.NoError(t, err)
	return sender
}

func TestSendEventUsesTransactionIDPath(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody []byte
	sender := newTestSender(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		require.Equal(t, http.MethodPut, r.Method)
		_, _ = w.Write([]byte(`{"event_id":"$abc:example.org"}`))
	})

	eventID, err := sender.SendEvent(context.Background(), testRoom,
		schema.EventTypeMessage, "txn-1", schema.TextMessageContent("hi"))
	require.NoError(t, err)
	require.Equal(t, id.EventID("$abc:example.org"), eventID)
	require.Contains(t, gotPath, "/send/m.room.message/txn-1")
	require.Equal(t, "Bearer syt_token", gotAuth)
	require.NotEmpty(t, gotBody)
}

func TestSendEventClassifiesPermanentRejection(t *testing.T) {
	sender := newTestSender(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errcode":"M_FORBIDDEN","error":"not in room"}`))
	})

	_, err := sender.SendEvent(context.Background(), testRoom,
		schema.EventTypeMessage, "txn-1", schema.TextMessageContent("hi"))
	require.True(t, errs.IsCode(err, errs.CodeServerRejected))
	require.False(t, errs.Retryable(err))
	require.Contains(t, err.Error(), "M_FORBIDDEN")
}

func TestSendEventClassifiesRateLimitAsRetryable(t *testing.T) {
	sender := newTestSender(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"errcode":"M_LIMIT_EXCEEDED","error":"slow down"}`))
	})

	_, err := sender.SendEvent(context.Background(), testRoom,
		schema.EventTypeMessage, "txn-1", schema.TextMessageContent("hi"))
	require.True(t, errs.IsCode(err, errs.CodeUnavailable))
	require.True(t, errs.Retryable(err))
}

func TestSendEventClassifiesServerErrorAsRetryable(t *testing.T) {
	sender := newTestSender(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := sender.SendEvent(context.Background(), testRoom,
		schema.EventTypeMessage, "txn-1", schema.TextMessageContent("hi"))
	require.True(t, errs.Retryable(err))
}

func TestSendEventClassifiesConnectionFailureAsNetwork(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()
	sender, err := NewHTTPSender(server.URL, "syt_token")
	require.NoError(t, err)

	_, err = sender.SendEvent(context.Background(), testRoom,
		schema.EventTypeMessage, "txn-1", schema.TextMessageContent("hi"))
	require.True(t, errs.IsCode(err, errs.CodeNetwork))
	require.True(t, errs.Retryable(err))
}

func TestRedactEventSendsReason(t *testing.T) {
	var gotPath string
	var gotReason string
	sender := newTestSender(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var payload struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		gotReason = payload.Reason
		_, _ = w.Write([]byte(`{"event_id":"$red:example.org"}`))
	})

	eventID, err := sender.RedactEvent(context.Background(), testRoom,
		"$dead:example.org", "txn-2", "spam")
	require.NoError(t, err)
	require.Equal(t, id.EventID("$red:example.org"), eventID)
	require.Contains(t, gotPath, "/redact/")
	require.Contains(t, gotPath, "/txn-2")
	require.Equal(t, "spam", gotReason)
}

func TestUploadMediaReturnsContentURI(t *testing.T) {
	var gotContentType string
	var gotFilename string
	sender := newTestSender(t, func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotFilename = r.URL.Query().Get("filename")
		require.Equal(t, http.MethodPost, r.Method)
		_, _ = w.Write([]byte(`{"content_uri":"mxc://example.org/xyz"}`))
	})

	uri, err := sender.UploadMedia(context.Background(), schema.Attachment{
		Name:     "cat.png",
		MimeType: "image/png",
		Size:     3,
		Data:     []byte{1, 2, 3},
	})
	require.NoError(t, err)
	require.Equal(t, "mxc://example.org/xyz", uri)
	require.Equal(t, "image/png", gotContentType)
	require.Equal(t, "cat.png", gotFilename)
}

func TestUploadMediaRejectsEmptyAttachment(t *testing.T) {
	sender := newTestSender(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("server must not be called")
	})
	_, err := sender.UploadMedia(context.Background(), schema.Attachment{Name: "empty.bin"})
	require.True(t, errs.IsCode(err, errs.CodeInvalidEvent))
}
