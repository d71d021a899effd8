// Package transport implements the homeserver-facing network collaborators:
// the rate-limited HTTP sender and the websocket sync confirmer.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/element-android-sub012/errs"
	"github.com/element-hq/element-android-sub012/internal/observability"
	"github.com/element-hq/element-android-sub012/internal/schema"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultUploadTimeout  = 2 * time.Minute

	// Homeservers rate-limit event PUTs per access token; 5 rps with small
	// bursts stays under the common default.
	defaultRateLimit = rate.Limit(5)
	defaultRateBurst = 10
)

// HTTPSender delivers events to the homeserver over the client-server API.
// Returned errors carry errs codes so pipeline stages can classify them.
type HTTPSender struct {
	baseURL     string
	accessToken string
	client      *http.Client
	limiter     *rate.Limiter
	logger      observability.Logger

	uploadTimeout time.Duration
}

// SenderOption configures an HTTPSender.
type SenderOption func(*HTTPSender)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(client *http.Client) SenderOption {
	return func(s *HTTPSender) {
		if client != nil {
			s.client = client
		}
	}
}

// WithRateLimit overrides the request rate limit.
func WithRateLimit(limit rate.Limit, burst int) SenderOption {
	return func(s *HTTPSender) {
		if limit > 0 && burst > 0 {
			s.limiter = rate.NewLimiter(limit, burst)
		}
	}
}

// WithSenderLogger overrides the sender's logger.
func WithSenderLogger(logger observability.Logger) SenderOption {
	return func(s *HTTPSender) {
		s.logger = observability.OrNop(logger)
	}
}

// NewHTTPSender creates a sender for the homeserver at baseURL.
func NewHTTPSender(baseURL, accessToken string, opts ...SenderOption) (*HTTPSender, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errs.New("transport", errs.CodeInvalidEvent, errs.WithMessage("homeserver base url required"))
	}
	sender := new(HTTPSender)
	sender.baseURL = trimmed
	sender.accessToken = accessToken
	sender.client = &http.Client{Timeout: defaultRequestTimeout}
	sender.limiter = rate.NewLimiter(defaultRateLimit, defaultRateBurst)
	sender.logger = observability.NopLogger{}
	sender.uploadTimeout = defaultUploadTimeout
	for _, opt := range opts {
		if opt != nil {
			opt(sender)
		}
	}
	return sender, nil
}

// SendEvent PUTs the event into the room using the transaction id as the
// idempotency key, so server-side retries never duplicate the event.
func (s *HTTPSender) SendEvent(ctx context.Context, roomID id.RoomID, eventType, transactionID string, content json.RawMessage) (id.EventID, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(string(roomID)), url.PathEscape(eventType), url.PathEscape(transactionID))
	body := content
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}
	return s.putEvent(ctx, path, body)
}

// RedactEvent PUTs a redaction of eventID, again keyed by transaction id.
func (s *HTTPSender) RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, transactionID, reason string) (id.EventID, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/redact/%s/%s",
		url.PathEscape(string(roomID)), url.PathEscape(string(eventID)), url.PathEscape(transactionID))
	payload := map[string]any{}
	if trimmed := strings.TrimSpace(reason); trimmed != "" {
		payload["reason"] = trimmed
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode redaction: %w", err)
	}
	return s.putEvent(ctx, path, body)
}

// UploadMedia POSTs the attachment bytes to the media repository and returns
// the server-assigned content URI.
func (s *HTTPSender) UploadMedia(ctx context.Context, attachment schema.Attachment) (string, error) {
	if err := attachment.Validate(); err != nil {
		return "", err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	endpoint := s.baseURL + "/_matrix/media/v3/upload?filename=" + url.QueryEscape(attachment.Name)
	uploadCtx, cancel := context.WithTimeout(ctx, s.uploadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(uploadCtx, http.MethodPost, endpoint, bytes.NewReader(attachment.Data))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.accessToken)
	contentType := attachment.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)

	data, err := s.do(req)
	if err != nil {
		return "", err
	}
	var response struct {
		ContentURI string `json:"content_uri"`
	}
	if err := json.Unmarshal(data, &response); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if response.ContentURI == "" {
		return "", errs.New("transport", errs.CodeServerRejected, errs.WithMessage("upload response missing content_uri"))
	}
	return response.ContentURI, nil
}

func (s *HTTPSender) putEvent(ctx context.Context, path string, body json.RawMessage) (id.EventID, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build event request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.accessToken)
	req.Header.Set("Content-Type", "application/json")

	data, err := s.do(req)
	if err != nil {
		return "", err
	}
	var response struct {
		EventID id.EventID `json:"event_id"`
	}
	if err := json.Unmarshal(data, &response); err != nil {
		return "", fmt.Errorf("decode event response: %w", err)
	}
	if response.EventID == "" {
		return "", errs.New("transport", errs.CodeServerRejected, errs.WithMessage("response missing event_id"))
	}
	return response.EventID, nil
}

func (s *HTTPSender) do(req *http.Request) ([]byte, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errs.New("transport", errs.CodeNetwork,
			errs.WithMessage(req.Method+" "+req.URL.Path), errs.WithCause(err))
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errs.New("transport", errs.CodeNetwork,
			errs.WithMessage("read response body"), errs.WithCause(err))
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	return nil, classifyStatus(resp.StatusCode, data)
}

// classifyStatus maps a homeserver error response onto the pipeline taxonomy:
// 429 and 5xx are transient, every other 4xx is a permanent rejection.
func classifyStatus(status int, body []byte) error {
	message := matrixErrorMessage(body)
	switch {
	case status == http.StatusTooManyRequests:
		return errs.New("transport", errs.CodeUnavailable, errs.WithHTTP(status), errs.WithMessage(message))
	case status >= 500:
		return errs.New("transport", errs.CodeUnavailable, errs.WithHTTP(status), errs.WithMessage(message))
	default:
		return errs.New("transport", errs.CodeServerRejected, errs.WithHTTP(status), errs.WithMessage(message))
	}
}

func matrixErrorMessage(body []byte) string {
	var payload struct {
		ErrCode string `json:"errcode"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.ErrCode == "" {
		return strings.TrimSpace(string(body))
	}
	if payload.Error == "" {
		return payload.ErrCode
	}
	return payload.ErrCode + ": " + payload.Error
}
