// Package httpapi exposes HTTP handlers for driving the send queue: queueing
// messages, reactions, redactions and media, and managing the per-room backlog.
package httpapi

import (
	"net/http"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/element-android-sub012/errs"
	"github.com/element-hq/element-android-sub012/internal/observability"
	"github.com/element-hq/element-android-sub012/internal/outbox"
	"github.com/element-hq/element-android-sub012/internal/schema"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	mediaPath = "/media"

	roomsPath   = "/rooms"
	roomsPrefix = roomsPath + "/"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	outbox *outbox.Outbox
	logger observability.Logger
}

// NewHandler creates the HTTP handler for send queue operations.
func NewHandler(ob *outbox.Outbox, logger observability.Logger) http.Handler {
	server := &httpServer{outbox: ob, logger: observability.OrNop(logger)}
	mux := http.NewServeMux()

	mux.Handle(mediaPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.sendMedia,
	}))
	mux.Handle(roomsPrefix, http.HandlerFunc(server.handleRoom))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

// handleRoom dispatches /rooms/{roomId}/... requests on the path remainder.
func (s *httpServer) handleRoom(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, roomsPrefix), "/")
	segments := strings.Split(rest, "/")
	if len(segments) < 2 || segments[0] == "" {
		writeError(w, http.StatusNotFound, "room id and resource required")
		return
	}
	roomID := id.RoomID(segments[0])

	switch segments[1] {
	case "messages":
		if len(segments) == 2 {
			s.route(w, r, map[string]handlerFunc{
				http.MethodPost: func(w http.ResponseWriter, r *http.Request) { s.sendMessage(w, r, roomID) },
			})
			return
		}
	case "reactions":
		if len(segments) == 2 {
			s.route(w, r, map[string]handlerFunc{
				http.MethodPost: func(w http.ResponseWriter, r *http.Request) { s.sendReaction(w, r, roomID) },
			})
			return
		}
	case "redactions":
		if len(segments) == 2 {
			s.route(w, r, map[string]handlerFunc{
				http.MethodPost: func(w http.ResponseWriter, r *http.Request) { s.sendRedaction(w, r, roomID) },
			})
			return
		}
	case "summary":
		if len(segments) == 2 {
			s.route(w, r, map[string]handlerFunc{
				http.MethodGet: func(w http.ResponseWriter, r *http.Request) { s.getSummary(w, r, roomID) },
			})
			return
		}
	case "queue":
		s.handleQueue(w, r, roomID, segments[2:])
		return
	case "echoes":
		s.handleEcho(w, r, roomID, segments[2:])
		return
	}
	writeError(w, http.StatusNotFound, "unknown resource")
}

func (s *httpServer) route(w http.ResponseWriter, r *http.Request, handlers map[string]handlerFunc) {
	if handler, ok := handlers[r.Method]; ok {
		handler(w, r)
		return
	}
	methodNotAllowed(w, allowedMethods(handlers)...)
}

func (s *httpServer) handleQueue(w http.ResponseWriter, r *http.Request, roomID id.RoomID, rest []string) {
	if len(rest) == 0 {
		s.route(w, r, map[string]handlerFunc{
			http.MethodDelete: func(w http.ResponseWriter, r *http.Request) { s.clearQueue(w, r, roomID) },
		})
		return
	}
	if len(rest) == 1 {
		switch rest[0] {
		case "resend-failed":
			s.route(w, r, map[string]handlerFunc{
				http.MethodPost: func(w http.ResponseWriter, r *http.Request) { s.resendFailed(w, r, roomID) },
			})
			return
		case "cancel-failed":
			s.route(w, r, map[string]handlerFunc{
				http.MethodPost: func(w http.ResponseWriter, r *http.Request) { s.cancelFailed(w, r, roomID) },
			})
			return
		}
	}
	writeError(w, http.StatusNotFound, "unknown queue operation")
}

func (s *httpServer) handleEcho(w http.ResponseWriter, r *http.Request, roomID id.RoomID, rest []string) {
	if len(rest) == 0 || rest[0] == "" {
		writeError(w, http.StatusNotFound, "transaction id required")
		return
	}
	key := schema.EchoKey{TransactionID: rest[0], RoomID: roomID}

	if len(rest) == 1 {
		s.route(w, r, map[string]handlerFunc{
			http.MethodDelete: func(w http.ResponseWriter, r *http.Request) { s.deleteEcho(w, r, key) },
		})
		return
	}
	if len(rest) == 2 {
		switch rest[1] {
		case "cancel":
			s.route(w, r, map[string]handlerFunc{
				http.MethodPost: func(w http.ResponseWriter, r *http.Request) { s.cancelEcho(w, r, key) },
			})
			return
		case "resend":
			s.route(w, r, map[string]handlerFunc{
				http.MethodPost: func(w http.ResponseWriter, r *http.Request) { s.resendEcho(w, r, key) },
			})
			return
		}
	}
	writeError(w, http.StatusNotFound, "unknown echo operation")
}

type messagePayload struct {
	Body    string          `json:"body"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

func (s *httpServer) sendMessage(w http.ResponseWriter, r *http.Request, roomID id.RoomID) {
	var payload messagePayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	var (
		key schema.EchoKey
		err error
	)
	switch {
	case payload.Body != "":
		key, err = s.outbox.SendText(r.Context(), roomID, payload.Body)
	case payload.Type != "" && len(payload.Content) > 0:
		key, err = s.outbox.SendEvent(r.Context(), roomID, payload.Type, payload.Content)
	default:
		writeError(w, http.StatusBadRequest, "body or type+content required")
		return
	}
	if err != nil {
		writeOutboxError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, echoKeyPayload(key))
}

type reactionPayload struct {
	EventID string `json:"eventId"`
	Key     string `json:"key"`
}

func (s *httpServer) sendReaction(w http.ResponseWriter, r *http.Request, roomID id.RoomID) {
	var payload reactionPayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	if payload.EventID == "" || payload.Key == "" {
		writeError(w, http.StatusBadRequest, "eventId and key required")
		return
	}
	key, err := s.outbox.SendReaction(r.Context(), roomID, id.EventID(payload.EventID), payload.Key)
	if err != nil {
		writeOutboxError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, echoKeyPayload(key))
}

type redactionPayload struct {
	EventID string `json:"eventId"`
	Reason  string `json:"reason"`
}

func (s *httpServer) sendRedaction(w http.ResponseWriter, r *http.Request, roomID id.RoomID) {
	var payload redactionPayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	if payload.EventID == "" {
		writeError(w, http.StatusBadRequest, "eventId required")
		return
	}
	key, err := s.outbox.RedactEvent(r.Context(), roomID, id.EventID(payload.EventID), payload.Reason)
	if err != nil {
		writeOutboxError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, echoKeyPayload(key))
}

type mediaPayload struct {
	Name     string   `json:"name"`
	MimeType string   `json:"mimeType"`
	Data     []byte   `json:"data"`
	RoomIDs  []string `json:"roomIds"`
}

func (s *httpServer) sendMedia(w http.ResponseWriter, r *http.Request) {
	var payload mediaPayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	attachment := schema.Attachment{
		Name:     payload.Name,
		MimeType: payload.MimeType,
		Size:     int64(len(payload.Data)),
		Data:     payload.Data,
	}
	rooms := make([]id.RoomID, 0, len(payload.RoomIDs))
	for _, raw := range payload.RoomIDs {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			rooms = append(rooms, id.RoomID(trimmed))
		}
	}
	keys, err := s.outbox.SendMedia(r.Context(), attachment, rooms)
	if err != nil {
		writeOutboxError(w, err)
		return
	}
	echoes := make([]map[string]string, 0, len(keys))
	for _, key := range keys {
		echoes = append(echoes, echoKeyPayload(key))
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"echoes": echoes})
}

func (s *httpServer) getSummary(w http.ResponseWriter, r *http.Request, roomID id.RoomID) {
	summary, err := s.outbox.Summary(r.Context(), roomID)
	if err != nil {
		writeOutboxError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"pending": summary.PendingCount,
		"failed":  summary.FailedCount,
	})
}

func (s *httpServer) resendFailed(w http.ResponseWriter, r *http.Request, roomID id.RoomID) {
	resent, err := s.outbox.ResendAllFailed(r.Context(), roomID)
	if err != nil {
		writeOutboxError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"resent": resent})
}

func (s *httpServer) cancelFailed(w http.ResponseWriter, r *http.Request, roomID id.RoomID) {
	removed, err := s.outbox.CancelAllFailed(r.Context(), roomID)
	if err != nil {
		writeOutboxError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *httpServer) clearQueue(w http.ResponseWriter, r *http.Request, roomID id.RoomID) {
	cleared, err := s.outbox.ClearSendQueue(r.Context(), roomID)
	if err != nil {
		writeOutboxError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (s *httpServer) deleteEcho(w http.ResponseWriter, r *http.Request, key schema.EchoKey) {
	if err := s.outbox.DeleteFailedEcho(r.Context(), key); err != nil {
		writeOutboxError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *httpServer) cancelEcho(w http.ResponseWriter, r *http.Request, key schema.EchoKey) {
	if err := s.outbox.CancelSend(r.Context(), key); err != nil {
		writeOutboxError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *httpServer) resendEcho(w http.ResponseWriter, r *http.Request, key schema.EchoKey) {
	if err := s.outbox.Resend(r.Context(), key); err != nil {
		writeOutboxError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func echoKeyPayload(key schema.EchoKey) map[string]string {
	return map[string]string{
		"transactionId": key.TransactionID,
		"roomId":        string(key.RoomID),
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeOutboxError(w http.ResponseWriter, err error) {
	writeError(w, statusForError(err), err.Error())
}

func statusForError(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeInvalidEvent:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeConflict, errs.CodeDuplicateEcho:
		return http.StatusConflict
	case errs.CodeNetwork, errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
