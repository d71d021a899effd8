package schema

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/element-android-sub012/errs"
)

// relatesToKey stays outside the ciphertext when an event is encrypted so the
// server can still thread relations.
const relatesToKey = "m.relates_to"

// serverURIPrefix marks content already uploaded to the homeserver.
const serverURIPrefix = "mxc://"

// Attachment describes a media payload queued for upload.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	Data     []byte `json:"data"`
}

// Validate checks the attachment can be uploaded.
func (a Attachment) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return errs.New("schema", errs.CodeInvalidEvent, errs.WithMessage("attachment name required"))
	}
	if len(a.Data) == 0 {
		return errs.New("schema", errs.CodeInvalidEvent, errs.WithMessage("attachment data required"))
	}
	return nil
}

// TextMessageContent builds an m.room.message text payload.
func TextMessageContent(body string) json.RawMessage {
	content, _ := json.Marshal(map[string]any{
		"msgtype": "m.text",
		"body":    body,
	})
	return content
}

// ReactionContent builds an m.reaction annotation payload targeting eventID.
func ReactionContent(eventID id.EventID, key string) json.RawMessage {
	content, _ := json.Marshal(map[string]any{
		relatesToKey: map[string]any{
			"rel_type": "m.annotation",
			"event_id": eventID,
			"key":      key,
		},
	})
	return content
}

// RedactionContent builds an m.room.redaction payload. Reason may be empty.
func RedactionContent(reason string) json.RawMessage {
	payload := map[string]any{}
	if trimmed := strings.TrimSpace(reason); trimmed != "" {
		payload["reason"] = trimmed
	}
	content, _ := json.Marshal(payload)
	return content
}

// FileMessageContent builds an m.room.message payload describing an attachment.
// The url field is filled in by the upload stage once the server assigns a
// content URI.
func FileMessageContent(att Attachment, url string) json.RawMessage {
	content, _ := json.Marshal(map[string]any{
		"msgtype": "m.file",
		"body":    att.Name,
		"url":     url,
		"info": map[string]any{
			"mimetype": att.MimeType,
			"size":     att.Size,
		},
	})
	return content
}

// FileURL extracts the url field from message content.
func FileURL(content json.RawMessage) (string, bool) {
	fields, err := decodeContent(content)
	if err != nil {
		return "", false
	}
	url, ok := fields["url"].(string)
	return url, ok && url != ""
}

// IsMediaMessage reports whether the content describes an attachment message,
// uploaded or not.
func IsMediaMessage(content json.RawMessage) bool {
	fields, err := decodeContent(content)
	if err != nil {
		return false
	}
	_, ok := fields["url"]
	return ok
}

// HasServerReference reports whether the content's file url already points at
// uploaded server media, meaning a resend can skip the upload stage.
func HasServerReference(content json.RawMessage) bool {
	url, ok := FileURL(content)
	return ok && strings.HasPrefix(url, serverURIPrefix)
}

// SetFileURL rewrites the content's url field after a completed upload.
func SetFileURL(content json.RawMessage, uri string) (json.RawMessage, error) {
	fields, err := decodeContent(content)
	if err != nil {
		return nil, err
	}
	fields["url"] = uri
	updated, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	return updated, nil
}

// SplitRelation removes the m.relates_to entry from content, returning the
// stripped content and the extracted relation. The relation is nil when the
// content carries none.
func SplitRelation(content json.RawMessage) (json.RawMessage, json.RawMessage, error) {
	fields, err := decodeContent(content)
	if err != nil {
		return nil, nil, err
	}
	raw, ok := fields[relatesToKey]
	if !ok {
		return content, nil, nil
	}
	relation, err := json.Marshal(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("encode relation: %w", err)
	}
	delete(fields, relatesToKey)
	stripped, err := json.Marshal(fields)
	if err != nil {
		return nil, nil, fmt.Errorf("encode stripped content: %w", err)
	}
	return stripped, relation, nil
}

// AttachRelation reinstates a previously extracted relation onto content.
func AttachRelation(content, relation json.RawMessage) (json.RawMessage, error) {
	if len(relation) == 0 {
		return content, nil
	}
	fields, err := decodeContent(content)
	if err != nil {
		return nil, err
	}
	var rel any
	if err := json.Unmarshal(relation, &rel); err != nil {
		return nil, fmt.Errorf("decode relation: %w", err)
	}
	fields[relatesToKey] = rel
	updated, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	return updated, nil
}

func decodeContent(content json.RawMessage) (map[string]any, error) {
	if len(content) == 0 {
		return map[string]any{}, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(content, &fields); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}
