package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeRouteRequest MessageType = "route_request"
	TypeRouteResult  MessageType = "route_result"
	TypeSystemEvent  MessageType = "system_event"
	TypeErrorEvent   MessageType = "error_event"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	// ErrValidation marks requests rejected before routing. Never retried.
	ErrValidation = errors.New("validation error")
)

// Request is the caller payload forwarded by the gateway.
type Request struct {
	Capability     string         `json:"capability,omitempty"`
	Message        string         `json:"message,omitempty"`
	RecordScope    string         `json:"record_scope"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Hints          map[string]any `json:"hints,omitempty"`
}

// Normalized returns a trimmed copy. Hints are copied so handlers cannot
// mutate the caller's map.
func (r Request) Normalized() Request {
	out := Request{
		Capability:     strings.ToLower(strings.TrimSpace(r.Capability)),
		Message:        strings.TrimSpace(r.Message),
		RecordScope:    strings.TrimSpace(r.RecordScope),
		ConversationID: strings.TrimSpace(r.ConversationID),
	}
	if len(r.Hints) > 0 {
		out.Hints = make(map[string]any, len(r.Hints))
		for k, v := range r.Hints {
			key := strings.ToLower(strings.TrimSpace(k))
			if key == "" {
				continue
			}
			out.Hints[key] = v
		}
	}
	return out
}

// Validate checks the fields required before routing.
func (r Request) Validate() error {
	if strings.TrimSpace(r.RecordScope) == "" {
		return fmt.Errorf("%w: record_scope is required", ErrValidation)
	}
	return nil
}

// HintString returns the string form of a hint, or "" when absent.
func (r Request) HintString(key string) string {
	v, ok := r.Hints[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// HasHint reports whether the hint is present with a non-empty value.
func (r Request) HasHint(key string) bool {
	return r.HintString(key) != ""
}

// Metadata accompanies every envelope, successful or not.
type Metadata struct {
	Capability         string    `json:"capability"`
	Confidence         int       `json:"confidence"`
	ProcessingTimeMS   int64     `json:"processing_time_ms"`
	Timestamp          time.Time `json:"timestamp"`
	ConversationID     string    `json:"conversation_id,omitempty"`
	Path               string    `json:"path,omitempty"`
	NeedsClarification bool      `json:"needs_clarification,omitempty"`
}

// Envelope is the outbound response shape.
type Envelope struct {
	Success  bool     `json:"success"`
	Data     any      `json:"data,omitempty"`
	Error    string   `json:"error,omitempty"`
	Metadata Metadata `json:"metadata"`
}

// FailedEnvelope reports a request that was rejected before routing.
func FailedEnvelope(err error, now time.Time) Envelope {
	return Envelope{Error: err.Error(), Metadata: Metadata{Timestamp: now.UTC()}}
}

// Clarification is the data payload returned when intent is ambiguous.
type Clarification struct {
	NeedsClarification bool     `json:"needs_clarification"`
	Message            string   `json:"message"`
	Suggestions        []string `json:"suggestions"`
	ConversationID     string   `json:"conversation_id"`
	Attempt            int      `json:"attempt"`
}

type Header struct {
	Type MessageType `json:"type"`
}

// RouteRequest is a websocket frame carrying one coordinator request.
type RouteRequest struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Request   Request     `json:"request"`
}

// RouteResult answers a RouteRequest.
type RouteResult struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Envelope  Envelope    `json:"envelope"`
}

type SystemEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch h.Type {
	case TypeRouteRequest:
		var msg RouteRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Request = msg.Request.Normalized()
		if err := msg.Request.Validate(); err != nil {
			// The frame is returned so the caller can answer its request_id.
			return msg, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
