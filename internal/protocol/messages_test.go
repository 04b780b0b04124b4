package protocol

import (
	"errors"
	"testing"
	"time"
)

func TestParseClientMessageRouteRequest(t *testing.T) {
	raw := []byte(`{"type":"route_request","request_id":"r1","request":{"message":"  show my trends ","record_scope":" u1 ","hints":{"Trends":true}}}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	route, ok := msg.(RouteRequest)
	if !ok {
		t.Fatalf("message type = %T, want RouteRequest", msg)
	}
	if route.RequestID != "r1" {
		t.Fatalf("RequestID = %q, want r1", route.RequestID)
	}
	if route.Request.RecordScope != "u1" || route.Request.Message != "show my trends" {
		t.Fatalf("unexpected request: %+v", route.Request)
	}
	if !route.Request.HasHint("trends") {
		t.Fatalf("hint keys should be lowercased: %+v", route.Request.Hints)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsMissingScope(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"route_request","request_id":"r9","request":{"message":"hi"}}`))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
	route, ok := msg.(RouteRequest)
	if !ok || route.RequestID != "r9" {
		t.Fatalf("message = %+v, want route request r9 alongside the error", msg)
	}
}

func TestFailedEnvelope(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.FixedZone("CET", 3600))
	env := FailedEnvelope(errors.New("bad body"), now)
	if env.Success || env.Error != "bad body" || env.Data != nil {
		t.Fatalf("envelope = %+v, want failure with error only", env)
	}
	if !env.Metadata.Timestamp.Equal(now) || env.Metadata.Timestamp.Location() != time.UTC {
		t.Fatalf("timestamp = %v, want %v in UTC", env.Metadata.Timestamp, now)
	}
}

func TestRequestHintString(t *testing.T) {
	req := Request{Hints: map[string]any{"timeframe": " 7d ", "focus": 90, "flag": true, "nil": nil}}
	cases := map[string]string{
		"timeframe": "7d",
		"focus":     "90",
		"flag":      "true",
		"nil":       "",
		"missing":   "",
	}
	for key, want := range cases {
		if got := req.HintString(key); got != want {
			t.Fatalf("HintString(%q) = %q, want %q", key, got, want)
		}
	}
}

func TestNormalizedDropsBlankHintKeys(t *testing.T) {
	req := Request{Capability: " Insights ", Hints: map[string]any{" ": "x", "Period": "week"}}.Normalized()
	if req.Capability != "insights" {
		t.Fatalf("Capability = %q, want insights", req.Capability)
	}
	if len(req.Hints) != 1 || req.HintString("period") != "week" {
		t.Fatalf("unexpected hints: %+v", req.Hints)
	}
}
