// Package inference talks to the external text-generation service used for
// intent classification, clarification and chat replies.
package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Request is the normalized prompt sent to the inference service.
type Request struct {
	System   string `json:"system,omitempty"`
	Prompt   string `json:"prompt"`
	CallerID string `json:"caller_id,omitempty"`
	Purpose  string `json:"purpose,omitempty"`
}

// Response carries the generated text.
type Response struct {
	Text string `json:"text"`
}

// Client is implemented by every inference backend.
type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// Config controls client construction.
type Config struct {
	Mode         string
	HTTPURL      string
	GeminiAPIKey string
	GeminiModel  string
}

func NewClient(ctx context.Context, cfg Config) (Client, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoClient(ctx, cfg), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("inference HTTP url is required for http mode")
		}
		return NewHTTPClient(cfg.HTTPURL), nil
	case "gemini":
		return NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	case "mock":
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unsupported inference mode %q", cfg.Mode)
	}
}

// ModeOf names the backend behind c for health reporting.
func ModeOf(c Client) string {
	switch v := c.(type) {
	case *HTTPClient:
		return "http"
	case *GeminiClient:
		return "gemini"
	case *MockClient:
		return "mock"
	case *FallbackClient:
		return ModeOf(v.Primary()) + "+" + ModeOf(v.Secondary())
	case nil:
		return "none"
	default:
		return "custom"
	}
}

func newAutoClient(ctx context.Context, cfg Config) Client {
	var secondary Client
	if httpURL := strings.TrimSpace(cfg.HTTPURL); httpURL != "" {
		secondary = NewHTTPClient(httpURL)
	}

	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		if g, err := NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel); err == nil {
			if secondary != nil {
				return NewFallbackClient(g, secondary)
			}
			return g
		}
	}
	if secondary != nil {
		return secondary
	}
	return NewMockClient()
}
