package inference

import (
	"context"
	"fmt"
	"strings"
)

// MockClient provides deterministic local replies when no inference
// service is configured. Classification and clarification requests get a
// fixed unstructured reply, so callers cannot steer routing through it.
type MockClient struct{}

const mockStructuredReply = "mock inference is not available for this request"

func NewMockClient() *MockClient { return &MockClient{} }

func (c *MockClient) Generate(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}
	return Response{Text: buildMockReply(req)}, nil
}

func buildMockReply(req Request) string {
	switch req.Purpose {
	case "classify", "clarify":
		return mockStructuredReply
	}
	base := strings.TrimSpace(req.Prompt)
	if base == "" {
		return "I am listening."
	}
	if i := strings.LastIndex(base, "\n"); i >= 0 {
		base = strings.TrimSpace(base[i+1:])
	}
	return fmt.Sprintf("I heard you: %s", base)
}
