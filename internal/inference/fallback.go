package inference

import (
	"context"
	"errors"
	"fmt"
)

// FallbackClient attempts a primary client first and falls back on error.
type FallbackClient struct {
	primary  Client
	fallback Client
}

func NewFallbackClient(primary Client, fallback Client) *FallbackClient {
	return &FallbackClient{
		primary:  primary,
		fallback: fallback,
	}
}

// Primary returns the preferred client used before fallback.
func (c *FallbackClient) Primary() Client {
	if c == nil {
		return nil
	}
	return c.primary
}

// Secondary returns the fallback client.
func (c *FallbackClient) Secondary() Client {
	if c == nil {
		return nil
	}
	return c.fallback
}

func (c *FallbackClient) Generate(ctx context.Context, req Request) (Response, error) {
	if c == nil || c.primary == nil {
		if c != nil && c.fallback != nil {
			return c.fallback.Generate(ctx, req)
		}
		return Response{}, fmt.Errorf("fallback client misconfigured")
	}
	resp, err := c.primary.Generate(ctx, req)
	if err == nil {
		return resp, nil
	}
	// The caller's deadline is shared; a second backend would not fit in it.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Response{}, err
	}
	var status *StatusError
	if errors.As(err, &status) && !status.Retryable() {
		return Response{}, err
	}
	if c.fallback == nil {
		return Response{}, err
	}
	fallbackResp, fallbackErr := c.fallback.Generate(ctx, req)
	if fallbackErr != nil {
		return Response{}, fmt.Errorf("primary client error: %w; fallback client error: %v", err, fallbackErr)
	}
	return fallbackResp, nil
}
