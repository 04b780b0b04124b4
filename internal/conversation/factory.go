package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/tides/internal/reliability"
)

type BackendConfig struct {
	Kind        string
	DatabaseURL string
	Redis       RedisConfig
}

const (
	connectAttempts = 3
	connectBackoff  = 250 * time.Millisecond
	connectCap      = 2 * time.Second
)

// NewBackend opens the configured backend. "auto" picks postgres when a
// database URL is set, then redis when an address is set, else memory.
func NewBackend(ctx context.Context, cfg BackendConfig, logger *zap.Logger) (Backend, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Kind))
	if kind == "" || kind == "auto" {
		switch {
		case strings.TrimSpace(cfg.DatabaseURL) != "":
			kind = "postgres"
		case strings.TrimSpace(cfg.Redis.Addr) != "":
			kind = "redis"
		default:
			kind = "memory"
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var backend Backend
	connect := func(ctx context.Context) error {
		var err error
		switch kind {
		case "postgres":
			backend, err = NewPostgresBackend(ctx, cfg.DatabaseURL)
		case "redis":
			backend, err = NewRedisBackend(ctx, cfg.Redis)
		}
		if err != nil {
			logger.Warn("conversation backend connect failed", zap.String("backend", kind), zap.Error(err))
		}
		return err
	}

	switch kind {
	case "memory":
		return NewInMemoryBackend(), nil
	case "postgres", "redis":
		if err := reliability.Retry(ctx, connectAttempts, connectBackoff, connectCap, connect); err != nil {
			return nil, fmt.Errorf("open %s conversation backend: %w", kind, err)
		}
		logger.Info("conversation backend ready", zap.String("backend", kind))
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown conversation backend %q", cfg.Kind)
	}
}
