// Package app wires configuration into a running coordinator.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/antoniostano/tides/internal/capability"
	"github.com/antoniostano/tides/internal/config"
	"github.com/antoniostano/tides/internal/conversation"
	"github.com/antoniostano/tides/internal/httpapi"
	"github.com/antoniostano/tides/internal/inference"
	"github.com/antoniostano/tides/internal/intent"
	"github.com/antoniostano/tides/internal/observability"
	"github.com/antoniostano/tides/internal/orchestrator"
	"github.com/antoniostano/tides/internal/records"
)

type BuildResult struct {
	Config        config.Config
	API           *httpapi.Server
	Orchestrator  *orchestrator.Orchestrator
	Registry      *capability.Registry
	Records       *records.Resolver
	Conversations *conversation.Store
	Janitor       *conversation.Janitor
	Metrics       *observability.Metrics
	InferenceMode string

	// Cleanup releases the conversation backend and partition handles.
	Cleanup func() error
}

// Build assembles every component from cfg. The janitor is created but not
// started.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(cfg.MetricsNamespace, reg)

	catalog, err := loadCatalog(cfg.CapabilityCatalog)
	if err != nil {
		return nil, err
	}

	client, err := inference.NewClient(ctx, inference.Config{
		Mode:         cfg.InferenceMode,
		HTTPURL:      cfg.InferenceHTTPURL,
		GeminiAPIKey: cfg.GeminiAPIKey,
		GeminiModel:  cfg.GeminiModel,
	})
	if err != nil {
		return nil, fmt.Errorf("inference client init failed: %w", err)
	}

	registry, err := capability.Build(catalog, capability.Deps{
		Inference: client,
		Logger:    logger.Named("capability"),
	})
	if err != nil {
		return nil, fmt.Errorf("capability registry init failed: %w", err)
	}

	partitions, partitionCloser, err := records.OpenPartitions(ctx, cfg.Partitions)
	if err != nil {
		return nil, fmt.Errorf("partition init failed: %w", err)
	}
	resolver, err := records.NewResolver(partitions,
		records.WithPartitionTimeout(cfg.PartitionTimeout),
		records.WithLogger(logger.Named("records")),
		records.WithFailureHook(func(partition string, _ error) {
			metrics.PartitionErrors.WithLabelValues(partition).Inc()
		}),
	)
	if err != nil {
		_ = partitionCloser.Close()
		return nil, fmt.Errorf("record resolver init failed: %w", err)
	}

	backend, err := conversation.NewBackend(ctx, conversation.BackendConfig{
		Kind:        cfg.ConversationStore,
		DatabaseURL: cfg.DatabaseURL,
		Redis: conversation.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.ConversationTTL,
		},
	}, logger)
	if err != nil {
		_ = partitionCloser.Close()
		return nil, fmt.Errorf("conversation store init failed: %w", err)
	}
	store := conversation.NewStore(backend,
		conversation.WithTTL(cfg.ConversationTTL),
		conversation.WithLogger(logger.Named("conversation")),
		conversation.WithEventHook(func(event string) {
			metrics.ConversationEvents.WithLabelValues(event).Inc()
		}),
	)
	janitor, err := conversation.NewJanitor(store, cfg.ConversationSweepSchedule, cfg.ConversationTTL, logger.Named("janitor"),
		func(_, remaining int) {
			metrics.ActiveConversations.Set(float64(remaining))
		},
	)
	if err != nil {
		_ = store.Close()
		_ = partitionCloser.Close()
		return nil, err
	}

	timeout := intent.WithTimeout(cfg.InferenceTimeout)
	intentLogger := intent.WithLogger(logger.Named("intent"))
	orch, err := orchestrator.New(orchestrator.Config{
		RoutingThreshold:         cfg.RoutingThreshold,
		ClarificationMaxAttempts: cfg.ClarificationMaxAttempts,
		ConversationTTL:          cfg.ConversationTTL,
		Mode:                     cfg.RoutingMode,
	}, orchestrator.Deps{
		Registry:   registry,
		Classifier: intent.NewClassifier(registry, client, timeout, intentLogger),
		Clarifier:  intent.NewClarifier(registry, client, timeout, intentLogger),
		Store:      store,
		Resolver:   resolver,
		Metrics:    metrics,
		Logger:     logger.Named("orchestrator"),
	})
	if err != nil {
		_ = store.Close()
		_ = partitionCloser.Close()
		return nil, err
	}

	api := httpapi.New(cfg, httpapi.Deps{
		Coordinator:   orch,
		Registry:      registry,
		Partitions:    resolver,
		Conversations: store,
		Metrics:       metrics,
		Logger:        logger.Named("http"),
		InferenceMode: inference.ModeOf(client),
	})

	cleanup := func() error {
		return errors.Join(store.Close(), closeQuietly(partitionCloser))
	}

	return &BuildResult{
		Config:        cfg,
		API:           api,
		Orchestrator:  orch,
		Registry:      registry,
		Records:       resolver,
		Conversations: store,
		Janitor:       janitor,
		Metrics:       metrics,
		InferenceMode: inference.ModeOf(client),
		Cleanup:       cleanup,
	}, nil
}

func loadCatalog(path string) ([]capability.Descriptor, error) {
	if path == "" {
		return capability.DefaultCatalog()
	}
	catalog, err := capability.LoadCatalog(path)
	if err != nil {
		return nil, fmt.Errorf("capability catalog %s: %w", path, err)
	}
	return catalog, nil
}

func closeQuietly(c io.Closer) error {
	if c == nil {
		return nil
	}
	return c.Close()
}
