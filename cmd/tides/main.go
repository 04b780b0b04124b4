package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/antoniostano/tides/internal/app"
	"github.com/antoniostano/tides/internal/config"
	"github.com/antoniostano/tides/internal/identity"
	"github.com/antoniostano/tides/internal/logging"
	"github.com/antoniostano/tides/internal/protocol"
)

var version = "dev"

// defaultScope is the record scope the CLI uses when --scope is omitted.
const defaultScope = "daily-tide-default"

type cli struct {
	cfg      config.Config
	logger   *zap.Logger
	logLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tides: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "tides",
		Short:         "Tides coordinator: routes coaching requests to capabilities",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			if c.logLevel != "" {
				cfg.LogLevel = c.logLevel
			}
			logger, err := logging.New(cfg.LogLevel)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = logger
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override APP_LOG_LEVEL")

	root.AddCommand(c.serveCmd(), c.routeCmd(), c.capabilitiesCmd(), c.partitionsCmd())
	return root
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}
}

func (c *cli) serve(ctx context.Context) error {
	built, err := app.Build(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			c.logger.Warn("cleanup failed", zap.Error(err))
		}
	}()

	built.Janitor.Start()
	defer built.Janitor.Stop()

	httpServer := &http.Server{
		Addr:              c.cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		c.logger.Info("server listening",
			zap.String("addr", c.cfg.BindAddr),
			zap.String("routing_mode", c.cfg.RoutingMode),
			zap.Int("routing_threshold", built.Orchestrator.Config().RoutingThreshold),
			zap.String("inference", built.InferenceMode),
			zap.Strings("capabilities", built.Registry.Names()),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	c.logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		c.logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	c.logger.Info("shutdown complete")
	return nil
}

func (c *cli) routeCmd() *cobra.Command {
	var (
		req    protocol.Request
		caller identity.Caller
		hints  []string
	)
	cmd := &cobra.Command{
		Use:   "route [message]",
		Short: "Route one request in-process and print the envelope",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				req.Message = args[0]
			}
			parsed, err := parseHints(hints)
			if err != nil {
				return err
			}
			req.Hints = parsed

			built, err := app.Build(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer built.Cleanup()

			out, err := built.Orchestrator.Handle(cmd.Context(), req, caller)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(out.Envelope(err, time.Now())); encErr != nil {
				return encErr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&req.Capability, "capability", "", "explicit capability name")
	cmd.Flags().StringVar(&req.RecordScope, "scope", defaultScope, "record scope")
	cmd.Flags().StringVar(&req.ConversationID, "conversation", "", "conversation id to continue")
	cmd.Flags().StringArrayVar(&hints, "hint", nil, "hint as key=value, repeatable")
	cmd.Flags().StringVar(&caller.ID, "caller", "cli", "caller id")
	cmd.Flags().StringVar(&caller.PrimaryPartition, "partition", "", "caller primary partition")
	return cmd
}

func (c *cli) capabilitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities",
		Short: "List registered capabilities",
		RunE: func(cmd *cobra.Command, _ []string) error {
			built, err := app.Build(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer built.Cleanup()

			out := cmd.OutOrStdout()
			for _, d := range built.Registry.Descriptors() {
				kind := "task"
				if d.Conversational {
					kind = "conversational"
				}
				fmt.Fprintf(out, "%-12s %-15s %s\n", d.Name, kind, d.Description)
			}
			return nil
		},
	}
}

func (c *cli) partitionsCmd() *cobra.Command {
	var caller identity.Caller
	cmd := &cobra.Command{
		Use:   "partitions",
		Short: "Print the partition order for a caller",
		RunE: func(cmd *cobra.Command, _ []string) error {
			built, err := app.Build(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer built.Cleanup()

			out := cmd.OutOrStdout()
			for _, p := range built.Records.DescribePartitions(caller) {
				marker := ""
				if p.Primary {
					marker = " (primary)"
				}
				fmt.Fprintf(out, "%d %s%s\n", p.Priority, p.Name, marker)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&caller.ID, "caller", "cli", "caller id")
	cmd.Flags().StringVar(&caller.PrimaryPartition, "partition", "", "caller primary partition")
	cmd.Flags().StringSliceVar(&caller.Partitions, "access", nil, "partitions the caller may read (default all)")
	return cmd
}

// parseHints turns key=value pairs into request hints. "true"/"false"
// become booleans; a bare key means true.
func parseHints(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, value, found := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("invalid hint %q (expected key=value)", p)
		}
		value = strings.TrimSpace(value)
		switch {
		case !found, value == "true":
			out[key] = true
		case value == "false":
			out[key] = false
		default:
			out[key] = value
		}
	}
	return out, nil
}
