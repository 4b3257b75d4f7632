// Mendd is the self-healing test maintenance daemon.
//
// It serves the multi-tenant artifact store, the vector retrieval layer,
// the heal decision engine, and the analytics aggregator over HTTP.
//
// Usage:
//
//	# Start with defaults (embedded chromem index, local SQLite)
//	mendd serve
//
//	# Start with a config file
//	mendd serve --config /etc/mendd/config.yaml
//
//	# Configure via environment
//	MENDD_SERVER_PORT=8081 MENDD_DATABASE_PATH=/var/lib/mendd/mendd.db mendd serve
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/analytics"
	"github.com/fyrsmithlabs/mendd/internal/config"
	"github.com/fyrsmithlabs/mendd/internal/embeddings"
	"github.com/fyrsmithlabs/mendd/internal/healing"
	"github.com/fyrsmithlabs/mendd/internal/inference"
	"github.com/fyrsmithlabs/mendd/internal/logging"
	"github.com/fyrsmithlabs/mendd/internal/retriever"
	"github.com/fyrsmithlabs/mendd/internal/server"
	"github.com/fyrsmithlabs/mendd/internal/store"
	"github.com/fyrsmithlabs/mendd/internal/vectorindex"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mendd",
		Short:         "Self-healing test maintenance daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	serve.Flags().StringVar(&configPath, "config", "", "path to YAML config file")

	root.AddCommand(serve, &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mendd by Fyrsmith Labs\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Commit:     %s\n", gitCommit)
			fmt.Printf("Build Date: %s\n", buildDate)
		},
	})
	return root
}

// run initializes all dependencies and blocks until a termination signal:
//  1. Loads and validates configuration
//  2. Builds the logger
//  3. Opens the artifact store and applies migrations
//  4. Builds the vector index, embedder, and inference client
//  5. Wires the retriever, healing engine, and analytics aggregator
//  6. Starts the HTTP server and shuts it down gracefully on SIGINT/SIGTERM
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() { _ = logging.Sync(logger) }()

	logger.Info("starting mendd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("database", cfg.Database.Path),
		zap.String("vector_provider", cfg.VectorIndex.Provider))

	st, err := store.New(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}
	defer st.Close()

	index, err := vectorindex.New(cfg.VectorIndex, logger)
	if err != nil {
		return fmt.Errorf("initialize vector index: %w", err)
	}
	defer index.Close()

	embedder, err := embeddings.NewService(cfg.Embeddings)
	if err != nil {
		return fmt.Errorf("initialize embedding service: %w", err)
	}
	generator, err := inference.NewClient(cfg.Inference)
	if err != nil {
		return fmt.Errorf("initialize inference client: %w", err)
	}

	ret := retriever.New(embedder, index, cfg.Retriever, logger)
	engine := healing.New(st, ret, generator, embedder, index, cfg.Healing, logger)
	agg := analytics.New(st, cfg.Analytics, logger)

	srv, err := server.New(st, engine, agg, logger, server.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("initialize http server: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
