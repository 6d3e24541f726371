package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/freva-org/frevagpt/internal/auth"
	"github.com/freva-org/frevagpt/internal/config"
	"github.com/freva-org/frevagpt/internal/observability"
	"github.com/freva-org/frevagpt/internal/orchestrator"
	"github.com/freva-org/frevagpt/internal/registry"
	"github.com/freva-org/frevagpt/internal/storage"
	"github.com/freva-org/frevagpt/internal/web"
)

var (
	version = "dev"
	commit  = "none"
)

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "frevagpt",
		Short: "Streaming chatbot backend for freva",
	}
	root.AddCommand(buildServeCmd())
	root.AddCommand(buildVersionCmd())
	return root
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "frevagpt %s (%s)\n", version, commit)
		},
	}
}

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the backend server",
		RunE: func(_ *cobra.Command, _ []string) error {
			// Missing .env is fine; the environment may be set directly.
			godotenv.Load()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	return cmd
}

func runServer(cfg *config.Config) error {
	logger := observability.NewLogger(cfg.Log)
	metrics := observability.NewMetrics()

	store, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := registry.New(logger, metrics)
	llm := orchestrator.NewLLMClient(cfg.LiteLLMAddress, cfg.LLMToken)
	orch := orchestrator.New(llm, reg, store, metrics, logger)
	resolver := auth.NewResolver(cfg.Dev)

	janitor, err := registry.NewJanitor(reg, store, cfg.MaxIdle, cfg.CleanupInterval, logger)
	if err != nil {
		return err
	}
	janitor.Start()
	defer janitor.Stop()

	server := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     web.NewServer(cfg, reg, orch, store, resolver, metrics, logger).Routes(),
		ReadTimeout: 30 * time.Second,
		// Streaming responses are long-lived; no write timeout.
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Addr(), "dev", cfg.Dev)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	// Live streams observe STOPPING at their next probe and persist.
	reg.MarkAllStopping()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	reg.CleanupIdle(ctx, 0, store)
	return nil
}

func openStorage(cfg *config.Config) (storage.ThreadStorage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch {
	case cfg.DatabaseURL != "":
		return storage.NewPostgresStore(ctx, cfg.DatabaseURL)
	case cfg.SQLitePath != "":
		return storage.NewSQLiteStore(ctx, cfg.SQLitePath)
	default:
		return storage.NewMemoryStore(), nil
	}
}
