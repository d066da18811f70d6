package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gopherrag/internal/bootstrap"
	"gopherrag/internal/config"
	httptransport "gopherrag/internal/transport/http"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string
	root := &cobra.Command{
		Use:           "gopherrag",
		Short:         "Workspace document ingestion and retrieval-augmented chat",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				return os.Setenv("CONFIG_FILE", configFile)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to the TOML config file (overrides CONFIG_FILE)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the websocket gateway and the background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrate(cmd.Context())
		},
	})
	return root
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}
	logger := app.Logger
	defer func() {
		if err := app.Close(); err != nil {
			logger.Error("close resources failed", "error", err)
		}
	}()

	server := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           httptransport.NewRouter(app),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	return nil
}

func migrate(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}
	logger, closeLog := config.SetupLogger(cfg.Log)
	defer closeLog()

	db, err := bootstrap.OpenDB(ctx, cfg)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	logger.Info("schema migrated", "driver", cfg.MySQL.Driver)
	return nil
}
