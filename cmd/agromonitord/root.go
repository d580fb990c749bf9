// Copyright 2025 Agromonitor Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/luchoconter/agromonitor-ai-sub000/fieldstore"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "agromonitord",
		Short:         "Agromonitor field-data store server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newTokenCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fieldstore HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "agromonitord.yaml", "path to config file")
	return cmd
}

func runServe(ctx context.Context, cfg *Config) error {
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	store, err := fieldstore.NewStore(ctx, pool, logger)
	if err != nil {
		return err
	}
	broadcaster := fieldstore.NewBroadcaster()
	authn := fieldstore.NewBearerAuthenticator(fieldstore.NewJWTAuth(cfg.JWTSecret))
	handlers := fieldstore.NewHandlers(store, broadcaster, authn, logger)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handlers.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("fieldstore listening", "addr", cfg.ListenAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func newTokenCmd() *cobra.Command {
	var secret, ownerID, deviceID string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development JWT for an owner/device pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := fieldstore.NewJWTAuth(secret).GenerateToken(ownerID, deviceID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "JWT signing secret")
	cmd.Flags().StringVar(&ownerID, "owner", "", "data owner id")
	cmd.Flags().StringVar(&deviceID, "device", "", "capturing device id")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("secret")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
