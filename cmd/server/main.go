// Kiiteitte - Kiite Cafe now-playing ActivityPub bot
// Copyright 2026 Kiiteitte contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kiiteitte/kiiteitte

// Package main is the entry point for the Kiiteitte server.
//
// Kiiteitte watches Kiite Cafe (https://cafe.kiite.jp) and announces each
// song as it starts playing: it records the play in DuckDB, publishes a
// signed ActivityPub Note to every follower inbox, and mirrors the play
// history to optional external sinks (a spreadsheet webapp and a git-hosted
// jsonl dataset).
//
// Components start in this order:
//
//  1. Configuration: Koanf v2 layered sources (env > config.yaml > defaults)
//  2. Logging: zerolog, JSON or console format
//  3. Database: DuckDB holding histories, followers and cached actor keys
//  4. Signing key: RSA keypair for HTTP signatures and the actor document
//  5. Supervisor tree: cafe watcher and mirror runner in the messaging
//     layer, the HTTP server in the api layer
//
// The server handles graceful shutdown on SIGINT and SIGTERM: the watcher
// loop stops at its next wakeup, in-flight deliveries drain, and the HTTP
// server completes active requests within the shutdown timeout.
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

	"github.com/kiiteitte/kiiteitte/internal/activity"
	"github.com/kiiteitte/kiiteitte/internal/api"
	"github.com/kiiteitte/kiiteitte/internal/cafe"
	"github.com/kiiteitte/kiiteitte/internal/config"
	"github.com/kiiteitte/kiiteitte/internal/database"
	"github.com/kiiteitte/kiiteitte/internal/delivery"
	"github.com/kiiteitte/kiiteitte/internal/logging"
	"github.com/kiiteitte/kiiteitte/internal/mirror"
	"github.com/kiiteitte/kiiteitte/internal/signature"
	"github.com/kiiteitte/kiiteitte/internal/supervisor"
	"github.com/kiiteitte/kiiteitte/internal/supervisor/services"
	"github.com/kiiteitte/kiiteitte/internal/watcher"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("public_host", cfg.Server.PublicHost).
		Str("cafe_url", cfg.Cafe.BaseURL).
		Str("db_path", cfg.Database.Path).
		Msg("Starting Kiiteitte")

	db, err := database.New(&cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()
	logging.Info().Msg("Database initialized")

	privateKey, err := signature.LoadPrivateKey(cfg.Actor.PrivateKeyPath)
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Actor.PrivateKeyPath).Msg("Failed to load signing key")
	}
	publicPem, keyInstalled, err := loadPublicKey(cfg.Actor.PublicKeyPath)
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Actor.PublicKeyPath).Msg("Failed to load public key")
	}

	signer := signature.NewSigner(privateKey, activity.KeyID(cfg.Server.PublicHost))
	verifier := signature.NewVerifier(db)
	dispatcher := delivery.NewDispatcher(&cfg.Delivery, signer)

	bus := mirror.NewBus(mirror.NewWatermillLogger())
	defer func() {
		if err := bus.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing mirror bus")
		}
	}()
	mirrorRunner := mirror.NewRunner(&cfg.Mirror, bus)

	cafeClient := cafe.NewCircuitBreakerClient(&cfg.Cafe)
	cafeWatcher := watcher.New(&cfg.Cafe, cfg.Server.PublicHost, cafeClient, db, dispatcher, bus)

	router := api.New(&cfg.Server, cfg.Actor.Name, publicPem, keyInstalled,
		db, verifier, dispatcher, cafeWatcher)
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router.Setup(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.Timeout,
		WriteTimeout:      cfg.Server.Timeout,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddMessagingService(cafeWatcher)
	tree.AddMessagingService(mirrorRunner)
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().Str("addr", server.Addr).Msg("Supervisor tree starting")
	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree exited with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("Deliveries still in flight at shutdown")
	}
	logging.Info().Msg("Shutdown complete")
}

// loadPublicKey reads the actor's public key PEM. The file's modification
// time doubles as the actor document's startTime.
func loadPublicKey(path string) (string, time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to read public key: %w", err)
	}
	// Fail early on a malformed key instead of serving it to remote servers.
	if _, err := signature.ParsePublicKey(data); err != nil {
		return "", time.Time{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to stat public key: %w", err)
	}
	return string(data), info.ModTime().UTC(), nil
}
