// Copyright 2025 Thiago Bauken
// SPDX-License-Identifier: Apache-2.0

// Command syncdemo runs the offline-first sync engine against a remote
// almoxerifado backend, logging sync activity until interrupted. It exists to
// exercise the engine outside the mobile shell: point it at a server, toggle
// connectivity with SIGUSR1/SIGUSR2, watch the queue drain.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ThiagoBauken/almoxerifado-sub001/syncengine"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	db, err := sql.Open("sqlite3", cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	engineCfg := syncengine.DefaultConfig(cfg.Entities)
	engineCfg.SyncInterval = cfg.SyncInterval

	token := syncengine.NewJWTTokenSource(syncengine.StaticToken(cfg.BearerToken))
	remote := syncengine.NewHTTPRemote(cfg.BaseURL, token, engineCfg.RequestTimeout, logger)

	client, err := syncengine.NewClient(db, remote, engineCfg, logger)
	if err != nil {
		logger.Error("failed to create sync client", "error", err)
		os.Exit(1)
	}

	client.SubscribeStatus(func(status string) {
		logger.Info("sync status", "status", status)
	})
	client.SubscribeConflicts(func(n syncengine.ConflictNotification) {
		logger.Warn("conflict resolved against local edit",
			"entity_type", n.EntityType, "record_id", n.RecordID, "winner", n.Winner)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)

	conn := syncengine.NewConnectivitySignal(true)
	stream, unsubscribe := conn.Subscribe()
	defer unsubscribe()

	client.Start(ctx, stream)
	defer client.Stop()

	statsTicker := time.NewTicker(15 * time.Second)
	defer statsTicker.Stop()

	logger.Info("sync engine running", "db", cfg.DatabasePath, "base_url", cfg.BaseURL)
	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				logger.Info("simulating connectivity loss")
				conn.Set(false)
			case syscall.SIGUSR2:
				logger.Info("simulating connectivity restored")
				conn.Set(true)
			default:
				logger.Info("shutting down")
				return
			}
		case <-statsTicker.C:
			stats, err := client.Stats(ctx)
			if err != nil {
				logger.Error("failed to read stats", "error", err)
				continue
			}
			logger.Info("queue stats",
				"pending", stats.Pending, "in_flight", stats.InFlight,
				"dead_letters", stats.DeadLetters, "dirty", stats.Dirty)
		}
	}
}
