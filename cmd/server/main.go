// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// PhishGuard moderation service.
//
// Entry point for the phishing moderation bot. It:
//  1. Loads configuration from config.yaml
//  2. Establishes the Postgres pool (bounded retries; fatal on exhaustion)
//  3. Optionally connects to Redis for dedup and enforcement events
//  4. Connects to the Discord gateway and runs one pipeline per message
//  5. Serves the signed interactions endpoint when a public key is set
//  6. Serves /health and /metrics
//  7. Drains in-flight pipelines on SIGTERM/SIGINT
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/bcem/phishguard/internal/classifier"
	"github.com/bcem/phishguard/internal/commands"
	"github.com/bcem/phishguard/internal/config"
	"github.com/bcem/phishguard/internal/db"
	"github.com/bcem/phishguard/internal/dedup"
	"github.com/bcem/phishguard/internal/discord"
	"github.com/bcem/phishguard/internal/guildconfig"
	"github.com/bcem/phishguard/internal/linkdetect"
	"github.com/bcem/phishguard/internal/metrics"
	"github.com/bcem/phishguard/internal/models"
	"github.com/bcem/phishguard/internal/pipeline"
	"github.com/bcem/phishguard/internal/queue"
	"github.com/bcem/phishguard/internal/webhook"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting PhishGuard moderation service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))

	slog.Info("configuration loaded",
		"database_host", cfg.Database.Host,
		"redis_enabled", cfg.RedisURL != "",
		"interactions_enabled", cfg.InteractionsEnabled(),
		"timeout_duration", cfg.TimeoutDuration,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// --- Database Pool Manager ---
	var fatal atomic.Bool
	manager := db.NewManager(db.ManagerConfig{
		Connect:    db.Dial(cfg.Database.DSN(), cfg.Database.MinConns, cfg.Database.MaxConns),
		Attempts:   cfg.Database.ConnectAttempts,
		RetryDelay: cfg.Database.ConnectDelay,
		OnFatal: func(err error) {
			slog.Error("database unavailable, shutting down", "error", err)
			fatal.Store(true)
			cancel()
		},
	})
	guard := db.NewGuard(manager, cfg.Database.AcquireRetries, cfg.Database.AcquireRetryDelay)
	store := guildconfig.NewStore(guard)

	// --- Redis (optional) ---
	var (
		rdb       *redis.Client
		events    *queue.Publisher
		dedupe    pipeline.Deduper
		publisher pipeline.Publisher
	)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		events = queue.NewPublisher(rdb, cfg.EventsQueue)
		if err := events.Ping(ctx); err != nil {
			slog.Warn("redis not reachable yet, dedup and events will retry per call", "error", err)
		} else {
			slog.Info("connected to Redis")
		}
		dedupe = dedup.NewFilter(rdb)
		publisher = events
	}

	// --- Discord + Classifier ---
	discordClient := discord.NewClient(ctx, cfg.Token, discord.DefaultBaseURL)
	classifierClient := classifier.NewClient(nil, cfg.ClassifierURL, cfg.ClassifierTimeout)

	// --- Enforcement Pipeline ---
	enforcer := pipeline.NewEnforcer(pipeline.Config{
		Store:           store,
		Classifier:      classifierClient,
		Moderator:       discordClient,
		Links:           linkdetect.New(),
		Pool:            manager,
		Dedup:           dedupe,
		Publisher:       publisher,
		TimeoutDuration: cfg.TimeoutDuration,
		CallTimeout:     cfg.CallTimeout,
	})

	cmdHandler := commands.NewHandler(store)

	gateway := discord.NewGateway(discord.GatewayConfig{
		Token:   cfg.Token,
		Intents: discord.DefaultIntents,
		Resolve: discordClient.GatewayURL,
		Handlers: discord.Handlers{
			OnReady:   func() { enforcer.SetReady(true) },
			OnMessage: enforcer.Dispatch,
			OnInteraction: func(in models.Interaction) {
				go respond(ctx, discordClient, cmdHandler, in)
			},
		},
	})

	g, gctx := errgroup.WithContext(ctx)

	// --- Phase 1: Pool + schema ---
	g.Go(func() error {
		if err := manager.Init(gctx); err != nil {
			return err
		}
		return store.EnsureSchema(gctx)
	})

	// --- Phase 2: Slash commands ---
	if cfg.ApplicationID != "" {
		g.Go(func() error {
			if err := discordClient.RegisterCommands(gctx, cfg.ApplicationID, commands.Definitions()); err != nil {
				slog.Error("failed to register slash commands", "error", err)
				return nil
			}
			slog.Info("slash commands registered", "count", len(commands.Definitions()))
			return nil
		})
	}

	// --- Phase 3: Gateway ---
	g.Go(func() error {
		return gateway.Run(gctx)
	})

	// --- Interactions Endpoint ---
	if cfg.InteractionsEnabled() {
		handler, err := webhook.NewHandler(cfg.PublicKey, cmdHandler)
		if err != nil {
			slog.Error("invalid public key", "error", err)
			os.Exit(1)
		}
		ready, err := webhook.Serve(gctx, cfg.InteractionsPort, handler)
		if err != nil {
			slog.Error("failed to start interactions server", "error", err)
			os.Exit(1)
		}
		<-ready
	}

	// --- Health Check Server ---
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		// Check Postgres
		if err := manager.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
		// Check Redis
		if events != nil {
			if err := events.Ping(r.Context()); err != nil {
				http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})
	mux.Handle("/metrics", metrics.Handler())

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		go func() {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer shutdownCancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				slog.Error("server shutdown error", "error", err)
			}
		}()

		slog.Info("health server listening", "addr", addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	err = g.Wait()

	// --- Graceful Shutdown ---
	enforcer.SetReady(false)
	slog.Info("draining in-flight pipelines")
	enforcer.Wait()

	manager.Close()
	if rdb != nil {
		rdb.Close()
	}

	if fatal.Load() || (err != nil && !errors.Is(err, context.Canceled)) {
		slog.Error("moderation service stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("moderation service stopped")
}

// respond answers a slash command received over the gateway.
func respond(ctx context.Context, client *discord.Client, handler *commands.Handler, in models.Interaction) {
	if in.Type != models.InteractionApplicationCommand {
		return
	}
	resp := handler.Handle(ctx, in)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.RespondInteraction(ctx, in.ID, in.Token, resp); err != nil {
		slog.Error("failed to respond to interaction",
			"command", in.Command,
			"guild", in.GuildID,
			"error", err,
		)
	}
}
