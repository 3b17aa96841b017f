// Reolink Feed - Camera Detection Timeline and Recording Linker
// Copyright 2026 Jef Vlamings (jefvlamings)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jefvlamings/reolink-feed

// Package main is the entry point for the Reolink Feed server.
//
// Reolink Feed turns the raw on/off detection pulses of Reolink camera
// sensors into a deduplicated detection timeline, captures a snapshot
// for each detection, and links every closed detection to its recorded
// clip in the NVR's media catalog.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: layered settings from defaults, YAML file, and
//     environment variables (Koanf v2)
//  2. Item store: BadgerDB-backed detection timeline
//  3. Recording resolver: delayed catalog lookups with retry schedule
//     and circuit breaker
//  4. Burst-merge engine: collapses sensor pulse trains into items
//  5. WebSocket hub: real-time item updates to connected clients
//  6. NATS JetStream: durable sensor transition feed, optionally with
//     an embedded in-process server
//  7. HTTP server: REST API, health probes, and Prometheus metrics
//
// All long-running components run under a suture supervisor tree and
// restart independently on failure.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins): environment variables, a config file (config.yaml),
// and built-in defaults. See internal/config for the full surface.
//
// # Example Usage
//
// Single-box deployment with the embedded NATS server:
//
//	export STORE_PATH=/data/feed
//	export CATALOG_URL=http://nvr.local:8000
//	export SNAPSHOT_CAMERA_URL=http://nvr.local:8000
//	./reolink-feed
//
// Against an external NATS cluster:
//
//	export NATS_EMBEDDED_SERVER=false
//	export NATS_URL=nats://nats.local:4222
//	./reolink-feed
//
// # Signal Handling
//
// The server shuts down gracefully on SIGINT and SIGTERM: the HTTP
// server drains in-flight requests, the event bus consumer stops, and
// the item store is closed last.
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

	"github.com/jefvlamings/reolink-feed/internal/api"
	"github.com/jefvlamings/reolink-feed/internal/catalog"
	"github.com/jefvlamings/reolink-feed/internal/config"
	"github.com/jefvlamings/reolink-feed/internal/eventbus"
	"github.com/jefvlamings/reolink-feed/internal/feed"
	"github.com/jefvlamings/reolink-feed/internal/logging"
	"github.com/jefvlamings/reolink-feed/internal/models"
	"github.com/jefvlamings/reolink-feed/internal/registry"
	"github.com/jefvlamings/reolink-feed/internal/resolver"
	"github.com/jefvlamings/reolink-feed/internal/snapshot"
	"github.com/jefvlamings/reolink-feed/internal/store"
	"github.com/jefvlamings/reolink-feed/internal/supervisor"
	"github.com/jefvlamings/reolink-feed/internal/supervisor/services"
	ws "github.com/jefvlamings/reolink-feed/internal/websocket"
)

func main() {
	// Load configuration first to get logging settings
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
		Str("store_path", cfg.Store.Path).
		Dur("merge_window", cfg.Feed.MergeWindow).
		Bool("nats_enabled", cfg.NATS.Enabled).
		Msg("Starting Reolink Feed")

	itemStore, err := store.Open(cfg.Store.Path)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open item store")
	}
	defer func() {
		if err := itemStore.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing item store")
		}
	}()
	logging.Info().Msg("Item store opened")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// WebSocket hub doubles as the change notifier for the engine and
	// the resolver.
	hub := ws.NewHub(itemStore)

	if cfg.Catalog.URL == "" {
		logging.Warn().Msg("No catalog URL configured; recordings will resolve to not_found")
	}
	browser := catalog.NewHTTPBrowser(cfg.Catalog.URL, cfg.Catalog.Timeout)
	matcher := catalog.NewMatcher(
		browser,
		cfg.Catalog.ResolutionTier,
		cfg.Catalog.DefaultClipDuration,
		cfg.Resolver.WindowLookback+cfg.Resolver.WindowLookahead,
	)

	recordings := resolver.New(itemStore, matcher, nil, hub, resolver.Config{
		RetryDelays:        cfg.Resolver.RetryDelayDurations(),
		WindowLookback:     cfg.Resolver.WindowLookback,
		WindowLookahead:    cfg.Resolver.WindowLookahead,
		AttemptTimeout:     cfg.Catalog.Timeout,
		BreakerMaxFailures: cfg.Resolver.BreakerMaxFailures,
		BreakerCooldown:    cfg.Resolver.BreakerCooldown,
	})

	// Live capture needs an NVR snapshot endpoint; mock detections
	// always get a placeholder image.
	var liveTrigger snapshot.Trigger
	if cfg.Snapshot.Enabled && cfg.Snapshot.CameraURL != "" {
		camera := snapshot.NewHTTPCamera(cfg.Snapshot.CameraURL, cfg.Snapshot.CaptureTimeout)
		liveTrigger = snapshot.NewFileTrigger(camera, cfg.Snapshot.MediaRoot)
		logging.Info().Str("camera_url", cfg.Snapshot.CameraURL).Msg("Snapshot capture enabled")
	} else {
		logging.Info().Msg("Snapshot capture disabled")
	}
	mockTrigger := snapshot.NewMockTrigger(cfg.Snapshot.MediaRoot)

	engine := feed.NewEngine(itemStore, recordings, hub, liveTrigger, mockTrigger, feed.EngineConfig{
		MergeWindow:     cfg.Feed.MergeWindow,
		SnapshotDelay:   cfg.Snapshot.Delay,
		SnapshotTimeout: cfg.Snapshot.CaptureTimeout,
		MaxItems:        cfg.Store.MaxItems,
	})
	if err := engine.Bootstrap(ctx); err != nil {
		logging.Fatal().Err(err).Msg("Failed to rebuild engine state from store")
	}
	logging.Info().Msg("Engine state rebuilt from store")

	janitor := store.NewJanitor(
		itemStore,
		time.Duration(cfg.Store.RetentionHours)*time.Hour,
		cfg.Store.MaxItems,
		cfg.Store.CleanupInterval,
	)
	janitor.OnEvict = func(id string) {
		recordings.Cancel(id)
		hub.ItemDeleted(id)
	}

	// Sensor transitions arrive over NATS JetStream. The embedded
	// server keeps single-box deployments self-contained.
	var bus *eventbus.Bus
	var embedded *eventbus.EmbeddedServer
	if cfg.NATS.Enabled {
		url := cfg.NATS.URL
		if cfg.NATS.EmbeddedServer {
			host, port := cfg.NATS.ListenAddr()
			embedded, err = eventbus.NewEmbeddedServer(eventbus.EmbeddedConfig{
				Host:     host,
				Port:     port,
				StoreDir: cfg.NATS.StoreDir,
			})
			if err != nil {
				logging.Fatal().Err(err).Msg("Failed to start embedded NATS server")
			}
			defer embedded.Shutdown()
			url = embedded.ClientURL()
			logging.Info().Str("url", url).Msg("Embedded NATS server started")
		}

		table := make(map[string]registry.Mapping, len(cfg.Feed.Sensors))
		for entityID, m := range cfg.Feed.Sensors {
			label, ok := models.NormalizeLabel(m.Label)
			if !ok {
				logging.Warn().Str("entity_id", entityID).Str("label", m.Label).Msg("Skipping sensor mapping with unknown label")
				continue
			}
			table[entityID] = registry.Mapping{CameraName: m.Camera, Label: label}
		}
		normalizer := feed.NewNormalizer(registry.NewStaticResolver(table), cfg.Feed.EnabledLabels)
		bus = eventbus.NewBus(cfg.NATS, normalizer, engine)
		if err := bus.Connect(ctx, url); err != nil {
			logging.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer bus.Close()
	} else {
		logging.Warn().Msg("NATS disabled; no sensor transitions will be consumed")
	}

	// History replay is only available when the event bus retains
	// transitions.
	var replayer api.HistoryReplayer
	if bus != nil {
		replayer = bus
	}

	router := api.NewRouter(cfg.Server, itemStore, engine, recordings, replayer, hub)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Handler(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  60 * time.Second,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	tree.AddMessagingService(hub)
	tree.AddMessagingService(engine)
	tree.AddMessagingService(janitor)
	if bus != nil {
		tree.AddMessagingService(bus)
	}
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	logging.Info().Msg("Application stopped gracefully")
}
