// Reolink Feed - Camera Detection Timeline and Recording Linker
// Copyright 2026 Jef Vlamings (jefvlamings)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jefvlamings/reolink-feed

// Package api exposes the timeline query and command surface over
// HTTP, plus the WebSocket upgrade and the Prometheus endpoint.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jefvlamings/reolink-feed/internal/config"
	"github.com/jefvlamings/reolink-feed/internal/metrics"
	"github.com/jefvlamings/reolink-feed/internal/models"
	"github.com/jefvlamings/reolink-feed/internal/store"
	"github.com/jefvlamings/reolink-feed/internal/websocket"
)

// FeedEngine is the command surface of the burst-merge engine.
type FeedEngine interface {
	CreateMock(ctx context.Context, entityID, cameraName string, label models.Label, duration time.Duration, withSnapshot bool) (*models.DetectionItem, error)
	DeleteItem(ctx context.Context, itemID string) error
	Reset(ctx context.Context) error
}

// RecordingResolver is the manual recording resolution surface.
type RecordingResolver interface {
	Resolve(ctx context.Context, itemID string, final bool) (models.Recording, error)
	Reset(ctx context.Context, itemID string) (models.Recording, error)
}

// HistoryReplayer re-derives items from the event bus's retained
// sensor history. Nil when the bus is disabled.
type HistoryReplayer interface {
	Replay(ctx context.Context, lookback time.Duration) (int, error)
}

// ItemReader is the query surface over the item store.
type ItemReader interface {
	Get(ctx context.Context, id string) (*models.DetectionItem, error)
	List(ctx context.Context, filter store.Filter) ([]models.DetectionItem, error)
	Count(ctx context.Context) (int, error)
}

// Router wires handlers to dependencies.
type Router struct {
	cfg      config.ServerConfig
	items    ItemReader
	engine   FeedEngine
	resolver RecordingResolver
	replayer HistoryReplayer
	hub      *websocket.Hub
}

// NewRouter builds the API router. replayer may be nil when history
// replay is unavailable.
func NewRouter(
	cfg config.ServerConfig,
	items ItemReader,
	engine FeedEngine,
	resolver RecordingResolver,
	replayer HistoryReplayer,
	hub *websocket.Hub,
) *Router {
	return &Router{
		cfg:      cfg,
		items:    items,
		engine:   engine,
		resolver: resolver,
		replayer: replayer,
		hub:      hub,
	}
}

// Handler assembles the chi route tree.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: rt.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(rt.cfg.RateLimitReqs, rt.cfg.RateLimitWindow))
		r.Use(promMiddleware)

		r.Route("/items", func(r chi.Router) {
			r.Get("/", rt.ListItems)
			r.Post("/mock", rt.CreateMockItem)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", rt.GetItem)
				r.Delete("/", rt.DeleteItem)
				r.Post("/resolve", rt.ResolveRecording)
				r.Post("/recording/reset", rt.ResetRecording)
			})
		})
		r.Post("/rebuild", rt.Rebuild)

		r.Route("/health", func(r chi.Router) {
			r.Get("/", rt.Health)
			r.Get("/live", rt.HealthLive)
			r.Get("/ready", rt.HealthReady)
		})

		r.Get("/ws", rt.WebSocket)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// promMiddleware records request latency per route pattern.
func promMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		metrics.RecordAPIRequest(r.Method, route, ww.Status(), time.Since(start))
	})
}
