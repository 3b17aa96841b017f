// Reolink Feed - Camera Detection Timeline and Recording Linker
// Copyright 2026 Jef Vlamings (jefvlamings)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jefvlamings/reolink-feed

package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	gorilla "github.com/gorilla/websocket"

	"github.com/jefvlamings/reolink-feed/internal/logging"
	"github.com/jefvlamings/reolink-feed/internal/models"
	"github.com/jefvlamings/reolink-feed/internal/store"
	"github.com/jefvlamings/reolink-feed/internal/websocket"
)

const (
	maxListLimit     = 200
	maxRequestBody   = 64 * 1024
	defaultMockSecs  = 8
	maxLookbackHours = 24 * 7
)

var upgrader = gorilla.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The feed runs on a trusted segment; cross-origin requests go
	// through the CORS allowlist on the HTTP side.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

// listResponse is the items listing envelope.
type listResponse struct {
	Items []models.DetectionItem `json:"items"`
	Count int                    `json:"count"`
}

// ListItems returns timeline items newest-first, optionally filtered
// by labels (comma separated), since_hours and limit.
func (rt *Router) ListItems(w http.ResponseWriter, r *http.Request) {
	filter := store.Filter{Limit: maxListLimit}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if limit < maxListLimit {
			filter.Limit = limit
		}
	}

	if raw := r.URL.Query().Get("since_hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours < 1 {
			writeError(w, http.StatusBadRequest, "since_hours must be a positive integer")
			return
		}
		filter.Since = time.Now().Add(-time.Duration(hours) * time.Hour)
	}

	if raw := r.URL.Query().Get("labels"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			label, ok := models.NormalizeLabel(strings.TrimSpace(part))
			if !ok {
				writeError(w, http.StatusBadRequest, "unknown label: "+part)
				return
			}
			filter.Labels = append(filter.Labels, label)
		}
	}

	items, err := rt.items.List(r.Context(), filter)
	if err != nil {
		logging.Error().Err(err).Msg("item list failed")
		writeError(w, http.StatusInternalServerError, "item list failed")
		return
	}
	if items == nil {
		items = []models.DetectionItem{}
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Count: len(items)})
}

// GetItem returns a single item by id.
func (rt *Router) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := rt.items.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrItemNotFound) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if err != nil {
		logging.Error().Err(err).Msg("item get failed")
		writeError(w, http.StatusInternalServerError, "item get failed")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// DeleteItem removes an item and cancels its pending work.
func (rt *Router) DeleteItem(w http.ResponseWriter, r *http.Request) {
	err := rt.engine.DeleteItem(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrItemNotFound) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if err != nil {
		logging.Error().Err(err).Msg("item delete failed")
		writeError(w, http.StatusInternalServerError, "item delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resolveRequest struct {
	FinalAttempt bool `json:"final_attempt"`
}

// ResolveRecording triggers one manual resolution attempt and returns
// the resulting recording state.
func (rt *Router) ResolveRecording(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}

	rec, err := rt.resolver.Resolve(r.Context(), chi.URLParam(r, "id"), req.FinalAttempt)
	if errors.Is(err, store.ErrItemNotFound) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if err != nil {
		logging.Error().Err(err).Msg("manual resolve failed")
		writeError(w, http.StatusInternalServerError, "resolve failed")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ResetRecording returns an item's recording to pending and re-enters
// the retry ladder.
func (rt *Router) ResetRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := rt.resolver.Reset(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrItemNotFound) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if err != nil {
		logging.Error().Err(err).Msg("recording reset failed")
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type mockRequest struct {
	EntityID   string `json:"entity_id"`
	CameraName string `json:"camera_name"`
	Label      string `json:"label"`
	DurationS  int    `json:"duration_s"`

	// CreateDummySnapshot defaults to true when omitted.
	CreateDummySnapshot *bool `json:"create_dummy_snapshot"`
}

// CreateMockItem materializes a synthetic detection for demos and
// end-to-end testing.
func (rt *Router) CreateMockItem(w http.ResponseWriter, r *http.Request) {
	var req mockRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CameraName == "" {
		writeError(w, http.StatusBadRequest, "camera_name is required")
		return
	}
	label, ok := models.NormalizeLabel(req.Label)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown label: "+req.Label)
		return
	}
	if req.EntityID == "" {
		req.EntityID = "binary_sensor.mock_" + req.Label
	}
	if req.DurationS <= 0 {
		req.DurationS = defaultMockSecs
	}
	withSnapshot := req.CreateDummySnapshot == nil || *req.CreateDummySnapshot

	item, err := rt.engine.CreateMock(r.Context(), req.EntityID, req.CameraName, label, time.Duration(req.DurationS)*time.Second, withSnapshot)
	if err != nil {
		logging.Error().Err(err).Msg("mock creation failed")
		writeError(w, http.StatusInternalServerError, "mock creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

type rebuildRequest struct {
	LookbackHours int `json:"lookback_hours"`
}

type rebuildResponse struct {
	Replayed int `json:"replayed"`
}

// Rebuild drops the timeline and re-derives it from the event bus's
// retained sensor history.
func (rt *Router) Rebuild(w http.ResponseWriter, r *http.Request) {
	if rt.replayer == nil {
		writeError(w, http.StatusConflict, "history replay unavailable: event bus disabled")
		return
	}

	var req rebuildRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.LookbackHours < 1 || req.LookbackHours > maxLookbackHours {
		writeError(w, http.StatusBadRequest, "lookback_hours must be between 1 and 168")
		return
	}

	if err := rt.engine.Reset(r.Context()); err != nil {
		logging.Error().Err(err).Msg("timeline reset failed")
		writeError(w, http.StatusInternalServerError, "rebuild failed")
		return
	}
	replayed, err := rt.replayer.Replay(r.Context(), time.Duration(req.LookbackHours)*time.Hour)
	if err != nil {
		logging.Error().Err(err).Msg("history replay failed")
		writeError(w, http.StatusInternalServerError, "rebuild failed")
		return
	}
	writeJSON(w, http.StatusOK, rebuildResponse{Replayed: replayed})
}

// Health reports overall service health.
func (rt *Router) Health(w http.ResponseWriter, r *http.Request) {
	count, err := rt.items.Count(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"items":      count,
		"ws_clients": rt.hub.ClientCount(),
	})
}

// HealthLive is the liveness probe.
func (rt *Router) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// HealthReady is the readiness probe; ready once the store answers.
func (rt *Router) HealthReady(w http.ResponseWriter, r *http.Request) {
	if _, err := rt.items.Count(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// WebSocket upgrades the connection and hands it to the hub.
func (rt *Router) WebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := websocket.NewClient(rt.hub, conn)
	rt.hub.Register <- client
	client.Start()
}
