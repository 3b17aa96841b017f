// Reolink Feed - Camera Detection Timeline and Recording Linker
// Copyright 2026 Jef Vlamings (jefvlamings)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jefvlamings/reolink-feed

// Package feed implements the burst-merge engine that turns noisy
// sensor pulses into detection timeline items. Each (camera, label)
// pair forms an independent channel with at most one open item; start
// pulses arriving within the merge window of the previous item's end
// reopen that item instead of creating a new one.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jefvlamings/reolink-feed/internal/logging"
	"github.com/jefvlamings/reolink-feed/internal/metrics"
	"github.com/jefvlamings/reolink-feed/internal/models"
	"github.com/jefvlamings/reolink-feed/internal/snapshot"
	"github.com/jefvlamings/reolink-feed/internal/store"
)

// ItemStore is the persistence surface the engine mutates.
type ItemStore interface {
	Put(ctx context.Context, item *models.DetectionItem) error
	Get(ctx context.Context, id string) (*models.DetectionItem, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter store.Filter) ([]models.DetectionItem, error)
	Count(ctx context.Context) (int, error)
}

// RecordingScheduler receives closed items for recording resolution
// and cancellations when an item reopens or is deleted.
type RecordingScheduler interface {
	Schedule(item *models.DetectionItem)
	Cancel(itemID string)
}

// Notifier receives item lifecycle events for broadcast to clients.
type Notifier interface {
	ItemOpened(item *models.DetectionItem)
	ItemClosed(item *models.DetectionItem)
	ItemDeleted(itemID string)
}

// EngineConfig configures the burst-merge engine.
type EngineConfig struct {
	// MergeWindow is the maximum gap between a closed item's end and a
	// new start pulse for the pulse to reopen the item.
	MergeWindow time.Duration

	// SnapshotDelay defers capture past the camera's transitional frame.
	SnapshotDelay time.Duration

	// SnapshotTimeout bounds a single capture call.
	SnapshotTimeout time.Duration

	// MaxItems caps the stored timeline; oldest closed items are
	// trimmed when the cap is exceeded.
	MaxItems int
}

// keyState is the per-channel merge state. openItemID is set while the
// channel has an open item; lastItemID points at the most recently
// closed item, the reopen candidate.
type keyState struct {
	openItemID string
	lastItemID string
}

// Engine is the burst-merge state machine. All mutations run under a
// single mutex so edges, snapshot completions and API commands observe
// a consistent store; per-key state is re-read from the store after
// every awaited call before being written.
type Engine struct {
	store     ItemStore
	scheduler RecordingScheduler
	notifier  Notifier

	// snapshots may be nil when capture is disabled.
	snapshots     snapshot.Trigger
	mockSnapshots snapshot.Trigger

	cfg EngineConfig
	now func() time.Time

	mu             sync.Mutex
	states         map[string]*keyState
	snapshotTimers map[string]*time.Timer

	edges chan Edge
}

// NewEngine creates a burst-merge engine. snapshots and mockSnapshots
// may be nil to disable capture for live and synthetic items.
func NewEngine(
	itemStore ItemStore,
	scheduler RecordingScheduler,
	notifier Notifier,
	snapshots, mockSnapshots snapshot.Trigger,
	cfg EngineConfig,
) *Engine {
	return &Engine{
		store:          itemStore,
		scheduler:      scheduler,
		notifier:       notifier,
		snapshots:      snapshots,
		mockSnapshots:  mockSnapshots,
		cfg:            cfg,
		now:            time.Now,
		states:         make(map[string]*keyState),
		snapshotTimers: make(map[string]*time.Timer),
		edges:          make(chan Edge, 256),
	}
}

// Bootstrap rebuilds per-channel state from the store and re-enters
// closed pending items into the resolution pipeline. Call once before
// Serve; scheduled resolution timers do not survive a restart.
func (e *Engine) Bootstrap(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	items, err := e.store.List(ctx, store.Filter{})
	if err != nil {
		return fmt.Errorf("bootstrap list: %w", err)
	}

	rescheduled := 0
	for i := range items {
		item := items[i]
		key := item.CameraName + "\x00" + string(item.Label)
		st := e.state(key)
		if item.Open() {
			if st.openItemID == "" {
				st.openItemID = item.ID
			}
			continue
		}
		// Items list newest-first; keep the newest closed item per key.
		if st.lastItemID == "" {
			st.lastItemID = item.ID
		}
		if item.Recording.Status == models.RecordingPending {
			e.scheduler.Schedule(&item)
			rescheduled++
		}
	}

	logging.Info().
		Int("items", len(items)).
		Int("channels", len(e.states)).
		Int("rescheduled", rescheduled).
		Msg("Feed engine state rebuilt from store")
	return nil
}

// Submit queues a normalized edge for ordered processing.
func (e *Engine) Submit(edge Edge) {
	e.edges <- edge
}

// Serve processes queued edges until the context ends. Edges are
// applied strictly in submission order; it satisfies the suture
// service contract.
func (e *Engine) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case edge := <-e.edges:
			if err := e.Apply(ctx, edge); err != nil {
				logging.Error().Err(err).
					Str("entity_id", edge.EntityID).
					Str("edge", edge.Kind.String()).
					Msg("Edge processing failed")
			}
		}
	}
}

// Apply runs one edge through the state machine. A returned error
// means the store rejected a write; in-memory channel state is left
// untouched so the edge sequence stays replayable.
func (e *Engine) Apply(ctx context.Context, edge Edge) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	metrics.RecordEdge(edge.Kind.String(), string(edge.Label))

	if edge.Kind == EdgeStart {
		return e.handleStart(ctx, edge)
	}
	return e.handleEnd(ctx, edge)
}

func (e *Engine) handleStart(ctx context.Context, edge Edge) error {
	st := e.state(edge.Key())

	if st.openItemID != "" {
		// A second on-edge without an off-edge in between. The open
		// item already covers it.
		metrics.RecordAnomaly("duplicate_start")
		logging.Debug().
			Str("entity_id", edge.EntityID).
			Str("item_id", st.openItemID).
			Msg("Duplicate start edge ignored")
		return nil
	}

	if st.lastItemID != "" {
		if merged, err := e.tryReopen(ctx, st, edge); err != nil || merged {
			return err
		}
	}

	item := &models.DetectionItem{
		ID:             uuid.NewString(),
		StartTS:        edge.TimeFired,
		Label:          edge.Label,
		SourceEntityID: edge.EntityID,
		CameraName:     edge.CameraName,
		Recording:      models.Recording{Status: models.RecordingPending},
	}
	if err := e.store.Put(ctx, item); err != nil {
		return fmt.Errorf("persist new item: %w", err)
	}

	st.openItemID = item.ID
	metrics.ItemsOpened.WithLabelValues(string(item.Label)).Inc()
	metrics.OpenItems.Inc()
	e.scheduleSnapshot(item.ID, e.snapshots)
	e.trimLocked(ctx)
	e.notifier.ItemOpened(item)

	logging.Info().
		Str("item_id", item.ID).
		Str("camera", item.CameraName).
		Str("label", string(item.Label)).
		Msg("Detection item opened")
	return nil
}

// tryReopen merges the start edge into the channel's last closed item
// when the gap is inside the merge window. Returns merged=false when
// the caller should create a fresh item instead.
func (e *Engine) tryReopen(ctx context.Context, st *keyState, edge Edge) (bool, error) {
	last, err := e.store.Get(ctx, st.lastItemID)
	if errors.Is(err, store.ErrItemNotFound) {
		// Trimmed or deleted since it closed.
		st.lastItemID = ""
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load merge candidate: %w", err)
	}
	if last.EndTS == nil || edge.TimeFired.Sub(*last.EndTS) > e.cfg.MergeWindow {
		return false, nil
	}

	e.scheduler.Cancel(last.ID)
	last.Reopen()
	if err := e.store.Put(ctx, last); err != nil {
		return false, fmt.Errorf("persist reopened item: %w", err)
	}

	st.openItemID = last.ID
	st.lastItemID = ""
	metrics.ItemsMerged.WithLabelValues(string(last.Label)).Inc()
	metrics.OpenItems.Inc()
	if last.SnapshotRef == "" {
		e.scheduleSnapshot(last.ID, e.snapshots)
	}
	e.notifier.ItemOpened(last)

	logging.Info().
		Str("item_id", last.ID).
		Str("camera", last.CameraName).
		Int("merge_count", last.MergeCount).
		Msg("Start edge merged into recent item")
	return true, nil
}

func (e *Engine) handleEnd(ctx context.Context, edge Edge) error {
	st := e.state(edge.Key())

	if st.openItemID == "" {
		// Off-edge with no tracked open item, e.g. the sensor was
		// already on when the service started.
		metrics.RecordAnomaly("orphan_end")
		logging.Debug().
			Str("entity_id", edge.EntityID).
			Msg("End edge without open item ignored")
		return nil
	}

	item, err := e.store.Get(ctx, st.openItemID)
	if errors.Is(err, store.ErrItemNotFound) {
		metrics.RecordAnomaly("orphan_end")
		st.openItemID = ""
		return nil
	}
	if err != nil {
		return fmt.Errorf("load open item: %w", err)
	}

	item.Close(edge.TimeFired)
	if err := e.store.Put(ctx, item); err != nil {
		return fmt.Errorf("persist closed item: %w", err)
	}

	st.lastItemID = item.ID
	st.openItemID = ""
	metrics.ItemsClosed.WithLabelValues(string(item.Label)).Inc()
	metrics.OpenItems.Dec()
	e.notifier.ItemClosed(item)
	e.scheduler.Schedule(item)

	logging.Info().
		Str("item_id", item.ID).
		Str("camera", item.CameraName).
		Int("duration_s", *item.DurationS).
		Msg("Detection item closed")
	return nil
}

// CreateMock materializes an already-closed synthetic item and runs it
// through the normal resolution pipeline. duration is clamped to at
// least one second. withSnapshot controls the placeholder image.
func (e *Engine) CreateMock(ctx context.Context, entityID, cameraName string, label models.Label, duration time.Duration, withSnapshot bool) (*models.DetectionItem, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if duration < time.Second {
		duration = time.Second
	}
	end := e.now()
	start := end.Add(-duration)

	item := &models.DetectionItem{
		ID:             uuid.NewString(),
		StartTS:        start,
		Label:          label,
		SourceEntityID: entityID,
		CameraName:     cameraName,
		Recording:      models.Recording{Status: models.RecordingPending},
	}
	item.Close(end)

	if withSnapshot && e.mockSnapshots != nil {
		ref, err := e.mockSnapshots.Capture(ctx, item)
		if err != nil {
			logging.Warn().Err(err).Str("item_id", item.ID).Msg("Mock snapshot failed")
		} else {
			item.SnapshotRef = ref
		}
	}

	if err := e.store.Put(ctx, item); err != nil {
		return nil, fmt.Errorf("persist mock item: %w", err)
	}

	st := e.state(item.CameraName + "\x00" + string(item.Label))
	st.lastItemID = item.ID
	metrics.ItemsOpened.WithLabelValues(string(item.Label)).Inc()
	metrics.ItemsClosed.WithLabelValues(string(item.Label)).Inc()
	e.trimLocked(ctx)
	e.notifier.ItemClosed(item)
	e.scheduler.Schedule(item)

	logging.Info().
		Str("item_id", item.ID).
		Str("camera", cameraName).
		Str("label", string(label)).
		Msg("Mock detection created")
	return item, nil
}

// DeleteItem removes an item, cancels its pending work and detaches it
// from channel state. Deleting an unknown id returns
// store.ErrItemNotFound.
func (e *Engine) DeleteItem(ctx context.Context, itemID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	item, err := e.store.Get(ctx, itemID)
	if err != nil {
		return err
	}

	e.scheduler.Cancel(itemID)
	e.cancelSnapshotTimer(itemID)
	if err := e.store.Delete(ctx, itemID); err != nil {
		return fmt.Errorf("delete item: %w", err)
	}

	key := item.CameraName + "\x00" + string(item.Label)
	if st, ok := e.states[key]; ok {
		if st.openItemID == itemID {
			st.openItemID = ""
			metrics.OpenItems.Dec()
		}
		if st.lastItemID == itemID {
			st.lastItemID = ""
		}
	}
	e.notifier.ItemDeleted(itemID)
	return nil
}

// Reset drops all items and channel state ahead of a history replay.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	items, err := e.store.List(ctx, store.Filter{})
	if err != nil {
		return fmt.Errorf("reset list: %w", err)
	}
	for i := range items {
		e.scheduler.Cancel(items[i].ID)
		e.cancelSnapshotTimer(items[i].ID)
		if err := e.store.Delete(ctx, items[i].ID); err != nil {
			return fmt.Errorf("reset delete %s: %w", items[i].ID, err)
		}
	}
	e.states = make(map[string]*keyState)
	metrics.OpenItems.Set(0)
	logging.Info().Int("items", len(items)).Msg("Feed state reset")
	return nil
}

func (e *Engine) state(key string) *keyState {
	st, ok := e.states[key]
	if !ok {
		st = &keyState{}
		e.states[key] = st
	}
	return st
}

// scheduleSnapshot arms the capture timer for an item. Caller holds
// the engine mutex.
func (e *Engine) scheduleSnapshot(itemID string, trigger snapshot.Trigger) {
	if trigger == nil {
		return
	}
	e.cancelSnapshotTimer(itemID)
	e.snapshotTimers[itemID] = time.AfterFunc(e.cfg.SnapshotDelay, func() {
		e.captureSnapshot(itemID, trigger)
	})
}

func (e *Engine) cancelSnapshotTimer(itemID string) {
	if t, ok := e.snapshotTimers[itemID]; ok {
		t.Stop()
		delete(e.snapshotTimers, itemID)
	}
}

// captureSnapshot runs off the timer goroutine. The item is re-read
// after the capture lands; a concurrent delete or an earlier snapshot
// wins.
func (e *Engine) captureSnapshot(itemID string, trigger snapshot.Trigger) {
	timeout := e.cfg.SnapshotTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	e.mu.Lock()
	delete(e.snapshotTimers, itemID)
	e.mu.Unlock()

	item, err := e.store.Get(ctx, itemID)
	if err != nil || item.SnapshotRef != "" {
		return
	}

	ref, err := trigger.Capture(ctx, item)
	if err != nil {
		logging.Warn().Err(err).Str("item_id", itemID).Msg("Snapshot capture failed")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	item, err = e.store.Get(ctx, itemID)
	if err != nil || item.SnapshotRef != "" {
		return
	}
	item.SnapshotRef = ref
	if err := e.store.Put(ctx, item); err != nil {
		logging.Warn().Err(err).Str("item_id", itemID).Msg("Snapshot reference not persisted")
	}
}

// trimLocked drops the oldest closed items once the store exceeds the
// configured cap. Caller holds the engine mutex.
func (e *Engine) trimLocked(ctx context.Context) {
	if e.cfg.MaxItems <= 0 {
		return
	}
	count, err := e.store.Count(ctx)
	if err != nil || count <= e.cfg.MaxItems {
		return
	}

	items, err := e.store.List(ctx, store.Filter{})
	if err != nil {
		return
	}
	// Newest-first; everything past the cap goes, open items excepted.
	for _, item := range items[e.cfg.MaxItems:] {
		if item.Open() {
			continue
		}
		e.scheduler.Cancel(item.ID)
		if err := e.store.Delete(ctx, item.ID); err != nil {
			logging.Warn().Err(err).Str("item_id", item.ID).Msg("Capacity trim failed")
			continue
		}
		key := item.CameraName + "\x00" + string(item.Label)
		if st, ok := e.states[key]; ok && st.lastItemID == item.ID {
			st.lastItemID = ""
		}
		metrics.ItemsEvicted.Inc()
		e.notifier.ItemDeleted(item.ID)
	}
}
