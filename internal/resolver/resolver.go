// Reolink Feed - Camera Detection Timeline and Recording Linker
// Copyright 2026 Jef Vlamings (jefvlamings)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jefvlamings/reolink-feed

// Package resolver links closed detection items to recorded clips in
// the remote media catalog. The catalog is eventually consistent:
// clips appear minutes after the event, so resolution runs as a fixed
// ladder of delayed attempts, the last of which is final.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/jefvlamings/reolink-feed/internal/catalog"
	"github.com/jefvlamings/reolink-feed/internal/logging"
	"github.com/jefvlamings/reolink-feed/internal/metrics"
	"github.com/jefvlamings/reolink-feed/internal/models"
	"github.com/jefvlamings/reolink-feed/internal/store"
)

// ErrItemNotFound mirrors the store error for callers that do not
// import the store package.
var ErrItemNotFound = store.ErrItemNotFound

// ItemStore is the persistence surface the resolver reads and writes.
type ItemStore interface {
	Get(ctx context.Context, id string) (*models.DetectionItem, error)
	Put(ctx context.Context, item *models.DetectionItem) error
}

// Finder locates the catalog reference of the clip covering a search
// window. An empty reference with a nil error means no clip matched.
type Finder interface {
	Find(ctx context.Context, camera string, label models.Label, window catalog.Window) (string, error)
}

// MediaChecker optionally verifies that a matched clip is actually
// retrievable before the item links to it.
type MediaChecker interface {
	Check(ctx context.Context, mediaRef string) error
}

// Notifier receives terminal resolution outcomes for broadcast.
type Notifier interface {
	RecordingResolved(item *models.DetectionItem)
}

// Config holds the resolution schedule and window padding.
type Config struct {
	// RetryDelays are attempt offsets measured from the moment the item
	// closes. The last attempt is final: a non-match there is terminal.
	RetryDelays []time.Duration

	// WindowLookback/WindowLookahead pad the item bounds into the clip
	// search window. Clips start before the sensor fires and run past
	// the detection end.
	WindowLookback  time.Duration
	WindowLookahead time.Duration

	// AttemptTimeout bounds one resolution attempt end to end.
	AttemptTimeout time.Duration

	// BreakerMaxFailures consecutive catalog failures open the breaker
	// for BreakerCooldown.
	BreakerMaxFailures uint32
	BreakerCooldown    time.Duration
}

// Resolver schedules and executes recording resolution attempts. At
// most one attempt runs per item at a time; attempts re-read the item
// before writing so deletes and reopens between schedule and fire win.
type Resolver struct {
	store    ItemStore
	finder   Finder
	checker  MediaChecker // may be nil
	notifier Notifier
	cfg      Config

	breaker *gobreaker.CircuitBreaker[string]

	mu     sync.Mutex
	timers map[string][]*time.Timer

	locks lockTable
}

// New creates a resolver. checker may be nil to skip retrievability
// verification.
func New(itemStore ItemStore, finder Finder, checker MediaChecker, notifier Notifier, cfg Config) *Resolver {
	r := &Resolver{
		store:    itemStore,
		finder:   finder,
		checker:  checker,
		notifier: notifier,
		cfg:      cfg,
		timers:   make(map[string][]*time.Timer),
	}
	r.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name: "catalog",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFailures
		},
		Timeout: cfg.BreakerCooldown,
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.SetBreakerOpen(to == gobreaker.StateOpen)
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Catalog breaker state changed")
		},
	})
	return r
}

// Schedule arms the full attempt ladder for a freshly closed item. Any
// previously armed timers for the item are dropped first.
func (r *Resolver) Schedule(item *models.DetectionItem) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cancelLocked(item.ID)

	timers := make([]*time.Timer, 0, len(r.cfg.RetryDelays))
	for i, delay := range r.cfg.RetryDelays {
		final := i == len(r.cfg.RetryDelays)-1
		itemID := item.ID
		timers = append(timers, time.AfterFunc(delay, func() {
			r.runScheduled(itemID, final)
		}))
	}
	r.timers[item.ID] = timers
	metrics.PendingResolutions.Set(float64(len(r.timers)))
}

// Cancel drops all pending attempts for an item. Safe to call for
// items with nothing scheduled.
func (r *Resolver) Cancel(itemID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelLocked(itemID)
}

func (r *Resolver) cancelLocked(itemID string) {
	for _, t := range r.timers[itemID] {
		t.Stop()
	}
	delete(r.timers, itemID)
	metrics.PendingResolutions.Set(float64(len(r.timers)))
}

func (r *Resolver) runScheduled(itemID string, final bool) {
	timeout := r.cfg.AttemptTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if _, err := r.Resolve(ctx, itemID, final); err != nil && !errors.Is(err, ErrItemNotFound) {
		logging.Warn().Err(err).Str("item_id", itemID).Msg("Scheduled resolution attempt failed")
	}
}

// Resolve runs one resolution attempt now and returns the resulting
// recording state. An already linked item returns unchanged without
// touching the catalog. final marks a non-match terminal.
func (r *Resolver) Resolve(ctx context.Context, itemID string, final bool) (models.Recording, error) {
	unlock := r.locks.lock(itemID)
	defer unlock()

	started := time.Now()

	item, err := r.store.Get(ctx, itemID)
	if errors.Is(err, store.ErrItemNotFound) {
		// Deleted between schedule and fire.
		r.Cancel(itemID)
		return models.Recording{}, ErrItemNotFound
	}
	if err != nil {
		metrics.RecordResolveAttempt("error", time.Since(started))
		return models.Recording{}, fmt.Errorf("load item: %w", err)
	}
	if item.Recording.Status == models.RecordingLinked {
		return item.Recording, nil
	}
	if item.Open() && final {
		// A reopen between schedule and fire; the ladder restarts on
		// the next close.
		return item.Recording, nil
	}

	ref, findErr := r.find(ctx, item)
	if findErr != nil {
		metrics.CatalogFailures.Inc()
		logging.Warn().Err(findErr).
			Str("item_id", itemID).
			Bool("final", final).
			Msg("Catalog search failed")
	}

	// The browse is the long await of an attempt. The item may have
	// been deleted or reopened meanwhile, so reload it before writing
	// anything back; a stale copy must never land in the store.
	item, err = r.store.Get(ctx, itemID)
	if errors.Is(err, store.ErrItemNotFound) {
		r.Cancel(itemID)
		return models.Recording{}, ErrItemNotFound
	}
	if err != nil {
		metrics.RecordResolveAttempt("error", time.Since(started))
		return models.Recording{}, fmt.Errorf("reload item: %w", err)
	}
	if item.Recording.Status == models.RecordingLinked {
		return item.Recording, nil
	}
	if item.Open() {
		// Reopened while the browse was in flight. The reopen reset
		// the recording and the ladder restarts on the next close.
		return item.Recording, nil
	}

	switch {
	case ref != "":
		return r.link(ctx, item, ref, started)
	case final:
		item.Recording = models.Recording{
			Status:       models.RecordingNotFound,
			AttemptCount: item.Recording.AttemptCount + 1,
		}
		now := time.Now()
		item.Recording.ResolvedAt = &now
		if err := r.store.Put(ctx, item); err != nil {
			return models.Recording{}, fmt.Errorf("persist not_found: %w", err)
		}
		r.Cancel(itemID)
		metrics.RecordResolveAttempt("not_found", time.Since(started))
		r.notifier.RecordingResolved(item)
		logging.Info().Str("item_id", itemID).Msg("No recording found after final attempt")
		return item.Recording, nil
	default:
		item.Recording.Status = models.RecordingPending
		item.Recording.AttemptCount++
		if err := r.store.Put(ctx, item); err != nil {
			return models.Recording{}, fmt.Errorf("persist pending: %w", err)
		}
		outcome := "pending"
		if findErr != nil {
			outcome = "error"
		}
		metrics.RecordResolveAttempt(outcome, time.Since(started))
		return item.Recording, nil
	}
}

// find searches the catalog through the breaker. The window falls back
// to the item start when the item is still open.
func (r *Resolver) find(ctx context.Context, item *models.DetectionItem) (string, error) {
	end := item.StartTS
	if item.EndTS != nil {
		end = *item.EndTS
	}
	window := catalog.Window{
		Start: item.StartTS.Add(-r.cfg.WindowLookback),
		End:   end.Add(r.cfg.WindowLookahead),
	}

	return r.breaker.Execute(func() (string, error) {
		ref, err := r.finder.Find(ctx, item.CameraName, item.Label, window)
		if err != nil {
			return "", err
		}
		return ref, nil
	})
}

// link records a successful match, or download_failed when the media
// checker rejects the clip. Both outcomes are terminal.
func (r *Resolver) link(ctx context.Context, item *models.DetectionItem, ref string, started time.Time) (models.Recording, error) {
	now := time.Now()

	if r.checker != nil {
		if err := r.checker.Check(ctx, ref); err != nil {
			logging.Warn().Err(err).
				Str("item_id", item.ID).
				Str("media_ref", ref).
				Msg("Matched clip is not retrievable")
			item.Recording = models.Recording{
				Status:       models.RecordingDownloadFailed,
				ResolvedAt:   &now,
				AttemptCount: item.Recording.AttemptCount + 1,
			}
			if err := r.store.Put(ctx, item); err != nil {
				return models.Recording{}, fmt.Errorf("persist download_failed: %w", err)
			}
			r.Cancel(item.ID)
			metrics.RecordResolveAttempt("download_failed", time.Since(started))
			r.notifier.RecordingResolved(item)
			return item.Recording, nil
		}
	}

	item.Recording = models.Recording{
		Status:       models.RecordingLinked,
		MediaRef:     ref,
		ResolvedAt:   &now,
		AttemptCount: item.Recording.AttemptCount + 1,
	}
	if err := r.store.Put(ctx, item); err != nil {
		return models.Recording{}, fmt.Errorf("persist linked: %w", err)
	}
	r.Cancel(item.ID)
	metrics.RecordResolveAttempt("linked", time.Since(started))
	r.notifier.RecordingResolved(item)

	logging.Info().
		Str("item_id", item.ID).
		Str("media_ref", ref).
		Int("attempts", item.Recording.AttemptCount).
		Msg("Recording linked")
	return item.Recording, nil
}

// Reset returns an item's recording to pending and re-enters the
// attempt ladder, measured from now.
func (r *Resolver) Reset(ctx context.Context, itemID string) (models.Recording, error) {
	unlock := r.locks.lock(itemID)
	defer unlock()

	item, err := r.store.Get(ctx, itemID)
	if err != nil {
		return models.Recording{}, err
	}

	item.Recording = models.Recording{Status: models.RecordingPending}
	if err := r.store.Put(ctx, item); err != nil {
		return models.Recording{}, fmt.Errorf("persist reset: %w", err)
	}
	r.Schedule(item)
	logging.Info().Str("item_id", itemID).Msg("Recording resolution reset")
	return item.Recording, nil
}

// lockTable hands out per-item mutexes so attempts for different items
// run concurrently while attempts for one item serialize.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*itemLock
}

type itemLock struct {
	mu   sync.Mutex
	refs int
}

func (t *lockTable) lock(id string) func() {
	t.mu.Lock()
	if t.locks == nil {
		t.locks = make(map[string]*itemLock)
	}
	l, ok := t.locks[id]
	if !ok {
		l = &itemLock{}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, id)
		}
		t.mu.Unlock()
	}
}
