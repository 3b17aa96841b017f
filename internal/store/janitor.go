// Reolink Feed - Camera Detection Timeline and Recording Linker
// Copyright 2026 Jef Vlamings (jefvlamings)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jefvlamings/reolink-feed

package store

import (
	"context"
	"time"

	"github.com/jefvlamings/reolink-feed/internal/logging"
	"github.com/jefvlamings/reolink-feed/internal/metrics"
)

// Janitor periodically removes items past the retention window and
// enforces the timeline cap. Deleting cancels the item's outstanding
// recording resolution via the OnEvict hook.
type Janitor struct {
	store     *ItemStore
	retention time.Duration
	maxItems  int
	interval  time.Duration

	// OnEvict is invoked with each deleted item id, before deletion.
	OnEvict func(id string)
}

// NewJanitor creates a retention janitor for the store.
func NewJanitor(store *ItemStore, retention time.Duration, maxItems int, interval time.Duration) *Janitor {
	return &Janitor{
		store:     store,
		retention: retention,
		maxItems:  maxItems,
		interval:  interval,
	}
}

// Serve runs the janitor until the context is canceled. It satisfies
// the suture service contract.
func (j *Janitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if removed, err := j.Sweep(ctx); err != nil {
				logging.Error().Err(err).Msg("retention sweep failed")
			} else if removed > 0 {
				logging.Info().Int("removed", removed).Msg("retention sweep completed")
			}
		}
	}
}

// Sweep removes expired items and trims the timeline to the cap.
// Returns the number of items removed.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	items, err := j.store.List(ctx, Filter{})
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-j.retention)
	removed := 0
	for i, item := range items {
		expired := item.StartTS.Before(cutoff) && !item.Open()
		overCap := j.maxItems > 0 && i >= j.maxItems && !item.Open()
		if !expired && !overCap {
			continue
		}
		if j.OnEvict != nil {
			j.OnEvict(item.ID)
		}
		if err := j.store.Delete(ctx, item.ID); err != nil {
			return removed, err
		}
		removed++
		metrics.ItemsEvicted.Inc()
	}
	metrics.StoredItems.Set(float64(len(items) - removed))
	return removed, nil
}
