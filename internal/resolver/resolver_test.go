// Reolink Feed - Camera Detection Timeline and Recording Linker
// Copyright 2026 Jef Vlamings (jefvlamings)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jefvlamings/reolink-feed

package resolver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jefvlamings/reolink-feed/internal/catalog"
	"github.com/jefvlamings/reolink-feed/internal/models"
	"github.com/jefvlamings/reolink-feed/internal/store"
)

type fakeFinder struct {
	mu sync.Mutex

	// matchOn is the 1-based call number that returns ref; 0 never
	// matches.
	matchOn int
	ref     string
	err     error
	calls   int
}

func (f *fakeFinder) Find(_ context.Context, _ string, _ models.Label, _ catalog.Window) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if f.matchOn != 0 && f.calls >= f.matchOn {
		return f.ref, nil
	}
	return "", nil
}

func (f *fakeFinder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeNotifier struct {
	mu       sync.Mutex
	resolved []models.Recording
}

func (n *fakeNotifier) RecordingResolved(item *models.DetectionItem) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolved = append(n.resolved, item.Recording)
}

func (n *fakeNotifier) resolvedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.resolved)
}

type rejectingChecker struct{}

func (rejectingChecker) Check(_ context.Context, _ string) error {
	return errors.New("clip gone")
}

func testConfig() Config {
	return Config{
		RetryDelays:        []time.Duration{5 * time.Millisecond, 15 * time.Millisecond, 30 * time.Millisecond},
		WindowLookback:     10 * time.Second,
		WindowLookahead:    30 * time.Second,
		AttemptTimeout:     time.Second,
		BreakerMaxFailures: 5,
		BreakerCooldown:    time.Minute,
	}
}

func newTestStore(t *testing.T) *store.ItemStore {
	t.Helper()
	st, err := store.Open("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func closedItem(t *testing.T, st *store.ItemStore, id string) *models.DetectionItem {
	t.Helper()
	item := &models.DetectionItem{
		ID:             id,
		StartTS:        time.Now().Add(-time.Minute),
		Label:          models.LabelPerson,
		SourceEntityID: "binary_sensor.front_door_person",
		CameraName:     "Front Door",
		Recording:      models.Recording{Status: models.RecordingPending},
	}
	item.Close(item.StartTS.Add(12 * time.Second))
	if err := st.Put(context.Background(), item); err != nil {
		t.Fatalf("seed put: %v", err)
	}
	return item
}

func waitForStatus(t *testing.T, st *store.ItemStore, id string, want models.RecordingStatus) *models.DetectionItem {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		item, err := st.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if item.Recording.Status == want {
			return item
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %q, want %q", item.Recording.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLinksOnSecondAttemptAndStops(t *testing.T) {
	st := newTestStore(t)
	finder := &fakeFinder{matchOn: 2, ref: "media://clip-1"}
	notif := &fakeNotifier{}
	r := New(st, finder, nil, notif, testConfig())

	item := closedItem(t, st, "item-1")
	r.Schedule(item)

	linked := waitForStatus(t, st, "item-1", models.RecordingLinked)
	if linked.Recording.MediaRef != "media://clip-1" {
		t.Errorf("media ref = %q", linked.Recording.MediaRef)
	}
	if linked.Recording.AttemptCount != 2 {
		t.Errorf("attempts = %d, want 2", linked.Recording.AttemptCount)
	}
	if linked.Recording.ResolvedAt == nil {
		t.Error("resolved_at not set")
	}

	// The third timer must have been canceled by the match.
	time.Sleep(60 * time.Millisecond)
	if calls := finder.callCount(); calls != 2 {
		t.Errorf("finder calls = %d, want 2 (no attempts after link)", calls)
	}
	if notif.resolvedCount() != 1 {
		t.Errorf("resolved broadcasts = %d, want 1", notif.resolvedCount())
	}
}

func TestExhaustedScheduleIsNotFound(t *testing.T) {
	st := newTestStore(t)
	finder := &fakeFinder{} // never matches
	notif := &fakeNotifier{}
	r := New(st, finder, nil, notif, testConfig())

	r.Schedule(closedItem(t, st, "item-1"))

	final := waitForStatus(t, st, "item-1", models.RecordingNotFound)
	if final.Recording.AttemptCount != 3 {
		t.Errorf("attempts = %d, want 3", final.Recording.AttemptCount)
	}
	if final.Recording.ResolvedAt == nil {
		t.Error("resolved_at not set on not_found")
	}
	if notif.resolvedCount() != 1 {
		t.Errorf("resolved broadcasts = %d, want 1", notif.resolvedCount())
	}
}

func TestCancelStopsPendingAttempts(t *testing.T) {
	st := newTestStore(t)
	finder := &fakeFinder{}
	r := New(st, finder, nil, &fakeNotifier{}, testConfig())

	r.Schedule(closedItem(t, st, "item-1"))
	r.Cancel("item-1")

	time.Sleep(60 * time.Millisecond)
	if calls := finder.callCount(); calls != 0 {
		t.Errorf("finder calls = %d after cancel, want 0", calls)
	}
	item, err := st.Get(context.Background(), "item-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.Recording.Status != models.RecordingPending {
		t.Errorf("status = %q, want pending", item.Recording.Status)
	}
}

func TestDeletedItemIsNotResurrected(t *testing.T) {
	st := newTestStore(t)
	finder := &fakeFinder{matchOn: 1, ref: "media://clip-1"}
	r := New(st, finder, nil, &fakeNotifier{}, testConfig())
	ctx := context.Background()

	closedItem(t, st, "item-1")
	if err := st.Delete(ctx, "item-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := r.Resolve(ctx, "item-1", false); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("Resolve err = %v, want ErrItemNotFound", err)
	}
	if calls := finder.callCount(); calls != 0 {
		t.Errorf("finder calls = %d for deleted item, want 0", calls)
	}
}

func TestManualResolveFinalAttempt(t *testing.T) {
	st := newTestStore(t)
	finder := &fakeFinder{}
	notif := &fakeNotifier{}
	r := New(st, finder, nil, notif, testConfig())
	ctx := context.Background()

	closedItem(t, st, "item-1")

	rec, err := r.Resolve(ctx, "item-1", false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec.Status != models.RecordingPending {
		t.Errorf("status = %q, want pending after non-final miss", rec.Status)
	}

	rec, err = r.Resolve(ctx, "item-1", true)
	if err != nil {
		t.Fatalf("Resolve final: %v", err)
	}
	if rec.Status != models.RecordingNotFound {
		t.Errorf("status = %q, want not_found after final miss", rec.Status)
	}
}

func TestLinkedItemShortCircuits(t *testing.T) {
	st := newTestStore(t)
	finder := &fakeFinder{matchOn: 1, ref: "media://clip-1"}
	r := New(st, finder, nil, &fakeNotifier{}, testConfig())
	ctx := context.Background()

	closedItem(t, st, "item-1")
	if _, err := r.Resolve(ctx, "item-1", false); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	rec, err := r.Resolve(ctx, "item-1", false)
	if err != nil {
		t.Fatalf("Resolve linked: %v", err)
	}
	if rec.Status != models.RecordingLinked {
		t.Errorf("status = %q, want linked", rec.Status)
	}
	if calls := finder.callCount(); calls != 1 {
		t.Errorf("finder calls = %d, want 1 (linked item skips catalog)", calls)
	}
}

func TestCatalogFailureKeepsSchedule(t *testing.T) {
	st := newTestStore(t)
	finder := &fakeFinder{err: catalog.ErrCatalogUnavailable}
	r := New(st, finder, nil, &fakeNotifier{}, testConfig())
	ctx := context.Background()

	closedItem(t, st, "item-1")

	rec, err := r.Resolve(ctx, "item-1", false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec.Status != models.RecordingPending {
		t.Errorf("status = %q, want pending after catalog failure", rec.Status)
	}

	// A failing final attempt is still terminal.
	rec, err = r.Resolve(ctx, "item-1", true)
	if err != nil {
		t.Fatalf("Resolve final: %v", err)
	}
	if rec.Status != models.RecordingNotFound {
		t.Errorf("status = %q, want not_found", rec.Status)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	st := newTestStore(t)
	finder := &fakeFinder{err: catalog.ErrCatalogUnavailable}
	cfg := testConfig()
	cfg.BreakerMaxFailures = 2
	r := New(st, finder, nil, &fakeNotifier{}, cfg)
	ctx := context.Background()

	closedItem(t, st, "item-1")
	for i := 0; i < 4; i++ {
		if _, err := r.Resolve(ctx, "item-1", false); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
	}

	// After two failures the breaker opens; later attempts fail fast
	// without reaching the catalog.
	if calls := finder.callCount(); calls != 2 {
		t.Errorf("finder calls = %d, want 2 (breaker open)", calls)
	}
}

func TestCheckerRejectionIsDownloadFailed(t *testing.T) {
	st := newTestStore(t)
	finder := &fakeFinder{matchOn: 1, ref: "media://clip-1"}
	notif := &fakeNotifier{}
	r := New(st, finder, rejectingChecker{}, notif, testConfig())
	ctx := context.Background()

	closedItem(t, st, "item-1")

	rec, err := r.Resolve(ctx, "item-1", false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec.Status != models.RecordingDownloadFailed {
		t.Errorf("status = %q, want download_failed", rec.Status)
	}
	if notif.resolvedCount() != 1 {
		t.Errorf("resolved broadcasts = %d, want 1", notif.resolvedCount())
	}
}

func TestResetReentersSchedule(t *testing.T) {
	st := newTestStore(t)
	finder := &fakeFinder{matchOn: 1, ref: "media://clip-1"}
	r := New(st, finder, nil, &fakeNotifier{}, testConfig())
	ctx := context.Background()

	closedItem(t, st, "item-1")
	if _, err := r.Resolve(ctx, "item-1", false); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	waitForStatus(t, st, "item-1", models.RecordingLinked)

	rec, err := r.Reset(ctx, "item-1")
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if rec.Status != models.RecordingPending {
		t.Errorf("status = %q, want pending after reset", rec.Status)
	}

	// The re-armed ladder links again.
	waitForStatus(t, st, "item-1", models.RecordingLinked)
}

// blockingFinder parks Find until released so a test can race the
// store against an in-flight catalog browse.
type blockingFinder struct {
	entered chan struct{}
	release chan struct{}
	ref     string
}

func newBlockingFinder(ref string) *blockingFinder {
	return &blockingFinder{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		ref:     ref,
	}
}

func (f *blockingFinder) Find(_ context.Context, _ string, _ models.Label, _ catalog.Window) (string, error) {
	close(f.entered)
	<-f.release
	return f.ref, nil
}

func TestDeleteDuringBrowseDoesNotResurrect(t *testing.T) {
	st := newTestStore(t)
	finder := newBlockingFinder("media://clip-1")
	r := New(st, finder, nil, &fakeNotifier{}, testConfig())
	ctx := context.Background()

	closedItem(t, st, "item-1")

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctx, "item-1", false)
		errCh <- err
	}()

	<-finder.entered
	if err := st.Delete(ctx, "item-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	close(finder.release)

	if err := <-errCh; !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("Resolve err = %v, want ErrItemNotFound", err)
	}
	if _, err := st.Get(ctx, "item-1"); !errors.Is(err, store.ErrItemNotFound) {
		t.Fatalf("deleted item came back: err = %v, want ErrItemNotFound", err)
	}
}

func TestReopenDuringBrowseIsNotClobbered(t *testing.T) {
	st := newTestStore(t)
	finder := newBlockingFinder("media://clip-1")
	notif := &fakeNotifier{}
	r := New(st, finder, nil, notif, testConfig())
	ctx := context.Background()

	closedItem(t, st, "item-1")

	recCh := make(chan models.Recording, 1)
	go func() {
		rec, err := r.Resolve(ctx, "item-1", false)
		if err != nil {
			t.Errorf("Resolve: %v", err)
		}
		recCh <- rec
	}()

	<-finder.entered
	reopened, err := st.Get(ctx, "item-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	reopened.Reopen()
	if err := st.Put(ctx, reopened); err != nil {
		t.Fatalf("put reopened: %v", err)
	}
	close(finder.release)

	if rec := <-recCh; rec.Status != models.RecordingPending {
		t.Fatalf("status = %q, want pending for reopened item", rec.Status)
	}

	item, err := st.Get(ctx, "item-1")
	if err != nil {
		t.Fatalf("get after resolve: %v", err)
	}
	if !item.Open() {
		t.Error("item closed by a browse that started before the reopen")
	}
	if item.MergeCount != 1 {
		t.Errorf("merge count = %d, want 1", item.MergeCount)
	}
	if item.Recording.Status != models.RecordingPending || item.Recording.MediaRef != "" {
		t.Errorf("recording = %+v, want untouched pending", item.Recording)
	}
	if notif.resolvedCount() != 0 {
		t.Errorf("resolved broadcasts = %d, want 0", notif.resolvedCount())
	}
}
