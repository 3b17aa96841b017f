// Reolink Feed - Camera Detection Timeline and Recording Linker
// Copyright 2026 Jef Vlamings (jefvlamings)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jefvlamings/reolink-feed

package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/jefvlamings/reolink-feed/internal/models"
)

func mustParse(t *testing.T, day time.Time, title string) Clip {
	t.Helper()
	clip, ok := ParseClipTitle(day, title, 30*time.Second)
	if !ok {
		t.Fatalf("ParseClipTitle(%q) failed", title)
	}
	return clip
}

func TestParseClipTitle(t *testing.T) {
	day := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)

	clip := mustParse(t, day, "10:15:00 0:00:45 Person")
	wantStart := time.Date(2026, 8, 30, 10, 15, 0, 0, time.UTC)
	if !clip.Start.Equal(wantStart) {
		t.Errorf("start = %v, want %v", clip.Start, wantStart)
	}
	if got := clip.End.Sub(clip.Start); got != 45*time.Second {
		t.Errorf("duration = %v, want 45s", got)
	}
}

func TestParseClipTitleUnpaddedDurationHour(t *testing.T) {
	day := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)

	clip := mustParse(t, day, "23:59:10 1:02:03 Pet")
	if got := clip.End.Sub(clip.Start); got != time.Hour+2*time.Minute+3*time.Second {
		t.Errorf("duration = %v", got)
	}
}

func TestParseClipTitleMissingDurationUsesDefault(t *testing.T) {
	day := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)

	clip := mustParse(t, day, "08:00:05")
	if got := clip.End.Sub(clip.Start); got != 30*time.Second {
		t.Errorf("duration = %v, want default 30s", got)
	}
}

func TestParseClipTitleRejectsGarbage(t *testing.T) {
	day := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	for _, title := range []string{"", "Person", "25:00:00 0:00:30", "10:75:00"} {
		if _, ok := ParseClipTitle(day, title, 30*time.Second); ok {
			t.Errorf("ParseClipTitle(%q) accepted", title)
		}
	}
}

func TestMatchPrefersLargestOverlap(t *testing.T) {
	day := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	window := Window{
		Start: day.Add(10 * time.Hour),
		End:   day.Add(10*time.Hour + time.Minute),
	}

	partial := mustParse(t, day, "09:59:50 0:00:30 Person") // 20s inside
	partial.Ref = "partial"
	full := mustParse(t, day, "10:00:10 0:00:30 Person") // fully inside
	full.Ref = "full"

	// Discovery order must not matter.
	for _, clips := range [][]Clip{{partial, full}, {full, partial}} {
		ref, ok := Match(window, clips, 40*time.Second)
		if !ok || ref != "full" {
			t.Errorf("Match = (%q, %v), want full", ref, ok)
		}
	}
}

func TestMatchFallsBackToNearestStartWithinSlack(t *testing.T) {
	day := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	window := Window{
		Start: day.Add(10 * time.Hour),
		End:   day.Add(10*time.Hour + 30*time.Second),
	}

	near := mustParse(t, day, "10:00:35 0:00:10 Person") // starts 35s after window start, no overlap
	near.Ref = "near"
	far := mustParse(t, day, "11:00:00 0:00:10 Person")
	far.Ref = "far"

	ref, ok := Match(window, []Clip{far, near}, 40*time.Second)
	if !ok || ref != "near" {
		t.Errorf("Match = (%q, %v), want near", ref, ok)
	}

	// With slack tighter than 35s, nothing qualifies.
	if _, ok := Match(window, []Clip{far, near}, 30*time.Second); ok {
		t.Error("Match accepted a clip beyond the slack bound")
	}
}

func TestMatchEmptyCandidates(t *testing.T) {
	window := Window{Start: time.Now(), End: time.Now().Add(time.Minute)}
	if _, ok := Match(window, nil, 40*time.Second); ok {
		t.Error("Match on empty candidates must fail")
	}
}

type fakeBrowser struct {
	byPath map[string][]Entry
	calls  []string
	err    error
}

func (f *fakeBrowser) Browse(_ context.Context, path string) ([]Entry, error) {
	f.calls = append(f.calls, path)
	if f.err != nil {
		return nil, f.err
	}
	entries, ok := f.byPath[path]
	if !ok {
		return nil, ErrPathNotFound
	}
	return entries, nil
}

func TestDayPathsSingleDay(t *testing.T) {
	m := NewMatcher(&fakeBrowser{}, "Low resolution", 30*time.Second, 40*time.Second)
	window := Window{
		Start: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 8, 30, 10, 1, 0, 0, time.UTC),
	}

	paths := m.DayPaths("Voordeur", models.LabelPerson, window)
	want := []string{"Voordeur/Low resolution/2026/8/30/Person"}
	if len(paths) != 1 || paths[0] != want[0] {
		t.Errorf("DayPaths = %v, want %v", paths, want)
	}
}

func TestDayPathsMidnightCrossing(t *testing.T) {
	m := NewMatcher(&fakeBrowser{}, "Low resolution", 30*time.Second, 40*time.Second)
	window := Window{
		Start: time.Date(2026, 8, 30, 23, 59, 50, 0, time.UTC),
		End:   time.Date(2026, 8, 31, 0, 0, 40, 0, time.UTC),
	}

	paths := m.DayPaths("Voordeur", models.LabelPet, window)
	if len(paths) != 2 {
		t.Fatalf("DayPaths = %v, want both days", paths)
	}
	if paths[0] != "Voordeur/Low resolution/2026/8/30/Pet" || paths[1] != "Voordeur/Low resolution/2026/8/31/Pet" {
		t.Errorf("DayPaths = %v", paths)
	}
}

func TestFindBrowsesAndMatches(t *testing.T) {
	browser := &fakeBrowser{byPath: map[string][]Entry{
		"Voordeur/Low resolution/2026/8/30/Person": {
			{Title: "09:00:00 0:00:30 Person", Ref: "media://old"},
			{Title: "10:00:05 0:00:30 Person", Ref: "media://hit"},
			{Title: "not a clip", Ref: "media://junk"},
		},
	}}
	m := NewMatcher(browser, "Low resolution", 30*time.Second, 40*time.Second)

	window := Window{
		Start: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 8, 30, 10, 0, 38, 0, time.UTC),
	}

	ref, err := m.Find(context.Background(), "Voordeur", models.LabelPerson, window)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if ref != "media://hit" {
		t.Errorf("ref = %q, want media://hit", ref)
	}
}

func TestFindMissingFolderIsNotAnError(t *testing.T) {
	m := NewMatcher(&fakeBrowser{}, "Low resolution", 30*time.Second, 40*time.Second)
	window := Window{
		Start: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 8, 30, 10, 1, 0, 0, time.UTC),
	}

	ref, err := m.Find(context.Background(), "Voordeur", models.LabelPerson, window)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if ref != "" {
		t.Errorf("ref = %q, want empty", ref)
	}
}

func TestFindPropagatesCatalogUnavailable(t *testing.T) {
	m := NewMatcher(&fakeBrowser{err: ErrCatalogUnavailable}, "Low resolution", 30*time.Second, 40*time.Second)
	window := Window{
		Start: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 8, 30, 10, 1, 0, 0, time.UTC),
	}

	_, err := m.Find(context.Background(), "Voordeur", models.LabelPerson, window)
	if err == nil {
		t.Fatal("Find must surface catalog unavailability")
	}
}
