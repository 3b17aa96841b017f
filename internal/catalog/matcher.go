// Reolink Feed - Camera Detection Timeline and Recording Linker
// Copyright 2026 Jef Vlamings (jefvlamings)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jefvlamings/reolink-feed

package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jefvlamings/reolink-feed/internal/logging"
	"github.com/jefvlamings/reolink-feed/internal/models"
)

// Matcher finds the catalog clip best matching a detection window.
type Matcher struct {
	browser Browser

	// resolutionTier is the single catalog tier browsed for clips.
	resolutionTier string

	// defaultClipDuration is assumed for entries without a duration
	// token in their title.
	defaultClipDuration time.Duration

	// maxStartSlack bounds the nearest-start fallback: a clip with no
	// window overlap only matches when its start lies within this slack
	// of the window start.
	maxStartSlack time.Duration
}

// NewMatcher creates a clip matcher over the given browser.
func NewMatcher(browser Browser, resolutionTier string, defaultClipDuration, maxStartSlack time.Duration) *Matcher {
	return &Matcher{
		browser:             browser,
		resolutionTier:      resolutionTier,
		defaultClipDuration: defaultClipDuration,
		maxStartSlack:       maxStartSlack,
	}
}

// DayPaths derives the catalog folders to browse for the window: one
// per distinct calendar day the window touches, so a clip recorded just
// before local midnight is still found for a window starting after it.
func (m *Matcher) DayPaths(camera string, label models.Label, window Window) []string {
	days := []time.Time{window.Start}
	if window.End.YearDay() != window.Start.YearDay() || window.End.Year() != window.Start.Year() {
		days = append(days, window.End)
	}

	paths := make([]string, 0, len(days))
	for _, day := range days {
		paths = append(paths, fmt.Sprintf("%s/%s/%d/%d/%d/%s",
			camera, m.resolutionTier, day.Year(), int(day.Month()), day.Day(), label.ClipFolder()))
	}
	return paths
}

// Find browses the derived day folders and returns the reference of the
// best matching clip, or "" when nothing qualifies. A missing folder is
// routine and skipped; an unreachable catalog aborts the attempt with
// ErrCatalogUnavailable so the resolver can keep its retry schedule.
func (m *Matcher) Find(ctx context.Context, camera string, label models.Label, window Window) (string, error) {
	var clips []Clip

	for _, path := range m.DayPaths(camera, label, window) {
		entries, err := m.browser.Browse(ctx, path)
		if errors.Is(err, ErrPathNotFound) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("browse %s: %w", path, err)
		}

		day := dayOfPathWindow(path, window)
		for _, entry := range entries {
			if entry.Ref == "" {
				continue
			}
			clip, ok := ParseClipTitle(day, entry.Title, m.defaultClipDuration)
			if !ok {
				logging.Debug().Str("title", entry.Title).Str("path", path).Msg("unparseable clip title")
				continue
			}
			clip.Ref = entry.Ref
			clips = append(clips, clip)
		}
	}

	ref, _ := Match(window, clips, m.maxStartSlack)
	return ref, nil
}

// dayOfPathWindow picks the window bound whose calendar day the path
// was derived from, so clip starts anchor on the correct day.
func dayOfPathWindow(path string, window Window) time.Time {
	endFragment := fmt.Sprintf("/%d/%d/%d/", window.End.Year(), int(window.End.Month()), window.End.Day())
	if window.End.YearDay() != window.Start.YearDay() && strings.Contains(path, endFragment) {
		return window.End
	}
	return window.Start
}

// Match scores candidate clips against the window and returns the best
// reference. It is a pure function so matching is testable without a
// live catalog.
//
// The clip with the largest positive overlap wins. Ties break toward
// the clip whose start is nearest the window start. When no clip
// overlaps, the nearest-start clip wins provided its distance from the
// window start is within maxStartSlack.
func Match(window Window, clips []Clip, maxStartSlack time.Duration) (string, bool) {
	best := -1
	var bestOverlap, bestDistance time.Duration

	for i, clip := range clips {
		overlap := overlapDuration(window, clip)
		distance := absDuration(clip.Start.Sub(window.Start))

		if best < 0 ||
			overlap > bestOverlap ||
			(overlap == bestOverlap && distance < bestDistance) {
			best = i
			bestOverlap = overlap
			bestDistance = distance
		}
	}

	if best < 0 {
		return "", false
	}
	if bestOverlap <= 0 && bestDistance > maxStartSlack {
		return "", false
	}
	return clips[best].Ref, true
}

func overlapDuration(window Window, clip Clip) time.Duration {
	start := window.Start
	if clip.Start.After(start) {
		start = clip.Start
	}
	end := window.End
	if clip.End.Before(end) {
		end = clip.End
	}
	if end.Before(start) {
		return 0
	}
	return end.Sub(start)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
