// Reolink Feed - Camera Detection Timeline and Recording Linker
// Copyright 2026 Jef Vlamings (jefvlamings)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jefvlamings/reolink-feed

// Package catalog locates camera recordings in a remote, hierarchical
// media catalog. The catalog is eventually consistent: a clip becomes
// browsable some time after the detection that produced it, so callers
// retry through the resolver schedule.
//
// Catalog paths follow the camera's folder layout:
//
//	<camera>/<resolution tier>/<year>/<month>/<day>/<label folder>
//
// and each clip entry's title encodes its start and duration:
//
//	10:15:00 0:00:30 Person
package catalog

import (
	"context"
	"errors"
	"time"
)

// ErrPathNotFound is returned when a browsed folder does not exist,
// which is routine for days or labels with no recordings.
var ErrPathNotFound = errors.New("catalog path not found")

// ErrCatalogUnavailable is returned when the catalog cannot be reached.
// The resolver treats it as one failed attempt and keeps its schedule.
var ErrCatalogUnavailable = errors.New("catalog unavailable")

// Entry is one child of a browsed catalog folder.
type Entry struct {
	// Title is the display name carrying the clip's start time and
	// duration.
	Title string `json:"title"`

	// Ref is the opaque catalog reference used to fetch or stream the
	// recording. The feed never dereferences it.
	Ref string `json:"ref"`
}

// Browser lists the children of a catalog path.
type Browser interface {
	Browse(ctx context.Context, path string) ([]Entry, error)
}

// Window is the time range searched for a matching clip.
type Window struct {
	Start time.Time
	End   time.Time
}

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Clip is a parsed catalog entry with resolved time bounds.
type Clip struct {
	Start time.Time
	End   time.Time
	Ref   string
}
