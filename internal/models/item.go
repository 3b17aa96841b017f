// Reolink Feed - Camera Detection Timeline and Recording Linker
// Copyright 2026 Jef Vlamings (jefvlamings)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jefvlamings/reolink-feed

// Package models defines the detection timeline data model shared by the
// feed engine, the item store, the recording resolver and the API.
package models

import (
	"time"
)

// Label is a normalized detection class.
type Label string

// Supported detection labels. Raw sensor labels outside this set are
// either mapped through LabelAliases or dropped by the normalizer.
const (
	LabelPerson  Label = "person"
	LabelPet     Label = "pet"
	LabelVehicle Label = "vehicle"
	LabelMotion  Label = "motion"
	LabelVisitor Label = "visitor"
)

// LabelAliases maps legacy label names onto the current set. Older
// firmware and older stored items used "animal" for pet detections.
var LabelAliases = map[string]Label{
	"animal": LabelPet,
}

// SupportedLabels lists all valid labels in display order.
var SupportedLabels = []Label{
	LabelPerson,
	LabelPet,
	LabelVehicle,
	LabelMotion,
	LabelVisitor,
}

// NormalizeLabel resolves a raw label string to a supported Label.
// The second return value is false when the label is unknown.
func NormalizeLabel(raw string) (Label, bool) {
	if alias, ok := LabelAliases[raw]; ok {
		return alias, true
	}
	for _, l := range SupportedLabels {
		if string(l) == raw {
			return l, true
		}
	}
	return "", false
}

// ClipFolder returns the catalog folder name for the label. Folder names
// are the capitalized display names used by the remote catalog.
func (l Label) ClipFolder() string {
	switch l {
	case LabelPerson:
		return "Person"
	case LabelPet:
		return "Pet"
	case LabelVehicle:
		return "Vehicle"
	case LabelMotion:
		return "Motion"
	case LabelVisitor:
		return "Visitor"
	default:
		return ""
	}
}

// RecordingStatus is the resolution state of an item's backing recording.
type RecordingStatus string

// Recording resolution states. Transitions only move forward from
// pending to one of the terminal states; an explicit reset returns the
// recording to pending and re-enters the resolution pipeline.
const (
	RecordingPending        RecordingStatus = "pending"
	RecordingLinked         RecordingStatus = "linked"
	RecordingNotFound       RecordingStatus = "not_found"
	RecordingDownloadFailed RecordingStatus = "download_failed"
)

// Terminal reports whether the status is an end state.
func (s RecordingStatus) Terminal() bool {
	switch s {
	case RecordingLinked, RecordingNotFound, RecordingDownloadFailed:
		return true
	default:
		return false
	}
}

// Recording is the recording sub-record of a detection item.
type Recording struct {
	Status RecordingStatus `json:"status"`

	// MediaRef is the opaque catalog reference of the linked clip.
	// Present iff Status == linked.
	MediaRef string `json:"media_ref,omitempty"`

	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	AttemptCount int        `json:"attempt_count,omitempty"`
}

// DetectionItem is one entry on the detection timeline. An item is open
// while EndTS is nil; the feed engine guarantees at most one open item
// per (camera, label) key.
type DetectionItem struct {
	ID      string     `json:"id"`
	StartTS time.Time  `json:"start_ts"`
	EndTS   *time.Time `json:"end_ts,omitempty"`

	// DurationS is derived on close: EndTS - StartTS in whole seconds.
	DurationS *int `json:"duration_s,omitempty"`

	Label          Label  `json:"label"`
	SourceEntityID string `json:"source_entity_id"`
	CameraName     string `json:"camera_name"`

	// SnapshotRef is an opaque reference to a captured still, set by the
	// snapshot trigger once the capture lands.
	SnapshotRef string `json:"snapshot_ref,omitempty"`

	Recording Recording `json:"recording"`

	// MergeCount is the number of times a closed item was reopened by a
	// pulse inside the merge window.
	MergeCount int `json:"merge_count,omitempty"`
}

// Open reports whether the item is still accumulating pulses.
func (d *DetectionItem) Open() bool {
	return d.EndTS == nil
}

// Close marks the item ended at ts and derives the duration.
func (d *DetectionItem) Close(ts time.Time) {
	end := ts
	d.EndTS = &end
	secs := int(ts.Sub(d.StartTS).Seconds())
	if secs < 0 {
		secs = 0
	}
	d.DurationS = &secs
}

// Reopen clears the end bound so a new pulse extends this item. The
// recording resolution restarts from scratch on the next close.
func (d *DetectionItem) Reopen() {
	d.EndTS = nil
	d.DurationS = nil
	d.MergeCount++
	d.Recording = Recording{Status: RecordingPending}
}
