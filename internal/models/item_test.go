// Reolink Feed - Camera Detection Timeline and Recording Linker
// Copyright 2026 Jef Vlamings (jefvlamings)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jefvlamings/reolink-feed

package models

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestNormalizeLabel(t *testing.T) {
	tests := []struct {
		raw  string
		want Label
		ok   bool
	}{
		{"person", LabelPerson, true},
		{"pet", LabelPet, true},
		{"animal", LabelPet, true}, // legacy alias
		{"vehicle", LabelVehicle, true},
		{"motion", LabelMotion, true},
		{"visitor", LabelVisitor, true},
		{"package", "", false},
		{"", "", false},
		{"Person", "", false}, // case sensitive, normalizer lowercases first
	}

	for _, tt := range tests {
		got, ok := NormalizeLabel(tt.raw)
		if ok != tt.ok || got != tt.want {
			t.Errorf("NormalizeLabel(%q) = (%q, %v), want (%q, %v)", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}

func TestLabelClipFolder(t *testing.T) {
	if got := LabelPerson.ClipFolder(); got != "Person" {
		t.Errorf("ClipFolder() = %q, want Person", got)
	}
	if got := LabelPet.ClipFolder(); got != "Pet" {
		t.Errorf("ClipFolder() = %q, want Pet", got)
	}
	if got := Label("bogus").ClipFolder(); got != "" {
		t.Errorf("ClipFolder() for unknown label = %q, want empty", got)
	}
}

func TestRecordingStatusTerminal(t *testing.T) {
	if RecordingPending.Terminal() {
		t.Error("pending must not be terminal")
	}
	for _, s := range []RecordingStatus{RecordingLinked, RecordingNotFound, RecordingDownloadFailed} {
		if !s.Terminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
}

func TestItemCloseDerivesDuration(t *testing.T) {
	start := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)
	item := DetectionItem{ID: "a", StartTS: start, Label: LabelPerson, Recording: Recording{Status: RecordingPending}}

	if !item.Open() {
		t.Fatal("new item must be open")
	}

	item.Close(start.Add(8 * time.Second))
	if item.Open() {
		t.Fatal("closed item reported open")
	}
	if item.DurationS == nil || *item.DurationS != 8 {
		t.Fatalf("duration = %v, want 8", item.DurationS)
	}
}

func TestItemCloseClampsNegativeDuration(t *testing.T) {
	start := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)
	item := DetectionItem{ID: "a", StartTS: start}

	item.Close(start.Add(-5 * time.Second))
	if item.DurationS == nil || *item.DurationS != 0 {
		t.Fatalf("duration = %v, want clamped 0", item.DurationS)
	}
}

func TestItemReopenResetsRecording(t *testing.T) {
	start := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)
	item := DetectionItem{ID: "a", StartTS: start, Recording: Recording{Status: RecordingLinked, MediaRef: "ref"}}
	item.Close(start.Add(5 * time.Second))

	item.Reopen()

	if !item.Open() {
		t.Fatal("reopened item must be open")
	}
	if item.DurationS != nil {
		t.Error("reopened item must have nil duration")
	}
	if item.MergeCount != 1 {
		t.Errorf("merge count = %d, want 1", item.MergeCount)
	}
	if item.Recording.Status != RecordingPending || item.Recording.MediaRef != "" {
		t.Errorf("recording not reset: %+v", item.Recording)
	}
	if item.StartTS != start {
		t.Error("reopen must preserve the original start")
	}
}

func TestItemJSONRoundTrip(t *testing.T) {
	start := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)
	item := DetectionItem{
		ID:             "3f1c",
		StartTS:        start,
		Label:          LabelVisitor,
		SourceEntityID: "binary_sensor.voordeur_visitor",
		CameraName:     "Voordeur",
		Recording:      Recording{Status: RecordingPending},
	}
	item.Close(start.Add(12 * time.Second))

	data, err := json.Marshal(&item)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back DetectionItem
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.ID != item.ID || back.Label != item.Label || !back.StartTS.Equal(item.StartTS) {
		t.Errorf("round trip mismatch: %+v", back)
	}
	if back.EndTS == nil || !back.EndTS.Equal(*item.EndTS) {
		t.Errorf("end_ts lost in round trip")
	}
}
