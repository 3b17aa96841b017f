// Reolink Feed - Camera Detection Timeline and Recording Linker
// Copyright 2026 Jef Vlamings (jefvlamings)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jefvlamings/reolink-feed

// Package snapshot captures a still frame for a detection item shortly
// after the item opens, while the detected subject is still in view.
package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jefvlamings/reolink-feed/internal/logging"
	"github.com/jefvlamings/reolink-feed/internal/models"
)

// Camera provides still frames for a named camera. Implementations
// talk to the NVR or camera HTTP API.
type Camera interface {
	// StillFrame returns an encoded JPEG frame for the camera.
	StillFrame(ctx context.Context, cameraName string) ([]byte, error)
}

// Trigger captures a snapshot for a detection item and returns a
// reference to the stored image. Capture failures are non-fatal to the
// item lifecycle; callers log and continue without a snapshot.
type Trigger interface {
	Capture(ctx context.Context, item *models.DetectionItem) (string, error)
}

// FileTrigger captures frames from a Camera and writes them under the
// media root as reolink_feed/<camera>/<date>/<time>_<label>.jpg.
type FileTrigger struct {
	camera    Camera
	mediaRoot string
}

// NewFileTrigger builds a trigger writing below mediaRoot.
func NewFileTrigger(camera Camera, mediaRoot string) *FileTrigger {
	return &FileTrigger{camera: camera, mediaRoot: mediaRoot}
}

// Capture fetches a frame and stores it, returning the relative path
// of the written file.
func (t *FileTrigger) Capture(ctx context.Context, item *models.DetectionItem) (string, error) {
	frame, err := t.camera.StillFrame(ctx, item.CameraName)
	if err != nil {
		return "", fmt.Errorf("still frame for %s: %w", item.CameraName, err)
	}

	rel := relPath(item, "jpg")
	abs := filepath.Join(t.mediaRoot, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("snapshot dir: %w", err)
	}
	if err := os.WriteFile(abs, frame, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}

	logging.Debug().
		Str("item_id", item.ID).
		Str("path", rel).
		Int("bytes", len(frame)).
		Msg("Snapshot captured")
	return rel, nil
}

// MockTrigger renders a placeholder SVG for synthetic detections so
// they look complete in clients without contacting any camera.
type MockTrigger struct {
	mediaRoot string
}

// NewMockTrigger builds a trigger writing placeholder images below
// mediaRoot.
func NewMockTrigger(mediaRoot string) *MockTrigger {
	return &MockTrigger{mediaRoot: mediaRoot}
}

// Capture writes a labeled placeholder SVG and returns its relative
// path.
func (t *MockTrigger) Capture(_ context.Context, item *models.DetectionItem) (string, error) {
	rel := filepath.Join(
		"reolink_feed",
		slug(item.CameraName),
		item.StartTS.Format("2006-01-02"),
		fmt.Sprintf("%s_%s_mock.svg", item.StartTS.Format("150405"), item.Label),
	)
	abs := filepath.Join(t.mediaRoot, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("snapshot dir: %w", err)
	}
	svg := fmt.Sprintf(
		`<svg xmlns="http://www.w3.org/2000/svg" width="640" height="360">`+
			`<rect width="640" height="360" fill="#263238"/>`+
			`<text x="320" y="170" text-anchor="middle" fill="#eceff1" font-size="36" font-family="sans-serif">%s</text>`+
			`<text x="320" y="215" text-anchor="middle" fill="#90a4ae" font-size="20" font-family="sans-serif">%s</text>`+
			`</svg>`,
		strings.ToUpper(string(item.Label)), item.CameraName)
	if err := os.WriteFile(abs, []byte(svg), 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return rel, nil
}

// relPath builds the media-root relative storage path for an item's
// snapshot.
func relPath(item *models.DetectionItem, ext string) string {
	return filepath.Join(
		"reolink_feed",
		slug(item.CameraName),
		item.StartTS.Format("2006-01-02"),
		fmt.Sprintf("%s_%s.%s", item.StartTS.Format("150405"), item.Label, ext),
	)
}

// slug lowercases a camera name and replaces runs of non-alphanumerics
// with single underscores.
func slug(name string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
