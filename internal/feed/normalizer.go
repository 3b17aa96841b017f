// Reolink Feed - Camera Detection Timeline and Recording Linker
// Copyright 2026 Jef Vlamings (jefvlamings)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jefvlamings/reolink-feed

package feed

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jefvlamings/reolink-feed/internal/logging"
	"github.com/jefvlamings/reolink-feed/internal/metrics"
	"github.com/jefvlamings/reolink-feed/internal/models"
	"github.com/jefvlamings/reolink-feed/internal/registry"
)

// Transition is a raw sensor state change as delivered by the event
// bus.
type Transition struct {
	EntityID  string    `json:"entity_id"`
	OldState  string    `json:"old_state"`
	NewState  string    `json:"new_state"`
	TimeFired time.Time `json:"time_fired"`
}

// EdgeKind distinguishes detection start and end edges.
type EdgeKind int

// Edge kinds produced by the normalizer.
const (
	EdgeStart EdgeKind = iota
	EdgeEnd
)

func (k EdgeKind) String() string {
	if k == EdgeStart {
		return "start"
	}
	return "end"
}

// Edge is a normalized detection transition, resolved to the camera
// and label the sensor reports for.
type Edge struct {
	Kind       EdgeKind
	EntityID   string
	CameraName string
	Label      models.Label
	TimeFired  time.Time
}

// Key identifies the merge-engine channel the edge belongs to. One
// channel exists per (camera, label) pair.
func (e Edge) Key() string {
	return e.CameraName + "\x00" + string(e.Label)
}

// Normalizer turns raw sensor transitions into detection edges. It
// filters out non-detection sensors, non-edges (unknown or unavailable
// states), sensors it cannot map, and labels outside the enabled set.
type Normalizer struct {
	registry registry.Resolver

	// enabled restricts labels; nil means all supported labels.
	enabled map[models.Label]bool

	mu     sync.Mutex
	warned map[string]bool
}

// NewNormalizer builds a normalizer over the sensor registry.
// enabledLabels entries are normalized through the label alias table;
// an empty slice enables all labels.
func NewNormalizer(reg registry.Resolver, enabledLabels []string) *Normalizer {
	var enabled map[models.Label]bool
	if len(enabledLabels) > 0 {
		enabled = make(map[models.Label]bool, len(enabledLabels))
		for _, raw := range enabledLabels {
			if label, ok := models.NormalizeLabel(raw); ok {
				enabled[label] = true
			} else {
				logging.Warn().Str("label", raw).Msg("Ignoring unknown label in enabled_labels")
			}
		}
	}
	return &Normalizer{
		registry: reg,
		enabled:  enabled,
		warned:   make(map[string]bool),
	}
}

// Normalize maps a transition to an edge. The second return value is
// false when the transition carries no detection edge.
func (n *Normalizer) Normalize(t Transition) (Edge, bool) {
	if !strings.HasPrefix(t.EntityID, "binary_sensor.") {
		return Edge{}, false
	}

	var kind EdgeKind
	switch {
	case t.OldState == "off" && t.NewState == "on":
		kind = EdgeStart
	case t.OldState == "on" && t.NewState == "off":
		kind = EdgeEnd
	default:
		// Restores from unknown/unavailable are not edges.
		return Edge{}, false
	}

	mapping, err := n.registry.Resolve(t.EntityID)
	if err != nil {
		if errors.Is(err, registry.ErrSensorUnmapped) {
			n.warnUnmapped(t.EntityID)
			metrics.RecordAnomaly("unmapped_sensor")
		}
		return Edge{}, false
	}

	if n.enabled != nil && !n.enabled[mapping.Label] {
		return Edge{}, false
	}

	return Edge{
		Kind:       kind,
		EntityID:   t.EntityID,
		CameraName: mapping.CameraName,
		Label:      mapping.Label,
		TimeFired:  t.TimeFired,
	}, true
}

// warnUnmapped logs the first unmapped edge per sensor. Repeated
// pulses from the same sensor stay quiet.
func (n *Normalizer) warnUnmapped(entityID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.warned[entityID] {
		return
	}
	n.warned[entityID] = true
	logging.Warn().Str("entity_id", entityID).Msg("Detection sensor has no camera/label mapping; dropping its events")
}
