// Reolink Feed - Camera Detection Timeline and Recording Linker
// Copyright 2026 Jef Vlamings (jefvlamings)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jefvlamings/reolink-feed

// Package registry resolves sensor entity ids to the camera and
// detection label they report for. The mapping source of truth is the
// upstream entity registry; this package carries a static table loaded
// at startup plus an entity-id suffix fallback for installs whose
// registry metadata is incomplete.
package registry

import (
	"errors"
	"strings"
	"sync"

	"github.com/jefvlamings/reolink-feed/internal/models"
)

// ErrSensorUnmapped is returned when an entity id cannot be resolved to
// a camera and label. The event is dropped by the normalizer.
var ErrSensorUnmapped = errors.New("sensor has no camera/label mapping")

// Mapping resolves a sensor entity id.
type Mapping struct {
	CameraName string
	Label      models.Label
}

// Resolver maps sensor entity ids to detection mappings.
type Resolver interface {
	Resolve(entityID string) (Mapping, error)
}

// suffixToLabel maps entity-id suffixes onto labels. Dutch suffixes
// come from localized installs where the integration names entities
// after the translated detection type.
var suffixToLabel = map[string]models.Label{
	"_person":   models.LabelPerson,
	"_animal":   models.LabelPet,
	"_pet":      models.LabelPet,
	"_vehicle":  models.LabelVehicle,
	"_motion":   models.LabelMotion,
	"_visitor":  models.LabelVisitor,
	"_persoon":  models.LabelPerson,
	"_dier":     models.LabelPet,
	"_voertuig": models.LabelVehicle,
	"_beweging": models.LabelMotion,
	"_bezoeker": models.LabelVisitor,
}

// StaticResolver resolves from a configured table with an entity-id
// suffix fallback. Lookups are memoized per sensor, including negative
// results so an unmapped sensor logs once rather than per pulse.
type StaticResolver struct {
	mu    sync.RWMutex
	table map[string]Mapping
	memo  map[string]*Mapping // nil value = known unmapped
}

// NewStaticResolver builds a resolver over the configured table. The
// table may be empty; the suffix fallback still applies.
func NewStaticResolver(table map[string]Mapping) *StaticResolver {
	if table == nil {
		table = make(map[string]Mapping)
	}
	return &StaticResolver{
		table: table,
		memo:  make(map[string]*Mapping),
	}
}

// Resolve maps an entity id to its camera and label.
func (r *StaticResolver) Resolve(entityID string) (Mapping, error) {
	r.mu.RLock()
	if cached, ok := r.memo[entityID]; ok {
		r.mu.RUnlock()
		if cached == nil {
			return Mapping{}, ErrSensorUnmapped
		}
		return *cached, nil
	}
	r.mu.RUnlock()

	mapping, err := r.resolve(entityID)

	r.mu.Lock()
	if err != nil {
		r.memo[entityID] = nil
	} else {
		m := mapping
		r.memo[entityID] = &m
	}
	r.mu.Unlock()

	return mapping, err
}

func (r *StaticResolver) resolve(entityID string) (Mapping, error) {
	if m, ok := r.table[entityID]; ok {
		return m, nil
	}

	objectID, ok := strings.CutPrefix(entityID, "binary_sensor.")
	if !ok {
		return Mapping{}, ErrSensorUnmapped
	}

	lower := strings.ToLower(objectID)
	for suffix, label := range suffixToLabel {
		if strings.HasSuffix(lower, suffix) {
			return Mapping{
				CameraName: cameraNameFromObjectID(objectID[:len(objectID)-len(suffix)]),
				Label:      label,
			}, nil
		}
	}

	return Mapping{}, ErrSensorUnmapped
}

// cameraNameFromObjectID derives a display name from the entity object
// id: underscores become spaces and each word is title-cased.
func cameraNameFromObjectID(objectID string) string {
	words := strings.Split(strings.Trim(objectID, "_"), "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.TrimSpace(strings.Join(words, " "))
}
