// Reolink Feed - Camera Detection Timeline and Recording Linker
// Copyright 2026 Jef Vlamings (jefvlamings)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jefvlamings/reolink-feed

package registry

import (
	"errors"
	"testing"

	"github.com/jefvlamings/reolink-feed/internal/models"
)

func TestResolveSuffixFallback(t *testing.T) {
	r := NewStaticResolver(nil)

	tests := []struct {
		entityID string
		camera   string
		label    models.Label
	}{
		{"binary_sensor.front_door_person", "Front Door", models.LabelPerson},
		{"binary_sensor.front_door_animal", "Front Door", models.LabelPet},
		{"binary_sensor.garage_pet", "Garage", models.LabelPet},
		{"binary_sensor.driveway_vehicle", "Driveway", models.LabelVehicle},
		{"binary_sensor.backyard_motion", "Backyard", models.LabelMotion},
		{"binary_sensor.front_door_visitor", "Front Door", models.LabelVisitor},
		{"binary_sensor.voordeur_persoon", "Voordeur", models.LabelPerson},
		{"binary_sensor.tuin_dier", "Tuin", models.LabelPet},
		{"binary_sensor.oprit_voertuig", "Oprit", models.LabelVehicle},
		{"binary_sensor.achtertuin_beweging", "Achtertuin", models.LabelMotion},
		{"binary_sensor.voordeur_bezoeker", "Voordeur", models.LabelVisitor},
	}

	for _, tc := range tests {
		m, err := r.Resolve(tc.entityID)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tc.entityID, err)
		}
		if m.CameraName != tc.camera {
			t.Errorf("Resolve(%q) camera = %q, want %q", tc.entityID, m.CameraName, tc.camera)
		}
		if m.Label != tc.label {
			t.Errorf("Resolve(%q) label = %q, want %q", tc.entityID, m.Label, tc.label)
		}
	}
}

func TestResolveConfiguredTableWinsOverSuffix(t *testing.T) {
	r := NewStaticResolver(map[string]Mapping{
		"binary_sensor.front_door_person": {CameraName: "Entry Cam", Label: models.LabelPerson},
	})

	m, err := r.Resolve("binary_sensor.front_door_person")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if m.CameraName != "Entry Cam" {
		t.Errorf("camera = %q, want configured %q", m.CameraName, "Entry Cam")
	}
}

func TestResolveUnmapped(t *testing.T) {
	r := NewStaticResolver(nil)

	for _, entityID := range []string{
		"binary_sensor.front_door_smoke", // unknown suffix
		"sensor.front_door_person",       // wrong domain
		"front_door_person",              // no domain at all
	} {
		if _, err := r.Resolve(entityID); !errors.Is(err, ErrSensorUnmapped) {
			t.Errorf("Resolve(%q) err = %v, want ErrSensorUnmapped", entityID, err)
		}
	}
}

func TestResolveMemoizesNegativeResult(t *testing.T) {
	r := NewStaticResolver(nil)

	if _, err := r.Resolve("binary_sensor.unknown_smoke"); !errors.Is(err, ErrSensorUnmapped) {
		t.Fatalf("first lookup err = %v, want ErrSensorUnmapped", err)
	}
	// Second lookup hits the memo; behavior must be identical.
	if _, err := r.Resolve("binary_sensor.unknown_smoke"); !errors.Is(err, ErrSensorUnmapped) {
		t.Fatalf("memoized lookup err = %v, want ErrSensorUnmapped", err)
	}
}

func TestCameraNameDerivation(t *testing.T) {
	tests := []struct {
		objectID string
		want     string
	}{
		{"front_door", "Front Door"},
		{"garage", "Garage"},
		{"side_gate_2", "Side Gate 2"},
		{"_trailing_", "Trailing"},
	}
	for _, tc := range tests {
		if got := cameraNameFromObjectID(tc.objectID); got != tc.want {
			t.Errorf("cameraNameFromObjectID(%q) = %q, want %q", tc.objectID, got, tc.want)
		}
	}
}
