// Reolink Feed - Camera Detection Timeline and Recording Linker
// Copyright 2026 Jef Vlamings (jefvlamings)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jefvlamings/reolink-feed

// Package config loads and validates service configuration via Koanf v2
// with layered sources: built-in defaults, an optional YAML file, and
// environment variables (highest priority).
package config

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the feed service.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Logging  LoggingConfig  `koanf:"logging"`
	Store    StoreConfig    `koanf:"store"`
	Feed     FeedConfig     `koanf:"feed"`
	Snapshot SnapshotConfig `koanf:"snapshot"`
	Resolver ResolverConfig `koanf:"resolver"`
	Catalog  CatalogConfig  `koanf:"catalog"`
	NATS     NATSConfig     `koanf:"nats"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout time.Duration `koanf:"timeout"`

	// RateLimitReqs is the per-IP request budget per RateLimitWindow.
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"min=1"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
	CORSOrigins     []string      `koanf:"cors_origins"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// StoreConfig holds item store settings.
type StoreConfig struct {
	// Path is the BadgerDB directory. Empty selects an in-memory store,
	// used by tests and demo runs.
	Path string `koanf:"path"`

	// RetentionHours bounds how long items are kept on the timeline.
	RetentionHours int `koanf:"retention_hours" validate:"min=1,max=168"`

	// MaxItems caps the timeline length; oldest items are evicted first.
	MaxItems int `koanf:"max_items" validate:"min=10,max=2000"`

	// CleanupInterval is how often the retention janitor sweeps.
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

// FeedConfig holds burst-merge engine settings.
type FeedConfig struct {
	// MergeWindow is the maximum gap between a closed item's end and the
	// next start pulse for the two to merge into one item.
	MergeWindow time.Duration `koanf:"merge_window"`

	// EnabledLabels restricts which detection labels produce items.
	// Empty means all supported labels.
	EnabledLabels []string `koanf:"enabled_labels"`

	// Sensors pins sensor entity ids to a camera and label, overriding
	// the entity-id suffix fallback. Keyed by full entity id.
	Sensors map[string]SensorMapping `koanf:"sensors" validate:"omitempty,dive"`
}

// SensorMapping is a configured sensor-to-camera binding.
type SensorMapping struct {
	Camera string `koanf:"camera"`
	Label  string `koanf:"label" validate:"omitempty,oneof=person pet animal vehicle motion visitor"`
}

// SnapshotConfig holds snapshot capture settings.
type SnapshotConfig struct {
	Enabled bool `koanf:"enabled"`

	// CameraURL is the base URL of the NVR snapshot API. Empty disables
	// live capture; synthetic detections still get placeholder images.
	CameraURL string `koanf:"camera_url"`

	// Delay between an item opening and the capture, so the camera has
	// settled past the transitional frame.
	Delay time.Duration `koanf:"delay"`

	// MediaRoot is the directory snapshots are written under.
	MediaRoot string `koanf:"media_root"`

	CaptureTimeout time.Duration `koanf:"capture_timeout"`
}

// ResolverConfig holds recording resolution settings.
type ResolverConfig struct {
	// RetryDelays are the attempt offsets, in seconds, relative to the
	// item's close. The first entry doubles as the settle delay. The
	// last attempt is final: a non-match there is terminal not_found.
	RetryDelays []int `koanf:"retry_delays" validate:"min=1,dive,min=1"`

	// WindowLookback/WindowLookahead pad the item bounds into the clip
	// search window.
	WindowLookback  time.Duration `koanf:"window_lookback"`
	WindowLookahead time.Duration `koanf:"window_lookahead"`

	// Breaker settings for the catalog browse circuit breaker.
	BreakerMaxFailures uint32        `koanf:"breaker_max_failures" validate:"min=1"`
	BreakerCooldown    time.Duration `koanf:"breaker_cooldown"`
}

// CatalogConfig holds remote media catalog settings.
type CatalogConfig struct {
	// URL is the base URL of the catalog browse API.
	URL     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`

	// ResolutionTier is the sole catalog tier browsed for clips. The
	// telephoto and high-resolution tiers carry duplicate recordings
	// with different framing and are never searched.
	ResolutionTier string `koanf:"resolution_tier"`

	// DefaultClipDuration is assumed when a catalog entry title carries
	// no duration token.
	DefaultClipDuration time.Duration `koanf:"default_clip_duration"`
}

// NATSConfig holds the sensor transition feed settings.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`

	// EmbeddedServer starts an in-process nats-server, the default for
	// single-box deployments.
	EmbeddedServer bool   `koanf:"embedded_server"`
	StoreDir       string `koanf:"store_dir"`

	Stream        string `koanf:"stream"`
	Subject       string `koanf:"subject"`
	DurableName   string `koanf:"durable_name"`
	RetentionDays int    `koanf:"retention_days" validate:"min=1"`
}

// ListenAddr derives the embedded server bind address from the client
// URL so both sides agree on one setting. A URL that omits the port
// binds the NATS default.
func (c NATSConfig) ListenAddr() (string, int) {
	host, port := "127.0.0.1", 4222
	u, err := url.Parse(c.URL)
	if err != nil || u.Host == "" {
		return host, port
	}
	if h := u.Hostname(); h != "" {
		host = h
	}
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return host, port
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8753,
			Timeout:         30 * time.Second,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Store: StoreConfig{
			Path:            "/data/feed",
			RetentionHours:  24,
			MaxItems:        100,
			CleanupInterval: time.Hour,
		},
		Feed: FeedConfig{
			MergeWindow:   20 * time.Second,
			EnabledLabels: nil,
		},
		Snapshot: SnapshotConfig{
			Enabled:        true,
			CameraURL:      "",
			Delay:          time.Second,
			MediaRoot:      "/data/media",
			CaptureTimeout: 10 * time.Second,
		},
		Resolver: ResolverConfig{
			RetryDelays:        []int{10, 30, 60, 120, 300},
			WindowLookback:     10 * time.Second,
			WindowLookahead:    30 * time.Second,
			BreakerMaxFailures: 5,
			BreakerCooldown:    time.Minute,
		},
		Catalog: CatalogConfig{
			URL:                 "",
			Timeout:             15 * time.Second,
			ResolutionTier:      "Low resolution",
			DefaultClipDuration: 30 * time.Second,
		},
		NATS: NATSConfig{
			Enabled:        true,
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: true,
			StoreDir:       "/data/nats/jetstream",
			Stream:         "SENSOR_EVENTS",
			Subject:        "sensors.state_changed",
			DurableName:    "feed-engine",
			RetentionDays:  7,
		},
	}
}

// Validate checks the configuration for invalid combinations. Struct
// tags cover range checks; cross-field rules live here.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Feed.MergeWindow <= 0 {
		return fmt.Errorf("feed.merge_window must be positive, got %s", c.Feed.MergeWindow)
	}
	if c.Resolver.WindowLookback < 0 || c.Resolver.WindowLookahead < 0 {
		return fmt.Errorf("resolver window pads must not be negative")
	}
	for i := 1; i < len(c.Resolver.RetryDelays); i++ {
		if c.Resolver.RetryDelays[i] <= c.Resolver.RetryDelays[i-1] {
			return fmt.Errorf("resolver.retry_delays must be strictly increasing, got %v", c.Resolver.RetryDelays)
		}
	}
	if c.NATS.Enabled && !c.NATS.EmbeddedServer && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled without an embedded server")
	}
	return nil
}

// RetryDelayDurations returns the resolver schedule as durations.
func (c *ResolverConfig) RetryDelayDurations() []time.Duration {
	out := make([]time.Duration, len(c.RetryDelays))
	for i, s := range c.RetryDelays {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}
