// Reolink Feed - Camera Detection Timeline and Recording Linker
// Copyright 2026 Jef Vlamings (jefvlamings)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jefvlamings/reolink-feed

// Package eventbus consumes sensor state changes from NATS JetStream
// and feeds them through the normalizer into the burst-merge engine.
// The stream's retention also backs disaster-recovery replays of the
// timeline.
package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/jefvlamings/reolink-feed/internal/config"
	"github.com/jefvlamings/reolink-feed/internal/feed"
	"github.com/jefvlamings/reolink-feed/internal/logging"
	"github.com/jefvlamings/reolink-feed/internal/metrics"
)

// Engine is the edge sink the bus delivers into. Submit queues for the
// live loop; Apply runs synchronously during replay.
type Engine interface {
	Submit(edge feed.Edge)
	Apply(ctx context.Context, edge feed.Edge) error
}

// Bus is the JetStream consumer for sensor transitions.
type Bus struct {
	cfg        config.NATSConfig
	normalizer *feed.Normalizer
	engine     Engine

	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
}

// NewBus builds a bus; call Connect before Serve or Replay.
func NewBus(cfg config.NATSConfig, normalizer *feed.Normalizer, engine Engine) *Bus {
	return &Bus{cfg: cfg, normalizer: normalizer, engine: engine}
}

// Connect dials the NATS server and ensures the sensor stream exists
// with the configured retention.
func (b *Bus) Connect(ctx context.Context, url string) error {
	nc, err := nats.Connect(url,
		nats.Name("reolink-feed"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return fmt.Errorf("connect NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("jetstream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      b.cfg.Stream,
		Subjects:  []string{b.cfg.Subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    time.Duration(b.cfg.RetentionDays) * 24 * time.Hour,
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("ensure stream %s: %w", b.cfg.Stream, err)
	}

	b.nc = nc
	b.js = js
	b.stream = stream
	logging.Info().
		Str("url", url).
		Str("stream", b.cfg.Stream).
		Str("subject", b.cfg.Subject).
		Msg("Event bus connected")
	return nil
}

// Close drops the NATS connection.
func (b *Bus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}

// Serve consumes live sensor transitions through a durable consumer
// until the context ends; it satisfies the suture service contract.
// MaxAckPending of 1 keeps delivery strictly ordered.
func (b *Bus) Serve(ctx context.Context) error {
	cons, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       b.cfg.DurableName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		FilterSubject: b.cfg.Subject,
		MaxAckPending: 1,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer %s: %w", b.cfg.DurableName, err)
	}

	it, err := cons.Messages()
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	go func() {
		<-ctx.Done()
		it.Stop()
	}()

	for {
		msg, err := it.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("next message: %w", err)
		}

		if edge, ok := b.decode(msg.Data()); ok {
			b.engine.Submit(edge)
		}
		if err := msg.Ack(); err != nil {
			logging.Warn().Err(err).Msg("Message ack failed")
		}
	}
}

// Replay re-reads retained transitions from now-lookback onward and
// applies them synchronously, in order. Returns the number of edges
// applied. The caller resets the timeline first.
func (b *Bus) Replay(ctx context.Context, lookback time.Duration) (int, error) {
	start := time.Now().Add(-lookback)
	cons, err := b.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{b.cfg.Subject},
		DeliverPolicy:  jetstream.DeliverByStartTimePolicy,
		OptStartTime:   &start,
	})
	if err != nil {
		return 0, fmt.Errorf("replay consumer: %w", err)
	}

	info, err := cons.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("replay consumer info: %w", err)
	}
	pending := info.NumPending
	if pending == 0 {
		return 0, nil
	}

	it, err := cons.Messages()
	if err != nil {
		return 0, fmt.Errorf("replay consume: %w", err)
	}
	defer it.Stop()
	go func() {
		<-ctx.Done()
		it.Stop()
	}()

	applied := 0
	for consumed := uint64(0); consumed < pending; consumed++ {
		msg, err := it.Next()
		if err != nil {
			if ctx.Err() != nil {
				return applied, ctx.Err()
			}
			return applied, fmt.Errorf("replay next: %w", err)
		}

		if edge, ok := b.decode(msg.Data()); ok {
			if err := b.engine.Apply(ctx, edge); err != nil {
				return applied, fmt.Errorf("replay apply: %w", err)
			}
			applied++
		}
	}

	logging.Info().
		Int("applied", applied).
		Uint64("messages", pending).
		Dur("lookback", lookback).
		Msg("History replay completed")
	return applied, nil
}

// decode unmarshals a bus message and normalizes it to an edge.
func (b *Bus) decode(data []byte) (feed.Edge, bool) {
	metrics.BusEventsConsumed.Inc()

	var t feed.Transition
	if err := json.Unmarshal(data, &t); err != nil {
		metrics.BusParseFailures.Inc()
		logging.Warn().Err(err).Msg("Undecodable bus message dropped")
		return feed.Edge{}, false
	}
	return b.normalizer.Normalize(t)
}
