// Kiiteitte - Kiite Cafe now-playing ActivityPub bot
// Copyright 2026 Kiiteitte contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kiiteitte/kiiteitte

package mirror

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/kiiteitte/kiiteitte/internal/config"
	"github.com/kiiteitte/kiiteitte/internal/logging"
	"github.com/kiiteitte/kiiteitte/internal/metrics"
	"github.com/kiiteitte/kiiteitte/internal/models"
)

// Sink receives finalized history rows. Implementations must tolerate
// repeated failures; the runner logs and moves on.
type Sink interface {
	Name() string
	Handle(ctx context.Context, h *models.History) error
}

// Runner consumes the history topics and fans each row out to the configured
// sinks. Subscriptions are taken at construction so that rows published
// before Serve starts, like the startup catch-up batch, are not lost.
type Runner struct {
	bus   *Bus
	sinks []Sink

	rows    <-chan *message.Message
	batches <-chan *message.Message
	subErr  error
}

// NewRunner builds a Runner with the sinks enabled by configuration. With no
// sinks configured the runner still drains the topics.
func NewRunner(cfg *config.MirrorConfig, bus *Bus) *Runner {
	var sinks []Sink
	if cfg.SheetURL != "" {
		sinks = append(sinks, NewSheetSink(cfg.SheetURL, cfg.Timeout))
	}
	if cfg.DatasetRepo != "" {
		sinks = append(sinks, NewDatasetSink(cfg.DatasetRepo, cfg.DatasetDir, cfg.CommitInterval))
	}
	return NewRunnerWithSinks(bus, sinks...)
}

// NewRunnerWithSinks builds a Runner over explicit sinks.
func NewRunnerWithSinks(bus *Bus, sinks ...Sink) *Runner {
	r := &Runner{bus: bus, sinks: sinks}
	// The subscriptions outlive any single Serve call; closing the bus
	// closes the channels and ends the runner.
	if r.rows, r.subErr = bus.Subscribe(context.Background()); r.subErr != nil {
		return r
	}
	r.batches, r.subErr = bus.SubscribeBatches(context.Background())
	return r
}

// Serve consumes history messages until the context is canceled. Sink
// errors are counted and logged per sink; a failing sink never blocks the
// others or the bus.
func (r *Runner) Serve(ctx context.Context) error {
	if r.subErr != nil {
		return r.subErr
	}
	r.setupSinks(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-r.rows:
			if !ok {
				return nil
			}
			h, err := decodeHistory(msg)
			if err != nil {
				logging.Error().Err(err).Msg("Dropping undecodable mirror message")
				msg.Ack()
				continue
			}
			r.dispatch(ctx, h)
			msg.Ack()
		case msg, ok := <-r.batches:
			if !ok {
				return nil
			}
			rows, err := decodeHistoryBatch(msg)
			if err != nil {
				logging.Error().Err(err).Msg("Dropping undecodable mirror batch")
				msg.Ack()
				continue
			}
			for _, h := range rows {
				r.dispatch(ctx, h)
			}
			msg.Ack()
		}
	}
}

// setupSinks runs each sink's optional Setup and drops the ones that fail.
func (r *Runner) setupSinks(ctx context.Context) {
	kept := make([]Sink, 0, len(r.sinks))
	for _, s := range r.sinks {
		type setupper interface {
			Setup(ctx context.Context) error
		}
		if su, ok := s.(setupper); ok {
			if err := su.Setup(ctx); err != nil {
				logging.Error().Err(err).Str("sink", s.Name()).Msg("Mirror sink setup failed, disabling")
				continue
			}
		}
		kept = append(kept, s)
	}
	r.sinks = kept
}

// dispatch hands one row to every sink.
func (r *Runner) dispatch(ctx context.Context, h *models.History) {
	for _, s := range r.sinks {
		if err := s.Handle(ctx, h); err != nil {
			metrics.MirrorEvents.WithLabelValues(s.Name(), "error").Inc()
			logging.Warn().Err(err).Str("sink", s.Name()).Int64("history_id", h.ID).Msg("Mirror sink failed")
			continue
		}
		metrics.MirrorEvents.WithLabelValues(s.Name(), "ok").Inc()
	}
}
