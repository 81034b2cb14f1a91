// Kiiteitte - Kiite Cafe now-playing ActivityPub bot
// Copyright 2026 Kiiteitte contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kiiteitte/kiiteitte

// Package delivery fans signed activities out to follower inboxes. Deliveries
// are fire-and-forget: a dead remote instance must never delay the next play
// notification.
package delivery

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/kiiteitte/kiiteitte/internal/config"
	"github.com/kiiteitte/kiiteitte/internal/logging"
	"github.com/kiiteitte/kiiteitte/internal/metrics"
	"github.com/kiiteitte/kiiteitte/internal/signature"
)

// Dispatcher posts signed activities to follower inboxes with bounded
// concurrency and an optional issue-rate cap.
type Dispatcher struct {
	signer  *signature.Signer
	client  *http.Client
	sem     chan struct{}
	limiter *rate.Limiter

	// wg tracks in-flight deliveries so Shutdown can drain them.
	wg sync.WaitGroup
}

// NewDispatcher creates a Dispatcher bounded by the delivery configuration.
func NewDispatcher(cfg *config.DeliveryConfig, signer *signature.Signer) *Dispatcher {
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 1
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}

	return &Dispatcher{
		signer:  signer,
		client:  &http.Client{Timeout: cfg.Timeout},
		sem:     make(chan struct{}, maxInFlight),
		limiter: limiter,
	}
}

// Deliver serializes the activity once and posts it to every target inbox.
// It returns as soon as all deliveries have been issued; outcomes are logged
// and counted but never propagated, and a failed target does not affect the
// others.
func (d *Dispatcher) Deliver(ctx context.Context, activity any, targets []string) error {
	body, err := json.Marshal(activity)
	if err != nil {
		return err
	}

	metrics.DeliveryTargets.Observe(float64(len(targets)))

	for _, target := range targets {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		d.wg.Add(1)
		go func(inbox string) {
			defer func() {
				<-d.sem
				d.wg.Done()
			}()
			d.deliverOne(inbox, body)
		}(target)
	}
	return nil
}

// deliverOne posts one signed copy to one inbox. Uses a background context:
// the originating loop iteration may finish before the POST does.
func (d *Dispatcher) deliverOne(inbox string, body []byte) {
	attemptID := uuid.NewString()
	log := logging.With().Str("attempt_id", attemptID).Str("inbox", inbox).Logger()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		metrics.DeliveriesIssued.WithLabelValues("error").Inc()
		log.Warn().Err(err).Msg("Failed to build delivery request")
		return
	}
	if err := d.signer.Sign(req, body); err != nil {
		metrics.DeliveriesIssued.WithLabelValues("error").Inc()
		log.Warn().Err(err).Msg("Failed to sign delivery request")
		return
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DeliveriesIssued.WithLabelValues("error").Inc()
		log.Warn().Err(err).Msg("Delivery failed")
		return
	}
	defer resp.Body.Close()

	status := metrics.DeliveryStatusLabel(resp.StatusCode)
	metrics.DeliveriesIssued.WithLabelValues(status).Inc()
	if status == "2xx" {
		log.Debug().Int("status", resp.StatusCode).Msg("Delivered")
	} else {
		log.Warn().Int("status", resp.StatusCode).Msg("Delivery rejected")
	}
}

// Shutdown waits for in-flight deliveries to finish, up to the context
// deadline.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
