// Kiiteitte - Kiite Cafe now-playing ActivityPub bot
// Copyright 2026 Kiiteitte contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kiiteitte/kiiteitte

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestDeliveryStatusLabel verifies status code bucketing
func TestDeliveryStatusLabel(t *testing.T) {
	cases := map[int]string{
		200: "2xx",
		202: "2xx",
		404: "4xx",
		410: "4xx",
		500: "5xx",
		503: "5xx",
		0:   "error",
		100: "error",
	}
	for code, want := range cases {
		if got := DeliveryStatusLabel(code); got != want {
			t.Errorf("DeliveryStatusLabel(%d) = %q, want %q", code, got, want)
		}
	}
}

// TestObserveDBQuery_CountsErrors verifies error counter increments only on failure
func TestObserveDBQuery_CountsErrors(t *testing.T) {
	before := testutil.ToFloat64(DBQueryErrors.WithLabelValues("insert", "histories"))

	ObserveDBQuery("insert", "histories", time.Now(), nil)
	if got := testutil.ToFloat64(DBQueryErrors.WithLabelValues("insert", "histories")); got != before {
		t.Errorf("Error counter moved on success: %v -> %v", before, got)
	}

	ObserveDBQuery("insert", "histories", time.Now(), errors.New("boom"))
	if got := testutil.ToFloat64(DBQueryErrors.WithLabelValues("insert", "histories")); got != before+1 {
		t.Errorf("Expected error counter %v, got %v", before+1, got)
	}
}

// TestWatcherIterations_Labels verifies the outcome counter is registered and usable
func TestWatcherIterations_Labels(t *testing.T) {
	before := testutil.ToFloat64(WatcherIterations.WithLabelValues("too_close"))
	WatcherIterations.WithLabelValues("too_close").Inc()
	if got := testutil.ToFloat64(WatcherIterations.WithLabelValues("too_close")); got != before+1 {
		t.Errorf("Expected counter %v, got %v", before+1, got)
	}
}
