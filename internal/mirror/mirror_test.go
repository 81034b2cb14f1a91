// Kiiteitte - Kiite Cafe now-playing ActivityPub bot
// Copyright 2026 Kiiteitte contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kiiteitte/kiiteitte

package mirror

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/kiiteitte/kiiteitte/internal/models"
)

func testHistory() *models.History {
	return &models.History{
		ID:       7,
		VideoID:  "sm9",
		Title:    "Test Song",
		Author:   "Artist",
		Date:     time.Date(2026, 9, 1, 12, 34, 56, 0, time.UTC),
		NewFaves: 5,
		Spins:    12,
	}
}

func TestSheetSink_PostsRow(t *testing.T) {
	var got sheetRow
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		w.Write([]byte(`{"success": true}`))
	}))
	defer srv.Close()

	sink := NewSheetSink(srv.URL, 5*time.Second)
	if err := sink.Handle(context.Background(), testHistory()); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if got.VideoID != "sm9" || got.ID != 7 {
		t.Errorf("unexpected row: %+v", got)
	}
	if got.Date != "2026-09-01 12:34:56" {
		t.Errorf("date = %q, want space-separated UTC form", got.Date)
	}
}

func TestSheetSink_RejectedRow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": false, "reason": "Invalid JSON"}`))
	}))
	defer srv.Close()

	sink := NewSheetSink(srv.URL, 5*time.Second)
	err := sink.Handle(context.Background(), testHistory())
	if err == nil || !strings.Contains(err.Error(), "Invalid JSON") {
		t.Errorf("expected rejection error, got %v", err)
	}
}

func TestDatasetSink_AppendsMonthlyFile(t *testing.T) {
	dir := t.TempDir()
	sink := NewDatasetSink("", dir, time.Hour)

	if err := sink.appendRow(testHistory()); err != nil {
		t.Fatalf("appendRow failed: %v", err)
	}
	second := testHistory()
	second.VideoID = "sm10"
	if err := sink.appendRow(second); err != nil {
		t.Fatalf("appendRow failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "histories", "2026", "09.jsonl"))
	if err != nil {
		t.Fatalf("month file missing: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	var row datasetRow
	if err := json.Unmarshal([]byte(lines[0]), &row); err != nil {
		t.Fatalf("first line not valid json: %v", err)
	}
	if row.VideoID != "sm9" || row.Date != "2026-09-01 12:34:56" {
		t.Errorf("unexpected row: %+v", row)
	}
	// The internal row id must not leak into the public dataset.
	if strings.Contains(lines[0], `"id"`) {
		t.Errorf("dataset row should not carry the row id: %s", lines[0])
	}
}

// recordingSink collects handled rows for runner tests.
type recordingSink struct {
	mu   sync.Mutex
	rows []*models.History
	fail bool
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Handle(_ context.Context, h *models.History) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return os.ErrInvalid
	}
	r.rows = append(r.rows, h)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

func TestRunner_DeliversToSinks(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sink := &recordingSink{}
	runner := NewRunnerWithSinks(bus, sink)

	// The subscription attaches at construction, so a row published before
	// Serve starts must still arrive. This covers the startup catch-up
	// window, where recovered rows are published before the runner runs.
	if err := bus.PublishHistory(testHistory()); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		runner.Serve(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for sink.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("sink never received the row")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.rows[0].VideoID != "sm9" {
		t.Errorf("unexpected row: %+v", sink.rows[0])
	}
}

func TestRunner_DeliversBatch(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sink := &recordingSink{}
	runner := NewRunnerWithSinks(bus, sink)

	second := testHistory()
	second.ID = 8
	second.VideoID = "sm10"
	if err := bus.PublishHistoryBatch([]*models.History{testHistory(), second}); err != nil {
		t.Fatalf("publish batch failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Serve(ctx)

	deadline := time.After(5 * time.Second)
	for sink.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("sink received %d rows, want 2", sink.count())
		case <-time.After(10 * time.Millisecond):
		}
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.rows[0].VideoID != "sm9" || sink.rows[1].VideoID != "sm10" {
		t.Errorf("rows = %q, %q", sink.rows[0].VideoID, sink.rows[1].VideoID)
	}
}

func TestRunner_FailingSinkDoesNotBlockOthers(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	failing := &recordingSink{fail: true}
	working := &recordingSink{}
	runner := NewRunnerWithSinks(bus, failing, working)

	if err := bus.PublishHistory(testHistory()); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Serve(ctx)

	deadline := time.After(5 * time.Second)
	for working.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("working sink never received the row")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// setupSink is a recordingSink whose Setup can fail and counts its calls.
type setupSink struct {
	recordingSink
	name       string
	setupErr   error
	setupCalls int
}

func (s *setupSink) Name() string { return s.name }

func (s *setupSink) Setup(_ context.Context) error {
	s.setupCalls++
	return s.setupErr
}

func TestRunner_FailedSetupDisablesOnlyThatSink(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	broken := &setupSink{name: "broken", setupErr: os.ErrPermission}
	healthy := &setupSink{name: "healthy"}
	runner := NewRunnerWithSinks(bus, broken, healthy)

	runner.setupSinks(context.Background())

	if len(runner.sinks) != 1 || runner.sinks[0] != healthy {
		t.Fatalf("sinks after setup = %v, want only the healthy one", runner.sinks)
	}
	if healthy.setupCalls != 1 {
		t.Errorf("healthy sink setup ran %d times, want 1", healthy.setupCalls)
	}
	if broken.setupCalls != 1 {
		t.Errorf("broken sink setup ran %d times, want 1", broken.setupCalls)
	}
}
