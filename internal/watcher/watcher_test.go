// Kiiteitte - Kiite Cafe now-playing ActivityPub bot
// Copyright 2026 Kiiteitte contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kiiteitte/kiiteitte

package watcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kiiteitte/kiiteitte/internal/config"
	"github.com/kiiteitte/kiiteitte/internal/database"
	"github.com/kiiteitte/kiiteitte/internal/models"
)

// fakeClock advances instantly through every sleep and records the targets.
type fakeClock struct {
	now    time.Time
	sleeps []time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) SleepUntil(ctx context.Context, t time.Time) error {
	c.sleeps = append(c.sleeps, t)
	if t.After(c.now) {
		c.now = t
	}
	return ctx.Err()
}

// fakeCafe serves scripted responses; nextSongs is consumed call by call.
type fakeCafe struct {
	now        time.Time
	timeErr    error
	timeCalls  int
	nextSongs  []*models.Song
	nextErr    error
	timetable  []models.Song
	rotates    map[int64][]int64
	rotatesErr error
	rotateIDs  []int64
	user       *models.CafeUser
	lookupIDs  []int64
}

func (f *fakeCafe) Time(ctx context.Context) (time.Time, error) {
	f.timeCalls++
	if f.timeErr != nil {
		return time.Time{}, f.timeErr
	}
	return f.now, nil
}

func (f *fakeCafe) NextSong(ctx context.Context) (*models.Song, error) {
	if f.nextErr != nil {
		return nil, f.nextErr
	}
	if len(f.nextSongs) == 0 {
		return nil, nil
	}
	song := f.nextSongs[0]
	f.nextSongs = f.nextSongs[1:]
	return song, nil
}

func (f *fakeCafe) Timetable(ctx context.Context, limit int) ([]models.Song, error) {
	if limit < len(f.timetable) {
		return f.timetable[:limit], nil
	}
	return f.timetable, nil
}

func (f *fakeCafe) RotateUsers(ctx context.Context, ids []int64) (map[int64][]int64, error) {
	f.rotateIDs = append(f.rotateIDs, ids...)
	if f.rotatesErr != nil {
		return nil, f.rotatesErr
	}
	if f.rotates == nil {
		return map[int64][]int64{}, nil
	}
	return f.rotates, nil
}

func (f *fakeCafe) LookupUser(ctx context.Context, userID int64) (*models.CafeUser, error) {
	f.lookupIDs = append(f.lookupIDs, userID)
	return f.user, nil
}

// fakeStore keeps histories in memory with sequential ids.
type fakeStore struct {
	rows      []*models.History
	targets   []string
	insertErr error
	statsCall struct {
		videoID  string
		newFaves int
		spins    int
		count    int
	}
	statsErr error
}

func (s *fakeStore) InsertHistory(ctx context.Context, h *models.History) (int64, error) {
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	h.ID = int64(len(s.rows) + 1)
	clone := *h
	s.rows = append(s.rows, &clone)
	return h.ID, nil
}

func (s *fakeStore) LatestHistory(ctx context.Context) (*models.History, error) {
	if len(s.rows) == 0 {
		return nil, database.ErrNotFound
	}
	return s.rows[len(s.rows)-1], nil
}

func (s *fakeStore) LatestHistoryByVideo(ctx context.Context, videoID string) (*models.History, error) {
	for i := len(s.rows) - 1; i >= 0; i-- {
		if s.rows[i].VideoID == videoID {
			return s.rows[i], nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *fakeStore) UpdateHistoryStats(ctx context.Context, videoID string, newFaves, spins int) error {
	s.statsCall.videoID = videoID
	s.statsCall.newFaves = newFaves
	s.statsCall.spins = spins
	s.statsCall.count++
	if s.statsErr != nil {
		return s.statsErr
	}
	for i := len(s.rows) - 1; i >= 0; i-- {
		if s.rows[i].VideoID == videoID {
			s.rows[i].NewFaves = newFaves
			s.rows[i].Spins = spins
			return nil
		}
	}
	return database.ErrNotFound
}

func (s *fakeStore) ListInboxTargets(ctx context.Context) ([]string, error) {
	return s.targets, nil
}

type fakeDeliverer struct {
	activities []any
	targets    [][]string
}

func (d *fakeDeliverer) Deliver(ctx context.Context, activity any, targets []string) error {
	d.activities = append(d.activities, activity)
	d.targets = append(d.targets, targets)
	return nil
}

type fakePublisher struct {
	rows    []*models.History
	batches [][]*models.History
	err     error
}

func (p *fakePublisher) PublishHistory(h *models.History) error {
	p.rows = append(p.rows, h)
	return p.err
}

func (p *fakePublisher) PublishHistoryBatch(rows []*models.History) error {
	p.batches = append(p.batches, rows)
	return p.err
}

func testConfig() *config.CafeConfig {
	return &config.CafeConfig{
		GuardWindow:  10 * time.Second,
		ClosedRetry:  60 * time.Second,
		CatchUpLimit: 100,
	}
}

func newTestWatcher(cafe *fakeCafe, store *fakeStore) (*Watcher, *fakeClock, *fakeDeliverer, *fakePublisher) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	if cafe.now.IsZero() {
		// Cafe clock in sync with the local one unless a test skews it.
		cafe.now = clock.now
	}
	out := &fakeDeliverer{}
	bus := &fakePublisher{}
	w := New(testConfig(), "kiiteitte.example", cafe, store, out, bus)
	w.SetClock(clock)
	return w, clock, out, bus
}

func song(id int64, videoID, title string, start time.Time) *models.Song {
	return &models.Song{
		ID:           id,
		VideoID:      videoID,
		Title:        title,
		ArtistName:   "artist of " + videoID,
		StartTime:    start,
		MsecDuration: 180000,
	}
}

func TestIterate_PublishesOnBoundary(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	start := clock.Add(30 * time.Second)
	current := song(20, "sm200", "current song", start)
	prev := song(19, "sm199", "previous song", start.Add(-3*time.Minute))
	prev.NewFavUserIDs = []int64{5, 6, 7}

	cafeClient := &fakeCafe{
		nextSongs: []*models.Song{current, current},
		timetable: []models.Song{*current, *prev},
		rotates:   map[int64][]int64{19: {1, 2, 3, 4}},
	}
	store := &fakeStore{targets: []string{"https://remote.example/inbox"}}
	store.rows = append(store.rows, &models.History{
		ID: 1, VideoID: "sm199", Title: "previous song",
		NewFaves: models.StatsPending, Spins: models.StatsPending,
	})

	w, fc, out, bus := newTestWatcher(cafeClient, store)

	outcome, err := w.iterate(context.Background())
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if outcome != "published" {
		t.Fatalf("outcome = %q, want published", outcome)
	}

	if len(store.rows) != 2 {
		t.Fatalf("history rows = %d, want 2", len(store.rows))
	}
	h := store.rows[1]
	if h.VideoID != "sm200" || h.Title != "current song" || h.Author != "artist of sm200" {
		t.Errorf("unexpected row: %+v", h)
	}
	if !h.Date.Equal(start) {
		t.Errorf("row date = %v, want %v", h.Date, start)
	}
	if h.HasPickup() {
		t.Error("row should not carry pickup attribution")
	}

	if len(out.activities) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(out.activities))
	}
	if len(out.targets[0]) != 1 || out.targets[0][0] != "https://remote.example/inbox" {
		t.Errorf("targets = %v", out.targets[0])
	}

	// Previous song's stats were backfilled and the row mirrored.
	if store.statsCall.count != 1 || store.statsCall.videoID != "sm199" {
		t.Fatalf("stats call = %+v", store.statsCall)
	}
	if store.statsCall.newFaves != 3 || store.statsCall.spins != 4 {
		t.Errorf("stats = faves %d spins %d, want 3 and 4", store.statsCall.newFaves, store.statsCall.spins)
	}
	if len(bus.rows) != 1 || bus.rows[0].VideoID != "sm199" {
		t.Fatalf("mirrored rows = %+v", bus.rows)
	}
	if bus.rows[0].Spins != 4 {
		t.Errorf("mirrored spins = %d, want 4", bus.rows[0].Spins)
	}

	// Armed sleep, boundary sleep, then sleep to the next cycle.
	wantFinal := start.Add(3*time.Minute - 10*time.Second)
	if got := fc.sleeps[len(fc.sleeps)-1]; !got.Equal(wantFinal) {
		t.Errorf("final sleep = %v, want %v", got, wantFinal)
	}
}

func TestIterate_TooCloseSkipsSong(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	start := clock.Add(5 * time.Second)
	current := song(20, "sm200", "imminent song", start)

	cafeClient := &fakeCafe{nextSongs: []*models.Song{current}}
	store := &fakeStore{}
	w, fc, out, _ := newTestWatcher(cafeClient, store)

	outcome, err := w.iterate(context.Background())
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if outcome != "too_close" {
		t.Fatalf("outcome = %q, want too_close", outcome)
	}
	if len(store.rows) != 0 {
		t.Error("no history row should be inserted")
	}
	if len(out.activities) != 0 {
		t.Error("no deliveries should be issued")
	}
	want := start.Add(3 * time.Minute)
	if len(fc.sleeps) != 1 || !fc.sleeps[0].Equal(want) {
		t.Errorf("sleeps = %v, want single sleep to %v", fc.sleeps, want)
	}
}

func TestIterate_ClosedCafeSleeps(t *testing.T) {
	cafeClient := &fakeCafe{}
	store := &fakeStore{}
	w, fc, _, _ := newTestWatcher(cafeClient, store)
	before := fc.now

	outcome, err := w.iterate(context.Background())
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if outcome != "closed" {
		t.Fatalf("outcome = %q, want closed", outcome)
	}
	want := before.Add(60 * time.Second)
	if len(fc.sleeps) != 1 || !fc.sleeps[0].Equal(want) {
		t.Errorf("sleeps = %v, want single sleep to %v", fc.sleeps, want)
	}
}

func TestIterate_ConfirmationWinsOverPeek(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	peeked := song(20, "sm200", "queued song", clock.Add(30*time.Second))
	confirmed := song(21, "sm201", "swapped song", clock.Add(45*time.Second))

	cafeClient := &fakeCafe{
		nextSongs: []*models.Song{peeked, confirmed},
		timetable: []models.Song{*confirmed},
	}
	store := &fakeStore{}
	w, _, _, _ := newTestWatcher(cafeClient, store)

	outcome, err := w.iterate(context.Background())
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if outcome != "published" {
		t.Fatalf("outcome = %q, want published", outcome)
	}
	if len(store.rows) != 1 || store.rows[0].VideoID != "sm201" {
		t.Fatalf("rows = %+v, want the confirmed song", store.rows)
	}
}

func TestIterate_PickupAttribution(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := song(20, "sm200", "picked song", clock.Add(30*time.Second))
	current.Reasons = []models.Reason{{
		Type:   models.ReasonTypePriorityPlaylist,
		UserID: 77,
		ListID: 4242,
	}}

	cafeClient := &fakeCafe{
		nextSongs: []*models.Song{current, current},
		timetable: []models.Song{*current},
		user: &models.CafeUser{
			UserID:    77,
			UserName:  "nanashi",
			Nickname:  "Nanashi",
			AvatarURL: "https://kiite.jp/avatar/77.png",
		},
	}
	store := &fakeStore{}
	w, _, _, _ := newTestWatcher(cafeClient, store)

	if _, err := w.iterate(context.Background()); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(cafeClient.lookupIDs) != 1 || cafeClient.lookupIDs[0] != 77 {
		t.Fatalf("lookups = %v, want [77]", cafeClient.lookupIDs)
	}
	h := store.rows[0]
	if h.PickupUserURL != "https://kiite.jp/user/nanashi" {
		t.Errorf("pickup user url = %q", h.PickupUserURL)
	}
	if h.PickupUserName != "Nanashi" {
		t.Errorf("pickup user name = %q", h.PickupUserName)
	}
	if h.PickupUserIcon != "https://kiite.jp/avatar/77.png" {
		t.Errorf("pickup user icon = %q", h.PickupUserIcon)
	}
	if h.PickupPlaylistURL != "https://kiite.jp/playlist/4242" {
		t.Errorf("pickup playlist url = %q", h.PickupPlaylistURL)
	}
}

func TestIterate_BackfillSkipsUnknownRow(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := song(20, "sm200", "current song", clock.Add(30*time.Second))
	prev := song(19, "sm999", "never recorded", clock)

	cafeClient := &fakeCafe{
		nextSongs: []*models.Song{current, current},
		timetable: []models.Song{*current, *prev},
	}
	store := &fakeStore{}
	w, _, _, bus := newTestWatcher(cafeClient, store)

	outcome, err := w.iterate(context.Background())
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if outcome != "published" {
		t.Fatalf("outcome = %q, want published", outcome)
	}
	if store.statsCall.count != 1 {
		t.Fatalf("stats calls = %d, want 1", store.statsCall.count)
	}
	if len(bus.rows) != 0 {
		t.Errorf("mirrored rows = %+v, want none", bus.rows)
	}
}

func TestIterate_PropagatesNextSongError(t *testing.T) {
	cafeClient := &fakeCafe{nextErr: errors.New("cafe unreachable")}
	w, _, _, _ := newTestWatcher(cafeClient, &fakeStore{})

	if _, err := w.iterate(context.Background()); err == nil {
		t.Fatal("expected error from iterate")
	}
}

func TestIterate_ReestimatesOffsetEveryCycle(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cafeClient := &fakeCafe{now: clock.Add(-90 * time.Second)}
	remoteStart := cafeClient.now.Add(30 * time.Second)
	current := song(20, "sm200", "skewed song", remoteStart)
	cafeClient.nextSongs = []*models.Song{current, current}
	cafeClient.timetable = []models.Song{*current}

	store := &fakeStore{}
	w, fc, _, _ := newTestWatcher(cafeClient, store)
	// Stale value from an earlier cycle; the iteration must replace it.
	w.offset = -time.Hour

	outcome, err := w.iterate(context.Background())
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if outcome != "published" {
		t.Fatalf("outcome = %q, want published", outcome)
	}
	if cafeClient.timeCalls != 1 {
		t.Fatalf("cafe time calls = %d, want 1 per iteration", cafeClient.timeCalls)
	}
	if w.offset != 90*time.Second {
		t.Errorf("offset = %v, want the fresh 90s sample", w.offset)
	}
	// All deadlines sit on the corrected local timeline.
	wantFinal := clock.Add(30*time.Second + 3*time.Minute - 10*time.Second)
	if got := fc.sleeps[len(fc.sleeps)-1]; !got.Equal(wantFinal) {
		t.Errorf("final sleep = %v, want %v", got, wantFinal)
	}
}

func TestIterate_AbortsWhenClockSampleFails(t *testing.T) {
	cafeClient := &fakeCafe{timeErr: errors.New("cafe unreachable")}
	store := &fakeStore{}
	w, _, _, _ := newTestWatcher(cafeClient, store)

	if _, err := w.iterate(context.Background()); err == nil {
		t.Fatal("expected error from iterate")
	}
	if len(store.rows) != 0 {
		t.Error("no history row should be inserted")
	}
}

func TestCatchUp_NoopWhenCurrent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	head := song(20, "sm200", "current song", now)
	cafeClient := &fakeCafe{timetable: []models.Song{*head}}
	store := &fakeStore{rows: []*models.History{{ID: 1, VideoID: "sm200"}}}
	w, _, _, bus := newTestWatcher(cafeClient, store)

	if err := w.CatchUp(context.Background()); err != nil {
		t.Fatalf("CatchUp: %v", err)
	}
	if len(store.rows) != 1 {
		t.Errorf("rows = %d, want 1", len(store.rows))
	}
	if len(bus.rows) != 0 || len(bus.batches) != 0 {
		t.Errorf("mirror notifications = %d rows, %d batches, want none", len(bus.rows), len(bus.batches))
	}
	if len(cafeClient.rotateIDs) != 0 {
		t.Errorf("rotate ids = %v, want none", cafeClient.rotateIDs)
	}
}

func TestCatchUp_RecoversMissedEntries(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s22 := song(22, "sm202", "newest", now)
	s21 := song(21, "sm201", "middle", now.Add(-4*time.Minute))
	s21.NewFavUserIDs = []int64{1, 2}
	s20 := song(20, "sm200", "oldest known", now.Add(-8*time.Minute))

	cafeClient := &fakeCafe{
		timetable: []models.Song{*s22, *s21, *s20},
		rotates:   map[int64][]int64{21: {9, 8}, 22: {7}},
	}
	store := &fakeStore{rows: []*models.History{{ID: 1, VideoID: "sm200"}}}
	w, _, out, bus := newTestWatcher(cafeClient, store)

	if err := w.CatchUp(context.Background()); err != nil {
		t.Fatalf("CatchUp: %v", err)
	}

	if len(store.rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(store.rows))
	}
	// Oldest missed entry first, so ids stay chronological.
	if store.rows[1].VideoID != "sm201" || store.rows[2].VideoID != "sm202" {
		t.Fatalf("insert order wrong: %q then %q", store.rows[1].VideoID, store.rows[2].VideoID)
	}
	if store.rows[1].NewFaves != 2 || store.rows[1].Spins != 2 {
		t.Errorf("sm201 stats = faves %d spins %d, want 2 and 2", store.rows[1].NewFaves, store.rows[1].Spins)
	}
	if store.rows[2].NewFaves != 0 || store.rows[2].Spins != 1 {
		t.Errorf("sm202 stats = faves %d spins %d, want 0 and 1", store.rows[2].NewFaves, store.rows[2].Spins)
	}
	// The whole recovery goes to the mirrors as one notification.
	if len(bus.rows) != 0 {
		t.Errorf("per-row mirror publishes = %d, want none", len(bus.rows))
	}
	if len(bus.batches) != 1 {
		t.Fatalf("mirror batches = %d, want 1", len(bus.batches))
	}
	batch := bus.batches[0]
	if len(batch) != 2 || batch[0].VideoID != "sm201" || batch[1].VideoID != "sm202" {
		t.Errorf("batch rows wrong: %+v", batch)
	}
	if len(out.activities) != 0 {
		t.Error("recovered rows must not be delivered to followers")
	}
	if len(cafeClient.rotateIDs) != 2 {
		t.Errorf("rotate ids = %v, want the two missed entry ids", cafeClient.rotateIDs)
	}
}

func TestCatchUp_EmptyHistoryRecoversAll(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s2 := song(2, "sm2", "newer", now)
	s1 := song(1, "sm1", "older", now.Add(-4*time.Minute))

	cafeClient := &fakeCafe{timetable: []models.Song{*s2, *s1}}
	store := &fakeStore{}
	w, _, _, _ := newTestWatcher(cafeClient, store)

	if err := w.CatchUp(context.Background()); err != nil {
		t.Fatalf("CatchUp: %v", err)
	}
	if len(store.rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(store.rows))
	}
	if store.rows[0].VideoID != "sm1" || store.rows[1].VideoID != "sm2" {
		t.Fatalf("insert order wrong: %q then %q", store.rows[0].VideoID, store.rows[1].VideoID)
	}
}

func TestCatchUp_ResolvesPickupAttribution(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	picked := song(22, "sm202", "picked while down", now)
	picked.Reasons = []models.Reason{{
		Type:   models.ReasonTypePriorityPlaylist,
		UserID: 77,
		ListID: 4242,
	}}
	known := song(20, "sm200", "oldest known", now.Add(-8*time.Minute))

	cafeClient := &fakeCafe{
		timetable: []models.Song{*picked, *known},
		user: &models.CafeUser{
			UserID:    77,
			UserName:  "nanashi",
			Nickname:  "Nanashi",
			AvatarURL: "https://kiite.jp/avatar/77.png",
		},
	}
	store := &fakeStore{rows: []*models.History{{ID: 1, VideoID: "sm200"}}}
	w, _, _, _ := newTestWatcher(cafeClient, store)

	if err := w.CatchUp(context.Background()); err != nil {
		t.Fatalf("CatchUp: %v", err)
	}
	if len(cafeClient.lookupIDs) != 1 || cafeClient.lookupIDs[0] != 77 {
		t.Fatalf("lookups = %v, want [77]", cafeClient.lookupIDs)
	}
	if len(store.rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(store.rows))
	}
	h := store.rows[1]
	if h.PickupUserURL != "https://kiite.jp/user/nanashi" || h.PickupUserName != "Nanashi" {
		t.Errorf("pickup attribution missing on recovered row: %+v", h)
	}
	if h.PickupPlaylistURL != "https://kiite.jp/playlist/4242" {
		t.Errorf("pickup playlist url = %q", h.PickupPlaylistURL)
	}
}

func TestCatchUp_RotateFailureLeavesSpinsPending(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	missed := song(22, "sm202", "missed song", now)
	missed.NewFavUserIDs = []int64{1, 2}
	known := song(20, "sm200", "oldest known", now.Add(-8*time.Minute))

	cafeClient := &fakeCafe{
		timetable:  []models.Song{*missed, *known},
		rotatesErr: errors.New("rotate endpoint down"),
	}
	store := &fakeStore{rows: []*models.History{{ID: 1, VideoID: "sm200"}}}
	w, _, _, _ := newTestWatcher(cafeClient, store)

	if err := w.CatchUp(context.Background()); err != nil {
		t.Fatalf("CatchUp: %v", err)
	}
	if len(store.rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(store.rows))
	}
	h := store.rows[1]
	// Spins stay marked unknown instead of posing as a real zero.
	if h.Spins != models.StatsPending {
		t.Errorf("spins = %d, want pending marker", h.Spins)
	}
	if h.NewFaves != 2 {
		t.Errorf("new faves = %d, want 2", h.NewFaves)
	}
}

func TestEstimateOffset(t *testing.T) {
	cafeClient := &fakeCafe{}
	w, fc, _, _ := newTestWatcher(cafeClient, &fakeStore{})
	cafeClient.now = fc.now.Add(-90 * time.Second)

	if err := w.estimateOffset(context.Background()); err != nil {
		t.Fatalf("estimateOffset: %v", err)
	}
	if w.offset != 90*time.Second {
		t.Errorf("offset = %v, want 90s", w.offset)
	}
	deadline := w.toLocal(cafeClient.now.Add(30 * time.Second))
	if want := fc.now.Add(30 * time.Second); !deadline.Equal(want) {
		t.Errorf("toLocal = %v, want %v", deadline, want)
	}
}
