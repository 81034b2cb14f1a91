// Kiiteitte - Kiite Cafe now-playing ActivityPub bot
// Copyright 2026 Kiiteitte contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kiiteitte/kiiteitte

// Package watcher drives the now-playing event loop: it tracks the cafe's
// clock, waits for each song boundary, records the play, fans the signed
// notification out and backfills the previous song's counters.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kiiteitte/kiiteitte/internal/activity"
	"github.com/kiiteitte/kiiteitte/internal/cafe"
	"github.com/kiiteitte/kiiteitte/internal/config"
	"github.com/kiiteitte/kiiteitte/internal/database"
	"github.com/kiiteitte/kiiteitte/internal/logging"
	"github.com/kiiteitte/kiiteitte/internal/metrics"
	"github.com/kiiteitte/kiiteitte/internal/models"
)

// Store is the history and follower persistence the watcher needs.
// Implemented by the database layer.
type Store interface {
	InsertHistory(ctx context.Context, h *models.History) (int64, error)
	LatestHistory(ctx context.Context) (*models.History, error)
	LatestHistoryByVideo(ctx context.Context, videoID string) (*models.History, error)
	UpdateHistoryStats(ctx context.Context, videoID string, newFaves, spins int) error
	ListInboxTargets(ctx context.Context) ([]string, error)
}

// Deliverer fans a signed activity out to follower inboxes.
type Deliverer interface {
	Deliver(ctx context.Context, activity any, targets []string) error
}

// Publisher emits finalized history rows to the mirror sinks. The batch
// form carries a whole catch-up recovery in one notification.
type Publisher interface {
	PublishHistory(h *models.History) error
	PublishHistoryBatch(rows []*models.History) error
}

// Clock abstracts time for the event loop so tests can run song cycles
// without real waits.
type Clock interface {
	Now() time.Time
	// SleepUntil blocks until the given local time or context cancellation.
	SleepUntil(ctx context.Context, t time.Time) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) SleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Watcher is the cafe event loop.
type Watcher struct {
	cfg   *config.CafeConfig
	host  string
	cafe  cafe.ClientInterface
	store Store
	out   Deliverer
	bus   Publisher
	clock Clock

	// offset is local time minus cafe server time, re-estimated at the top
	// of every iteration so long uptimes never work from a stale sample.
	offset time.Duration

	mu        sync.Mutex
	nextStart time.Time
}

// New creates a Watcher. host is the public federation host used to mint
// note ids.
func New(cfg *config.CafeConfig, host string, client cafe.ClientInterface, store Store, out Deliverer, bus Publisher) *Watcher {
	return &Watcher{
		cfg:   cfg,
		host:  host,
		cafe:  client,
		store: store,
		out:   out,
		bus:   bus,
		clock: realClock{},
	}
}

// SetClock replaces the clock, for tests.
func (w *Watcher) SetClock(c Clock) { w.clock = c }

// NextStart reports the local start time of the upcoming song, when known.
// Serves the next-time API.
func (w *Watcher) NextStart() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextStart, !w.nextStart.IsZero()
}

func (w *Watcher) setNextStart(t time.Time) {
	w.mu.Lock()
	w.nextStart = t
	w.mu.Unlock()
}

// Serve runs the event loop until the context is canceled. One failing
// iteration never stops the loop.
func (w *Watcher) Serve(ctx context.Context) error {
	logging.Info().Msg("Cafe watcher started")

	if err := w.CatchUp(ctx); err != nil {
		logging.Error().Err(err).Msg("Startup catch-up failed, continuing with live loop")
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		outcome, err := w.iterate(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			outcome = "error"
			logging.Error().Err(err).Msg("Watcher iteration failed")
		}
		metrics.WatcherIterations.WithLabelValues(outcome).Inc()
	}
}

// estimateOffset samples the cafe clock: offset = local now minus the remote
// now. All deadlines are remote timestamps shifted by this offset.
func (w *Watcher) estimateOffset(ctx context.Context) error {
	local := w.clock.Now()
	remote, err := w.cafe.Time(ctx)
	if err != nil {
		return err
	}
	w.offset = local.Sub(remote)
	metrics.WatcherClockOffset.Set(w.offset.Seconds())
	logging.Debug().Dur("offset", w.offset).Msg("Clock offset estimated")
	return nil
}

// toLocal converts a cafe-clock timestamp into the local timeline.
func (w *Watcher) toLocal(remote time.Time) time.Time {
	return remote.Add(w.offset)
}

// iterate runs one song cycle and reports its outcome label. Every cycle
// starts with a fresh clock sample; a sleep of several songs is long enough
// for the last offset to have drifted.
func (w *Watcher) iterate(ctx context.Context) (string, error) {
	if err := w.estimateOffset(ctx); err != nil {
		return "", err
	}

	// Peek at the upcoming song to learn its start time.
	peek, err := w.cafe.NextSong(ctx)
	if err != nil {
		return "", err
	}
	if peek == nil {
		logging.Info().Dur("retry", w.cfg.ClosedRetry).Msg("Cafe is closed, sleeping")
		return "closed", w.clock.SleepUntil(ctx, w.clock.Now().Add(w.cfg.ClosedRetry))
	}

	deadline := w.toLocal(peek.StartTime)
	w.setNextStart(deadline)
	if deadline.Sub(w.clock.Now()) < w.cfg.GuardWindow {
		// Too close to the boundary to set everything up reliably. Skip
		// this song and realign on the next one.
		logging.Info().Str("video_id", peek.VideoID).Msg("Song too imminent, waiting it out")
		if err := w.clock.SleepUntil(ctx, deadline.Add(peek.Duration())); err != nil {
			return "", err
		}
		return "too_close", nil
	}

	// Arm: sleep until just before the boundary, then re-confirm. The queue
	// can change while we wait.
	if err := w.clock.SleepUntil(ctx, deadline.Add(-w.cfg.GuardWindow)); err != nil {
		return "", err
	}

	confirmed, err := w.cafe.NextSong(ctx)
	if err != nil {
		return "", err
	}
	if confirmed == nil {
		logging.Info().Dur("retry", w.cfg.ClosedRetry).Msg("Cafe closed before the boundary, sleeping")
		return "closed", w.clock.SleepUntil(ctx, w.clock.Now().Add(w.cfg.ClosedRetry))
	}
	deadline = w.toLocal(confirmed.StartTime)
	w.setNextStart(deadline)
	logging.Info().Str("video_id", confirmed.VideoID).Str("title", confirmed.Title).Msg("Next song confirmed")

	targets, err := w.store.ListInboxTargets(ctx)
	if err != nil {
		return "", err
	}

	pickup := w.resolvePickup(ctx, confirmed)

	// Wait out the remaining guard window to the exact boundary.
	if err := w.clock.SleepUntil(ctx, deadline); err != nil {
		return "", err
	}

	h := buildHistory(confirmed, pickup)
	if _, err := w.store.InsertHistory(ctx, h); err != nil {
		return "", err
	}
	metrics.HistoryRecordsInserted.WithLabelValues("watcher").Inc()
	logging.Info().Int64("history_id", h.ID).Str("video_id", h.VideoID).Str("title", h.Title).Msg("Now playing")

	create := activity.NewCreate(w.host, activity.NewNote(w.host, h))
	if err := w.out.Deliver(ctx, create, targets); err != nil {
		logging.Warn().Err(err).Msg("Failed to issue deliveries")
	}

	w.backfillPrevious(ctx, confirmed.VideoID)

	// Sleep to the next cycle: song end minus the guard window.
	return "published", w.clock.SleepUntil(ctx, deadline.Add(confirmed.Duration()-w.cfg.GuardWindow))
}

// pickupInfo is the resolved priority-playlist attribution.
type pickupInfo struct {
	userURL     string
	userName    string
	userIcon    string
	playlistURL string
}

// resolvePickup looks up who queued the song from their priority playlist.
// Lookup failures degrade to an unattributed play.
func (w *Watcher) resolvePickup(ctx context.Context, song *models.Song) pickupInfo {
	reason := song.PriorityReason()
	if reason == nil {
		return pickupInfo{}
	}

	user, err := w.cafe.LookupUser(ctx, reason.UserID)
	if err != nil {
		logging.Warn().Err(err).Int64("user_id", reason.UserID).Msg("Pickup user lookup failed")
		return pickupInfo{}
	}
	if user == nil {
		return pickupInfo{}
	}
	return pickupInfo{
		userURL:     "https://kiite.jp/user/" + user.UserName,
		userName:    user.Nickname,
		userIcon:    user.AvatarURL,
		playlistURL: fmt.Sprintf("https://kiite.jp/playlist/%d", reason.ListID),
	}
}

// buildHistory constructs the pending-stats history row for a confirmed song.
func buildHistory(song *models.Song, pickup pickupInfo) *models.History {
	return &models.History{
		VideoID:           song.VideoID,
		Title:             song.Title,
		Author:            song.ArtistName,
		Date:              song.StartTime.UTC(),
		Thumbnail:         song.Thumbnail,
		PickupUserURL:     pickup.userURL,
		PickupUserName:    pickup.userName,
		PickupUserIcon:    pickup.userIcon,
		PickupPlaylistURL: pickup.playlistURL,
		NewFaves:          models.StatsPending,
		Spins:             models.StatsPending,
	}
}

// backfillPrevious fills in the previous song's counters now that its play
// window has closed, and hands the finalized row to the mirrors. All
// failures are soft: the loop moves on either way.
func (w *Watcher) backfillPrevious(ctx context.Context, currentVideoID string) {
	timetable, err := w.cafe.Timetable(ctx, 2)
	if err != nil {
		metrics.StatsBackfills.WithLabelValues("error").Inc()
		logging.Warn().Err(err).Msg("Timetable fetch failed, skipping backfill")
		return
	}

	// The previous song is whichever of the two newest entries is not the
	// one we just recorded.
	var prev *models.Song
	for i := range timetable {
		if timetable[i].VideoID != currentVideoID {
			prev = &timetable[i]
			break
		}
	}
	if prev == nil {
		metrics.StatsBackfills.WithLabelValues("not_found").Inc()
		logging.Warn().Msg("No previous song in timetable, skipping backfill")
		return
	}

	rotates, err := w.cafe.RotateUsers(ctx, []int64{prev.ID})
	if err != nil {
		metrics.StatsBackfills.WithLabelValues("error").Inc()
		logging.Warn().Err(err).Msg("Rotate users fetch failed, skipping backfill")
		return
	}
	spins := 0
	for _, users := range rotates {
		spins += len(users)
	}
	newFaves := prev.NewFaves()

	err = w.store.UpdateHistoryStats(ctx, prev.VideoID, newFaves, spins)
	if errors.Is(err, database.ErrNotFound) {
		metrics.StatsBackfills.WithLabelValues("not_found").Inc()
		logging.Warn().Str("video_id", prev.VideoID).Msg("No history row for previous song, skipping backfill")
		return
	}
	if err != nil {
		metrics.StatsBackfills.WithLabelValues("error").Inc()
		logging.Warn().Err(err).Str("video_id", prev.VideoID).Msg("Stats update failed")
		return
	}
	metrics.StatsBackfills.WithLabelValues("updated").Inc()
	logging.Info().Str("video_id", prev.VideoID).Int("new_faves", newFaves).Int("spins", spins).Msg("Previous song stats updated")

	w.publishFinalized(ctx, prev.VideoID)
}

// publishFinalized reloads the freshly backfilled row and emits it to the
// mirror bus.
func (w *Watcher) publishFinalized(ctx context.Context, videoID string) {
	if w.bus == nil {
		return
	}
	row, err := w.store.LatestHistoryByVideo(ctx, videoID)
	if err != nil {
		logging.Warn().Err(err).Str("video_id", videoID).Msg("Failed to reload finalized row for mirrors")
		return
	}
	if err := w.bus.PublishHistory(row); err != nil {
		logging.Warn().Err(err).Int64("history_id", row.ID).Msg("Failed to publish row to mirrors")
	}
}
