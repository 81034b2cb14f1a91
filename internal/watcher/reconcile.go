// Kiiteitte - Kiite Cafe now-playing ActivityPub bot
// Copyright 2026 Kiiteitte contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kiiteitte/kiiteitte

package watcher

import (
	"context"
	"errors"

	"github.com/kiiteitte/kiiteitte/internal/database"
	"github.com/kiiteitte/kiiteitte/internal/logging"
	"github.com/kiiteitte/kiiteitte/internal/metrics"
	"github.com/kiiteitte/kiiteitte/internal/models"
)

// CatchUp compares the local history against the cafe's recent timetable
// and records any songs that played while the bot was down. Recovered rows
// go to the mirrors but never to follower inboxes: nobody wants a burst of
// stale notifications after a restart.
func (w *Watcher) CatchUp(ctx context.Context) error {
	timetable, err := w.cafe.Timetable(ctx, w.cfg.CatchUpLimit)
	if err != nil {
		return err
	}
	if len(timetable) == 0 {
		return nil
	}

	latest, err := w.store.LatestHistory(ctx)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return err
	}

	missed := missedEntries(timetable, latest)
	if len(missed) == 0 {
		logging.Debug().Msg("History already up to date")
		return nil
	}
	logging.Info().Int("count", len(missed)).Msg("Recovering songs missed while offline")

	// Counters for every recovered entry in one request. When the fetch
	// fails the spin counts stay pending rather than masquerading as zero.
	ids := make([]int64, len(missed))
	for i, song := range missed {
		ids[i] = song.ID
	}
	rotates, err := w.cafe.RotateUsers(ctx, ids)
	if err != nil {
		logging.Warn().Err(err).Msg("Rotate users fetch failed, recovering without spin counts")
		rotates = nil
	}

	// The timetable is newest first; insert oldest first so history ids
	// stay chronological.
	recovered := make([]*models.History, 0, len(missed))
	for i := len(missed) - 1; i >= 0; i-- {
		song := missed[i]
		h := buildHistory(&song, w.resolvePickup(ctx, &song))
		h.NewFaves = song.NewFaves()
		if rotates != nil {
			h.Spins = len(rotates[song.ID])
		}
		if _, err := w.store.InsertHistory(ctx, h); err != nil {
			return err
		}
		metrics.HistoryRecordsInserted.WithLabelValues("reconciler").Inc()
		logging.Info().Int64("history_id", h.ID).Str("video_id", h.VideoID).Str("title", h.Title).Msg("Recovered missed song")
		recovered = append(recovered, h)
	}

	// One mirror notification for the whole batch.
	if w.bus != nil && len(recovered) > 0 {
		if err := w.bus.PublishHistoryBatch(recovered); err != nil {
			logging.Warn().Err(err).Int("count", len(recovered)).Msg("Failed to publish recovered rows to mirrors")
		}
	}
	return nil
}

// missedEntries returns the timetable entries newer than the latest local
// row, newest first. A nil latest means everything was missed.
func missedEntries(timetable []models.Song, latest *models.History) []models.Song {
	if latest == nil {
		return timetable
	}
	for i := range timetable {
		if timetable[i].VideoID == latest.VideoID {
			return timetable[:i]
		}
	}
	return timetable
}
