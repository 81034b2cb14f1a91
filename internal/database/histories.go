// Kiiteitte - Kiite Cafe now-playing ActivityPub bot
// Copyright 2026 Kiiteitte contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kiiteitte/kiiteitte

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kiiteitte/kiiteitte/internal/metrics"
	"github.com/kiiteitte/kiiteitte/internal/models"
)

const historyColumns = `id, video_id, title, author, date, thumbnail,
	pickup_user_url, pickup_user_name, pickup_user_icon, pickup_playlist_url,
	new_faves, spins`

// InsertHistory stores a new play-history row and returns its assigned id.
func (db *DB) InsertHistory(ctx context.Context, h *models.History) (int64, error) {
	start := time.Now()
	var id int64
	err := db.conn.QueryRowContext(ctx, `
		INSERT INTO histories (video_id, title, author, date, thumbnail,
			pickup_user_url, pickup_user_name, pickup_user_icon, pickup_playlist_url,
			new_faves, spins)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		h.VideoID, h.Title, h.Author, h.Date.UTC(), h.Thumbnail,
		h.PickupUserURL, h.PickupUserName, h.PickupUserIcon, h.PickupPlaylistURL,
		h.NewFaves, h.Spins,
	).Scan(&id)
	metrics.ObserveDBQuery("insert", "histories", start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to insert history: %w", err)
	}
	h.ID = id
	return id, nil
}

// LatestHistory returns the most recently inserted row, or ErrNotFound when
// the table is empty.
func (db *DB) LatestHistory(ctx context.Context) (*models.History, error) {
	start := time.Now()
	row := db.conn.QueryRowContext(ctx, `
		SELECT `+historyColumns+`
		FROM histories
		ORDER BY id DESC
		LIMIT 1`)
	h, err := scanHistory(row)
	metrics.ObserveDBQuery("latest", "histories", start, ignoreNotFound(err))
	return h, err
}

// GetHistory returns the row with the given id, or ErrNotFound.
func (db *DB) GetHistory(ctx context.Context, id int64) (*models.History, error) {
	start := time.Now()
	row := db.conn.QueryRowContext(ctx, `
		SELECT `+historyColumns+`
		FROM histories
		WHERE id = ?`, id)
	h, err := scanHistory(row)
	metrics.ObserveDBQuery("get", "histories", start, ignoreNotFound(err))
	return h, err
}

// LatestHistoryByVideo returns the most recent row for a video id, or
// ErrNotFound.
func (db *DB) LatestHistoryByVideo(ctx context.Context, videoID string) (*models.History, error) {
	start := time.Now()
	row := db.conn.QueryRowContext(ctx, `
		SELECT `+historyColumns+`
		FROM histories
		WHERE video_id = ?
		ORDER BY id DESC
		LIMIT 1`, videoID)
	h, err := scanHistory(row)
	metrics.ObserveDBQuery("latest_by_video", "histories", start, ignoreNotFound(err))
	return h, err
}

// UpdateHistoryStats fills in the play counters on the most recent row for
// the given video id. Returns ErrNotFound when no row matches.
func (db *DB) UpdateHistoryStats(ctx context.Context, videoID string, newFaves, spins int) error {
	start := time.Now()
	res, err := db.conn.ExecContext(ctx, `
		UPDATE histories SET new_faves = ?, spins = ?
		WHERE id = (SELECT max(id) FROM histories WHERE video_id = ?)`,
		newFaves, spins, videoID)
	metrics.ObserveDBQuery("update_stats", "histories", start, err)
	if err != nil {
		return fmt.Errorf("failed to update history stats: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListHistories returns up to limit rows newest-first, skipping offset rows.
func (db *DB) ListHistories(ctx context.Context, limit, offset int) ([]models.History, error) {
	start := time.Now()
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+historyColumns+`
		FROM histories
		ORDER BY id DESC
		LIMIT ? OFFSET ?`, limit, offset)
	metrics.ObserveDBQuery("list", "histories", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list histories: %w", err)
	}
	defer rows.Close()
	return collectHistories(rows)
}

// ListHistoriesBefore returns up to limit rows played strictly before the
// given instant, newest-first. Used as the history API cursor.
func (db *DB) ListHistoriesBefore(ctx context.Context, before time.Time, limit int) ([]models.History, error) {
	start := time.Now()
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+historyColumns+`
		FROM histories
		WHERE date < ?
		ORDER BY id DESC
		LIMIT ?`, before.UTC(), limit)
	metrics.ObserveDBQuery("list_before", "histories", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list histories before cursor: %w", err)
	}
	defer rows.Close()
	return collectHistories(rows)
}

// ListHistoriesForMonth returns the rows played in the given UTC month,
// oldest-first, for the dataset mirror.
func (db *DB) ListHistoriesForMonth(ctx context.Context, year int, month time.Month) ([]models.History, error) {
	from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	start := time.Now()
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+historyColumns+`
		FROM histories
		WHERE date >= ? AND date < ?
		ORDER BY id ASC`, from, to)
	metrics.ObserveDBQuery("list_month", "histories", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list histories for month: %w", err)
	}
	defer rows.Close()
	return collectHistories(rows)
}

// CountHistories returns the total number of play-history rows.
func (db *DB) CountHistories(ctx context.Context) (int64, error) {
	start := time.Now()
	var count int64
	err := db.conn.QueryRowContext(ctx, `SELECT count(*) FROM histories`).Scan(&count)
	metrics.ObserveDBQuery("count", "histories", start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to count histories: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHistory(row rowScanner) (*models.History, error) {
	var h models.History
	err := row.Scan(&h.ID, &h.VideoID, &h.Title, &h.Author, &h.Date, &h.Thumbnail,
		&h.PickupUserURL, &h.PickupUserName, &h.PickupUserIcon, &h.PickupPlaylistURL,
		&h.NewFaves, &h.Spins)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan history row: %w", err)
	}
	h.Date = h.Date.UTC()
	return &h, nil
}

func collectHistories(rows *sql.Rows) ([]models.History, error) {
	var out []models.History
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

// ignoreNotFound keeps expected empty-result lookups out of the error metrics.
func ignoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
