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

// UpsertFollower records a new follower. Re-following is a no-op so that
// duplicate Follow activities stay idempotent.
func (db *DB) UpsertFollower(ctx context.Context, f *models.Follower) error {
	start := time.Now()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO followers (url, inbox, shared_inbox)
		VALUES (?, ?, ?)
		ON CONFLICT (url) DO NOTHING`,
		f.URL, f.Inbox, f.SharedInbox)
	metrics.ObserveDBQuery("upsert", "followers", start, err)
	if err != nil {
		return fmt.Errorf("failed to upsert follower: %w", err)
	}
	return nil
}

// DeleteFollower removes a follower by actor URL. Unknown actors are a no-op.
func (db *DB) DeleteFollower(ctx context.Context, url string) error {
	start := time.Now()
	_, err := db.conn.ExecContext(ctx, `DELETE FROM followers WHERE url = ?`, url)
	metrics.ObserveDBQuery("delete", "followers", start, err)
	if err != nil {
		return fmt.Errorf("failed to delete follower: %w", err)
	}
	return nil
}

// GetFollower returns the follower with the given actor URL, or ErrNotFound.
func (db *DB) GetFollower(ctx context.Context, url string) (*models.Follower, error) {
	start := time.Now()
	var f models.Follower
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, url, inbox, shared_inbox FROM followers WHERE url = ?`, url).
		Scan(&f.ID, &f.URL, &f.Inbox, &f.SharedInbox)
	metrics.ObserveDBQuery("get", "followers", start, ignoreNotFound(err))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get follower: %w", err)
	}
	return &f, nil
}

// ListFollowers returns up to limit followers in insertion order, skipping
// offset rows.
func (db *DB) ListFollowers(ctx context.Context, limit, offset int) ([]models.Follower, error) {
	start := time.Now()
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, url, inbox, shared_inbox
		FROM followers
		ORDER BY id ASC
		LIMIT ? OFFSET ?`, limit, offset)
	metrics.ObserveDBQuery("list", "followers", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list followers: %w", err)
	}
	defer rows.Close()

	var out []models.Follower
	for rows.Next() {
		var f models.Follower
		if err := rows.Scan(&f.ID, &f.URL, &f.Inbox, &f.SharedInbox); err != nil {
			return nil, fmt.Errorf("failed to scan follower row: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListInboxTargets returns the distinct set of inboxes deliveries should hit.
// Hosts with a shared inbox collapse into one target.
func (db *DB) ListInboxTargets(ctx context.Context) ([]string, error) {
	start := time.Now()
	rows, err := db.conn.QueryContext(ctx, `
		SELECT DISTINCT CASE WHEN shared_inbox != '' THEN shared_inbox ELSE inbox END
		FROM followers`)
	metrics.ObserveDBQuery("inbox_targets", "followers", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list inbox targets: %w", err)
	}
	defer rows.Close()

	var targets []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan inbox target: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// CountFollowers returns the total number of followers.
func (db *DB) CountFollowers(ctx context.Context) (int64, error) {
	start := time.Now()
	var count int64
	err := db.conn.QueryRowContext(ctx, `SELECT count(*) FROM followers`).Scan(&count)
	metrics.ObserveDBQuery("count", "followers", start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to count followers: %w", err)
	}
	return count, nil
}
