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
)

// FindKey returns the cached PEM public key for a remote key id, or
// ErrNotFound when the key has not been seen before.
func (db *DB) FindKey(ctx context.Context, keyID string) (string, error) {
	start := time.Now()
	var pem string
	err := db.conn.QueryRowContext(ctx, `SELECT key FROM keys WHERE id = ?`, keyID).Scan(&pem)
	metrics.ObserveDBQuery("get", "keys", start, ignoreNotFound(err))
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to find key: %w", err)
	}
	return pem, nil
}

// CacheKey stores or refreshes the PEM public key for a remote key id.
func (db *DB) CacheKey(ctx context.Context, keyID, pem string) error {
	start := time.Now()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO keys (id, key) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET key = excluded.key`,
		keyID, pem)
	metrics.ObserveDBQuery("upsert", "keys", start, err)
	if err != nil {
		return fmt.Errorf("failed to cache key: %w", err)
	}
	return nil
}

// DeleteKey drops a cached key, forcing a re-fetch on next verification.
// Used when a signature check fails against the cached key.
func (db *DB) DeleteKey(ctx context.Context, keyID string) error {
	start := time.Now()
	_, err := db.conn.ExecContext(ctx, `DELETE FROM keys WHERE id = ?`, keyID)
	metrics.ObserveDBQuery("delete", "keys", start, err)
	if err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}
