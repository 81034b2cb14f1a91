// Kiiteitte - Kiite Cafe now-playing ActivityPub bot
// Copyright 2026 Kiiteitte contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kiiteitte/kiiteitte

package database

import "context"

// Schema notes:
//   - histories.id is sequence-assigned and doubles as the public Note id,
//     so rows must never be renumbered.
//   - new_faves/spins start at -1 and are filled in after the play window
//     closes.
//   - followers.url is unique; re-follows are idempotent.
//   - keys caches remote actor public keys fetched during inbox verification.
var schemaStatements = []string{
	`CREATE SEQUENCE IF NOT EXISTS histories_id_seq START 1`,
	`CREATE TABLE IF NOT EXISTS histories (
		id BIGINT PRIMARY KEY DEFAULT nextval('histories_id_seq'),
		video_id TEXT NOT NULL,
		title TEXT NOT NULL,
		author TEXT NOT NULL,
		date TIMESTAMP NOT NULL,
		thumbnail TEXT NOT NULL DEFAULT '',
		pickup_user_url TEXT NOT NULL DEFAULT '',
		pickup_user_name TEXT NOT NULL DEFAULT '',
		pickup_user_icon TEXT NOT NULL DEFAULT '',
		pickup_playlist_url TEXT NOT NULL DEFAULT '',
		new_faves INTEGER NOT NULL DEFAULT -1,
		spins INTEGER NOT NULL DEFAULT -1
	)`,
	`CREATE SEQUENCE IF NOT EXISTS followers_id_seq START 1`,
	`CREATE TABLE IF NOT EXISTS followers (
		id BIGINT PRIMARY KEY DEFAULT nextval('followers_id_seq'),
		url TEXT NOT NULL UNIQUE,
		inbox TEXT NOT NULL,
		shared_inbox TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS keys (
		id TEXT PRIMARY KEY,
		key TEXT NOT NULL
	)`,
}

// createSchema creates all tables and sequences if they do not exist.
func (db *DB) createSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
