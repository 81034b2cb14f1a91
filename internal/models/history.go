// Kiiteitte - Kiite Cafe now-playing ActivityPub bot
// Copyright 2026 Kiiteitte contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kiiteitte/kiiteitte

package models

import "time"

// StatsPending is the placeholder value stored in NewFaves and Spins until
// the post-play backfill fills in real counters.
const StatsPending = -1

// History is one play-history row. NewFaves and Spins stay at StatsPending
// until the play window closes and the backfill runs.
type History struct {
	ID                int64     `json:"id"`
	VideoID           string    `json:"video_id"`
	Title             string    `json:"title"`
	Author            string    `json:"author"`
	Date              time.Time `json:"date"`
	Thumbnail         string    `json:"thumbnail"`
	PickupUserURL     string    `json:"pickup_user_url"`
	PickupUserName    string    `json:"pickup_user_name"`
	PickupUserIcon    string    `json:"pickup_user_icon"`
	PickupPlaylistURL string    `json:"pickup_playlist_url"`
	NewFaves          int       `json:"new_faves"`
	Spins             int       `json:"spins"`
}

// HasPickup reports whether the play was attributed to a priority playlist.
func (h *History) HasPickup() bool {
	return h.PickupUserURL != ""
}

// StatsPendingRow reports whether the backfill has not yet run for this row.
func (h *History) StatsPendingRow() bool {
	return h.NewFaves == StatsPending && h.Spins == StatsPending
}
