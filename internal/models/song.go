// Kiiteitte - Kiite Cafe now-playing ActivityPub bot
// Copyright 2026 Kiiteitte contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kiiteitte/kiiteitte

// Package models defines the data structures shared between the cafe client,
// the history store and the federation layer.
package models

import "time"

// ReasonTypePriorityPlaylist marks a song queued from a user's priority
// playlist. At most one such reason appears per song.
const ReasonTypePriorityPlaylist = "priority_playlist"

// Reason describes why the cafe queued a song.
type Reason struct {
	Type      string `json:"type"`
	UserID    int64  `json:"user_id"`
	ListTitle string `json:"list_title"`
	ListID    int64  `json:"list_id"`
}

// Song is a cafe song descriptor as returned by /api/cafe/next_song and
// /api/cafe/timetable. ID is only populated on timetable entries.
type Song struct {
	ID            int64     `json:"id,omitempty"`
	VideoID       string    `json:"video_id"`
	Title         string    `json:"title"`
	ArtistName    string    `json:"artist_name"`
	StartTime     time.Time `json:"start_time"`
	MsecDuration  int64     `json:"msec_duration"`
	Reasons       []Reason  `json:"reasons"`
	Thumbnail     string    `json:"thumbnail"`
	NewFavUserIDs []int64   `json:"new_fav_user_ids"`
}

// Duration returns the song length as a time.Duration.
func (s *Song) Duration() time.Duration {
	return time.Duration(s.MsecDuration) * time.Millisecond
}

// PriorityReason returns the priority-playlist reason, or nil if the song was
// not a priority playlist pickup.
func (s *Song) PriorityReason() *Reason {
	for i := range s.Reasons {
		if s.Reasons[i].Type == ReasonTypePriorityPlaylist {
			return &s.Reasons[i]
		}
	}
	return nil
}

// NewFaves returns the number of listeners who favorited the song during its
// play window. A nil NewFavUserIDs list counts as zero.
func (s *Song) NewFaves() int {
	return len(s.NewFavUserIDs)
}

// CafeUser is a Kiite user profile as returned by the users API.
type CafeUser struct {
	UserID    int64  `json:"user_id"`
	UserName  string `json:"user_name"`
	Nickname  string `json:"nickname"`
	AvatarURL string `json:"avatar_url"`
}
