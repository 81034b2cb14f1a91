// Kiiteitte - Kiite Cafe now-playing ActivityPub bot
// Copyright 2026 Kiiteitte contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kiiteitte/kiiteitte

package mirror

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/kiiteitte/kiiteitte/internal/models"
)

// sheetRow is the payload the spreadsheet webapp expects, one POST per play.
type sheetRow struct {
	ID                int64  `json:"id"`
	VideoID           string `json:"video_id"`
	Title             string `json:"title"`
	Author            string `json:"author"`
	Date              string `json:"date"`
	Thumbnail         string `json:"thumbnail"`
	NewFaves          int    `json:"new_faves"`
	Spins             int    `json:"spins"`
	PickupUserURL     string `json:"pickup_user_url"`
	PickupUserName    string `json:"pickup_user_name"`
	PickupUserIcon    string `json:"pickup_user_icon"`
	PickupPlaylistURL string `json:"pickup_playlist_url"`
}

// sheetResponse is the webapp's acknowledgement. The webapp always answers
// 200; failures are reported in the body.
type sheetResponse struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
}

// SheetSink appends each play to a spreadsheet via its webapp endpoint.
type SheetSink struct {
	url    string
	client *http.Client
}

// NewSheetSink creates a SheetSink posting to the given webapp URL.
func NewSheetSink(url string, timeout time.Duration) *SheetSink {
	return &SheetSink{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Name identifies the sink in logs and metrics.
func (s *SheetSink) Name() string { return "sheet" }

// Handle posts one history row to the spreadsheet.
func (s *SheetSink) Handle(ctx context.Context, h *models.History) error {
	body, err := json.Marshal(sheetRow{
		ID:                h.ID,
		VideoID:           h.VideoID,
		Title:             h.Title,
		Author:            h.Author,
		Date:              formatMirrorDate(h.Date),
		Thumbnail:         h.Thumbnail,
		NewFaves:          h.NewFaves,
		Spins:             h.Spins,
		PickupUserURL:     h.PickupUserURL,
		PickupUserName:    h.PickupUserName,
		PickupUserIcon:    h.PickupUserIcon,
		PickupPlaylistURL: h.PickupPlaylistURL,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal sheet row: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create sheet request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sheet request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sheet returned status %d", resp.StatusCode)
	}

	var ack sheetResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return fmt.Errorf("failed to decode sheet response: %w", err)
	}
	if !ack.Success {
		return fmt.Errorf("sheet rejected row: %s", ack.Reason)
	}
	return nil
}

// formatMirrorDate renders timestamps the way both mirrors store them:
// "2026-09-01 12:34:56" in UTC.
func formatMirrorDate(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}
