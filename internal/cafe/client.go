// Kiiteitte - Kiite Cafe now-playing ActivityPub bot
// Copyright 2026 Kiiteitte contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kiiteitte/kiiteitte

// Package cafe talks to the Kiite Cafe HTTP API: remote clock, now-playing
// queue, play timetable and user profiles.
package cafe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/kiiteitte/kiiteitte/internal/config"
	"github.com/kiiteitte/kiiteitte/internal/metrics"
	"github.com/kiiteitte/kiiteitte/internal/models"
)

// maxErrorBodySize limits how much of a response body is read for error
// reporting, preventing unbounded allocation on large error pages.
const maxErrorBodySize = 64 * 1024

// ClientInterface is the cafe API surface consumed by the watcher. It is
// implemented by Client and by CircuitBreakerClient.
type ClientInterface interface {
	// Time returns the cafe server's current time.
	Time(ctx context.Context) (time.Time, error)
	// NextSong returns the upcoming song, or nil when the cafe is closed.
	NextSong(ctx context.Context) (*models.Song, error)
	// Timetable returns the most recent plays, newest first.
	Timetable(ctx context.Context, limit int) ([]models.Song, error)
	// RotateUsers returns, per timetable song id, the users who rotated
	// (spun) for the song.
	RotateUsers(ctx context.Context, ids []int64) (map[int64][]int64, error)
	// LookupUser resolves a Kiite user profile by numeric user id. Returns
	// nil when the id is unknown.
	LookupUser(ctx context.Context, userID int64) (*models.CafeUser, error)
}

// Client is the plain HTTP implementation of ClientInterface.
//
// Thread safety: safe for concurrent use, each call builds its own request.
type Client struct {
	baseURL  string
	usersURL string
	client   *http.Client
}

// NewClient creates a cafe API client from configuration.
func NewClient(cfg *config.CafeConfig) *Client {
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		usersURL: strings.TrimRight(cfg.UsersURL, "/"),
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Time fetches the cafe server clock. The endpoint returns a bare JSON
// number of unix seconds.
func (c *Client) Time(ctx context.Context) (time.Time, error) {
	var seconds float64
	if err := c.getJSON(ctx, "time", c.baseURL+"/api/cafe/time", nil, &seconds); err != nil {
		return time.Time{}, err
	}
	sec := int64(seconds)
	nsec := int64((seconds - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec), nil
}

// NextSong fetches the upcoming song. The cafe returns JSON null outside
// opening hours; that maps to a nil song with no error.
func (c *Client) NextSong(ctx context.Context) (*models.Song, error) {
	var song *models.Song
	if err := c.getJSON(ctx, "next_song", c.baseURL+"/api/cafe/next_song", nil, &song); err != nil {
		return nil, err
	}
	return song, nil
}

// Timetable fetches the most recent plays, newest first.
func (c *Client) Timetable(ctx context.Context, limit int) ([]models.Song, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	var songs []models.Song
	if err := c.getJSON(ctx, "timetable", c.baseURL+"/api/cafe/timetable", params, &songs); err != nil {
		return nil, err
	}
	return songs, nil
}

// RotateUsers fetches the rotate (spin) user lists for the given timetable
// song ids. The API keys the response map by decimal song id.
func (c *Client) RotateUsers(ctx context.Context, ids []int64) (map[int64][]int64, error) {
	if len(ids) == 0 {
		return map[int64][]int64{}, nil
	}

	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = strconv.FormatInt(id, 10)
	}
	params := url.Values{}
	params.Set("ids", strings.Join(strs, ","))

	var raw map[string][]int64
	if err := c.getJSON(ctx, "rotate_users", c.baseURL+"/api/cafe/rotate_users", params, &raw); err != nil {
		return nil, err
	}

	out := make(map[int64][]int64, len(raw))
	for k, v := range raw {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("rotate_users returned non-numeric song id %q", k)
		}
		out[id] = v
	}
	return out, nil
}

// LookupUser resolves a Kiite user profile. The users API accepts a list of
// ids; a single-element query either returns one profile or an empty array.
func (c *Client) LookupUser(ctx context.Context, userID int64) (*models.CafeUser, error) {
	params := url.Values{}
	params.Set("user_ids", strconv.FormatInt(userID, 10))
	params.Set("ignore_order", "1")

	var users []models.CafeUser
	if err := c.getJSON(ctx, "kiite_users", c.usersURL+"/api/kiite_users", params, &users); err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, nil
	}
	return &users[0], nil
}

// getJSON performs a GET request and decodes the JSON response into result,
// recording request duration and errors per endpoint.
func (c *Client) getJSON(ctx context.Context, endpoint, reqURL string, params url.Values, result any) error {
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	start := time.Now()
	err := c.doGetJSON(ctx, reqURL, result)
	metrics.CafeRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CafeRequestErrors.WithLabelValues(endpoint).Inc()
		return fmt.Errorf("%s request failed: %w", endpoint, err)
	}
	return nil
}

func (c *Client) doGetJSON(ctx context.Context, reqURL string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := readBodyForError(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// readBodyForError reads at most maxErrorBodySize bytes for error messages.
func readBodyForError(r io.Reader) []byte {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return []byte("(failed to read response body)")
	}
	if len(body) == maxErrorBodySize {
		return append(body, []byte("... (truncated)")...)
	}
	return body
}
