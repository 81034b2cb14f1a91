// Kiiteitte - Kiite Cafe now-playing ActivityPub bot
// Copyright 2026 Kiiteitte contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kiiteitte/kiiteitte

package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/kiiteitte/kiiteitte/internal/database"
	"github.com/kiiteitte/kiiteitte/internal/logging"
	"github.com/kiiteitte/kiiteitte/internal/models"
)

// historyPageSize is the row count per history API response.
const historyPageSize = 10

// ostatusSubscribeRel identifies the remote-follow template link in a
// webfinger descriptor.
const ostatusSubscribeRel = "http://ostatus.org/schema/1.0/subscribe"

// HistoryList serves recent plays as JSON. The optional start parameter is a
// history id cursor: the response holds rows played before that row.
func (router *Router) HistoryList(w http.ResponseWriter, r *http.Request) {
	var (
		rows []models.History
		err  error
	)
	if raw := r.URL.Query().Get("start"); raw != "" {
		startID, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, "invalid start cursor")
			return
		}
		cursor, cursorErr := router.store.GetHistory(r.Context(), startID)
		if errors.Is(cursorErr, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown start cursor")
			return
		}
		if cursorErr != nil {
			logging.Error().Err(cursorErr).Msg("Failed to resolve history cursor")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		rows, err = router.store.ListHistoriesBefore(r.Context(), cursor.Date, historyPageSize)
	} else {
		rows, err = router.store.ListHistories(r.Context(), historyPageSize, 0)
	}
	if err != nil {
		logging.Error().Err(err).Msg("Failed to list histories")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if rows == nil {
		rows = []models.History{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// RemoteFollow resolves a remote account's follow form via webfinger and
// returns the URL to send the user to.
func (router *Router) RemoteFollow(w http.ResponseWriter, r *http.Request) {
	user, domain, ok := splitAccount(r.URL.Query().Get("username"))
	if !ok {
		writeError(w, http.StatusBadRequest, "username must look like user@example.com")
		return
	}

	template, err := router.subscribeTemplate(r, user, domain)
	if err != nil {
		logging.Warn().Err(err).Str("domain", domain).Msg("Remote follow webfinger failed")
		writeError(w, http.StatusBadGateway, "failed to resolve remote account")
		return
	}
	if template == "" {
		writeError(w, http.StatusNotFound, "remote server has no follow form")
		return
	}

	self := url.QueryEscape(fmt.Sprintf("%s@%s", router.actorName, router.host))
	writeJSON(w, http.StatusOK, map[string]string{
		"url": strings.ReplaceAll(template, "{uri}", self),
	})
}

// splitAccount parses "user@example.com" account notation, tolerating one
// leading @.
func splitAccount(acct string) (user, domain string, ok bool) {
	acct = strings.TrimPrefix(acct, "@")
	user, domain, found := strings.Cut(acct, "@")
	if !found || user == "" || domain == "" || strings.Contains(domain, "@") {
		return "", "", false
	}
	return user, domain, true
}

func (router *Router) subscribeTemplate(r *http.Request, user, domain string) (string, error) {
	wfURL := fmt.Sprintf("https://%s/.well-known/webfinger?resource=%s",
		domain, url.QueryEscape(fmt.Sprintf("acct:%s@%s", user, domain)))
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, wfURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := router.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("webfinger returned status %d", resp.StatusCode)
	}

	var descriptor struct {
		Links []webFingerLink `json:"links"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxInboxBody)).Decode(&descriptor); err != nil {
		return "", fmt.Errorf("failed to decode webfinger descriptor: %w", err)
	}
	for _, link := range descriptor.Links {
		if link.Rel == ostatusSubscribeRel {
			return link.Template, nil
		}
	}
	return "", nil
}

// NextTime reports milliseconds until the next song starts.
func (router *Router) NextTime(w http.ResponseWriter, r *http.Request) {
	start, ok := router.next.NextStart()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "next song not known yet")
		return
	}
	ms := time.Until(start).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	writeJSON(w, http.StatusOK, map[string]int64{"nextTime": ms})
}

// Manifest serves the web app manifest.
func (router *Router) Manifest(w http.ResponseWriter, r *http.Request) {
	writeAs(w, http.StatusOK, "application/manifest+json; charset=utf-8", map[string]any{
		"name":             "Kiiteitte",
		"short_name":       "Kiiteitte",
		"start_url":        "/",
		"display":          "standalone",
		"theme_color":      "#00abbb",
		"background_color": "#ffffff",
		"icons": []map[string]string{{
			"src":   "/static/icon.png",
			"sizes": "512x512",
			"type":  "image/png",
		}},
	})
}

// Health is the liveness endpoint.
func (router *Router) Health(w http.ResponseWriter, r *http.Request) {
	if err := router.store.Ping(r.Context()); err != nil {
		logging.Error().Err(err).Msg("Health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
