// Kiiteitte - Kiite Cafe now-playing ActivityPub bot
// Copyright 2026 Kiiteitte contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kiiteitte/kiiteitte

package api

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"time"

	"github.com/kiiteitte/kiiteitte/internal/logging"
	"github.com/kiiteitte/kiiteitte/internal/models"
)

// feedLength is the number of plays exposed in the Atom and JSON feeds.
const feedLength = 20

const feedDescription = "Kiite Cafeできいてます https://cafe.kiite.jp/"

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr,omitempty"`
}

type atomAuthor struct {
	Name string `xml:"name"`
}

type atomEntry struct {
	Title   string     `xml:"title"`
	ID      string     `xml:"id"`
	Link    atomLink   `xml:"link"`
	Updated string     `xml:"updated"`
	Author  atomAuthor `xml:"author"`
	Content string     `xml:"content"`
}

type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Xmlns   string      `xml:"xmlns,attr"`
	Title   string      `xml:"title"`
	ID      string      `xml:"id"`
	Links   []atomLink  `xml:"link"`
	Updated string      `xml:"updated"`
	Entries []atomEntry `xml:"entry"`
}

// AtomFeed serves the latest plays as an Atom feed.
func (router *Router) AtomFeed(w http.ResponseWriter, r *http.Request) {
	rows, err := router.store.ListHistories(r.Context(), feedLength, 0)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to list histories for atom feed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	feed := atomFeed{
		Xmlns: "http://www.w3.org/2005/Atom",
		Title: "Kiiteitte",
		ID:    fmt.Sprintf("https://%s/", router.host),
		Links: []atomLink{
			{Href: fmt.Sprintf("https://%s/feed/atom.xml", router.host), Rel: "self"},
			{Href: "https://cafe.kiite.jp/", Rel: "alternate"},
		},
		Updated: feedUpdated(rows),
	}
	for i := range rows {
		h := &rows[i]
		feed.Entries = append(feed.Entries, atomEntry{
			Title:   fmt.Sprintf("♪ %s", h.Title),
			ID:      fmt.Sprintf("https://%s/ap/history/%d", router.host, h.ID),
			Link:    atomLink{Href: watchURL(h.VideoID)},
			Updated: h.Date.UTC().Format(time.RFC3339),
			Author:  atomAuthor{Name: h.Author},
			Content: feedDescription,
		})
	}

	w.Header().Set("Content-Type", "application/atom+xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(xml.Header)); err != nil {
		logging.Warn().Err(err).Msg("Failed to write feed header")
		return
	}
	if err := xml.NewEncoder(w).Encode(feed); err != nil {
		logging.Warn().Err(err).Msg("Failed to write atom feed")
	}
}

type jsonFeedItem struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	Title         string `json:"title"`
	ContentText   string `json:"content_text"`
	DatePublished string `json:"date_published"`
}

type jsonFeed struct {
	Version     string         `json:"version"`
	Title       string         `json:"title"`
	HomePageURL string         `json:"home_page_url"`
	FeedURL     string         `json:"feed_url"`
	Items       []jsonFeedItem `json:"items"`
}

// JSONFeed serves the latest plays as a JSON Feed 1.1 document.
func (router *Router) JSONFeed(w http.ResponseWriter, r *http.Request) {
	rows, err := router.store.ListHistories(r.Context(), feedLength, 0)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to list histories for json feed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	feed := jsonFeed{
		Version:     "https://jsonfeed.org/version/1.1",
		Title:       "Kiiteitte",
		HomePageURL: "https://cafe.kiite.jp/",
		FeedURL:     fmt.Sprintf("https://%s/feed/feed.json", router.host),
		Items:       []jsonFeedItem{},
	}
	for i := range rows {
		h := &rows[i]
		feed.Items = append(feed.Items, jsonFeedItem{
			ID:            fmt.Sprintf("https://%s/ap/history/%d", router.host, h.ID),
			URL:           watchURL(h.VideoID),
			Title:         fmt.Sprintf("♪ %s", h.Title),
			ContentText:   feedDescription,
			DatePublished: h.Date.UTC().Format(time.RFC3339),
		})
	}

	writeAs(w, http.StatusOK, "application/feed+json; charset=utf-8", feed)
}

func watchURL(videoID string) string {
	return "https://nicovideo.jp/watch/" + videoID
}

func feedUpdated(rows []models.History) string {
	if len(rows) == 0 {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return rows[0].Date.UTC().Format(time.RFC3339)
}
