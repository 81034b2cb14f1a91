// Kiiteitte - Kiite Cafe now-playing ActivityPub bot
// Copyright 2026 Kiiteitte contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kiiteitte/kiiteitte

package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/kiiteitte/kiiteitte/internal/activity"
	"github.com/kiiteitte/kiiteitte/internal/logging"
)

// softwareVersion is reported in nodeinfo and the feeds.
const softwareVersion = "2.0.0"

type webFingerLink struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

type webFingerResponse struct {
	Subject string          `json:"subject"`
	Links   []webFingerLink `json:"links"`
}

// WebFinger resolves the bot's acct: resource to its actor document. Any
// other resource is a 404.
func (router *Router) WebFinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	subject := fmt.Sprintf("acct:%s@%s", router.actorName, router.host)
	if resource != subject && resource != activity.ActorID(router.host) {
		writeError(w, http.StatusNotFound, "unknown resource")
		return
	}
	writeAs(w, http.StatusOK, contentTypeJRD, webFingerResponse{
		Subject: subject,
		Links: []webFingerLink{
			{
				Rel:  "self",
				Type: "application/activity+json",
				Href: activity.ActorID(router.host),
			},
			{
				Rel:  "http://webfinger.net/rel/profile-page",
				Type: "text/html",
				Href: "https://" + router.host,
			},
		},
	})
}

// NodeInfoIndex serves the well-known nodeinfo discovery document.
func (router *Router) NodeInfoIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"links": []map[string]string{{
			"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.1",
			"href": fmt.Sprintf("https://%s/nodeinfo/2.1", router.host),
		}},
	})
}

// NodeInfo serves the nodeinfo 2.1 document. localPosts is the history count.
func (router *Router) NodeInfo(w http.ResponseWriter, r *http.Request) {
	posts, err := router.store.CountHistories(r.Context())
	if err != nil {
		logging.Error().Err(err).Msg("Failed to count histories for nodeinfo")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "2.1",
		"software": map[string]string{
			"name":       "kiiteitte",
			"version":    softwareVersion,
			"repository": "https://github.com/kiiteitte/kiiteitte",
		},
		"protocols": []string{"activitypub"},
		"services":  map[string]any{"inbound": []string{}, "outbound": []string{}},
		"usage": map[string]any{
			"users":      map[string]int{"total": 1},
			"localPosts": posts,
		},
		"openRegistrations": false,
		"metadata":          map[string]any{},
	})
}

// HostMeta serves the XRD document pointing at the webfinger endpoint.
func (router *Router) HostMeta(w http.ResponseWriter, r *http.Request) {
	doc := strings.Join([]string{
		`<?xml version="1.0" encoding="UTF-8"?>`,
		`<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">`,
		fmt.Sprintf(`  <Link rel="lrdd" template="https://%s/.well-known/webfinger?resource={uri}"/>`, router.host),
		`</XRD>`,
	}, "\n")
	w.Header().Set("Content-Type", "application/xrd+xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(doc)); err != nil {
		logging.Warn().Err(err).Msg("Failed to write host-meta body")
	}
}
