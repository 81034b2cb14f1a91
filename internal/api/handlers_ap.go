// Kiiteitte - Kiite Cafe now-playing ActivityPub bot
// Copyright 2026 Kiiteitte contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kiiteitte/kiiteitte

package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/kiiteitte/kiiteitte/internal/activity"
	"github.com/kiiteitte/kiiteitte/internal/database"
	"github.com/kiiteitte/kiiteitte/internal/logging"
	"github.com/kiiteitte/kiiteitte/internal/metrics"
	"github.com/kiiteitte/kiiteitte/internal/models"
)

// collectionPageSize is the item count per outbox/followers page.
const collectionPageSize = 20

// maxInboxBody bounds inbound activity payloads.
const maxInboxBody = 1 << 20

// followedAccount is the single account the bot follows back, shown in the
// following collection.
const followedAccount = "https://voskey.icalo.net/@sevenc_nanashi"

// Actor serves the bot's actor document.
func (router *Router) Actor(w http.ResponseWriter, r *http.Request) {
	doc := activity.NewActor(router.host, router.actorName, router.publicKeyPem, router.keyInstalled)
	writeActivity(w, http.StatusOK, doc)
}

// Outbox serves the Create activities of recorded plays, paged newest-first.
func (router *Router) Outbox(w http.ResponseWriter, r *http.Request) {
	collectionID := fmt.Sprintf("https://%s/ap/outbox", router.host)

	total, err := router.store.CountHistories(r.Context())
	if err != nil {
		logging.Error().Err(err).Msg("Failed to count histories for outbox")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	page, ok := pageParam(r)
	if !ok {
		writeActivity(w, http.StatusOK, activity.NewOrderedCollection(
			collectionID, total, pageLink(collectionID, 1), pageLink(collectionID, lastPage(total))))
		return
	}

	rows, err := router.store.ListHistories(r.Context(), collectionPageSize, (page-1)*collectionPageSize)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to list histories for outbox")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	items := make([]any, len(rows))
	for i := range rows {
		items[i] = activity.NewCreate(router.host, activity.NewNote(router.host, &rows[i]))
	}
	writeActivity(w, http.StatusOK, collectionPage(collectionID, page, total, items))
}

// Followers serves the follower actor URLs, paged oldest-first.
func (router *Router) Followers(w http.ResponseWriter, r *http.Request) {
	collectionID := fmt.Sprintf("https://%s/ap/followers", router.host)

	total, err := router.store.CountFollowers(r.Context())
	if err != nil {
		logging.Error().Err(err).Msg("Failed to count followers")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	page, ok := pageParam(r)
	if !ok {
		writeActivity(w, http.StatusOK, activity.NewOrderedCollection(
			collectionID, total, pageLink(collectionID, 1), pageLink(collectionID, lastPage(total))))
		return
	}

	rows, err := router.store.ListFollowers(r.Context(), collectionPageSize, (page-1)*collectionPageSize)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to list followers")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	items := make([]any, len(rows))
	for i := range rows {
		items[i] = rows[i].URL
	}
	writeActivity(w, http.StatusOK, collectionPage(collectionID, page, total, items))
}

// Following serves the fixed one-item collection of accounts the bot follows.
func (router *Router) Following(w http.ResponseWriter, r *http.Request) {
	writeActivity(w, http.StatusOK, struct {
		Context    []string `json:"@context"`
		ID         string   `json:"id"`
		Type       string   `json:"type"`
		TotalItems int      `json:"totalItems"`
		Items      []string `json:"orderedItems"`
	}{
		Context:    []string{activity.ContextActivityStreams, activity.ContextSecurity},
		ID:         fmt.Sprintf("https://%s/ap/following", router.host),
		Type:       "OrderedCollection",
		TotalItems: 1,
		Items:      []string{followedAccount},
	})
}

// HistoryNote serves the Note document for a single play.
func (router *Router) HistoryNote(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	h, err := router.store.GetHistory(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		logging.Error().Err(err).Int64("history_id", id).Msg("Failed to load history note")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeActivity(w, http.StatusOK, activity.NewNote(router.host, h))
}

// inboundActivity is the envelope of an inbox POST.
type inboundActivity struct {
	Type   string          `json:"type"`
	Actor  string          `json:"actor"`
	Object json.RawMessage `json:"object"`
}

// remoteActor is the subset of a remote actor document the bot needs to
// register a follower.
type remoteActor struct {
	ID        string `json:"id"`
	Inbox     string `json:"inbox"`
	Endpoints struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
}

// Inbox handles signed activities from remote servers. Follow activities are
// accepted and acknowledged; Undo(Follow) removes the follower; everything
// else is swallowed with 204 so remote servers do not retry.
func (router *Router) Inbox(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if err := router.verifier.Verify(r.Context(), r, body); err != nil {
		logging.Warn().Err(err).Msg("Rejected unsigned or badly signed inbox POST")
		writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	var act inboundActivity
	if err := json.Unmarshal(body, &act); err != nil {
		writeError(w, http.StatusBadRequest, "malformed activity")
		return
	}

	switch act.Type {
	case "Follow":
		router.handleFollow(r.Context(), w, body, &act)
	case "Undo":
		router.handleUndo(r.Context(), w, &act)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (router *Router) handleFollow(ctx context.Context, w http.ResponseWriter, body []byte, act *inboundActivity) {
	remote, err := router.fetchRemoteActor(ctx, act.Actor)
	if err != nil {
		logging.Warn().Err(err).Str("actor", act.Actor).Msg("Failed to resolve following actor")
		writeError(w, http.StatusBadGateway, "failed to resolve actor")
		return
	}

	// Echo the Follow back verbatim inside the Accept. Some servers match
	// the object byte for byte.
	var follow any
	if err := json.Unmarshal(body, &follow); err != nil {
		writeError(w, http.StatusBadRequest, "malformed activity")
		return
	}
	accept := activity.NewAccept(router.host, follow)
	if err := router.out.Deliver(ctx, accept, []string{remote.Inbox}); err != nil {
		logging.Warn().Err(err).Str("actor", act.Actor).Msg("Failed to issue Accept delivery")
	}

	follower := &models.Follower{
		URL:         act.Actor,
		Inbox:       remote.Inbox,
		SharedInbox: remote.Endpoints.SharedInbox,
	}
	if err := router.store.UpsertFollower(ctx, follower); err != nil {
		logging.Error().Err(err).Str("actor", act.Actor).Msg("Failed to store follower")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	metrics.FollowEvents.WithLabelValues("follow").Inc()
	logging.Info().Str("actor", act.Actor).Msg("New follower")
	w.WriteHeader(http.StatusNoContent)
}

func (router *Router) handleUndo(ctx context.Context, w http.ResponseWriter, act *inboundActivity) {
	var object struct {
		Type string `json:"type"`
	}
	if len(act.Object) > 0 {
		if err := json.Unmarshal(act.Object, &object); err != nil {
			writeError(w, http.StatusBadRequest, "malformed activity")
			return
		}
	}
	if object.Type != "Follow" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := router.store.DeleteFollower(ctx, act.Actor); err != nil {
		logging.Error().Err(err).Str("actor", act.Actor).Msg("Failed to remove follower")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	metrics.FollowEvents.WithLabelValues("unfollow").Inc()
	logging.Info().Str("actor", act.Actor).Msg("Follower left")
	w.WriteHeader(http.StatusNoContent)
}

func (router *Router) fetchRemoteActor(ctx context.Context, actorURL string) (*remoteActor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, actorURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/activity+json")
	resp, err := router.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("actor fetch returned status %d", resp.StatusCode)
	}
	var remote remoteActor
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxInboxBody)).Decode(&remote); err != nil {
		return nil, fmt.Errorf("failed to decode actor document: %w", err)
	}
	if remote.Inbox == "" {
		return nil, errors.New("actor document has no inbox")
	}
	return &remote, nil
}

// pageParam parses ?page=N. ok is false when the parameter is absent, which
// selects the collection header.
func pageParam(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("page")
	if raw == "" {
		return 0, false
	}
	page, err := strconv.Atoi(raw)
	if err != nil || page < 1 {
		return 1, true
	}
	return page, true
}

func pageLink(collectionID string, page int64) *activity.Link {
	return &activity.Link{
		Type: "Link",
		Href: fmt.Sprintf("%s?page=%d", collectionID, page),
	}
}

func lastPage(total int64) int64 {
	last := (total + collectionPageSize - 1) / collectionPageSize
	if last < 1 {
		last = 1
	}
	return last
}

func collectionPage(collectionID string, page int, total int64, items []any) activity.OrderedCollectionPage {
	doc := activity.NewOrderedCollectionPage(
		fmt.Sprintf("%s?page=%d", collectionID, page), collectionID, total, items)
	if int64(page) < lastPage(total) {
		doc.Next = fmt.Sprintf("%s?page=%d", collectionID, page+1)
	}
	if page > 1 {
		doc.Prev = fmt.Sprintf("%s?page=%d", collectionID, page-1)
	}
	return doc
}
