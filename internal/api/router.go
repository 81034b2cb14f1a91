// Kiiteitte - Kiite Cafe now-playing ActivityPub bot
// Copyright 2026 Kiiteitte contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kiiteitte/kiiteitte

// Package api provides the HTTP surface: the ActivityPub endpoints, the
// well-known discovery documents, the feeds and the small JSON API the web
// frontend uses.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kiiteitte/kiiteitte/internal/config"
	"github.com/kiiteitte/kiiteitte/internal/models"
	"github.com/kiiteitte/kiiteitte/internal/signature"
)

// Store is the persistence the HTTP handlers read and write. Implemented by
// the database layer.
type Store interface {
	Ping(ctx context.Context) error
	GetHistory(ctx context.Context, id int64) (*models.History, error)
	ListHistories(ctx context.Context, limit, offset int) ([]models.History, error)
	ListHistoriesBefore(ctx context.Context, before time.Time, limit int) ([]models.History, error)
	CountHistories(ctx context.Context) (int64, error)
	UpsertFollower(ctx context.Context, f *models.Follower) error
	DeleteFollower(ctx context.Context, url string) error
	ListFollowers(ctx context.Context, limit, offset int) ([]models.Follower, error)
	CountFollowers(ctx context.Context) (int64, error)
}

// Deliverer posts signed activities to remote inboxes. Implemented by the
// delivery dispatcher.
type Deliverer interface {
	Deliver(ctx context.Context, activity any, targets []string) error
}

// NextTimer reports when the next song starts. Implemented by the watcher.
type NextTimer interface {
	NextStart() (time.Time, bool)
}

// Router holds the handler dependencies.
type Router struct {
	cfg          *config.ServerConfig
	host         string
	actorName    string
	publicKeyPem string
	keyInstalled time.Time
	store        Store
	verifier     *signature.Verifier
	out          Deliverer
	next         NextTimer

	// client fetches remote actor documents and webfinger descriptors.
	client *http.Client
}

// New creates a Router. keyInstalled is when the current signing key was
// generated, surfaced as the actor's startTime.
func New(cfg *config.ServerConfig, actorName, publicKeyPem string, keyInstalled time.Time,
	store Store, verifier *signature.Verifier, out Deliverer, next NextTimer) *Router {
	return &Router{
		cfg:          cfg,
		host:         cfg.PublicHost,
		actorName:    actorName,
		publicKeyPem: publicKeyPem,
		keyInstalled: keyInstalled,
		store:        store,
		verifier:     verifier,
		out:          out,
		next:         next,
		client:       &http.Client{Timeout: 10 * time.Second},
	}
}

// Setup configures all routes.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestMetrics)

	// ActivityPub. The inbox takes signed POSTs from arbitrary remote
	// servers, so it gets its own, stricter rate limit.
	r.Route("/ap", func(r chi.Router) {
		r.Get("/kiiteitte", router.Actor)
		r.Get("/outbox", router.Outbox)
		r.Get("/followers", router.Followers)
		r.Get("/following", router.Following)
		r.Get("/history/{id}", router.HistoryNote)
		r.With(httprate.LimitByIP(120, time.Minute)).Post("/inbox", router.Inbox)
	})

	// Discovery documents.
	r.Get("/.well-known/webfinger", router.WebFinger)
	r.Get("/.well-known/nodeinfo", router.NodeInfoIndex)
	r.Get("/.well-known/host-meta", router.HostMeta)
	r.Get("/nodeinfo/2.1", router.NodeInfo)

	// Feeds.
	r.Get("/feed/atom.xml", router.AtomFeed)
	r.Get("/feed/feed.json", router.JSONFeed)

	// Frontend JSON API, browser-facing so it carries CORS.
	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet},
		}))
		r.Use(httprate.LimitByIP(300, time.Minute))
		r.Get("/history", router.HistoryList)
		r.Get("/follow", router.RemoteFollow)
		r.Get("/nextTime", router.NextTime)
	})

	r.Get("/manifest.json", router.Manifest)
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir("static"))))

	// Observability.
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", router.Health)

	return r
}
