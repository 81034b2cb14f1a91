// Kiiteitte - Kiite Cafe now-playing ActivityPub bot
// Copyright 2026 Kiiteitte contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kiiteitte/kiiteitte

// Package activity builds the ActivityStreams documents the bot publishes:
// the Note for each play, the wrapping Create, the actor document, and the
// outbox/follower collections.
package activity

import (
	"fmt"
	"html"
	"time"

	"github.com/kiiteitte/kiiteitte/internal/models"
)

// ActivityStreams context IRIs.
const (
	ContextActivityStreams = "https://www.w3.org/ns/activitystreams"
	ContextSecurity        = "https://w3id.org/security/v1"
	PublicAudience         = "https://www.w3.org/ns/activitystreams#Public"
)

// documentContext is the two-element @context used on actor documents,
// collections and activities.
func documentContext() []string {
	return []string{ContextActivityStreams, ContextSecurity}
}

// Source carries the markdown original of an HTML note body.
type Source struct {
	Content   string `json:"content"`
	MediaType string `json:"mediaType"`
}

// Note is the ActivityStreams Note published for each play.
type Note struct {
	Context      any      `json:"@context"`
	Type         string   `json:"type"`
	ID           string   `json:"id"`
	URL          string   `json:"url"`
	Published    string   `json:"published"`
	To           []string `json:"to"`
	AttributedTo string   `json:"attributedTo"`
	Content      string   `json:"content"`
	Source       Source   `json:"source"`
}

// Create wraps a Note for delivery and the outbox.
type Create struct {
	Context   any    `json:"@context,omitempty"`
	ID        string `json:"id"`
	Actor     string `json:"actor"`
	Type      string `json:"type"`
	Published string `json:"published"`
	Object    Note   `json:"object"`
}

// Accept acknowledges an inbound Follow. Object echoes the raw Follow
// activity as received.
type Accept struct {
	Context []string `json:"@context"`
	Type    string   `json:"type"`
	Actor   string   `json:"actor"`
	Object  any      `json:"object"`
}

// Image is an actor icon or banner.
type Image struct {
	Type      string `json:"type"`
	MediaType string `json:"mediaType"`
	URL       string `json:"url"`
}

// PublicKey is the actor's signing key descriptor.
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Actor is the bot's ActivityPub actor document.
type Actor struct {
	Context                   []string  `json:"@context"`
	ID                        string    `json:"id"`
	URL                       string    `json:"url"`
	Name                      string    `json:"name"`
	Type                      string    `json:"type"`
	Tag                       []any     `json:"tag"`
	Discoverable              bool      `json:"discoverable"`
	PreferredUsername         string    `json:"preferredUsername"`
	Summary                   string    `json:"summary"`
	MisskeySummary            string    `json:"_misskey_summary"`
	Inbox                     string    `json:"inbox"`
	Outbox                    string    `json:"outbox"`
	SharedInbox               string    `json:"sharedInbox"`
	Followers                 string    `json:"followers"`
	Following                 string    `json:"following"`
	AlsoKnownAs               []string  `json:"alsoKnownAs"`
	Icon                      Image     `json:"icon"`
	Image                     Image     `json:"image"`
	PublicKey                 PublicKey `json:"publicKey"`
	StartTime                 string    `json:"startTime"`
	ManuallyApprovesFollowers bool      `json:"manuallyApprovesFollowers"`
	Attachment                []any     `json:"attachment"`
}

// Link is a reference to a collection page.
type Link struct {
	Type string `json:"type"`
	Href string `json:"href"`
}

// OrderedCollection is a paged collection header.
type OrderedCollection struct {
	Context    []string `json:"@context"`
	ID         string   `json:"id"`
	Type       string   `json:"type"`
	TotalItems int64    `json:"totalItems"`
	First      *Link    `json:"first,omitempty"`
	Last       *Link    `json:"last,omitempty"`
}

// OrderedCollectionPage is one page of an ordered collection.
type OrderedCollectionPage struct {
	Context    []string `json:"@context"`
	ID         string   `json:"id"`
	Type       string   `json:"type"`
	PartOf     string   `json:"partOf"`
	Next       string   `json:"next,omitempty"`
	Prev       string   `json:"prev,omitempty"`
	TotalItems int64    `json:"totalItems"`
	Items      []any    `json:"orderedItems"`
}

// ActorID returns the bot's actor IRI for a public host.
func ActorID(host string) string {
	return fmt.Sprintf("https://%s/ap/kiiteitte", host)
}

// KeyID returns the bot's signing key id for a public host.
func KeyID(host string) string {
	return ActorID(host) + "#main-key"
}

// NoteID returns the public IRI of a play-history note.
func NoteID(host string, historyID int64) string {
	return fmt.Sprintf("https://%s/ap/history/%d", host, historyID)
}

// NewNote builds the Note for a play-history row. The HTML body links the
// nicovideo watch page and the cafe; the source carries the Misskey-flavored
// markdown equivalent.
func NewNote(host string, h *models.History) Note {
	id := NoteID(host, h.ID)
	watchURL := "https://nicovideo.jp/watch/" + h.VideoID
	title := html.EscapeString(h.Title)

	content := fmt.Sprintf(
		`<p><a href="%s">♪ %s</a> #%s #Kiite`+"\n"+
			`Kiite Cafeできいてます <a href="https://cafe.kiite.jp/">https://cafe.kiite.jp/</a></p>`,
		watchURL, title, h.VideoID)

	source := fmt.Sprintf(
		"[♪ <plain>%s</plain>](%s) #%s #Kiite\nKiite Cafeできいてます https://cafe.kiite.jp/",
		h.Title, watchURL, h.VideoID)

	return Note{
		Context:      ContextActivityStreams,
		Type:         "Note",
		ID:           id,
		URL:          id,
		Published:    h.Date.UTC().Format(time.RFC3339),
		To:           []string{PublicAudience},
		AttributedTo: ActorID(host),
		Content:      content,
		Source: Source{
			Content:   source,
			MediaType: "text/x.misskeymarkdown",
		},
	}
}

// NewCreate wraps a Note in its Create activity.
func NewCreate(host string, note Note) Create {
	return Create{
		Context:   ContextActivityStreams,
		ID:        note.ID + "/activity",
		Actor:     ActorID(host),
		Type:      "Create",
		Published: note.Published,
		Object:    note,
	}
}

// NewAccept builds the Accept response for an inbound Follow. The original
// Follow payload is echoed back untouched.
func NewAccept(host string, follow any) Accept {
	return Accept{
		Context: documentContext(),
		Type:    "Accept",
		Actor:   ActorID(host),
		Object:  follow,
	}
}

// NewActor builds the bot's actor document. startTime is when the current
// signing key was installed.
func NewActor(host, name, publicKeyPem string, startTime time.Time) Actor {
	actorID := ActorID(host)
	return Actor{
		Context:           documentContext(),
		ID:                actorID,
		URL:               "https://" + host,
		Name:              "Kiiteitte",
		Type:              "Service",
		Tag:               []any{},
		Discoverable:      true,
		PreferredUsername: name,
		Summary: `<p><a href="https://cafe.kiite.jp" target="_blank">Kiite Cafe</a> の曲を通知するBot。<br><br>` +
			`開発：<a href="https://voskey.icalo.net/@sevenc_nanashi" target="_blank">名無し｡</a><br>` +
			`ソースコード：<a href="https://github.com/kiiteitte/kiiteitte" target="_blank">kiiteitte/kiiteitte</a><br>` +
			`原作者：<a href="https://twitter.com/Zect3279" target="_blank">Zect</a>、<a href="https://twitter.com/melodynade" target="_blank">melonade</a></p>`,
		MisskeySummary: "[Kiite Cafe](https://cafe.kiite.jp) の曲を通知するBot。\n\n" +
			"開発：[名無し｡](https://voskey.icalo.net/@sevenc_nanashi)（@sevenc_nanashi@voskey.icalo.net）\n" +
			"ソースコード：[kiiteitte/kiiteitte](https://github.com/kiiteitte/kiiteitte)\n" +
			"原作者：[Zect](https://twitter.com/Zect3279)、[melonade](https://twitter.com/melodynade)（@melonade@fedibird.com）",
		Inbox:       fmt.Sprintf("https://%s/ap/inbox", host),
		Outbox:      fmt.Sprintf("https://%s/ap/outbox", host),
		SharedInbox: fmt.Sprintf("https://%s/ap/inbox", host),
		Followers:   fmt.Sprintf("https://%s/ap/followers", host),
		Following:   fmt.Sprintf("https://%s/ap/following", host),
		AlsoKnownAs: []string{"https://vocalodon.net/users/kiiteitte"},
		Icon: Image{
			Type:      "Image",
			MediaType: "image/png",
			URL:       fmt.Sprintf("https://%s/static/icon.png", host),
		},
		Image: Image{
			Type:      "Image",
			MediaType: "image/png",
			URL:       fmt.Sprintf("https://%s/static/bg.png", host),
		},
		PublicKey: PublicKey{
			ID:           KeyID(host),
			Owner:        actorID,
			PublicKeyPem: publicKeyPem,
		},
		StartTime:                 startTime.UTC().Format(time.RFC3339),
		ManuallyApprovesFollowers: false,
		Attachment:                []any{},
	}
}

// NewOrderedCollection builds a collection header pointing at its first page.
func NewOrderedCollection(id string, total int64, first, last *Link) OrderedCollection {
	return OrderedCollection{
		Context:    documentContext(),
		ID:         id,
		Type:       "OrderedCollection",
		TotalItems: total,
		First:      first,
		Last:       last,
	}
}

// NewOrderedCollectionPage builds one page of an ordered collection.
func NewOrderedCollectionPage(id, partOf string, total int64, items []any) OrderedCollectionPage {
	return OrderedCollectionPage{
		Context:    documentContext(),
		ID:         id,
		Type:       "OrderedCollectionPage",
		PartOf:     partOf,
		TotalItems: total,
		Items:      items,
	}
}
