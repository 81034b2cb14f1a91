// Kiiteitte - Kiite Cafe now-playing ActivityPub bot
// Copyright 2026 Kiiteitte contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kiiteitte/kiiteitte

package activity

import (
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/kiiteitte/kiiteitte/internal/models"
)

func testRecord() *models.History {
	return &models.History{
		ID:      123,
		VideoID: "sm9",
		Title:   "新・豪血寺一族 -煩悩解放 - レッツゴー！陰陽師",
		Author:  "author",
		Date:    time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNewNote(t *testing.T) {
	note := NewNote("kiiteitte.example", testRecord())

	if note.ID != "https://kiiteitte.example/ap/history/123" {
		t.Errorf("unexpected note id: %s", note.ID)
	}
	if note.URL != note.ID {
		t.Errorf("url should equal id, got %s", note.URL)
	}
	if note.AttributedTo != "https://kiiteitte.example/ap/kiiteitte" {
		t.Errorf("unexpected attributedTo: %s", note.AttributedTo)
	}
	if len(note.To) != 1 || note.To[0] != PublicAudience {
		t.Errorf("note should address the public collection, got %v", note.To)
	}
	if note.Published != "2026-09-01T12:00:00Z" {
		t.Errorf("unexpected published: %s", note.Published)
	}
	if !strings.Contains(note.Content, `<a href="https://nicovideo.jp/watch/sm9">`) {
		t.Errorf("content missing watch link: %s", note.Content)
	}
	if !strings.Contains(note.Content, "#sm9 #Kiite") {
		t.Errorf("content missing hashtags: %s", note.Content)
	}
	if note.Source.MediaType != "text/x.misskeymarkdown" {
		t.Errorf("unexpected source media type: %s", note.Source.MediaType)
	}
	if !strings.Contains(note.Source.Content, "[♪ <plain>") {
		t.Errorf("source missing plain-wrapped title: %s", note.Source.Content)
	}
}

func TestNewNote_EscapesTitle(t *testing.T) {
	h := testRecord()
	h.Title = `<script>alert("x")</script>`
	note := NewNote("kiiteitte.example", h)

	if strings.Contains(note.Content, "<script>") {
		t.Errorf("title not escaped in HTML content: %s", note.Content)
	}
	// The markdown source keeps the raw title inside <plain>.
	if !strings.Contains(note.Source.Content, `<plain><script>alert("x")</script></plain>`) {
		t.Errorf("source should carry the raw title: %s", note.Source.Content)
	}
}

func TestNewCreate(t *testing.T) {
	note := NewNote("kiiteitte.example", testRecord())
	create := NewCreate("kiiteitte.example", note)

	if create.ID != note.ID+"/activity" {
		t.Errorf("unexpected create id: %s", create.ID)
	}
	if create.Actor != "https://kiiteitte.example/ap/kiiteitte" {
		t.Errorf("unexpected actor: %s", create.Actor)
	}
	if create.Published != note.Published {
		t.Errorf("create should inherit note published time")
	}
	if create.Object.ID != note.ID {
		t.Errorf("create object mismatch")
	}
}

func TestNewActor(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	actor := NewActor("kiiteitte.example", "kiiteitte", "PEM", start)

	if actor.ID != "https://kiiteitte.example/ap/kiiteitte" {
		t.Errorf("unexpected actor id: %s", actor.ID)
	}
	if actor.Type != "Service" {
		t.Errorf("actor type = %s, want Service", actor.Type)
	}
	if actor.PublicKey.ID != "https://kiiteitte.example/ap/kiiteitte#main-key" {
		t.Errorf("unexpected key id: %s", actor.PublicKey.ID)
	}
	if actor.PublicKey.Owner != actor.ID {
		t.Errorf("key owner should be the actor")
	}
	if actor.Inbox != "https://kiiteitte.example/ap/inbox" || actor.SharedInbox != actor.Inbox {
		t.Errorf("inbox and sharedInbox should match: %s / %s", actor.Inbox, actor.SharedInbox)
	}
	if actor.ManuallyApprovesFollowers {
		t.Error("follows must be auto-approved")
	}

	// Empty slices must serialize as [] rather than null.
	data, err := json.Marshal(actor)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if strings.Contains(string(data), `"tag":null`) || strings.Contains(string(data), `"attachment":null`) {
		t.Errorf("empty fields serialized as null: %s", data)
	}
}

func TestNewAccept_EchoesFollow(t *testing.T) {
	follow := map[string]any{
		"type":   "Follow",
		"actor":  "https://a.example/users/alice",
		"object": "https://kiiteitte.example/ap/kiiteitte",
	}
	accept := NewAccept("kiiteitte.example", follow)

	if accept.Type != "Accept" {
		t.Errorf("type = %s, want Accept", accept.Type)
	}
	obj, ok := accept.Object.(map[string]any)
	if !ok || obj["actor"] != "https://a.example/users/alice" {
		t.Errorf("accept should echo the follow payload: %+v", accept.Object)
	}
}

func TestNewOrderedCollection(t *testing.T) {
	first := &Link{Type: "Link", Href: "https://kiiteitte.example/ap/followers?page=true"}
	col := NewOrderedCollection("https://kiiteitte.example/ap/followers", 42, first, nil)

	if col.Type != "OrderedCollection" || col.TotalItems != 42 {
		t.Errorf("unexpected collection: %+v", col)
	}

	data, err := json.Marshal(col)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if strings.Contains(string(data), `"last"`) {
		t.Errorf("nil last link should be omitted: %s", data)
	}
}
