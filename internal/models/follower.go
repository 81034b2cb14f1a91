// Kiiteitte - Kiite Cafe now-playing ActivityPub bot
// Copyright 2026 Kiiteitte contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kiiteitte/kiiteitte

package models

// Follower is a remote actor subscribed to the bot.
type Follower struct {
	ID          int64  `json:"id"`
	URL         string `json:"url"`
	Inbox       string `json:"inbox"`
	SharedInbox string `json:"shared_inbox"`
}

// DeliveryTarget returns the inbox deliveries should go to. The shared inbox
// wins when the instance advertises one so fan-out can dedupe per host.
func (f *Follower) DeliveryTarget() string {
	if f.SharedInbox != "" {
		return f.SharedInbox
	}
	return f.Inbox
}

// ActorKey is a cached remote actor public key, keyed by key id.
type ActorKey struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}
