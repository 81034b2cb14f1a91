// Kiiteitte - Kiite Cafe now-playing ActivityPub bot
// Copyright 2026 Kiiteitte contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kiiteitte/kiiteitte

// Package mirror propagates finalized play-history rows to external mirrors:
// a spreadsheet webapp and a git-backed jsonl dataset. Rows flow through an
// in-process pub/sub bus so mirror failures never touch the watcher loop.
package mirror

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/kiiteitte/kiiteitte/internal/models"
)

// TopicHistoryRecorded carries finalized history rows to the mirror sinks.
const TopicHistoryRecorded = "history.recorded"

// TopicHistoryRecovered carries one whole catch-up batch per message.
const TopicHistoryRecovered = "history.recovered"

// Bus is the in-process pub/sub channel between the watcher and the mirror
// sinks.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger watermill.LoggerAdapter
}

// NewBus creates a Bus. Messages published with no subscriber attached are
// dropped, so consumers subscribe before the watcher starts publishing.
func NewBus(logger watermill.LoggerAdapter) *Bus {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
		}, logger),
		logger: logger,
	}
}

// PublishHistory emits one finalized history row to the mirror sinks.
func (b *Bus) PublishHistory(h *models.History) error {
	payload, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubsub.Publish(TopicHistoryRecorded, msg); err != nil {
		return fmt.Errorf("failed to publish history: %w", err)
	}
	return nil
}

// PublishHistoryBatch emits a set of recovered rows as one notification.
func (b *Bus) PublishHistoryBatch(rows []*models.History) error {
	payload, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("failed to marshal history batch: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubsub.Publish(TopicHistoryRecovered, msg); err != nil {
		return fmt.Errorf("failed to publish history batch: %w", err)
	}
	return nil
}

// Subscribe returns the history message stream. The channel closes when the
// context is canceled or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, TopicHistoryRecorded)
}

// SubscribeBatches returns the recovered-batch message stream.
func (b *Bus) SubscribeBatches(ctx context.Context) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, TopicHistoryRecovered)
}

// Close shuts the bus down.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// decodeHistory unmarshals a bus message payload back into a history row.
func decodeHistory(msg *message.Message) (*models.History, error) {
	var h models.History
	if err := json.Unmarshal(msg.Payload, &h); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history message %s: %w", msg.UUID, err)
	}
	return &h, nil
}

// decodeHistoryBatch unmarshals a recovered-batch payload.
func decodeHistoryBatch(msg *message.Message) ([]*models.History, error) {
	var rows []*models.History
	if err := json.Unmarshal(msg.Payload, &rows); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history batch %s: %w", msg.UUID, err)
	}
	return rows, nil
}
