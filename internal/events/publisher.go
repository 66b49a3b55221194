package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
)

// OrderPlacedMessage is the payload published after an order is accepted by the
// commerce backend.
type OrderPlacedMessage struct {
	OrderID     string    `json:"orderId"`
	UserID      string    `json:"userId"`
	Total       int64     `json:"total"`
	Currency    string    `json:"currency"`
	Fingerprint string    `json:"fingerprint"`
	PlacedAt    time.Time `json:"placedAt"`
}

// OrderPlacedPublisher emits order placement events for downstream consumers
// (fulfilment, analytics, email).
type OrderPlacedPublisher interface {
	PublishOrderPlaced(ctx context.Context, message OrderPlacedMessage) (string, error)
}

// PubSubOrderPublisher publishes order placement events to a Pub/Sub topic.
type PubSubOrderPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubOrderPublisher constructs a Pub/Sub backed order event publisher.
func NewPubSubOrderPublisher(topic *pubsub.Topic) (*PubSubOrderPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order publisher: topic is required")
	}
	return &PubSubOrderPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishOrderPlaced enqueues the order placed event on the configured topic.
func (p *PubSubOrderPublisher) PublishOrderPlaced(ctx context.Context, message OrderPlacedMessage) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub order publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal order placed event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "orderId", message.OrderID)
	setAttr(attrs, "userId", message.UserID)
	setAttr(attrs, "currency", message.Currency)
	setAttr(attrs, "fingerprint", message.Fingerprint)
	if message.Total > 0 {
		attrs["total"] = strconv.FormatInt(message.Total, 10)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish order placed event: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
