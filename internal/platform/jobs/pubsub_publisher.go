package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/marketgrid/policy-engine/internal/platform/textutil"
	"github.com/marketgrid/policy-engine/internal/services"
)

// PubSubEventPublisher publishes lifecycle events to the event topic.
type PubSubEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubEventPublisher constructs a Pub/Sub backed event publisher.
func NewPubSubEventPublisher(topic *pubsub.Topic) (*PubSubEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub event publisher: topic is required")
	}
	return &PubSubEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishEvent enqueues a lifecycle event message on the configured topic.
func (p *PubSubEventPublisher) PublishEvent(ctx context.Context, message services.EventMessage) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub event publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventId", message.EventID)
	setAttr(attrs, "orderItemId", message.OrderItemID)
	setAttr(attrs, "event", message.Event)
	setAttr(attrs, "toState", message.ToState)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish event: %w", err)
	}
	return id, nil
}

// PubSubNotificationSink publishes buyer and seller notifications. Delivery is
// fire-and-forget from the engine's perspective; downstream workers own retries.
type PubSubNotificationSink struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubNotificationSink constructs a Pub/Sub backed notification sink.
func NewPubSubNotificationSink(topic *pubsub.Topic) (*PubSubNotificationSink, error) {
	if topic == nil {
		return nil, errors.New("pubsub notification sink: topic is required")
	}
	return &PubSubNotificationSink{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishNotification enqueues a notification message on the configured topic.
func (p *PubSubNotificationSink) PublishNotification(ctx context.Context, message services.Notification) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub notification sink: not initialised")
	}

	message.Payload = textutil.NormalizeStringMap(message.Payload)

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal notification: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "kind", message.Kind)
	setAttr(attrs, "orderItemId", message.OrderItemID)
	setAttr(attrs, "returnId", message.ReturnRequestID)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish notification: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
