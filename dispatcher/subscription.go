package dispatcher

import (
	"context"
	"encoding/json"

	"encore.dev/pubsub"

	"encore.app/internal/bus"
)

// RequestEvent carries one raw inbound analytics request. The body is kept
// opaque here: parsing, validation, and the drop-on-malformed policy all
// live in the dispatcher itself, not in the transport.
type RequestEvent struct {
	Body json.RawMessage `json:"body"`
}

// ReplyEvent carries one processed Message toward its caller-chosen reply
// topic. Encore topics are declared at compile time, so the dynamic reply
// topic name travels inside the event; the bus bridge that fans replies
// out to the named topics lives with the embedding process.
type ReplyEvent struct {
	Topic string          `json:"topic"`
	Body  json.RawMessage `json:"body"`
}

// Pub/Sub topic definitions for the analytics worker.
var AnalyticsRequestTopic = pubsub.NewTopic[*RequestEvent](
	"analytics-requests",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

var AnalyticsReplyTopic = pubsub.NewTopic[*ReplyEvent](
	"analytics-replies",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// Subscribe to inbound analytics requests.
var _ = pubsub.NewSubscription(
	AnalyticsRequestTopic,
	"dispatcher",
	pubsub.SubscriptionConfig[*RequestEvent]{
		Handler: HandleRequestEvent,
	},
)

// HandleRequestEvent runs the dispatcher state machine for one delivery.
// It always returns nil: malformed messages are dropped, and handler
// failures are folded into the published reply rather than redelivered.
func HandleRequestEvent(ctx context.Context, ev *RequestEvent) error {
	if svc == nil {
		return nil // Service not initialized yet
	}
	svc.handleDelivery(ctx, bus.Delivery{
		Body: ev.Body,
		Ack:  func() {},
		Nack: func() {},
	})
	return nil
}

// topicPublisher adapts the reply topic to the bus.Publisher boundary.
type topicPublisher struct{}

func (topicPublisher) Publish(ctx context.Context, topic string, body []byte) error {
	_, err := AnalyticsReplyTopic.Publish(ctx, &ReplyEvent{Topic: topic, Body: body})
	return err
}
