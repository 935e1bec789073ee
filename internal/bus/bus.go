// Package bus defines the Dispatcher's message-bus boundary. Construction
// of the underlying bus client lives with the embedding process; this
// package is the interface, nothing more.
//
// The inbound and outbound sides are asymmetric on purpose. Inbound
// deliveries all arrive on one well-known request topic, which fits
// encore.dev/pubsub's compile-time Topic[T] declaration cleanly (see
// dispatcher/subscription.go). Outbound replies, however, target whatever
// reply topic the calling client named in the request, a name not known
// until the message is parsed. Publisher therefore takes the topic name per
// call; the Encore adapter in dispatcher/subscription.go publishes every
// reply on one static topic and carries that name inside the event.
package bus

import "context"

// Delivery is one inbound bus message awaiting processing. Ack and Nack are
// each safe to call at most once; the Dispatcher always calls Ack exactly
// once per delivery, and never Nack.
type Delivery struct {
	Body []byte
	Ack  func()
	Nack func()
}

// Subscriber yields inbound deliveries from the request topic.
type Subscriber interface {
	Deliveries() <-chan Delivery
}

// Publisher delivers a processed Message body to a caller-chosen reply
// topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, body []byte) error
}
