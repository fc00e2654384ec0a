package mqtt

import "context"

// Message is one inbound publication.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler consumes inbound messages. Handlers must not block; the
// paho client delivers messages from its network loop.
type Handler func(Message)

// Client is the broker surface the subscription manager needs.
// Implemented by PahoClient; tests substitute an in-memory fake.
type Client interface {
	// Subscribe registers a handler for a topic at QoS 1.
	Subscribe(ctx context.Context, topic string, h Handler) error
	// Unsubscribe removes a topic subscription.
	Unsubscribe(ctx context.Context, topic string) error
	// Connected reports the current broker session state.
	Connected() bool
}

// ConnectionListener receives broker session transitions. The service
// uses them to trigger reconciliation when connectivity returns.
type ConnectionListener interface {
	OnConnect()
	OnConnectionLost(err error)
}
