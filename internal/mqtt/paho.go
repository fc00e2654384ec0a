package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Options configures the broker connection.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	KeepAlive time.Duration
}

// PahoClient adapts the paho library to the Client interface. The
// underlying client reconnects automatically and resumes a persistent
// session, so subscriptions survive short outages; the listener is
// still notified so the service can schedule a reconciliation.
type PahoClient struct {
	client   pahomqtt.Client
	logger   *slog.Logger
	listener ConnectionListener
}

// NewPahoClient builds a client for the given broker. Connect must be
// called before use.
func NewPahoClient(opts Options, listener ConnectionListener, logger *slog.Logger) *PahoClient {
	if logger == nil {
		logger = slog.Default()
	}

	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 30 * time.Second
	}

	p := &PahoClient{logger: logger, listener: listener}

	clientOpts := pahomqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetKeepAlive(opts.KeepAlive).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(false).
		SetOnConnectHandler(func(pahomqtt.Client) {
			p.logger.Info("mqtt connected", slog.String("broker", opts.BrokerURL))

			if p.listener != nil {
				p.listener.OnConnect()
			}
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.logger.Warn("mqtt connection lost", slog.String("error", err.Error()))

			if p.listener != nil {
				p.listener.OnConnectionLost(err)
			}
		})

	p.client = pahomqtt.NewClient(clientOpts)

	return p
}

// Connect establishes the broker session.
func (p *PahoClient) Connect(ctx context.Context) error {
	if err := p.wait(ctx, p.client.Connect()); err != nil {
		return fmt.Errorf("mqtt: connecting: %w", err)
	}

	return nil
}

// Disconnect closes the session, allowing in-flight work a short
// grace period.
func (p *PahoClient) Disconnect() {
	p.client.Disconnect(250)
}

// Subscribe registers a handler at QoS 1.
func (p *PahoClient) Subscribe(ctx context.Context, topic string, h Handler) error {
	token := p.client.Subscribe(topic, 1, func(_ pahomqtt.Client, m pahomqtt.Message) {
		h(Message{Topic: m.Topic(), Payload: m.Payload()})
	})

	if err := p.wait(ctx, token); err != nil {
		return fmt.Errorf("mqtt: subscribing to %s: %w", topic, err)
	}

	return nil
}

// Unsubscribe removes a topic subscription.
func (p *PahoClient) Unsubscribe(ctx context.Context, topic string) error {
	if err := p.wait(ctx, p.client.Unsubscribe(topic)); err != nil {
		return fmt.Errorf("mqtt: unsubscribing from %s: %w", topic, err)
	}

	return nil
}

// Connected reports the session state.
func (p *PahoClient) Connected() bool {
	return p.client.IsConnectionOpen()
}

// wait blocks on a paho token, honoring context cancellation.
func (p *PahoClient) wait(ctx context.Context, token pahomqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
