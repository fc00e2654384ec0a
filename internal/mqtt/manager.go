package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/edgefleet/shadowd/internal/ratelimit"
	"github.com/edgefleet/shadowd/internal/shadow"
)

// Subscribe retry backoff bounds.
const (
	subscribeRetryInitial = 3 * time.Second
	subscribeRetryMax     = 60 * time.Second
)

// SyncSink receives accepted cloud events. Implemented by
// *sync.Handler.
type SyncSink interface {
	PushLocalUpdate(ctx context.Context, key shadow.Key, payload []byte) error
	PushLocalDelete(ctx context.Context, key shadow.Key, deletedCloudVersion int64) error
}

// InboundLimiter fail-fast gates inbound cloud events per thing.
// Implemented by *ratelimit.Limiter.
type InboundLimiter interface {
	AllowInbound(thingName string) error
}

// Manager keeps broker subscriptions aligned with the configured
// shadow set. Each shadow needs its update/accepted and
// delete/accepted topics; subscriptions that fail (broker offline,
// transient errors) are retried with doubling backoff until they
// stick.
type Manager struct {
	client  Client
	sink    SyncSink
	limiter InboundLimiter // nil means unlimited
	logger  *slog.Logger

	mu         stdsync.Mutex
	desired    map[string]shadow.Key // topic -> key
	subscribed map[string]struct{}

	wake   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
}

// NewManager creates a manager over a connected (or connecting)
// client.
func NewManager(client Client, sink SyncSink, limiter InboundLimiter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		client:     client,
		sink:       sink,
		limiter:    limiter,
		logger:     logger,
		desired:    make(map[string]shadow.Key),
		subscribed: make(map[string]struct{}),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Start launches the reconciliation loop.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.run(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}

	m.cancel()
	<-m.done
}

// SetShadows replaces the desired shadow set. Subscriptions for
// removed shadows are torn down; new ones are established by the
// loop.
func (m *Manager) SetShadows(keys []shadow.Key) {
	next := make(map[string]shadow.Key, 2*len(keys))
	for _, key := range keys {
		next[Topic(key, OpUpdateAccepted)] = key
		next[Topic(key, OpDeleteAccepted)] = key
	}

	m.mu.Lock()
	m.desired = next
	m.mu.Unlock()

	m.Wake()
}

// Wake nudges the reconciliation loop, typically after the broker
// session is re-established.
func (m *Manager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	backoff := subscribeRetryInitial

	for {
		settled := m.reconcile(ctx)
		if ctx.Err() != nil {
			return
		}

		if settled {
			backoff = subscribeRetryInitial

			select {
			case <-ctx.Done():
				return
			case <-m.wake:
			}

			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, subscribeRetryMax)
	}
}

// reconcile drives actual subscriptions toward the desired set.
// Returns true when nothing is left to do.
func (m *Manager) reconcile(ctx context.Context) bool {
	m.mu.Lock()
	var (
		toAdd    []string
		toRemove []string
	)

	for topic := range m.desired {
		if _, ok := m.subscribed[topic]; !ok {
			toAdd = append(toAdd, topic)
		}
	}

	for topic := range m.subscribed {
		if _, ok := m.desired[topic]; !ok {
			toRemove = append(toRemove, topic)
		}
	}
	m.mu.Unlock()

	if len(toAdd) == 0 && len(toRemove) == 0 {
		return true
	}

	if !m.client.Connected() {
		m.logger.Debug("broker offline, deferring subscription changes",
			slog.Int("pending", len(toAdd)+len(toRemove)),
		)

		return false
	}

	settled := true

	for _, topic := range toRemove {
		if err := m.client.Unsubscribe(ctx, topic); err != nil {
			m.logger.Warn("unsubscribe failed",
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)

			settled = false

			continue
		}

		m.mu.Lock()
		delete(m.subscribed, topic)
		m.mu.Unlock()
	}

	for _, topic := range toAdd {
		if err := m.client.Subscribe(ctx, topic, m.handleMessage); err != nil {
			m.logger.Warn("subscribe failed",
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)

			settled = false

			continue
		}

		m.logger.Debug("subscribed", slog.String("topic", topic))

		m.mu.Lock()
		m.subscribed[topic] = struct{}{}
		m.mu.Unlock()
	}

	return settled
}

// handleMessage routes an accepted cloud event into the sync queue.
func (m *Manager) handleMessage(msg Message) {
	key, op, ok := ParseTopic(msg.Topic)
	if !ok {
		m.logger.Debug("message outside shadow namespace",
			slog.String("topic", msg.Topic),
		)

		return
	}

	if m.limiter != nil {
		if err := m.limiter.AllowInbound(key.ThingName); err != nil {
			if errors.Is(err, ratelimit.ErrThrottled) {
				m.logger.Warn("inbound cloud event throttled",
					slog.String("shadow", key.String()),
				)

				return
			}

			m.logger.Warn("inbound limiter error", slog.String("error", err.Error()))

			return
		}
	}

	ctx := context.Background()

	switch op {
	case OpUpdateAccepted:
		if err := m.sink.PushLocalUpdate(ctx, key, msg.Payload); err != nil {
			m.logger.Warn("queueing cloud update failed",
				slog.String("shadow", key.String()),
				slog.String("error", err.Error()),
			)
		}

	case OpDeleteAccepted:
		var body struct {
			Version int64 `json:"version"`
		}
		if err := json.Unmarshal(msg.Payload, &body); err != nil {
			m.logger.Warn("unreadable delete event",
				slog.String("shadow", key.String()),
				slog.String("error", err.Error()),
			)

			return
		}

		if err := m.sink.PushLocalDelete(ctx, key, body.Version); err != nil {
			m.logger.Warn("queueing cloud delete failed",
				slog.String("shadow", key.String()),
				slog.String("error", err.Error()),
			)
		}

	default:
		m.logger.Debug("unhandled shadow topic operation",
			slog.String("topic", msg.Topic),
			slog.String("op", op),
		)
	}
}
