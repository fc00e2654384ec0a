// Package ratelimit provides the three token buckets that bound the
// sync engine's traffic: outbound cloud calls, total inbound local
// requests, and per-thing inbound local requests.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrThrottled indicates an inbound request exceeded its bucket.
// Callers surface it to clients as "Too Many Requests" and never
// block on it.
var ErrThrottled = errors.New("ratelimit: too many requests")

// Default rates, tokens per second.
const (
	DefaultOutboundPerSecond        = 100
	DefaultInboundTotalPerSecond    = 200
	DefaultInboundPerThingPerSecond = 20
)

// Config holds the bucket rates. Zero values fall back to defaults.
type Config struct {
	OutboundPerSecond        int
	InboundTotalPerSecond    int
	InboundPerThingPerSecond int
}

// withDefaults fills zero fields with the default rates.
func (c Config) withDefaults() Config {
	if c.OutboundPerSecond <= 0 {
		c.OutboundPerSecond = DefaultOutboundPerSecond
	}

	if c.InboundTotalPerSecond <= 0 {
		c.InboundTotalPerSecond = DefaultInboundTotalPerSecond
	}

	if c.InboundPerThingPerSecond <= 0 {
		c.InboundPerThingPerSecond = DefaultInboundPerThingPerSecond
	}

	return c
}

// Limiter owns the three buckets. The outbound bucket blocks (the
// strategy worker waits for a permit before each cloud call); the
// inbound buckets fail fast with ErrThrottled.
type Limiter struct {
	outbound     *rate.Limiter
	inboundTotal *rate.Limiter

	perThingRate  rate.Limit
	perThingBurst int

	mu       sync.Mutex
	perThing map[string]*rate.Limiter

	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
}

// New creates a Limiter from the given config.
func New(cfg Config, logger *slog.Logger) *Limiter {
	cfg = cfg.withDefaults()

	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("rate limiter created",
		slog.Int("outbound_per_second", cfg.OutboundPerSecond),
		slog.Int("inbound_total_per_second", cfg.InboundTotalPerSecond),
		slog.Int("inbound_per_thing_per_second", cfg.InboundPerThingPerSecond),
	)

	return &Limiter{
		outbound:      rate.NewLimiter(rate.Limit(cfg.OutboundPerSecond), cfg.OutboundPerSecond),
		inboundTotal:  rate.NewLimiter(rate.Limit(cfg.InboundTotalPerSecond), cfg.InboundTotalPerSecond),
		perThingRate:  rate.Limit(cfg.InboundPerThingPerSecond),
		perThingBurst: cfg.InboundPerThingPerSecond,
		perThing:      make(map[string]*rate.Limiter),
		logger:        logger,
		nowFunc:       time.Now,
	}
}

// AcquireOutbound blocks until an outbound cloud-call permit is
// available or the context is canceled. The caller's retry window
// bounds the wait.
func (l *Limiter) AcquireOutbound(ctx context.Context) error {
	if err := l.outbound.Wait(ctx); err != nil {
		return fmt.Errorf("ratelimit: acquiring outbound permit: %w", err)
	}

	return nil
}

// AllowInbound consumes one permit from both the total bucket and the
// per-thing bucket for thingName. Fails fast with ErrThrottled when
// either bucket is empty. The per-thing bucket is shared by the
// classic and named shadows of a thing.
func (l *Limiter) AllowInbound(thingName string) error {
	now := l.nowFunc()

	if !l.inboundTotal.AllowN(now, 1) {
		l.logger.Debug("inbound total bucket exhausted")
		return fmt.Errorf("ratelimit: total inbound: %w", ErrThrottled)
	}

	if !l.thingBucket(thingName).AllowN(now, 1) {
		l.logger.Debug("inbound per-thing bucket exhausted",
			slog.String("thing", thingName),
		)

		return fmt.Errorf("ratelimit: thing %s: %w", thingName, ErrThrottled)
	}

	return nil
}

// thingBucket returns the bucket for a thing, creating it lazily.
func (l *Limiter) thingBucket(thingName string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.perThing[thingName]
	if !ok {
		b = rate.NewLimiter(l.perThingRate, l.perThingBurst)
		l.perThing[thingName] = b
	}

	return b
}
