package ratelimit

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimiter(cfg Config) *Limiter {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(cfg, logger)
}

func TestAllowInbound_PerThingIsolation(t *testing.T) {
	t.Parallel()

	l := testLimiter(Config{
		InboundTotalPerSecond:    1000,
		InboundPerThingPerSecond: 10,
	})

	now := time.Unix(1700000000, 0)
	l.nowFunc = func() time.Time { return now }

	// Exhaust T1's bucket.
	for range 10 {
		require.NoError(t, l.AllowInbound("T1"))
	}

	err := l.AllowInbound("T1")
	assert.ErrorIs(t, err, ErrThrottled)

	// T2 has its own bucket and still succeeds.
	assert.NoError(t, l.AllowInbound("T2"))

	// After a 1s wait, T1 refills.
	now = now.Add(time.Second)
	assert.NoError(t, l.AllowInbound("T1"))
}

func TestAllowInbound_TotalBucket(t *testing.T) {
	t.Parallel()

	l := testLimiter(Config{
		InboundTotalPerSecond:    5,
		InboundPerThingPerSecond: 1000,
	})

	now := time.Unix(1700000000, 0)
	l.nowFunc = func() time.Time { return now }

	for i := range 5 {
		require.NoError(t, l.AllowInbound("T1"), "request %d", i)
	}

	assert.ErrorIs(t, l.AllowInbound("T1"), ErrThrottled)
	// Total bucket throttles every thing, not just the noisy one.
	assert.ErrorIs(t, l.AllowInbound("T2"), ErrThrottled)
}

func TestAcquireOutbound_RespectsContext(t *testing.T) {
	t.Parallel()

	l := testLimiter(Config{OutboundPerSecond: 1})

	// Drain the burst.
	require.NoError(t, l.AcquireOutbound(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := l.AcquireOutbound(ctx)
	assert.Error(t, err)
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()

	assert.Equal(t, DefaultOutboundPerSecond, cfg.OutboundPerSecond)
	assert.Equal(t, DefaultInboundTotalPerSecond, cfg.InboundTotalPerSecond)
	assert.Equal(t, DefaultInboundPerThingPerSecond, cfg.InboundPerThingPerSecond)
}
