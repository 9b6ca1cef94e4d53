package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge-ops/broker-gateway-go/internal/config"
	gwerrors "github.com/tradeforge-ops/broker-gateway-go/pkg/errors"
)

type fakeConn struct {
	healthy atomic.Bool
	closed  atomic.Bool
}

func newFakeConn(healthy bool) *fakeConn {
	c := &fakeConn{}
	c.healthy.Store(healthy)
	return c
}

func (c *fakeConn) Healthy() bool { return c.healthy.Load() }
func (c *fakeConn) Close() error  { c.closed.Store(true); return nil }

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		MaxSize:         3,
		CleanupInterval: 300,
		MonitorInterval: 60,
		IdleTTL:         300,
		HardTTL:         600,
		MinUseCount:     5,
	}
}

func healthyFactory(conns *[]*fakeConn) Factory {
	return func(ctx context.Context, key string) (Connection, error) {
		c := newFakeConn(true)
		*conns = append(*conns, c)
		return c, nil
	}
}

func TestPool_ReusesConnectionPerKey(t *testing.T) {
	var conns []*fakeConn
	p := New(healthyFactory(&conns), testPoolConfig(), logrus.New())
	defer p.Close()

	ctx := context.Background()
	c1, err := p.Acquire(ctx, "user-1:demo")
	require.NoError(t, err)
	p.Release(c1)

	c2, err := p.Acquire(ctx, "user-1:demo")
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, p.Size())
}

func TestPool_ExhaustedWhenFull(t *testing.T) {
	var conns []*fakeConn
	p := New(healthyFactory(&conns), testPoolConfig(), logrus.New())
	defer p.Close()

	ctx := context.Background()
	for i, key := range []string{"a", "b", "c"} {
		_, err := p.Acquire(ctx, key)
		require.NoError(t, err, "connection %d", i)
	}

	_, err := p.Acquire(ctx, "d")
	assert.ErrorIs(t, err, gwerrors.ErrPoolExhausted)
	assert.EqualValues(t, 1, p.GetStats().Exhaustions)
}

func TestPool_ConcurrentAcquireRespectsBound(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxSize = 1
	slowFactory := func(ctx context.Context, key string) (Connection, error) {
		time.Sleep(100 * time.Millisecond)
		return newFakeConn(true), nil
	}
	p := New(slowFactory, cfg, logrus.New())
	defer p.Close()

	var wg sync.WaitGroup
	var created, exhausted atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Acquire(context.Background(), "user-1:demo")
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, gwerrors.ErrPoolExhausted):
				exhausted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, p.Size())
	assert.GreaterOrEqual(t, created.Load(), int32(1))
	assert.EqualValues(t, 4, created.Load()+exhausted.Load())
}

func TestPool_FactoryErrorReleasesSlot(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxSize = 1
	var fail atomic.Bool
	fail.Store(true)
	factory := func(ctx context.Context, key string) (Connection, error) {
		if fail.Load() {
			return nil, errors.New("dial failed")
		}
		return newFakeConn(true), nil
	}
	p := New(factory, cfg, logrus.New())
	defer p.Close()

	_, err := p.Acquire(context.Background(), "user-1")
	require.Error(t, err)
	assert.Equal(t, 0, p.Size())

	fail.Store(false)
	_, err = p.Acquire(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Size())
}

func TestPool_UnhealthyConnectionNotHandedOut(t *testing.T) {
	var conns []*fakeConn
	p := New(healthyFactory(&conns), testPoolConfig(), logrus.New())
	defer p.Close()

	ctx := context.Background()
	c1, err := p.Acquire(ctx, "user-1")
	require.NoError(t, err)
	p.Release(c1)

	conns[0].healthy.Store(false)

	c2, err := p.Acquire(ctx, "user-1")
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.Equal(t, 2, p.Size())
}

func TestPool_ErrorBudgetEvicts(t *testing.T) {
	var conns []*fakeConn
	p := New(healthyFactory(&conns), testPoolConfig(), logrus.New())
	defer p.Close()

	ctx := context.Background()
	c, err := p.Acquire(ctx, "user-1")
	require.NoError(t, err)

	// Five errors inside the window stay under budget
	for i := 0; i < 5; i++ {
		p.ReportError(c)
	}
	assert.Equal(t, 1, p.Size())

	// The sixth crosses it
	p.ReportError(c)
	assert.Equal(t, 0, p.Size())
	assert.Eventually(t, conns[0].closed.Load, time.Second, 10*time.Millisecond)
}

func TestPool_LeastLoadedSelection(t *testing.T) {
	var conns []*fakeConn
	cfg := testPoolConfig()
	p := New(healthyFactory(&conns), cfg, logrus.New())
	defer p.Close()

	ctx := context.Background()

	// Two connections for the same key: acquire first, then force a second
	// by acquiring while the first is leased and unhealthy
	c1, err := p.Acquire(ctx, "user-1")
	require.NoError(t, err)
	conns[0].healthy.Store(false)
	c2, err := p.Acquire(ctx, "user-1")
	require.NoError(t, err)
	require.NotSame(t, c1, c2)
	conns[0].healthy.Store(true)
	p.Release(c1)
	p.Release(c2)

	// c1 has useCount 1, c2 has useCount 1; drive c1 higher
	got, _ := p.Acquire(ctx, "user-1")
	p.Release(got)
	got2, _ := p.Acquire(ctx, "user-1")
	p.Release(got2)

	// Both have been reused; counts stay balanced within one
	stats := p.GetStats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, 2, stats.Healthy)
}

func TestPool_SweepEvictsExpired(t *testing.T) {
	var conns []*fakeConn
	p := New(healthyFactory(&conns), testPoolConfig(), logrus.New())
	defer p.Close()

	ctx := context.Background()
	c, err := p.Acquire(ctx, "user-1")
	require.NoError(t, err)
	p.Release(c)

	// Backdate the entry past the idle TTL
	p.mu.Lock()
	for _, list := range p.entries {
		for _, e := range list {
			e.lastUsed = time.Now().Add(-301 * time.Second)
		}
	}
	p.sweepLocked(time.Now())
	p.mu.Unlock()

	assert.Equal(t, 0, p.Size())
}

func TestPool_IdleExpiredNotHandedOut(t *testing.T) {
	var conns []*fakeConn
	p := New(healthyFactory(&conns), testPoolConfig(), logrus.New())
	defer p.Close()

	ctx := context.Background()
	c1, err := p.Acquire(ctx, "user-1")
	require.NoError(t, err)
	p.Release(c1)

	p.mu.Lock()
	for _, list := range p.entries {
		for _, e := range list {
			e.lastUsed = time.Now().Add(-301 * time.Second)
		}
	}
	p.mu.Unlock()

	c2, err := p.Acquire(ctx, "user-1")
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
}

func TestPool_SweepKeepsWellUsedUntilHardTTL(t *testing.T) {
	var conns []*fakeConn
	p := New(healthyFactory(&conns), testPoolConfig(), logrus.New())
	defer p.Close()

	ctx := context.Background()
	c, err := p.Acquire(ctx, "user-1")
	require.NoError(t, err)
	p.Release(c)
	for i := 0; i < 4; i++ {
		got, err := p.Acquire(ctx, "user-1")
		require.NoError(t, err)
		p.Release(got)
	}

	// Past the soft TTL but under the hard TTL: enough use to survive
	p.mu.Lock()
	for _, list := range p.entries {
		for _, e := range list {
			e.lastUsed = time.Now().Add(-400 * time.Second)
		}
	}
	p.sweepLocked(time.Now())
	p.mu.Unlock()
	assert.Equal(t, 1, p.Size())

	// Past the hard TTL, use count no longer matters
	p.mu.Lock()
	for _, list := range p.entries {
		for _, e := range list {
			e.lastUsed = time.Now().Add(-601 * time.Second)
		}
	}
	p.sweepLocked(time.Now())
	p.mu.Unlock()
	assert.Equal(t, 0, p.Size())
}

func TestPool_SweepKeepsLeasedConnections(t *testing.T) {
	var conns []*fakeConn
	p := New(healthyFactory(&conns), testPoolConfig(), logrus.New())
	defer p.Close()

	ctx := context.Background()
	_, err := p.Acquire(ctx, "user-1")
	require.NoError(t, err)

	p.mu.Lock()
	for _, list := range p.entries {
		for _, e := range list {
			e.lastUsed = time.Now().Add(-time.Hour)
			e.createdAt = time.Now().Add(-time.Hour)
		}
	}
	p.sweepLocked(time.Now())
	p.mu.Unlock()

	// Still leased, so it survives
	assert.Equal(t, 1, p.Size())
}

func TestPool_DegradedHealthTriggersReset(t *testing.T) {
	var conns []*fakeConn
	p := New(healthyFactory(&conns), testPoolConfig(), logrus.New())
	defer p.Close()

	ctx := context.Background()
	for _, key := range []string{"a", "b", "c"} {
		c, err := p.Acquire(ctx, key)
		require.NoError(t, err)
		p.Release(c)
	}

	// Two of three unhealthy puts the ratio at 0.33
	conns[0].healthy.Store(false)
	conns[1].healthy.Store(false)

	p.checkHealth()

	assert.Equal(t, 0, p.Size())
	assert.EqualValues(t, 1, p.GetStats().Resets)
}
