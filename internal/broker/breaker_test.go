package broker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/tradeforge-ops/broker-gateway-go/pkg/errors"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(5, 60*time.Second, nil)
	boom := errors.New("dial failed")

	for i := 0; i < 4; i++ {
		err := cb.Call(func() error { return boom })
		require.ErrorIs(t, err, boom)
		assert.Equal(t, StateClosed, cb.State())
	}

	err := cb.Call(func() error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StateOpen, cb.State())

	// While open, attempts are rejected without running fn
	called := false
	err = cb.Call(func() error { called = true; return nil })
	assert.ErrorIs(t, err, gwerrors.ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(5, 60*time.Second, nil)
	boom := errors.New("dial failed")

	for i := 0; i < 4; i++ {
		cb.Call(func() error { return boom })
	}
	require.NoError(t, cb.Call(func() error { return nil }))

	// Four more failures should not trip the breaker
	for i := 0; i < 4; i++ {
		cb.Call(func() error { return boom })
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker(2, 50*time.Millisecond, nil)
	boom := errors.New("dial failed")

	cb.Call(func() error { return boom })
	cb.Call(func() error { return boom })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(60 * time.Millisecond)

	// First attempt after the reset timeout is the half-open probe
	require.NoError(t, cb.Call(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(2, 50*time.Millisecond, nil)
	boom := errors.New("dial failed")

	cb.Call(func() error { return boom })
	cb.Call(func() error { return boom })
	time.Sleep(60 * time.Millisecond)

	require.ErrorIs(t, cb.Call(func() error { return boom }), boom)
	assert.Equal(t, StateOpen, cb.State())

	// Immediately after the failed probe, attempts are rejected again
	err := cb.Call(func() error { return nil })
	assert.ErrorIs(t, err, gwerrors.ErrCircuitOpen)
}

func TestCircuitBreaker_HalfOpenSingleProbe(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond, nil)
	cb.Call(func() error { return errors.New("dial failed") })
	time.Sleep(20 * time.Millisecond)

	// Only one concurrent caller may probe while half-open
	var mu sync.Mutex
	admitted := 0
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cb.Allow() {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, admitted)
}
