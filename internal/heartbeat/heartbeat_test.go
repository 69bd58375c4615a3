package heartbeat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeater_FirstBeatIsImmediate(t *testing.T) {
	fired := make(chan struct{}, 1)
	h := New(func(ctx context.Context) error {
		fired <- struct{}{}
		return nil
	}, 300, zerolog.Nop())

	h.Start(context.Background())
	defer h.Stop()

	select {
	case <-fired:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected immediate first heartbeat")
	}
}

func TestHeartbeater_ErrorDelayGrowsAndResets(t *testing.T) {
	var calls int32
	h := New(func(ctx context.Context) error {
		n := atomic.AddInt32(&calls, 1)
		if n <= 2 {
			return errors.New("transient failure")
		}
		return nil
	}, 0.001, zerolog.Nop())

	require.Equal(t, initialErrorDelay, h.ErrorDelay())

	h.Start(context.Background())
	defer h.Stop()

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&calls) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Greater(t, h.ErrorDelay(), initialErrorDelay, "expected error delay to have grown after failures")

	for atomic.LoadInt32(&calls) < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, initialErrorDelay, h.ErrorDelay(), "expected error delay reset to initial after success")
}

func TestHeartbeater_StopIsIdempotent(t *testing.T) {
	h := New(func(ctx context.Context) error { return nil }, 300, zerolog.Nop())
	h.Start(context.Background())
	h.Stop()
	h.Stop() // must not panic or hang
}

func TestHeartbeater_ForceCollapsesMultipleSignals(t *testing.T) {
	h := New(func(ctx context.Context) error { return nil }, 300, zerolog.Nop())
	h.Force()
	h.Force()
	h.Force()
	// Repeated forces before Start neither block nor queue up: exactly one
	// force is left pending.
	if pending := len(h.forceCh); pending != 1 {
		t.Fatalf("expected 1 pending force, got %d", pending)
	}
	h.Start(context.Background())
	h.Stop()
}
