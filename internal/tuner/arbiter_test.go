package tuner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/euacreations/airwave/internal/models"
)

func newTestArbiter(n int, preemption bool) *Arbiter {
	return NewArbiter(n, preemption, zerolog.Nop())
}

func TestAcquireRoundRobin(t *testing.T) {
	a := newTestArbiter(3, false)
	ctx := context.Background()

	l0, err := a.Acquire(ctx, KindLive)
	require.NoError(t, err)
	assert.Equal(t, 0, l0.TunerID)

	l1, err := a.Acquire(ctx, KindLive)
	require.NoError(t, err)
	assert.Equal(t, 1, l1.TunerID)

	// Releasing tuner 0 should not pull the next grant back to it; the
	// search starts one past the last grant.
	a.Release(l0)
	l2, err := a.Acquire(ctx, KindLive)
	require.NoError(t, err)
	assert.Equal(t, 2, l2.TunerID)

	l3, err := a.Acquire(ctx, KindLive)
	require.NoError(t, err)
	assert.Equal(t, 0, l3.TunerID)
}

func TestLeaseCountNeverExceedsPool(t *testing.T) {
	a := newTestArbiter(2, false)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var mu sync.Mutex
	granted := 0

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l, err := a.Acquire(ctx, KindLive); err == nil && l != nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, granted, 2)
	assert.Equal(t, 2, granted)
}

func TestReleaseIdempotent(t *testing.T) {
	a := newTestArbiter(1, false)

	l, err := a.Acquire(context.Background(), KindEPG)
	require.NoError(t, err)

	a.Release(l)
	a.Release(l)
	l.Release()

	assert.True(t, a.AllIdle())

	// The slot is grantable again exactly once.
	_, err = a.Acquire(context.Background(), KindLive)
	require.NoError(t, err)
	assert.False(t, a.AllIdle())
}

func TestLiveNeverPreemptsEPG(t *testing.T) {
	a := newTestArbiter(1, true)

	epgLease, err := a.Acquire(context.Background(), KindEPG)
	require.NoError(t, err)

	cancelled := false
	a.RegisterCancel(epgLease, func() { cancelled = true })

	// The wait budget has to run out before the refusal surfaces.
	_, err = a.Acquire(context.Background(), KindLive)
	assert.True(t, errors.Is(err, models.ErrNoTunerAvailable))
	assert.False(t, cancelled)
}

func TestLivePreemptsLiveWhenEnabled(t *testing.T) {
	a := newTestArbiter(1, true)

	victim, err := a.Acquire(context.Background(), KindLive)
	require.NoError(t, err)
	a.RegisterCancel(victim, func() {
		// Simulate the session's asynchronous teardown.
		go func() {
			time.Sleep(50 * time.Millisecond)
			a.Release(victim)
		}()
	})

	l, err := a.Acquire(context.Background(), KindLive)
	require.NoError(t, err)
	assert.Equal(t, 0, l.TunerID)
}

func TestLivePreemptionDisabledByDefault(t *testing.T) {
	a := newTestArbiter(1, false)

	victim, err := a.Acquire(context.Background(), KindLive)
	require.NoError(t, err)
	a.RegisterCancel(victim, func() { t.Error("victim cancelled with preemption disabled") })

	_, err = a.Acquire(context.Background(), KindLive)
	assert.True(t, errors.Is(err, models.ErrNoTunerAvailable))
}

func TestDVRPreemptsEPG(t *testing.T) {
	a := newTestArbiter(1, false)

	victim, err := a.Acquire(context.Background(), KindEPG)
	require.NoError(t, err)
	a.RegisterCancel(victim, func() {
		go a.Release(victim)
	})

	l, err := a.Acquire(context.Background(), KindDVR)
	require.NoError(t, err)
	assert.Equal(t, KindDVR, l.Kind)
}

func TestAcquireHonoursContext(t *testing.T) {
	a := newTestArbiter(1, false)

	_, err := a.Acquire(context.Background(), KindLive)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = a.Acquire(ctx, KindLive)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestAllIdleAndCleaning(t *testing.T) {
	a := newTestArbiter(2, false)
	assert.True(t, a.AllIdle())

	l, err := a.Acquire(context.Background(), KindLive)
	require.NoError(t, err)
	assert.False(t, a.AllIdle())

	l.MarkCleaning()
	assert.Equal(t, []string{"cleaning", "idle"}, a.States())
	assert.False(t, a.AllIdle())

	a.Release(l)
	assert.True(t, a.AllIdle())

	// MarkCleaning after release must not dirty the slot.
	l.MarkCleaning()
	assert.True(t, a.AllIdle())
}
