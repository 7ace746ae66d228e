// Package tuner owns the pool of physical receivers and mediates exclusive
// access to them between live streaming, EPG scanning and recording.
package tuner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/euacreations/airwave/internal/models"
)

// LeaseKind identifies the workload holding a tuner.
type LeaseKind string

const (
	KindLive LeaseKind = "live"
	KindEPG  LeaseKind = "epg"
	KindDVR  LeaseKind = "dvr"
)

// State is the lease state of one tuner. Transitions are serialised by the
// Arbiter; nothing else mutates it.
type State int

const (
	StateIdle State = iota
	StateLive
	StateEPG
	StateDVR
	StateCleaning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLive:
		return "live"
	case StateEPG:
		return "epg"
	case StateDVR:
		return "dvr"
	case StateCleaning:
		return "cleaning"
	}
	return "unknown"
}

func stateFor(kind LeaseKind) State {
	switch kind {
	case KindLive:
		return StateLive
	case KindEPG:
		return StateEPG
	case KindDVR:
		return StateDVR
	}
	return StateIdle
}

type slot struct {
	id     int
	device string
	state  State
	// cancel is the current holder's teardown trigger, registered by the
	// session so preemption never has to reach into the session itself.
	cancel func()
}

// Arbiter grants and revokes exclusive tuner leases. It is the single source
// of truth for lease state.
type Arbiter struct {
	mu          sync.Mutex
	slots       []*slot
	lastGranted int
	preemption  bool
	log         zerolog.Logger
}

const (
	acquireBudget  = 5 * time.Second
	retryDelay     = 500 * time.Millisecond
	preemptPoll    = 200 * time.Millisecond
	preemptTimeout = 3 * time.Second
)

// NewArbiter builds an arbiter over n adapters. Device paths follow the
// Linux DVB convention and are handed to the demodulator by adapter id.
func NewArbiter(n int, preemptionEnabled bool, log zerolog.Logger) *Arbiter {
	a := &Arbiter{
		lastGranted: -1,
		preemption:  preemptionEnabled,
		log:         log.With().Str("component", "arbiter").Logger(),
	}
	for i := 0; i < n; i++ {
		a.slots = append(a.slots, &slot{
			id:     i,
			device: fmt.Sprintf("/dev/dvb/adapter%d", i),
		})
	}
	return a
}

// Lease is one granted tuner. Release through the arbiter is idempotent.
type Lease struct {
	TunerID int
	Device  string
	Kind    LeaseKind

	arbiter  *Arbiter
	released bool
	mu       sync.Mutex
}

// Acquire grants an idle tuner, preempting a lower-ranked holder when the
// policy allows it. It retries within a bounded wait budget and returns
// models.ErrNoTunerAvailable on exhaustion so the caller can reply 503.
func (a *Arbiter) Acquire(ctx context.Context, kind LeaseKind) (*Lease, error) {
	deadline := time.Now().Add(acquireBudget)

	for {
		if lease := a.tryAcquireFree(kind); lease != nil {
			return lease, nil
		}

		if victim := a.pickVictim(kind); victim != nil {
			a.preempt(ctx, victim)
			// Re-run the free search right away; the victim's teardown
			// has usually returned the slot by now.
			if lease := a.tryAcquireFree(kind); lease != nil {
				return lease, nil
			}
		}

		if time.Now().After(deadline) {
			return nil, models.ErrNoTunerAvailable
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

// tryAcquireFree runs the round-robin free search starting one past the
// previous grant, so load spreads across adapters instead of hammering
// adapter 0.
func (a *Arbiter) tryAcquireFree(kind LeaseKind) *Lease {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.slots)
	for off := 1; off <= n; off++ {
		i := (a.lastGranted + off) % n
		if a.slots[i].state != StateIdle {
			continue
		}
		a.slots[i].state = stateFor(kind)
		a.slots[i].cancel = nil
		a.lastGranted = i

		a.log.Debug().Int("tuner", i).Str("kind", string(kind)).Msg("lease granted")
		return &Lease{
			TunerID: i,
			Device:  a.slots[i].device,
			Kind:    kind,
			arbiter: a,
		}
	}
	return nil
}

// pickVictim applies the preemption matrix: dvr may take live or epg, live
// may take another live only when preemption is enabled, epg takes nothing.
// An in-progress scan is never preempted by a viewer; it releases itself
// within seconds.
func (a *Arbiter) pickVictim(kind LeaseKind) *slot {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range a.slots {
		switch kind {
		case KindDVR:
			if s.state == StateLive || s.state == StateEPG {
				return s
			}
		case KindLive:
			if a.preemption && s.state == StateLive {
				return s
			}
		}
	}
	return nil
}

// preempt fires the victim's cancel trigger and polls for the slot to come
// back to idle.
func (a *Arbiter) preempt(ctx context.Context, victim *slot) {
	a.mu.Lock()
	cancel := victim.cancel
	id := victim.id
	a.mu.Unlock()

	a.log.Info().Int("tuner", id).Msg("preempting lease")
	if cancel != nil {
		cancel()
	}

	waitUntil := time.Now().Add(preemptTimeout)
	for time.Now().Before(waitUntil) {
		a.mu.Lock()
		idle := victim.state == StateIdle
		a.mu.Unlock()
		if idle {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(preemptPoll):
		}
	}
	a.log.Warn().Int("tuner", id).Msg("preempted lease did not release in time")
}

// RegisterCancel attaches the holder's teardown trigger to the lease so the
// arbiter can preempt it later.
func (a *Arbiter) RegisterCancel(l *Lease, cancel func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.slots[l.TunerID].cancel = cancel
}

// MarkCleaning flags the tuner as tearing down. Cleaning slots are neither
// grantable nor preemptible.
func (l *Lease) MarkCleaning() {
	l.mu.Lock()
	released := l.released
	l.mu.Unlock()
	if released {
		return
	}

	l.arbiter.mu.Lock()
	defer l.arbiter.mu.Unlock()
	l.arbiter.slots[l.TunerID].state = StateCleaning
}

// Release returns the tuner to the pool. It is idempotent; the second and
// later calls are no-ops.
func (a *Arbiter) Release(l *Lease) {
	if l == nil {
		return
	}
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()

	a.mu.Lock()
	a.slots[l.TunerID].state = StateIdle
	a.slots[l.TunerID].cancel = nil
	a.mu.Unlock()

	a.log.Debug().Int("tuner", l.TunerID).Str("kind", string(l.Kind)).Msg("lease released")
}

// Release through the lease handle, for callers that only hold the lease.
func (l *Lease) Release() {
	if l != nil {
		l.arbiter.Release(l)
	}
}

// AllIdle reports whether every tuner is currently unleased. The EPG
// orchestrator checks this once, atomically, before starting a scan.
func (a *Arbiter) AllIdle() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.slots {
		if s.state != StateIdle {
			return false
		}
	}
	return true
}

// Count returns the pool size.
func (a *Arbiter) Count() int {
	return len(a.slots)
}

// States returns a snapshot of per-tuner lease states for diagnostics.
func (a *Arbiter) States() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.slots))
	for i, s := range a.slots {
		out[i] = s.state.String()
	}
	return out
}
