// Package stream runs live-stream sessions: one client, one tuner lease, one
// demodulator/transcoder pair, from accept to final teardown.
package stream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/euacreations/airwave/internal/channels"
	"github.com/euacreations/airwave/internal/models"
	"github.com/euacreations/airwave/internal/pipeline"
	"github.com/euacreations/airwave/internal/tuner"
)

const (
	// settleDelay sits between lease acquisition and the demodulator spawn.
	// Some USB receivers draw enough power that an immediate retune after
	// release destabilises a paired tuner on the same hub.
	settleDelay = 1 * time.Second

	watchdogInterval = 5 * time.Second
	stallTimeout     = 30 * time.Second

	copyBufferSize = 32 * 1024
)

// Manager builds sessions and tracks the active set for shutdown.
type Manager struct {
	arbiter    *tuner.Arbiter
	supervisor *pipeline.Supervisor
	registry   *channels.Registry
	confPath   string
	ready      func() bool
	log        zerolog.Logger

	mu     sync.Mutex
	active map[string]*Session
}

// NewManager wires the session factory. ready gates streaming on the first
// EPG scan; pass nil when EPG is disabled.
func NewManager(arbiter *tuner.Arbiter, supervisor *pipeline.Supervisor, registry *channels.Registry, confPath string, ready func() bool, log zerolog.Logger) *Manager {
	return &Manager{
		arbiter:    arbiter,
		supervisor: supervisor,
		registry:   registry,
		confPath:   confPath,
		ready:      ready,
		log:        log.With().Str("component", "stream").Logger(),
		active:     make(map[string]*Session),
	}
}

// Session is one live stream's lifetime.
type Session struct {
	ID      string
	Channel *models.Channel

	lease *tuner.Lease
	pair  *pipeline.Pair

	cancel   context.CancelFunc
	cleaning sync.Once

	log zerolog.Logger
}

// Serve streams the channel to w. Errors are returned only while a 4xx/5xx
// response is still possible; once headers are out, every failure resolves
// into teardown and a nil return.
func (m *Manager) Serve(reqCtx context.Context, w http.ResponseWriter, channelNumber string, opts pipeline.Options) error {
	ch, ok := m.registry.ByNumber(channelNumber)
	if !ok {
		return models.ErrChannelNotFound
	}

	if err := m.waitReady(reqCtx); err != nil {
		return err
	}

	opts = opts.Normalize()

	lease, err := m.arbiter.Acquire(reqCtx, tuner.KindLive)
	if err != nil {
		return err
	}

	select {
	case <-reqCtx.Done():
		lease.Release()
		return reqCtx.Err()
	case <-time.After(settleDelay):
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	s := &Session{
		ID:      id,
		Channel: ch,
		lease:   lease,
		cancel:  cancel,
		log: m.log.With().
			Str("session", id[:8]).
			Str("channel", ch.Number).
			Int("tuner", lease.TunerID).
			Logger(),
	}

	demodArgs := pipeline.DemodArgs(m.confPath, lease.TunerID, ch.Number, 0)
	pair, err := m.supervisor.SpawnPair(demodArgs, pipeline.BuildTranscodeArgs(opts))
	if err != nil {
		cancel()
		lease.Release()
		s.log.Error().Err(err).Msg("demodulator spawn failed")
		return models.ErrTunerError
	}
	s.pair = pair

	// Preemption reaches the session through the lease, not the other way
	// around.
	m.arbiter.RegisterCancel(lease, func() { s.terminate("preempted") })

	m.track(s)
	defer m.untrack(s)

	// Lease returns to the pool only after the demodulator exit event.
	go func() {
		<-pair.Releasable()
		lease.Release()
	}()

	w.Header().Set("Content-Type", opts.ContentType())
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	s.log.Info().Str("container", opts.Container).Str("codec", opts.Codec).Str("engine", opts.Engine).Msg("stream started")

	go s.watchdog(ctx)
	go func() {
		select {
		case <-reqCtx.Done():
			s.terminate("client disconnected")
		case <-pair.TranscoderExited():
			s.terminate("transcoder exited")
		case <-ctx.Done():
		}
	}()

	s.copyToClient(w)
	s.terminate("stream ended")
	return nil
}

func (m *Manager) waitReady(ctx context.Context) error {
	if m.ready == nil {
		return nil
	}
	for !m.ready() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return nil
}

// copyToClient pumps transcoder output to the socket, stamping the activity
// clock per write. TCP backpressure propagates naturally: a stalled client
// stops the transcoder, the clock freezes, and the watchdog ends the
// session.
func (s *Session) copyToClient(w http.ResponseWriter) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, copyBufferSize)

	for {
		n, rerr := s.pair.Output.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				if !pipeline.IsBrokenPipe(werr) {
					s.log.Warn().Err(werr).Strs("transcoder", s.pair.Scrollback()).Msg("client write failed")
				}
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			s.pair.MarkActivity()
		}
		if rerr != nil {
			return
		}
	}
}

// watchdog fires every tick and terminates the session when no output byte
// has crossed to the client within the stall timeout. It stops on teardown
// so a dying session cannot re-trigger it.
func (s *Session) watchdog(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(s.pair.LastOutput()) > stallTimeout {
				s.terminate("stalled")
				return
			}
		}
	}
}

// terminate is the single teardown sink. Every terminal event funnels here;
// re-entrant calls are no-ops.
func (s *Session) terminate(reason string) {
	s.cleaning.Do(func() {
		s.log.Info().Str("reason", reason).Msg("session ending")
		s.lease.MarkCleaning()
		s.cancel()
		s.pair.Teardown()
	})
}

func (m *Manager) track(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[s.ID] = s
}

func (m *Manager) untrack(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, s.ID)
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Shutdown terminates every active session and waits for their leases to
// come home.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.active))
	for _, s := range m.active {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.terminate("shutting down")
			<-s.pair.Releasable()
		}(s)
	}
	wg.Wait()
}
