package epg

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/euacreations/airwave/internal/channels"
	"github.com/euacreations/airwave/internal/pipeline"
	"github.com/euacreations/airwave/internal/tuner"
)

const (
	deepScanTimeout  = 30 * time.Second
	quickScanTimeout = 15 * time.Second
	scanInterval     = 15 * time.Minute
	interMuxDelay    = 2 * time.Second
)

// Scanner walks every distinct frequency in the lineup, captures the PSIP
// tables through a leased tuner, and feeds the parser.
type Scanner struct {
	arbiter    *tuner.Arbiter
	supervisor *pipeline.Supervisor
	registry   *channels.Registry
	parser     *Parser
	confPath   string
	log        zerolog.Logger

	scanning    atomic.Bool
	initialDone atomic.Bool
}

func NewScanner(arbiter *tuner.Arbiter, supervisor *pipeline.Supervisor, registry *channels.Registry, parser *Parser, confPath string, log zerolog.Logger) *Scanner {
	return &Scanner{
		arbiter:    arbiter,
		supervisor: supervisor,
		registry:   registry,
		parser:     parser,
		confPath:   confPath,
		log:        log.With().Str("component", "epg-scanner").Logger(),
	}
}

// Run owns the scan cadence: an immediate deep scan when the guide store was
// created fresh at boot, then a background scan on a fixed interval. It
// returns when ctx is cancelled.
func (s *Scanner) Run(ctx context.Context, storeExisted bool) {
	if storeExisted {
		// The guide has data from a previous run; the service is ready
		// immediately and the periodic scan will freshen it.
		s.initialDone.Store(true)
		s.log.Info().Msg("guide store present, skipping startup scan")
	} else {
		s.Scan(ctx, deepScanTimeout)
	}

	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Scan(ctx, quickScanTimeout)
		}
	}
}

// Scan runs one pass over every distinct frequency. It begins only when no
// other scan is running and every tuner is idle; otherwise the request is
// dropped. A scan that runs or is skipped for busy tuners flips readiness, so
// dependent services never block on a scan that will not happen; a request
// dropped because a scan is already running leaves readiness to that scan.
func (s *Scanner) Scan(ctx context.Context, perFreqTimeout time.Duration) {
	if !s.scanning.CompareAndSwap(false, true) {
		s.log.Debug().Msg("scan already in progress, dropping request")
		return
	}
	defer s.scanning.Store(false)
	defer s.initialDone.Store(true)

	if !s.arbiter.AllIdle() {
		s.log.Info().Strs("tuners", s.arbiter.States()).Msg("tuners busy, skipping scan")
		return
	}

	freqs := s.registry.DistinctFrequencies()
	s.log.Info().Int("frequencies", len(freqs)).Dur("per_freq_timeout", perFreqTimeout).Msg("scan starting")
	started := time.Now()

	for _, freq := range freqs {
		if ctx.Err() != nil {
			return
		}
		if err := s.scanFrequency(ctx, freq, perFreqTimeout); err != nil {
			s.log.Warn().Err(err).Str("freq", freq).Msg("frequency scan failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interMuxDelay):
		}
	}

	s.log.Info().Dur("elapsed", time.Since(started)).Msg("scan complete")
}

// scanFrequency leases a tuner, captures one mux, releases, then parses.
// Parsing runs on the captured buffer only after the lease is back in the
// pool, so a slow decode never holds hardware.
func (s *Scanner) scanFrequency(ctx context.Context, freq string, timeout time.Duration) error {
	ch, ok := s.registry.FirstOnFrequency(freq)
	if !ok {
		return nil
	}

	lease, err := s.arbiter.Acquire(ctx, tuner.KindEPG)
	if err != nil {
		return err
	}

	captureCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	buf, err := s.supervisor.CaptureFrequency(captureCtx,
		pipeline.DemodArgs(s.confPath, lease.TunerID, ch.Number, timeout))
	cancel()
	lease.Release()
	if err != nil {
		return err
	}

	stats := s.parser.Parse(ctx, freq, buf)
	s.log.Info().
		Str("freq", freq).
		Int("bytes", len(buf)).
		Int("packets", stats.Packets).
		Int("sections", stats.Sections).
		Int("programs", stats.Programs).
		Msg("frequency parsed")
	s.logTableCounts(stats)

	return nil
}

// logTableCounts surfaces the seen PSIP/SI table ids at debug level.
func (s *Scanner) logTableCounts(stats *Stats) {
	if len(stats.TableCounts) == 0 {
		return
	}
	ev := s.log.Debug()
	for id, n := range stats.TableCounts {
		ev = ev.Int(fmtTableID(id), n)
	}
	ev.Msg("table id counts")
}

func fmtTableID(id byte) string {
	const hex = "0123456789abcdef"
	return "0x" + string(hex[id>>4]) + string(hex[id&0x0F])
}

// InitialScanDone reports whether the first scan has completed or been
// skipped. Stream requests poll it before taking a tuner.
func (s *Scanner) InitialScanDone() bool {
	return s.initialDone.Load()
}
