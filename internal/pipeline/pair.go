// Package pipeline spawns and supervises the demodulator and transcoder
// child processes that make up one live stream.
package pipeline

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

const (
	gracePeriod = 2 * time.Second
	// releaseSafety forcibly marks the lease releasable if the demodulator
	// exit event never arrives after the force kill.
	releaseSafety = 1500 * time.Millisecond
	scrollback    = 10
)

// Supervisor builds demodulator/transcoder pairs from the configured child
// binaries.
type Supervisor struct {
	tunerCmd  string
	ffmpegCmd string
	log       zerolog.Logger
}

func NewSupervisor(tunerCmd, ffmpegCmd string, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		tunerCmd:  tunerCmd,
		ffmpegCmd: ffmpegCmd,
		log:       log.With().Str("component", "pipeline").Logger(),
	}
}

// DemodArgs builds the demodulator command line: tune channelNumber from the
// channels conf on the given adapter and write raw TS to stdout. A non-zero
// timeout bounds the capture for EPG scans.
func DemodArgs(confPath string, adapterID int, channelNumber string, timeout time.Duration) []string {
	args := []string{"-c", confPath, "-r", "-a", strconv.Itoa(adapterID), "-o", "-"}
	if timeout > 0 {
		args = append(args, "-t", strconv.Itoa(int(timeout.Seconds())))
	}
	return append(args, channelNumber)
}

// Pair is one running demodulator + transcoder chain. Output is the
// transcoder's stdout; Teardown is idempotent and is the single sink for
// every terminal event.
type Pair struct {
	demod      *exec.Cmd
	transcoder *exec.Cmd

	Output io.ReadCloser

	lastOutput atomic.Int64 // unix nano

	demodExited      chan struct{}
	transcoderExited chan struct{}

	// releasable closes when the demodulator has exited (or the safety
	// timer fired). The demodulator holds the kernel hardware lock, so the
	// lease is truly free only then.
	releasable  chan struct{}
	releaseOnce sync.Once

	teardownOnce sync.Once

	scrollMu    sync.Mutex
	scrollLines []string

	log zerolog.Logger
}

// SpawnPair starts the demodulator with stdin disabled, pipes its stdout
// into the transcoder, and returns the running pair. On a transcoder start
// failure the demodulator is killed before returning.
func (s *Supervisor) SpawnPair(demodArgs, transcodeArgs []string) (*Pair, error) {
	p := &Pair{
		demodExited:      make(chan struct{}),
		transcoderExited: make(chan struct{}),
		releasable:       make(chan struct{}),
		log:              s.log,
	}
	p.MarkActivity()

	p.demod = exec.Command(s.tunerCmd, demodArgs...)
	p.demod.Stdin = nil
	demodOut, err := p.demod.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("demodulator stdout: %w", err)
	}
	p.demod.Stderr = nil

	p.transcoder = exec.Command(s.ffmpegCmd, transcodeArgs...)
	transIn, err := p.transcoder.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("transcoder stdin: %w", err)
	}
	transOut, err := p.transcoder.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("transcoder stdout: %w", err)
	}
	transErr, err := p.transcoder.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("transcoder stderr: %w", err)
	}
	p.Output = transOut

	if err := p.demod.Start(); err != nil {
		return nil, fmt.Errorf("failed to start demodulator: %w", err)
	}
	if err := p.transcoder.Start(); err != nil {
		_ = p.demod.Process.Kill()
		_, _ = p.demod.Process.Wait()
		return nil, fmt.Errorf("failed to start transcoder: %w", err)
	}

	go p.pump(demodOut, transIn)
	go p.readScrollback(transErr)

	// Reap with Process.Wait: Cmd.Wait would close the stdout pipes as soon
	// as a child exits, cutting off readers that have not drained them yet.
	go func() {
		_, _ = p.demod.Process.Wait()
		close(p.demodExited)
		p.releaseOnce.Do(func() { close(p.releasable) })
	}()
	go func() {
		_, _ = p.transcoder.Process.Wait()
		close(p.transcoderExited)
	}()

	return p, nil
}

// pump moves raw TS bytes from the demodulator into the transcoder. A broken
// pipe here means the transcoder went away, which teardown already handles;
// it is not an error in its own right.
func (p *Pair) pump(from io.Reader, to io.WriteCloser) {
	defer to.Close()

	buf := make([]byte, 64*1024)
	for {
		n, rerr := from.Read(buf)
		if n > 0 {
			if _, werr := to.Write(buf[:n]); werr != nil {
				if !IsBrokenPipe(werr) {
					p.log.Warn().Err(werr).Strs("transcoder", p.Scrollback()).Msg("transcoder stdin write failed")
				}
				return
			}
		}
		if rerr != nil {
			return
		}
	}
}

// readScrollback keeps the last few transcoder diagnostic lines for error
// reports.
func (p *Pair) readScrollback(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		p.scrollMu.Lock()
		p.scrollLines = append(p.scrollLines, line)
		if len(p.scrollLines) > scrollback {
			p.scrollLines = p.scrollLines[len(p.scrollLines)-scrollback:]
		}
		p.scrollMu.Unlock()
	}
}

// Scrollback returns the retained transcoder diagnostic lines.
func (p *Pair) Scrollback() []string {
	p.scrollMu.Lock()
	defer p.scrollMu.Unlock()
	return append([]string(nil), p.scrollLines...)
}

// MarkActivity stamps the output-byte clock read by the stall watchdog.
func (p *Pair) MarkActivity() {
	p.lastOutput.Store(time.Now().UnixNano())
}

// LastOutput returns the time a byte last crossed the output boundary.
func (p *Pair) LastOutput() time.Time {
	return time.Unix(0, p.lastOutput.Load())
}

// DemodExited closes when the demodulator process is gone.
func (p *Pair) DemodExited() <-chan struct{} { return p.demodExited }

// TranscoderExited closes when the transcoder process is gone.
func (p *Pair) TranscoderExited() <-chan struct{} { return p.transcoderExited }

// Releasable closes when the tuner lease may be returned to the pool.
func (p *Pair) Releasable() <-chan struct{} { return p.releasable }

// Teardown stops both children, transcoder first, escalating from SIGTERM to
// SIGKILL after the grace period. It runs to completion exactly once; later
// calls return immediately.
func (p *Pair) Teardown() {
	p.teardownOnce.Do(func() {
		terminate(p.transcoder)
		terminate(p.demod)

		go func() {
			timer := time.NewTimer(gracePeriod)
			defer timer.Stop()

			select {
			case <-p.transcoderExited:
			case <-timer.C:
				kill(p.transcoder)
			}

			timer.Reset(gracePeriod)
			select {
			case <-p.demodExited:
			case <-timer.C:
				kill(p.demod)
			}

			// Even if the exit event never arrives, the lease must not
			// leak.
			safety := time.NewTimer(releaseSafety)
			defer safety.Stop()
			select {
			case <-p.demodExited:
			case <-safety.C:
				p.log.Warn().Msg("demodulator exit not observed, forcing lease release")
			}
			p.releaseOnce.Do(func() { close(p.releasable) })
		}()
	})
}

func terminate(cmd *exec.Cmd) {
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
}

func kill(cmd *exec.Cmd) {
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// IsBrokenPipe reports whether err is the client-initiated end of a stream:
// EPIPE or ECONNRESET on a pipe or socket write.
func IsBrokenPipe(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	// net/http surfaces client aborts as plain-text wrapped errors in some
	// paths.
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset by peer")
}
