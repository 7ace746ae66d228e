package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// maxCaptureBytes caps an EPG capture buffer. A full ATSC mux emits roughly
// 2.4 MB/s, so 50 MB holds about 20 s of it: a 15 s quick scan fits, while a
// 30 s deep scan of a full mux can reach the cap and end with the truncated
// buffer. A runaway demodulator is killed rather than allowed to grow the
// heap.
const maxCaptureBytes = 50 * 1024 * 1024

// CaptureFrequency runs a capture-only demodulator and collects its stdout
// until the child's own time bound elapses, the context is cancelled, or the
// buffer cap is hit. The partial buffer is returned in every case so a
// truncated capture still yields guide data.
func (s *Supervisor) CaptureFrequency(ctx context.Context, demodArgs []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, s.tunerCmd, demodArgs...)
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("demodulator stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start demodulator: %w", err)
	}

	// Killing the child on cancel is not enough when it left descendants
	// holding the pipe open; closing our end unblocks the read loop.
	stop := context.AfterFunc(ctx, func() { _ = stdout.Close() })
	defer stop()

	var buf bytes.Buffer
	chunk := make([]byte, 64*1024)
	capped := false

	for {
		n, rerr := stdout.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if buf.Len() >= maxCaptureBytes {
				capped = true
				_ = cmd.Process.Kill()
				break
			}
		}
		if rerr != nil {
			break
		}
	}

	waitErr := cmd.Wait()
	if capped {
		s.log.Warn().Int("bytes", buf.Len()).Msg("capture buffer cap reached, demodulator killed")
		return buf.Bytes(), nil
	}
	if ctx.Err() != nil {
		return buf.Bytes(), nil
	}
	if waitErr != nil {
		// Time-bounded captures exit nonzero on some demodulators; the
		// bytes are still usable.
		s.log.Debug().Err(waitErr).Msg("capture demodulator exited nonzero")
	}
	return buf.Bytes(), nil
}
