// Package ffmpeg supervises encoder subprocesses. Cancelling a process's
// context sends SIGINT so ffmpeg can flush its outputs; if it has not exited
// within the stop timeout it is killed.
package ffmpeg

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"rivercast/internal/observability/logging"
)

// DefaultStopTimeout bounds how long a cancelled process may take to exit
// before it is forcibly killed.
const DefaultStopTimeout = 15 * time.Second

// Runner starts ffmpeg processes.
type Runner struct {
	Binary      string
	StopTimeout time.Duration
	Logger      *slog.Logger
}

// Process is a running encoder subprocess.
type Process struct {
	cmd    *exec.Cmd
	stdout *io.PipeReader
	pipe   *io.PipeWriter
	stderr *logging.LineWriter
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// StartOptions tunes a single Start call.
type StartOptions struct {
	// CaptureStdout exposes the process stdout through Process.Stdout.
	// Otherwise stdout is logged like stderr.
	CaptureStdout bool
	// LogAttrs are attached to every stderr line logged for the process.
	LogAttrs []any
}

// Start launches the binary with args. The process is tied to ctx: when ctx
// is cancelled the process is interrupted, then killed after StopTimeout.
func (r Runner) Start(ctx context.Context, args []string, opts StartOptions) (*Process, error) {
	binary := strings.TrimSpace(r.Binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	timeout := r.StopTimeout
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	logger := logging.OrDefault(r.Logger).With(opts.LogAttrs...)

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = timeout

	stderr := logging.NewLineWriter(logger, slog.LevelDebug, "ffmpeg output")
	cmd.Stderr = stderr

	proc := &Process{cmd: cmd, stderr: stderr, done: make(chan struct{})}
	if opts.CaptureStdout {
		reader, writer := io.Pipe()
		proc.stdout = reader
		proc.pipe = writer
		cmd.Stdout = writer
	} else {
		cmd.Stdout = stderr
	}

	if err := cmd.Start(); err != nil {
		if proc.pipe != nil {
			_ = proc.pipe.CloseWithError(err)
		}
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}
	logger.Debug("ffmpeg started", "pid", cmd.Process.Pid)
	go proc.wait(ctx, logger)
	return proc, nil
}

func (p *Process) wait(ctx context.Context, logger *slog.Logger) {
	err := p.cmd.Wait()
	p.stderr.Flush()
	if p.pipe != nil {
		_ = p.pipe.Close()
	}
	if ctx.Err() != nil {
		// Interrupted processes exit non-zero; that is the expected outcome
		// of a cancellation, not a failure.
		err = nil
	}
	if err != nil {
		logger.Warn("ffmpeg exited with error", "error", err)
	} else {
		logger.Debug("ffmpeg exited")
	}
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

// Stdout returns the captured stdout, or nil when not captured. The reader
// reaches EOF once the process has exited. Callers must drain it, otherwise
// the process blocks on a full pipe.
func (p *Process) Stdout() io.Reader {
	if p.stdout == nil {
		return nil
	}
	return p.stdout
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits and returns its error. A process that
// exits because its context was cancelled reports nil.
func (p *Process) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
