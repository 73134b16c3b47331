// Package recording captures a copy of a live feed while a session is live
// and optionally archives the finished file to an S3 compatible bucket.
package recording

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"rivercast/internal/errs"
	"rivercast/internal/ffmpeg"
	"rivercast/internal/observability/logging"
)

// Artifact describes a finished capture.
type Artifact struct {
	SessionID string    `json:"sessionId"`
	Path      string    `json:"path"`
	Bytes     int64     `json:"bytes"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
	// ObjectKey and URL are set when the capture was archived.
	ObjectKey string `json:"objectKey,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Recorder starts and stops per-session captures.
type Recorder interface {
	Start(sessionID, input string) error
	Stop(ctx context.Context, sessionID string) (Artifact, error)
}

// Noop discards recording requests.
type Noop struct{}

func (Noop) Start(string, string) error { return nil }

func (Noop) Stop(_ context.Context, sessionID string) (Artifact, error) {
	return Artifact{SessionID: sessionID}, nil
}

// FFmpegRecorder remuxes the input feed into an MPEG-TS file without
// re-encoding.
type FFmpegRecorder struct {
	runner  ffmpeg.Runner
	dir     string
	archive ObjectStore
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	captures map[string]*capture
}

type capture struct {
	path    string
	started time.Time
	cancel  context.CancelFunc
	proc    *ffmpeg.Process
}

// Config controls an FFmpegRecorder.
type Config struct {
	Dir     string
	Runner  ffmpeg.Runner
	Archive ObjectStore
	Logger  *slog.Logger
}

func NewFFmpegRecorder(cfg Config) (*FFmpegRecorder, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("recording directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	archive := cfg.Archive
	if archive == nil {
		archive = noopObjectStore{}
	}
	return &FFmpegRecorder{
		runner:   cfg.Runner,
		dir:      cfg.Dir,
		archive:  archive,
		logger:   logging.WithComponent(logging.OrDefault(cfg.Logger), "recording"),
		now:      time.Now,
		captures: make(map[string]*capture),
	}, nil
}

func (r *FFmpegRecorder) Start(sessionID, input string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.captures[sessionID]; exists {
		return fmt.Errorf("%w: session %s is already recording", errs.ErrInvalidState, sessionID)
	}
	started := r.now().UTC()
	path := filepath.Join(r.dir, fmt.Sprintf("%s-%s.ts", sessionID, started.Format("20060102T150405Z")))
	ctx, cancel := context.WithCancel(context.Background())
	proc, err := r.runner.Start(ctx, captureArgs(input, path), ffmpeg.StartOptions{
		LogAttrs: []any{"session_id", sessionID, "job", "recording"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start recording: %w", err)
	}
	r.captures[sessionID] = &capture{path: path, started: started, cancel: cancel, proc: proc}
	r.logger.Info("recording started", "session_id", sessionID, "path", path)
	return nil
}

// Stop interrupts the capture, waits for ffmpeg to finalise the file and
// archives it when object storage is configured.
func (r *FFmpegRecorder) Stop(ctx context.Context, sessionID string) (Artifact, error) {
	r.mu.Lock()
	c, ok := r.captures[sessionID]
	delete(r.captures, sessionID)
	r.mu.Unlock()
	if !ok {
		return Artifact{}, fmt.Errorf("%w: no recording for session %s", errs.ErrNotFound, sessionID)
	}

	c.cancel()
	select {
	case <-c.proc.Done():
	case <-ctx.Done():
		return Artifact{}, fmt.Errorf("wait for recording: %w", ctx.Err())
	}
	if err := c.proc.Wait(); err != nil {
		r.logger.Warn("recording process failed", "session_id", sessionID, "error", err)
	}

	artifact := Artifact{SessionID: sessionID, Path: c.path, StartedAt: c.started, EndedAt: r.now().UTC()}
	info, err := os.Stat(c.path)
	if err != nil {
		return artifact, fmt.Errorf("stat recording: %w", err)
	}
	artifact.Bytes = info.Size()

	if r.archive.Enabled() {
		key := filepath.ToSlash(filepath.Join("recordings", sessionID, filepath.Base(c.path)))
		ref, err := r.archive.UploadFile(ctx, key, "video/mp2t", c.path)
		if err != nil {
			return artifact, fmt.Errorf("archive recording: %w", err)
		}
		artifact.ObjectKey = ref.Key
		artifact.URL = ref.URL
	}
	r.logger.Info("recording stopped", "session_id", sessionID, "bytes", artifact.Bytes, "object_key", artifact.ObjectKey)
	return artifact, nil
}

// Active reports the number of running captures.
func (r *FFmpegRecorder) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.captures)
}

func captureArgs(input, output string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-nostdin",
		"-i", input,
		"-map", "0",
		"-c", "copy",
		"-f", "mpegts",
		"-y", output,
	}
}
