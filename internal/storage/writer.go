package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"rivercast/internal/models"
	"rivercast/internal/observability/logging"
	"rivercast/internal/observability/metrics"
	"rivercast/internal/recording"
)

const (
	defaultWriterBuffer  = 4096
	defaultWriterTimeout = 5 * time.Second
)

// WriterConfig tunes the asynchronous write-through writer.
type WriterConfig struct {
	// Buffer caps pending viewer and recording writes. Session writes are
	// coalesced per id and never dropped.
	Buffer  int
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Writer copies registry and viewer mutations into a Repository off the hot
// path. Failures are logged and counted; they never reach the caller.
type Writer struct {
	repo    Repository
	buffer  int
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu           sync.Mutex
	sessions     map[string]models.StreamSession
	sessionOrder []string
	viewers      []models.Viewer
	recordings   []recording.Artifact
	closed       bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewWriter starts a writer draining into repo.
func NewWriter(repo Repository, cfg WriterConfig) *Writer {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultWriterBuffer
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWriterTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	w := &Writer{
		repo:     repo,
		buffer:   cfg.Buffer,
		timeout:  cfg.Timeout,
		logger:   logging.WithComponent(logging.OrDefault(cfg.Logger), "storage_writer"),
		metrics:  cfg.Metrics,
		sessions: make(map[string]models.StreamSession),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

// MirrorSession queues the latest copy of a session.
func (w *Writer) MirrorSession(session models.StreamSession) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if _, pending := w.sessions[session.ID]; !pending {
		w.sessionOrder = append(w.sessionOrder, session.ID)
	}
	w.sessions[session.ID] = session
	w.mu.Unlock()
	w.signal()
}

// RecordViewer queues a viewer visit.
func (w *Writer) RecordViewer(viewer models.Viewer) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if len(w.viewers) >= w.buffer {
		w.mu.Unlock()
		w.logger.Warn("dropping viewer write", "session_id", viewer.SessionID, "viewer_id", viewer.ID)
		w.metrics.CollaboratorFailure("persistence")
		return
	}
	w.viewers = append(w.viewers, viewer)
	w.mu.Unlock()
	w.signal()
}

// SaveRecording queues a recording artifact.
func (w *Writer) SaveRecording(artifact recording.Artifact) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if len(w.recordings) >= w.buffer {
		w.mu.Unlock()
		w.logger.Warn("dropping recording write", "session_id", artifact.SessionID, "path", artifact.Path)
		w.metrics.CollaboratorFailure("persistence")
		return
	}
	w.recordings = append(w.recordings, artifact)
	w.mu.Unlock()
	w.signal()
}

func (w *Writer) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting writes and drains what is pending.
func (w *Writer) Close(ctx context.Context) error {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		close(w.stop)
	})
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for {
		select {
		case <-w.wake:
			w.flush()
		case <-w.stop:
			w.flush()
			return
		}
	}
}

func (w *Writer) take() ([]models.StreamSession, []models.Viewer, []recording.Artifact) {
	w.mu.Lock()
	defer w.mu.Unlock()
	sessions := make([]models.StreamSession, 0, len(w.sessionOrder))
	for _, id := range w.sessionOrder {
		sessions = append(sessions, w.sessions[id])
	}
	viewers, recordings := w.viewers, w.recordings
	w.sessions = make(map[string]models.StreamSession)
	w.sessionOrder = nil
	w.viewers = nil
	w.recordings = nil
	return sessions, viewers, recordings
}

// flush writes sessions before the viewers and recordings that reference
// them.
func (w *Writer) flush() {
	sessions, viewers, recordings := w.take()
	for _, session := range sessions {
		w.write("session", session.ID, func(ctx context.Context) error {
			return w.repo.SaveSession(ctx, session)
		})
	}
	for _, viewer := range viewers {
		w.write("viewer", viewer.SessionID, func(ctx context.Context) error {
			return w.repo.SaveViewer(ctx, viewer)
		})
	}
	for _, artifact := range recordings {
		w.write("recording", artifact.SessionID, func(ctx context.Context) error {
			return w.repo.SaveRecording(ctx, artifact)
		})
	}
}

func (w *Writer) write(kind, sessionID string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		w.logger.Error("persist failed", "kind", kind, "session_id", sessionID, "error", err)
		w.metrics.CollaboratorFailure("persistence")
	}
}
