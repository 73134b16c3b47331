// Package lifecycle drives stream sessions through preparing, live, ended
// and error, coordinating the transcoder, recording, viewers and chat.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"rivercast/internal/errs"
	"rivercast/internal/events"
	"rivercast/internal/models"
	"rivercast/internal/observability/logging"
	"rivercast/internal/observability/metrics"
	"rivercast/internal/recording"
	"rivercast/internal/session"
	"rivercast/internal/transcode"
)

const (
	DefaultStopTimeout = 20 * time.Second

	// System chat events emitted by the orchestrator.
	EventRenditionDropped = "rendition_dropped"
	EventStreamEnded      = "stream_ended"
	EventStreamFailed     = "stream_failed"
)

// Transcoder runs one transcode job per live session.
type Transcoder interface {
	Submit(job models.TranscodeJob) error
	Cancel(ctx context.Context, sessionID string) error
	Renditions(sessionID string) []string
	SetHooks(hooks transcode.Hooks)
	Shutdown(ctx context.Context) error
}

// Viewers is the slice of the viewer coordinator the orchestrator drives.
type Viewers interface {
	Open(sessionID string)
	EvictAll(sessionID string) ([]models.Viewer, int)
}

// Chat is the slice of the chat hub the orchestrator drives.
type Chat interface {
	Open(sessionID, ownerID string, chatEnabled bool) error
	CloseRoom(sessionID string)
	System(sessionID, event, body string, data map[string]string) (models.ChatMessage, error)
}

// Emitter publishes fire-and-forget events.
type Emitter interface {
	Emit(topic events.Topic, sessionID string, data map[string]string)
}

// RecordingStore keeps finished recordings. Implementations must not block.
type RecordingStore interface {
	SaveRecording(artifact recording.Artifact)
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Registry   *session.Registry
	Transcoder Transcoder
	Recorder   recording.Recorder
	Recordings RecordingStore
	Viewers    Viewers
	Chat       Chat
	Events     Emitter
	Ladder     []models.RenditionSpec
	// IngestBaseURL is where broadcasters publish, e.g. rtmp://ingest/live.
	IngestBaseURL string
	// IngestOriginURL is where the transcoder and recorder pull the feed.
	// Defaults to IngestBaseURL.
	IngestOriginURL string
	// PlaybackBaseURL prefixes manifest locations handed to viewers.
	PlaybackBaseURL string
	StopTimeout     time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
	now             func() time.Time
}

// CreateRequest describes a new session.
type CreateRequest struct {
	BroadcasterID    string
	Title            string
	ChatEnabled      bool
	RecordingEnabled bool
	DRMRequired      bool
	MaxViewers       int
}

// StartResult tells the broadcaster where to publish and viewers where to
// watch.
type StartResult struct {
	IngestEndpoint string `json:"ingestEndpoint"`
	ManifestURL    string `json:"manifestUrl"`
}

// Orchestrator owns session state transitions. Transitions of one session
// are serialized; different sessions proceed independently.
type Orchestrator struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	recMu     sync.Mutex
	recording map[string]bool
}

// New validates cfg and registers the transcoder hooks.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Registry == nil {
		return nil, errors.New("lifecycle: registry is required")
	}
	if cfg.Transcoder == nil {
		return nil, errors.New("lifecycle: transcoder is required")
	}
	if cfg.Viewers == nil || cfg.Chat == nil {
		return nil, errors.New("lifecycle: viewers and chat are required")
	}
	if err := transcode.ValidateLadder(cfg.Ladder); err != nil {
		return nil, fmt.Errorf("lifecycle: %w", err)
	}
	if cfg.Recorder == nil {
		cfg.Recorder = recording.Noop{}
	}
	if cfg.IngestOriginURL == "" {
		cfg.IngestOriginURL = cfg.IngestBaseURL
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.Default()
	}
	now := cfg.now
	if now == nil {
		now = time.Now
	}
	o := &Orchestrator{
		cfg:       cfg,
		logger:    logging.WithComponent(logging.OrDefault(cfg.Logger), "lifecycle"),
		metrics:   rec,
		now:       now,
		locks:     make(map[string]*sync.Mutex),
		recording: make(map[string]bool),
	}
	cfg.Transcoder.SetHooks(transcode.Hooks{
		OnRenditionDropped: o.renditionDropped,
		OnFailure:          o.transcodeFailed,
	})
	return o, nil
}

func (o *Orchestrator) lock(sessionID string) func() {
	o.locksMu.Lock()
	mu, ok := o.locks[sessionID]
	if !ok {
		mu = &sync.Mutex{}
		o.locks[sessionID] = mu
	}
	o.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (o *Orchestrator) forget(sessionID string) {
	o.locksMu.Lock()
	delete(o.locks, sessionID)
	o.locksMu.Unlock()
}

// Create registers a preparing session. The returned copy is the only one
// carrying the plaintext ingest key.
func (o *Orchestrator) Create(req CreateRequest) (models.StreamSession, error) {
	broadcasterID := strings.TrimSpace(req.BroadcasterID)
	if broadcasterID == "" {
		return models.StreamSession{}, fmt.Errorf("%w: broadcaster id is required", errs.ErrInvalidArgument)
	}
	if req.MaxViewers < 0 {
		return models.StreamSession{}, fmt.Errorf("%w: max viewers cannot be negative", errs.ErrInvalidArgument)
	}
	key, err := session.NewIngestKey()
	if err != nil {
		return models.StreamSession{}, err
	}
	hash, err := session.HashIngestKey(key)
	if err != nil {
		return models.StreamSession{}, err
	}
	id := uuid.NewString()
	created, err := o.cfg.Registry.Create(models.StreamSession{
		ID:               id,
		BroadcasterID:    broadcasterID,
		Title:            strings.TrimSpace(req.Title),
		IngestKey:        key,
		IngestKeyHash:    hash,
		ManifestURL:      joinURL(o.cfg.PlaybackBaseURL, id, transcode.MasterPlaylistName),
		Status:           models.StatusPreparing,
		CreatedAt:        o.now().UTC(),
		ChatEnabled:      req.ChatEnabled,
		RecordingEnabled: req.RecordingEnabled,
		DRMRequired:      req.DRMRequired,
		MaxViewers:       req.MaxViewers,
	})
	if err != nil {
		return models.StreamSession{}, err
	}
	o.metrics.StreamCreated()
	o.emit(events.TopicStreamCreated, id, map[string]string{"broadcasterId": broadcasterID, "title": created.Title})
	o.logger.Info("session created", "session_id", id, "broadcaster_id", broadcasterID)
	return created, nil
}

// lookup returns the session, reporting retired sessions as InvalidState.
func (o *Orchestrator) lookup(sessionID string) (models.StreamSession, error) {
	current, err := o.cfg.Registry.Get(sessionID)
	if errors.Is(err, errs.ErrNotFound) {
		if status, ok := o.cfg.Registry.Retired(sessionID); ok {
			return models.StreamSession{}, fmt.Errorf("%w: session %s is %s", errs.ErrInvalidState, sessionID, status)
		}
	}
	return current, err
}

func (o *Orchestrator) authorize(sessionID, broadcasterID string, want models.SessionStatus) (models.StreamSession, error) {
	current, err := o.lookup(sessionID)
	if err != nil {
		return models.StreamSession{}, err
	}
	if current.BroadcasterID != strings.TrimSpace(broadcasterID) {
		return models.StreamSession{}, fmt.Errorf("%w: session %s belongs to another broadcaster", errs.ErrUnauthorized, sessionID)
	}
	if current.Status != want {
		return models.StreamSession{}, fmt.Errorf("%w: session %s is %s", errs.ErrInvalidState, sessionID, current.Status)
	}
	return current, nil
}

// Start launches the transcode job and takes the session live.
func (o *Orchestrator) Start(ctx context.Context, sessionID, broadcasterID string) (StartResult, error) {
	unlock := o.lock(sessionID)
	defer unlock()

	current, err := o.authorize(sessionID, broadcasterID, models.StatusPreparing)
	if err != nil {
		return StartResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return StartResult{}, err
	}

	// Chat and the viewer set open before the status flips so a join that
	// observes live always finds them.
	if err := o.cfg.Chat.Open(sessionID, current.BroadcasterID, current.ChatEnabled); err != nil {
		return StartResult{}, fmt.Errorf("open chat: %w", err)
	}
	o.cfg.Viewers.Open(sessionID)

	input := joinURL(o.cfg.IngestOriginURL, current.IngestKey)
	job := models.TranscodeJob{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Input:      input,
		Renditions: o.cfg.Ladder,
	}
	if err := o.cfg.Transcoder.Submit(job); err != nil {
		o.cfg.Viewers.EvictAll(sessionID)
		o.cfg.Chat.CloseRoom(sessionID)
		return StartResult{}, fmt.Errorf("start transcode: %w", err)
	}

	names := make([]string, 0, len(o.cfg.Ladder))
	for _, r := range transcode.SortLadder(o.cfg.Ladder) {
		names = append(names, r.Name)
	}
	started := o.now().UTC()
	_, err = o.cfg.Registry.Update(sessionID, func(s *models.StreamSession) error {
		if !s.Status.CanTransition(models.StatusLive) {
			return fmt.Errorf("%w: session %s is %s", errs.ErrInvalidState, sessionID, s.Status)
		}
		s.Status = models.StatusLive
		s.StartedAt = &started
		s.Renditions = names
		return nil
	})
	if err != nil {
		o.rollbackStart(sessionID)
		return StartResult{}, err
	}

	if current.RecordingEnabled {
		if err := o.cfg.Recorder.Start(sessionID, input); err != nil {
			o.metrics.CollaboratorFailure("recording")
			o.logger.Warn("recording not started", "session_id", sessionID, "error", err)
		} else {
			o.recMu.Lock()
			o.recording[sessionID] = true
			o.recMu.Unlock()
		}
	}

	o.metrics.StreamStarted()
	o.emit(events.TopicStreamStarted, sessionID, map[string]string{"broadcasterId": current.BroadcasterID, "manifestUrl": current.ManifestURL})
	o.logger.Info("session live", "session_id", sessionID, "renditions", len(names))
	return StartResult{
		IngestEndpoint: joinURL(o.cfg.IngestBaseURL, current.IngestKey),
		ManifestURL:    current.ManifestURL,
	}, nil
}

func (o *Orchestrator) rollbackStart(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StopTimeout)
	defer cancel()
	if err := o.cfg.Transcoder.Cancel(ctx, sessionID); err != nil {
		o.logger.Warn("failed to cancel transcode after aborted start", "session_id", sessionID, "error", err)
	}
	o.cfg.Viewers.EvictAll(sessionID)
	o.cfg.Chat.CloseRoom(sessionID)
}

// End stops a live session at the broadcaster's request.
func (o *Orchestrator) End(ctx context.Context, sessionID, broadcasterID string) error {
	unlock := o.lock(sessionID)
	defer unlock()

	if _, err := o.authorize(sessionID, broadcasterID, models.StatusLive); err != nil {
		return err
	}
	ended, err := o.teardown(ctx, sessionID, models.StatusEnded, "")
	if err != nil {
		return err
	}
	o.metrics.StreamStopped()
	o.emit(events.TopicStreamEnded, sessionID, map[string]string{
		"broadcasterId": ended.BroadcasterID,
		"viewerCount":   strconv.Itoa(ended.ViewerCount),
		"peakViewers":   strconv.Itoa(ended.PeakViewers),
	})
	o.logger.Info("session ended", "session_id", sessionID, "viewers", ended.ViewerCount, "peak_viewers", ended.PeakViewers)
	return nil
}

// Fail moves a preparing or live session to error. Failing a session that
// is already gone is a no-op.
func (o *Orchestrator) Fail(ctx context.Context, sessionID string, cause error) error {
	unlock := o.lock(sessionID)
	defer unlock()

	current, err := o.cfg.Registry.Get(sessionID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return nil
	}
	reason := "unknown failure"
	if cause != nil {
		reason = cause.Error()
	}
	wasLive := current.Status == models.StatusLive
	failed, err := o.teardown(ctx, sessionID, models.StatusError, reason)
	if err != nil {
		return err
	}
	o.metrics.StreamFailed(wasLive)
	o.emit(events.TopicStreamFailed, sessionID, map[string]string{"broadcasterId": failed.BroadcasterID, "reason": reason})
	o.logger.Error("session failed", "session_id", sessionID, "error", reason)
	return nil
}

// teardown releases everything a session holds and retires it from the
// registry. Callers hold the session lock.
func (o *Orchestrator) teardown(ctx context.Context, sessionID string, final models.SessionStatus, reason string) (models.StreamSession, error) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StopTimeout)
	defer cancel()

	if err := o.cfg.Transcoder.Cancel(stopCtx, sessionID); err != nil {
		o.logger.Warn("transcode job did not stop cleanly", "session_id", sessionID, "error", err)
	}
	o.stopRecording(stopCtx, sessionID)

	evicted, peak := o.cfg.Viewers.EvictAll(sessionID)
	event, body := EventStreamEnded, "The stream has ended"
	if final == models.StatusError {
		event, body = EventStreamFailed, "The stream stopped unexpectedly"
	}
	if _, err := o.cfg.Chat.System(sessionID, event, body, nil); err != nil {
		o.logger.Debug("final system message not broadcast", "session_id", sessionID, "error", err)
	}
	o.cfg.Chat.CloseRoom(sessionID)

	at := o.now().UTC()
	updated, err := o.cfg.Registry.Update(sessionID, func(s *models.StreamSession) error {
		if !s.Status.CanTransition(final) {
			return fmt.Errorf("%w: session %s is %s", errs.ErrInvalidState, sessionID, s.Status)
		}
		s.Status = final
		s.EndedAt = &at
		s.ViewerCount = len(evicted)
		if peak > s.PeakViewers {
			s.PeakViewers = peak
		}
		if reason != "" {
			s.FailureReason = reason
		}
		s.Renditions = nil
		return nil
	})
	if err != nil {
		return models.StreamSession{}, err
	}
	o.cfg.Registry.Delete(sessionID)
	o.forget(sessionID)
	return updated, nil
}

func (o *Orchestrator) stopRecording(ctx context.Context, sessionID string) {
	o.recMu.Lock()
	active := o.recording[sessionID]
	delete(o.recording, sessionID)
	o.recMu.Unlock()
	if !active {
		return
	}
	artifact, err := o.cfg.Recorder.Stop(ctx, sessionID)
	if err != nil {
		o.metrics.CollaboratorFailure("recording")
		o.logger.Warn("recording did not stop cleanly", "session_id", sessionID, "error", err)
	}
	if artifact.Path != "" && o.cfg.Recordings != nil {
		o.cfg.Recordings.SaveRecording(artifact)
	}
}

// Shutdown ends every live session and fails sessions that never started,
// then stops any transcode job left behind.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var errsOut []error
	for _, s := range o.cfg.Registry.List() {
		switch s.Status {
		case models.StatusLive:
			if err := o.End(ctx, s.ID, s.BroadcasterID); err != nil && !errors.Is(err, errs.ErrInvalidState) && !errors.Is(err, errs.ErrNotFound) {
				errsOut = append(errsOut, fmt.Errorf("end session %s: %w", s.ID, err))
			}
		case models.StatusPreparing:
			if err := o.Fail(ctx, s.ID, errors.New("server shutting down")); err != nil {
				errsOut = append(errsOut, fmt.Errorf("fail session %s: %w", s.ID, err))
			}
		}
	}
	if err := o.cfg.Transcoder.Shutdown(ctx); err != nil {
		errsOut = append(errsOut, err)
	}
	return errors.Join(errsOut...)
}

// AuthorizeIngest returns the session whose ingest key matches key. Only
// sessions that are preparing or live accept a feed.
func (o *Orchestrator) AuthorizeIngest(key string) (models.StreamSession, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return models.StreamSession{}, fmt.Errorf("%w: ingest key is required", errs.ErrUnauthorized)
	}
	for _, s := range o.cfg.Registry.List() {
		if s.Status.Terminal() {
			continue
		}
		if session.VerifyIngestKey(s.IngestKeyHash, key) {
			return s, nil
		}
	}
	return models.StreamSession{}, fmt.Errorf("%w: unknown ingest key", errs.ErrForbidden)
}

func (o *Orchestrator) renditionDropped(sessionID string, dropped, fallback models.RenditionSpec, ok bool, cause error) {
	live := o.cfg.Transcoder.Renditions(sessionID)
	if _, err := o.cfg.Registry.Update(sessionID, func(s *models.StreamSession) error {
		s.Renditions = live
		return nil
	}); err != nil {
		o.logger.Debug("rendition list not updated", "session_id", sessionID, "error", err)
	}
	data := map[string]string{"rendition": dropped.Name}
	body := fmt.Sprintf("%s is no longer available", dropped.Name)
	if ok {
		data["fallback"] = fallback.Name
		data["fallbackUri"] = fallback.Name + "/" + transcode.MediaPlaylistName
		body = fmt.Sprintf("%s is no longer available, switching to %s", dropped.Name, fallback.Name)
	}
	if _, err := o.cfg.Chat.System(sessionID, EventRenditionDropped, body, data); err != nil {
		o.logger.Debug("rendition drop not broadcast", "session_id", sessionID, "error", err)
	}
	o.logger.Warn("rendition dropped", "session_id", sessionID, "rendition", dropped.Name, "fallback", fallback.Name, "error", cause)
}

// transcodeFailed runs on a transcoder goroutine, so the teardown, which
// waits for that job, happens on its own goroutine.
func (o *Orchestrator) transcodeFailed(sessionID string, cause error) {
	go func() {
		if err := o.Fail(context.Background(), sessionID, cause); err != nil {
			o.logger.Error("failed to record session failure", "session_id", sessionID, "error", err)
		}
	}()
}

func (o *Orchestrator) emit(topic events.Topic, sessionID string, data map[string]string) {
	if o.cfg.Events == nil {
		return
	}
	o.cfg.Events.Emit(topic, sessionID, data)
}

func joinURL(base string, parts ...string) string {
	out := strings.TrimRight(base, "/")
	for _, p := range parts {
		out += "/" + strings.Trim(p, "/")
	}
	return out
}
