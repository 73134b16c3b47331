package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"rivercast/internal/errs"
	"rivercast/internal/models"
	"rivercast/internal/observability/logging"
	"rivercast/internal/observability/metrics"
)

const (
	DefaultSegmentDuration    = 6 * time.Second
	DefaultPlaylistWindow     = 10
	DefaultMaxEncoders        = 32
	DefaultAlignmentTolerance = 250 * time.Millisecond
)

// Config controls a Manager.
type Config struct {
	// OutputRoot receives one directory per session.
	OutputRoot      string
	SegmentDuration time.Duration
	// PlaylistWindow is the number of segments kept in each live media
	// playlist. Zero keeps every segment.
	PlaylistWindow int
	// MaxEncoders caps concurrently running rendition encoders across all
	// jobs.
	MaxEncoders int64
	// AlignmentTolerance is how far a segment may drift from its boundary
	// on the shared timeline, or from the same segment of the other
	// renditions, before the rendition is dropped.
	AlignmentTolerance time.Duration
	// StopTimeout bounds Cancel.
	StopTimeout time.Duration
	Codecs      string
	Encoder     Encoder
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
}

// Hooks report asynchronous job outcomes. Callbacks run on job goroutines
// and must not block.
type Hooks struct {
	// OnRenditionDropped fires when a rendition leaves the manifest while
	// the job keeps running. fallback is the surviving rendition closest in
	// bandwidth; ok is false when none survives.
	OnRenditionDropped func(sessionID string, dropped, fallback models.RenditionSpec, ok bool, err error)
	// OnFailure fires once when every rendition of a job has failed or the
	// input feed has ended.
	OnFailure func(sessionID string, err error)
}

// Manager runs transcode jobs, at most one per session.
type Manager struct {
	cfg     Config
	hooks   Hooks
	logger  *slog.Logger
	metrics *metrics.Recorder
	sem     *semaphore.Weighted

	mu   sync.Mutex
	jobs map[string]*job
}

// NewManager validates cfg and applies defaults.
func NewManager(cfg Config, hooks Hooks) (*Manager, error) {
	if cfg.Encoder == nil {
		return nil, errors.New("transcode: encoder is required")
	}
	if cfg.OutputRoot == "" {
		return nil, errors.New("transcode: output root is required")
	}
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = DefaultSegmentDuration
	}
	if cfg.PlaylistWindow < 0 {
		cfg.PlaylistWindow = 0
	}
	if cfg.MaxEncoders <= 0 {
		cfg.MaxEncoders = DefaultMaxEncoders
	}
	if cfg.AlignmentTolerance <= 0 {
		cfg.AlignmentTolerance = DefaultAlignmentTolerance
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 20 * time.Second
	}
	if cfg.Codecs == "" {
		cfg.Codecs = DefaultCodecs
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.Default()
	}
	return &Manager{
		cfg:     cfg,
		hooks:   hooks,
		logger:  logging.WithComponent(logging.OrDefault(cfg.Logger), "transcoder"),
		metrics: rec,
		sem:     semaphore.NewWeighted(cfg.MaxEncoders),
		jobs:    make(map[string]*job),
	}, nil
}

// SetHooks replaces the job callbacks. It only affects jobs submitted
// afterwards.
func (m *Manager) SetHooks(hooks Hooks) {
	m.mu.Lock()
	m.hooks = hooks
	m.mu.Unlock()
}

// OutputDir returns the directory that holds a session's manifests.
func (m *Manager) OutputDir(sessionID string) string {
	return filepath.Join(m.cfg.OutputRoot, sessionID)
}

// ManifestPath returns the on-disk path of a session's master manifest.
func (m *Manager) ManifestPath(sessionID string) string {
	return filepath.Join(m.OutputDir(sessionID), MasterPlaylistName)
}

// SegmentDuration reports the configured segment length.
func (m *Manager) SegmentDuration() time.Duration {
	return m.cfg.SegmentDuration
}

// Submit starts spec in the background. It fails synchronously when the
// session already has a job, the ladder is invalid, or the encoder cap
// cannot accommodate every rendition.
func (m *Manager) Submit(spec models.TranscodeJob) error {
	if spec.SessionID == "" {
		return fmt.Errorf("%w: session id required", errs.ErrInvalidArgument)
	}
	if spec.Input == "" {
		return fmt.Errorf("%w: input required", errs.ErrInvalidArgument)
	}
	if err := ValidateLadder(spec.Renditions); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
	}
	if spec.OutputDir == "" {
		spec.OutputDir = m.OutputDir(spec.SessionID)
	}
	ladder := SortLadder(spec.Renditions)
	spec.Renditions = ladder

	m.mu.Lock()
	if _, exists := m.jobs[spec.SessionID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: session %s already has a transcode job", errs.ErrInvalidState, spec.SessionID)
	}
	weight := int64(len(ladder))
	if !m.sem.TryAcquire(weight) {
		m.mu.Unlock()
		return fmt.Errorf("%w: encoder capacity exhausted", errs.ErrCapacityExceeded)
	}
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		manager: m,
		spec:    spec,
		hooks:   m.hooks,
		logger:  m.logger.With("session_id", spec.SessionID, "job_id", spec.ID),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		slices:  make(map[int]time.Duration),
	}
	for _, r := range ladder {
		j.renditions = append(j.renditions, &renditionState{
			spec:     r,
			dir:      filepath.Join(spec.OutputDir, r.Name),
			playlist: mediaPlaylist{window: m.cfg.PlaylistWindow},
		})
	}
	m.jobs[spec.SessionID] = j
	m.mu.Unlock()

	if err := os.MkdirAll(spec.OutputDir, 0o755); err != nil {
		m.finish(j, weight)
		cancel()
		return fmt.Errorf("create output dir: %w", err)
	}

	m.metrics.TranscoderJobStarted()
	j.logger.Info("transcode job started", "renditions", len(ladder), "input", spec.Input)
	go func() {
		defer m.finish(j, weight)
		j.run()
	}()
	return nil
}

func (m *Manager) finish(j *job, weight int64) {
	m.mu.Lock()
	if m.jobs[j.spec.SessionID] == j {
		delete(m.jobs, j.spec.SessionID)
	}
	m.mu.Unlock()
	m.sem.Release(weight)
	close(j.done)
}

// Cancel stops the session's job and waits for its encoders to exit, up to
// the configured stop timeout. Cancelling a session without a job is a
// no-op.
func (m *Manager) Cancel(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	j, ok := m.jobs[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	j.cancel()
	timer := time.NewTimer(m.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-j.done:
		return nil
	case <-timer.C:
		return fmt.Errorf("transcode job for session %s did not stop within %s", sessionID, m.cfg.StopTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active reports whether a job is running for sessionID.
func (m *Manager) Active(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[sessionID]
	return ok
}

// Renditions lists the renditions still published for a running job.
func (m *Manager) Renditions(sessionID string) []string {
	m.mu.Lock()
	j, ok := m.jobs[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return j.liveNames()
}

// Shutdown cancels every running job and waits for all of them.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error { return m.Cancel(ctx, id) })
	}
	return g.Wait()
}

type renditionState struct {
	spec     models.RenditionSpec
	dir      string
	playlist mediaPlaylist
	dropped  bool
	cancel   context.CancelFunc
}

type job struct {
	manager *Manager
	spec    models.TranscodeJob
	hooks   Hooks
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	mu            sync.Mutex
	renditions    []*renditionState
	masterWritten bool
	failed        bool
	// slices maps a sequence to the end of the first segment published for
	// it by any rendition.
	slices map[int]time.Duration
}

func (j *job) run() {
	defer j.cancel()
	cfg := j.manager.cfg

	var g errgroup.Group
	for _, r := range j.renditions {
		rctx, rcancel := context.WithCancel(j.ctx)
		j.mu.Lock()
		r.cancel = rcancel
		j.mu.Unlock()
		g.Go(func() error {
			defer rcancel()
			req := EncodeRequest{
				SessionID:       j.spec.SessionID,
				Input:           j.spec.Input,
				OutputDir:       r.dir,
				Rendition:       r.spec,
				SegmentDuration: cfg.SegmentDuration,
			}
			err := cfg.Encoder.Encode(rctx, req, func(seg Segment) {
				j.addSegment(r, seg)
			})
			if rctx.Err() != nil {
				return nil
			}
			if err == nil || errors.Is(err, ErrInputEnded) {
				j.fail(fmt.Errorf("rendition %s: %w", r.spec.Name, ErrInputEnded))
				return nil
			}
			j.drop(r, fmt.Errorf("%w: rendition %s: %v", errs.ErrEncodeFailure, r.spec.Name, err))
			return nil
		})
	}
	_ = g.Wait()

	j.mu.Lock()
	failed := j.failed
	if !failed {
		for _, r := range j.renditions {
			if r.dropped {
				continue
			}
			r.playlist.ended = true
			if err := j.writeMediaLocked(r); err != nil {
				j.logger.Warn("failed to finalise media playlist", "rendition", r.spec.Name, "error", err)
			}
		}
	}
	j.mu.Unlock()

	if failed {
		j.manager.metrics.TranscoderJobFailed()
		return
	}
	j.manager.metrics.TranscoderJobCompleted()
	j.logger.Info("transcode job stopped")
}

// addSegment places seg on the shared timeline and publishes it.
func (j *job) addSegment(r *renditionState, seg Segment) {
	var notify func()
	j.mu.Lock()
	func() {
		if r.dropped || j.failed {
			return
		}
		seq, err := j.placeLocked(r, seg)
		if err != nil {
			notify = j.dropLocked(r, fmt.Errorf("%w: rendition %s: %v", errs.ErrEncodeFailure, r.spec.Name, err))
			return
		}
		seg.Sequence = seq
		r.playlist.append(seg)
		if err := j.writeMediaLocked(r); err != nil {
			notify = j.dropLocked(r, fmt.Errorf("%w: rendition %s: %v", errs.ErrEncodeFailure, r.spec.Name, err))
			return
		}
		j.manager.metrics.SegmentWritten(r.spec.Name)
		j.writeMasterLocked()
	}()
	j.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// placeLocked assigns seg its sequence on the shared timeline. A segment must
// start on a boundary, except the first one of a rendition, which may begin
// mid-slice when its encoder attached late but must still end on one. Every
// rendition's segment for a sequence must end where the first one published
// for that sequence ended.
func (j *job) placeLocked(r *renditionState, seg Segment) (int, error) {
	d := j.manager.cfg.SegmentDuration
	tol := j.manager.cfg.AlignmentTolerance
	end := seg.Start + seg.Duration

	seq, off := nearestBoundary(seg.Start, d)
	if off > tol {
		endSeq, endOff := nearestBoundary(end, d)
		if len(r.playlist.segments) > 0 || endSeq < 1 || endOff > tol {
			return 0, fmt.Errorf("segment %s starts %s off its boundary", seg.URI, off)
		}
		seq = endSeq - 1
	}
	if n := len(r.playlist.segments); n > 0 && seq <= r.playlist.segments[n-1].Sequence {
		return 0, fmt.Errorf("segment %s out of order", seg.URI)
	}
	if first, ok := j.slices[seq]; ok {
		if gap := absDuration(end - first); gap > tol {
			return 0, fmt.Errorf("segment %s ends %s away from the other renditions' segment %d", seg.URI, gap, seq)
		}
		return seq, nil
	}
	j.slices[seq] = end
	delete(j.slices, seq-sliceHistory)
	return seq, nil
}

// sliceHistory bounds how many past sequences are remembered for the
// cross-rendition check.
const sliceHistory = 64

func nearestBoundary(at, d time.Duration) (int, time.Duration) {
	seq := int(math.Round(float64(at) / float64(d)))
	return seq, absDuration(at - time.Duration(seq)*d)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func (j *job) drop(r *renditionState, err error) {
	j.mu.Lock()
	notify := j.dropLocked(r, err)
	j.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// dropLocked removes r from the ladder. The returned callback delivers hook
// notifications and must run after j.mu is released.
func (j *job) dropLocked(r *renditionState, cause error) func() {
	if r.dropped || j.failed {
		return nil
	}
	r.dropped = true
	if r.cancel != nil {
		r.cancel()
	}
	j.manager.metrics.RenditionDropped(r.spec.Name)
	if err := os.Remove(filepath.Join(r.dir, MediaPlaylistName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		j.logger.Warn("failed to remove media playlist", "rendition", r.spec.Name, "error", err)
	}

	live := j.liveLocked()
	if len(live) == 0 {
		return j.failLocked(fmt.Errorf("%w: no renditions left for session %s: %v", errs.ErrIngestFailure, j.spec.SessionID, cause))
	}

	j.logger.Warn("rendition dropped", "rendition", r.spec.Name, "error", cause)
	j.writeMasterLocked()
	fallback, ok := Nearest(r.spec, live)
	dropped := r.spec
	hook := j.hooks.OnRenditionDropped
	return func() {
		if hook != nil {
			hook(j.spec.SessionID, dropped, fallback, ok, cause)
		}
	}
}

// fail stops the whole job after its input feed ended.
func (j *job) fail(cause error) {
	j.mu.Lock()
	var notify func()
	if !j.failed {
		notify = j.failLocked(fmt.Errorf("%w: session %s: %w", errs.ErrIngestFailure, j.spec.SessionID, cause))
	}
	j.mu.Unlock()
	if notify != nil {
		notify()
	}
}

func (j *job) failLocked(failure error) func() {
	j.failed = true
	j.cancel()
	if err := os.Remove(filepath.Join(j.spec.OutputDir, MasterPlaylistName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		j.logger.Warn("failed to remove master playlist", "error", err)
	}
	j.logger.Error("transcode job failed", "error", failure)
	hook := j.hooks.OnFailure
	return func() {
		if hook != nil {
			hook(j.spec.SessionID, failure)
		}
	}
}

func (j *job) liveLocked() []models.RenditionSpec {
	out := make([]models.RenditionSpec, 0, len(j.renditions))
	for _, r := range j.renditions {
		if !r.dropped {
			out = append(out, r.spec)
		}
	}
	return out
}

func (j *job) liveNames() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	names := make([]string, 0, len(j.renditions))
	for _, r := range j.renditions {
		if !r.dropped {
			names = append(names, r.spec.Name)
		}
	}
	return names
}

func (j *job) writeMediaLocked(r *renditionState) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(r.dir, MediaPlaylistName), r.playlist.render(j.manager.cfg.SegmentDuration))
}

// writeMasterLocked publishes the master manifest once every surviving
// rendition has a segment, and rewrites it after the ladder changes.
func (j *job) writeMasterLocked() {
	live := make([]models.RenditionSpec, 0, len(j.renditions))
	for _, r := range j.renditions {
		if r.dropped {
			continue
		}
		if len(r.playlist.segments) == 0 {
			return
		}
		live = append(live, r.spec)
	}
	if len(live) == 0 {
		return
	}
	if err := writeFileAtomic(filepath.Join(j.spec.OutputDir, MasterPlaylistName), renderMaster(live, j.manager.cfg.Codecs)); err != nil {
		j.logger.Warn("failed to write master playlist", "error", err)
		return
	}
	if !j.masterWritten {
		j.masterWritten = true
		j.logger.Info("master playlist published", "renditions", len(live))
	}
}
