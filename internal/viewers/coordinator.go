// Package viewers admits and evicts the viewers of live sessions and keeps
// the live viewer count.
package viewers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"rivercast/internal/errs"
	"rivercast/internal/events"
	"rivercast/internal/license"
	"rivercast/internal/models"
	"rivercast/internal/observability/logging"
	"rivercast/internal/observability/metrics"
	"rivercast/internal/session"
)

const (
	DefaultJoinWait    = 5 * time.Second
	DefaultIdleTimeout = 90 * time.Second

	// ViewerCountEvent is the system chat event carrying the live count.
	ViewerCountEvent = "viewer_count"
)

// Chat is the slice of the chat hub the coordinator needs.
type Chat interface {
	Presence(sessionID string, kind models.ChatKind, viewerID string) (models.ChatMessage, bool, error)
	System(sessionID, event, body string, data map[string]string) (models.ChatMessage, error)
	// Disconnect closes the viewer's open transports after it leaves.
	Disconnect(sessionID, viewerID string) int
}

// Emitter publishes fire-and-forget events.
type Emitter interface {
	Emit(topic events.Topic, sessionID string, data map[string]string)
}

// Store records viewer join and leave for analytics. Implementations must
// not block.
type Store interface {
	RecordViewer(viewer models.Viewer)
}

// Config wires the coordinator's collaborators.
type Config struct {
	Registry *session.Registry
	Chat     Chat
	Licenses license.Authorizer
	Events   Emitter
	Store    Store
	// DefaultMaxViewers caps sessions created without their own limit. Zero
	// means unlimited.
	DefaultMaxViewers int
	// JoinWait bounds how long a join waits for a preparing session to go
	// live.
	JoinWait    time.Duration
	IdleTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
	now         func() time.Time
}

// JoinRequest identifies the viewer joining a session. ViewerID is generated
// when empty.
type JoinRequest struct {
	SessionID string
	ViewerID  string
	UserID    string
	Metadata  map[string]string
}

// JoinResult is returned to a viewer that was admitted.
type JoinResult struct {
	Viewer      models.Viewer  `json:"viewer"`
	ManifestURL string         `json:"manifestUrl"`
	ViewerCount int            `json:"viewerCount"`
	License     *license.Grant `json:"license,omitempty"`
}

// Coordinator owns the per-session viewer sets.
type Coordinator struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	mu sync.Mutex
	// sets holds the viewers of every session accepting joins.
	sets map[string]*viewerSet

	// assignMu is taken after a set's lock, never before.
	assignMu sync.Mutex
	// assigned maps a viewer id to the session it is joined to.
	assigned map[string]string
}

type viewerSet struct {
	mu        sync.Mutex
	viewers   map[string]*models.Viewer
	peak      int
	closed    bool
	dirty     bool
	published int
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Licenses == nil {
		cfg.Licenses = license.Noop{}
	}
	if cfg.JoinWait <= 0 {
		cfg.JoinWait = DefaultJoinWait
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.Default()
	}
	now := cfg.now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		cfg:      cfg,
		logger:   logging.WithComponent(logging.OrDefault(cfg.Logger), "viewers"),
		metrics:  rec,
		now:      now,
		sets:     make(map[string]*viewerSet),
		assigned: make(map[string]string),
	}
}

// Open starts accepting joins for a session that just went live.
func (c *Coordinator) Open(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sets[sessionID]; ok {
		return
	}
	c.sets[sessionID] = &viewerSet{viewers: make(map[string]*models.Viewer), published: -1}
}

func (c *Coordinator) set(sessionID string) *viewerSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sets[sessionID]
}

// Join admits a viewer into a live session. A join against a session that is
// still preparing waits up to JoinWait for it to go live.
func (c *Coordinator) Join(ctx context.Context, req JoinRequest) (JoinResult, error) {
	current, err := c.awaitLive(ctx, req.SessionID)
	if err != nil {
		c.metrics.ViewerRejected(errs.Code(err))
		return JoinResult{}, err
	}
	set := c.set(req.SessionID)
	if set == nil {
		c.metrics.ViewerRejected(errs.Code(errs.ErrInvalidState))
		return JoinResult{}, fmt.Errorf("%w: session %s is not accepting viewers", errs.ErrInvalidState, req.SessionID)
	}

	viewerID := strings.TrimSpace(req.ViewerID)
	if viewerID == "" {
		viewerID = uuid.NewString()
	}
	userID := strings.TrimSpace(req.UserID)

	var grant *license.Grant
	if current.DRMRequired {
		issued, err := c.cfg.Licenses.Authorize(ctx, license.Request{SessionID: req.SessionID, ViewerID: viewerID, UserID: userID})
		if err != nil {
			c.metrics.ViewerRejected(errs.Code(errs.ErrForbidden))
			if errors.Is(err, errs.ErrForbidden) {
				return JoinResult{}, err
			}
			c.metrics.CollaboratorFailure("license")
			return JoinResult{}, fmt.Errorf("%w: playback authorization unavailable: %v", errs.ErrForbidden, err)
		}
		grant = &issued
	}

	limit := current.MaxViewers
	if limit <= 0 {
		limit = c.cfg.DefaultMaxViewers
	}

	now := c.now().UTC()
	set.mu.Lock()
	if set.closed {
		set.mu.Unlock()
		c.metrics.ViewerRejected(errs.Code(errs.ErrInvalidState))
		return JoinResult{}, fmt.Errorf("%w: session %s is not live", errs.ErrInvalidState, req.SessionID)
	}
	if existing, ok := set.viewers[viewerID]; ok {
		existing.LastSeenAt = now
		result := JoinResult{Viewer: cloneViewer(*existing), ManifestURL: manifestFor(current, viewerID), ViewerCount: len(set.viewers), License: grant}
		set.mu.Unlock()
		return result, nil
	}
	if limit > 0 && len(set.viewers) >= limit {
		count := len(set.viewers)
		set.mu.Unlock()
		c.metrics.ViewerRejected(errs.Code(errs.ErrCapacityExceeded))
		return JoinResult{}, fmt.Errorf("%w: session %s is at its limit of %d viewers (%d watching)", errs.ErrCapacityExceeded, req.SessionID, limit, count)
	}
	c.assignMu.Lock()
	if other, ok := c.assigned[viewerID]; ok && other != req.SessionID {
		c.assignMu.Unlock()
		set.mu.Unlock()
		c.metrics.ViewerRejected(errs.Code(errs.ErrInvalidState))
		return JoinResult{}, fmt.Errorf("%w: viewer %s is already watching session %s", errs.ErrInvalidState, viewerID, other)
	}
	c.assigned[viewerID] = req.SessionID
	c.assignMu.Unlock()
	viewer := &models.Viewer{
		ID:         viewerID,
		UserID:     userID,
		SessionID:  req.SessionID,
		Metadata:   cloneMetadata(req.Metadata),
		JoinedAt:   now,
		LastSeenAt: now,
	}
	set.viewers[viewerID] = viewer
	count := len(set.viewers)
	if count > set.peak {
		set.peak = count
	}
	set.dirty = true
	c.syncCount(req.SessionID, count, set.peak)
	joined := cloneViewer(*viewer)
	set.mu.Unlock()

	c.metrics.ViewerJoined()
	if c.cfg.Store != nil {
		c.cfg.Store.RecordViewer(joined)
	}
	c.emit(events.TopicViewerJoined, req.SessionID, map[string]string{"viewerId": viewerID, "userId": userID})
	if joined.Identified() && c.cfg.Chat != nil {
		if _, _, err := c.cfg.Chat.Presence(req.SessionID, models.ChatKindJoin, joined.DisplayID()); err != nil {
			c.logger.Debug("join presence not broadcast", "session_id", req.SessionID, "viewer_id", viewerID, "error", err)
		}
	}
	return JoinResult{Viewer: joined, ManifestURL: manifestFor(current, viewerID), ViewerCount: count, License: grant}, nil
}

// ManifestViewerParam names the query parameter that admits a joined viewer
// to the manifests of a DRM session.
const ManifestViewerParam = "viewerId"

// manifestFor returns the manifest location handed to a viewer. DRM sessions
// serve manifests only to joined viewers, so the viewer id rides along.
func manifestFor(s models.StreamSession, viewerID string) string {
	if !s.DRMRequired || s.ManifestURL == "" {
		return s.ManifestURL
	}
	u, err := url.Parse(s.ManifestURL)
	if err != nil {
		return s.ManifestURL
	}
	q := u.Query()
	q.Set(ManifestViewerParam, viewerID)
	u.RawQuery = q.Encode()
	return u.String()
}

// awaitLive returns the session once it is live. Sessions still preparing
// are given JoinWait to resolve before the join fails.
func (c *Coordinator) awaitLive(ctx context.Context, sessionID string) (models.StreamSession, error) {
	if c.cfg.Registry == nil {
		return models.StreamSession{}, fmt.Errorf("%w: session %s", errs.ErrNotFound, sessionID)
	}
	timer := time.NewTimer(c.cfg.JoinWait)
	defer timer.Stop()
	for {
		current, err := c.cfg.Registry.Get(sessionID)
		if errors.Is(err, errs.ErrNotFound) {
			if status, ok := c.cfg.Registry.Retired(sessionID); ok {
				return models.StreamSession{}, fmt.Errorf("%w: session %s is %s", errs.ErrInvalidState, sessionID, status)
			}
		}
		if err != nil {
			return models.StreamSession{}, err
		}
		if current.Status == models.StatusLive {
			return current, nil
		}
		if current.Status != models.StatusPreparing {
			return models.StreamSession{}, fmt.Errorf("%w: session %s is %s", errs.ErrInvalidState, sessionID, current.Status)
		}
		changed, err := c.cfg.Registry.Changed(sessionID)
		if err != nil {
			return models.StreamSession{}, err
		}
		// Re-read after taking the channel so a transition in between is
		// not missed.
		if again, err := c.cfg.Registry.Get(sessionID); err == nil && again.Status != models.StatusPreparing {
			continue
		}
		select {
		case <-changed:
		case <-timer.C:
			return models.StreamSession{}, fmt.Errorf("%w: session %s has not started", errs.ErrInvalidState, sessionID)
		case <-ctx.Done():
			return models.StreamSession{}, ctx.Err()
		}
	}
}

// Leave removes a viewer. Leaving twice, or leaving a session that is gone,
// is a no-op.
func (c *Coordinator) Leave(sessionID, viewerID string) {
	set := c.set(sessionID)
	if set == nil {
		return
	}
	set.mu.Lock()
	viewer, ok := set.viewers[viewerID]
	if !ok {
		set.mu.Unlock()
		return
	}
	delete(set.viewers, viewerID)
	c.unassign(viewerID)
	set.dirty = true
	left := c.stampLeft(viewer)
	c.syncCount(sessionID, len(set.viewers), set.peak)
	set.mu.Unlock()

	c.afterLeave(sessionID, left, left.Identified())
}

func (c *Coordinator) unassign(viewerID string) {
	c.assignMu.Lock()
	delete(c.assigned, viewerID)
	c.assignMu.Unlock()
}

func (c *Coordinator) emit(topic events.Topic, sessionID string, data map[string]string) {
	if c.cfg.Events == nil {
		return
	}
	c.cfg.Events.Emit(topic, sessionID, data)
}

func (c *Coordinator) stampLeft(viewer *models.Viewer) models.Viewer {
	left := cloneViewer(*viewer)
	now := c.now().UTC()
	left.LeftAt = &now
	return left
}

func (c *Coordinator) afterLeave(sessionID string, viewer models.Viewer, broadcast bool) {
	c.metrics.ViewerLeft()
	if c.cfg.Store != nil {
		c.cfg.Store.RecordViewer(viewer)
	}
	c.emit(events.TopicViewerLeft, sessionID, map[string]string{"viewerId": viewer.ID, "userId": viewer.UserID})
	if c.cfg.Chat != nil {
		c.cfg.Chat.Disconnect(sessionID, viewer.ID)
	}
	if broadcast && c.cfg.Chat != nil {
		if _, _, err := c.cfg.Chat.Presence(sessionID, models.ChatKindLeave, viewer.DisplayID()); err != nil {
			c.logger.Debug("leave presence not broadcast", "session_id", sessionID, "viewer_id", viewer.ID, "error", err)
		}
	}
}

// syncCount writes the count into the registry. Callers hold set.mu so
// registry updates for one session are applied in order.
func (c *Coordinator) syncCount(sessionID string, count, peak int) {
	if c.cfg.Registry == nil {
		return
	}
	_, err := c.cfg.Registry.Update(sessionID, func(s *models.StreamSession) error {
		s.ViewerCount = count
		if peak > s.PeakViewers {
			s.PeakViewers = peak
		}
		return nil
	})
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		c.logger.Warn("failed to sync viewer count", "session_id", sessionID, "error", err)
	}
}

// EvictAll closes the session to new viewers and removes everyone watching.
// Every eviction is announced in chat. It returns the evicted viewers and
// the peak concurrent count.
func (c *Coordinator) EvictAll(sessionID string) ([]models.Viewer, int) {
	c.mu.Lock()
	set, ok := c.sets[sessionID]
	delete(c.sets, sessionID)
	c.mu.Unlock()
	if !ok {
		return nil, 0
	}
	set.mu.Lock()
	set.closed = true
	evicted := make([]models.Viewer, 0, len(set.viewers))
	for id, viewer := range set.viewers {
		evicted = append(evicted, c.stampLeft(viewer))
		c.unassign(id)
	}
	set.viewers = make(map[string]*models.Viewer)
	peak := set.peak
	c.syncCount(sessionID, 0, peak)
	set.mu.Unlock()

	sort.Slice(evicted, func(i, j int) bool {
		if evicted[i].JoinedAt.Equal(evicted[j].JoinedAt) {
			return evicted[i].ID < evicted[j].ID
		}
		return evicted[i].JoinedAt.Before(evicted[j].JoinedAt)
	})
	for _, viewer := range evicted {
		c.afterLeave(sessionID, viewer, true)
	}
	if len(evicted) > 0 {
		c.logger.Info("evicted viewers", "session_id", sessionID, "count", len(evicted))
	}
	return evicted, peak
}

// Touch refreshes a viewer's last-seen time. It reports whether the viewer
// is still joined.
func (c *Coordinator) Touch(sessionID, viewerID string) bool {
	set := c.set(sessionID)
	if set == nil {
		return false
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	viewer, ok := set.viewers[viewerID]
	if !ok {
		return false
	}
	viewer.LastSeenAt = c.now().UTC()
	return true
}

func (c *Coordinator) IsJoined(sessionID, viewerID string) bool {
	set := c.set(sessionID)
	if set == nil {
		return false
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	_, ok := set.viewers[viewerID]
	return ok
}

// Count returns the current and peak number of viewers.
func (c *Coordinator) Count(sessionID string) (int, int, error) {
	set := c.set(sessionID)
	if set == nil {
		return 0, 0, fmt.Errorf("%w: session %s is not accepting viewers", errs.ErrInvalidState, sessionID)
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.viewers), set.peak, nil
}

// Viewers lists the viewers of a session ordered by join time.
func (c *Coordinator) Viewers(sessionID string) []models.Viewer {
	set := c.set(sessionID)
	if set == nil {
		return nil
	}
	set.mu.Lock()
	out := make([]models.Viewer, 0, len(set.viewers))
	for _, viewer := range set.viewers {
		out = append(out, cloneViewer(*viewer))
	}
	set.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// PublishCounts broadcasts the viewer count of every session whose count
// changed since the last call. Running it on a short interval bounds how
// stale the displayed count can be while keeping churn off the fan-out.
func (c *Coordinator) PublishCounts() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.sets))
	sets := make([]*viewerSet, 0, len(c.sets))
	for id, set := range c.sets {
		ids = append(ids, id)
		sets = append(sets, set)
	}
	c.mu.Unlock()

	for i, set := range sets {
		set.mu.Lock()
		if !set.dirty || set.closed {
			set.mu.Unlock()
			continue
		}
		set.dirty = false
		count, peak := len(set.viewers), set.peak
		if count == set.published {
			set.mu.Unlock()
			continue
		}
		set.published = count
		set.mu.Unlock()
		if c.cfg.Chat == nil {
			continue
		}
		data := map[string]string{"count": strconv.Itoa(count), "peak": strconv.Itoa(peak)}
		if _, err := c.cfg.Chat.System(ids[i], ViewerCountEvent, "", data); err != nil {
			c.logger.Debug("viewer count not broadcast", "session_id", ids[i], "error", err)
		}
	}
}

// SweepIdle removes viewers not seen within the idle timeout, treating them
// as disconnected. It returns the number of viewers removed.
func (c *Coordinator) SweepIdle() int {
	cutoff := c.now().Add(-c.cfg.IdleTimeout)
	type stale struct{ sessionID, viewerID string }
	var expired []stale

	c.mu.Lock()
	sets := make(map[string]*viewerSet, len(c.sets))
	for id, set := range c.sets {
		sets[id] = set
	}
	c.mu.Unlock()
	for id, set := range sets {
		set.mu.Lock()
		for viewerID, viewer := range set.viewers {
			if viewer.LastSeenAt.Before(cutoff) {
				expired = append(expired, stale{sessionID: id, viewerID: viewerID})
			}
		}
		set.mu.Unlock()
	}

	for _, s := range expired {
		c.Leave(s.sessionID, s.viewerID)
	}
	if len(expired) > 0 {
		c.logger.Info("removed idle viewers", "count", len(expired))
	}
	return len(expired)
}

func cloneViewer(v models.Viewer) models.Viewer {
	out := v
	out.Metadata = cloneMetadata(v.Metadata)
	if v.LeftAt != nil {
		left := *v.LeftAt
		out.LeftAt = &left
	}
	return out
}

func cloneMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
