// Package session holds the authoritative in-memory registry of stream
// sessions. Durable copies are written through to a Mirror asynchronously so
// the hot join and chat paths never wait on the database.
package session

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"rivercast/internal/errs"
	"rivercast/internal/models"
	"rivercast/internal/observability/logging"
)

// DefaultShards is the number of lock stripes used when Options.Shards is
// zero.
const DefaultShards = 32

// Mirror receives a copy of every session mutation. Implementations must not
// block; the storage writer queues the record and persists it on its own
// goroutine.
type Mirror interface {
	MirrorSession(session models.StreamSession)
}

// Options configures a Registry.
type Options struct {
	Mirror Mirror
	Logger *slog.Logger
	Shards int
}

// Registry is a sharded map of StreamSession keyed by session id. Creating or
// deleting a session only locks the shard that owns its id.
type Registry struct {
	shards []*shard
	mirror Mirror
	logger *slog.Logger
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
	// retired remembers sessions removed by Delete so callers can tell an
	// ended session from one that never existed.
	retired map[string]tombstone
}

type tombstone struct {
	status    models.SessionStatus
	deletedAt time.Time
}

type entry struct {
	session models.StreamSession
	// changed is closed and replaced on every mutation so waiters can
	// observe state resolution without polling.
	changed chan struct{}
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts Options) *Registry {
	count := opts.Shards
	if count <= 0 {
		count = DefaultShards
	}
	r := &Registry{
		shards: make([]*shard, count),
		mirror: opts.Mirror,
		logger: logging.WithComponent(logging.OrDefault(opts.Logger), "session-registry"),
	}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[string]*entry), retired: make(map[string]tombstone)}
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Create inserts a new session. The id must be unique among live entries.
func (r *Registry) Create(session models.StreamSession) (models.StreamSession, error) {
	id := strings.TrimSpace(session.ID)
	if id == "" {
		return models.StreamSession{}, fmt.Errorf("session id is required: %w", errs.ErrInvalidArgument)
	}
	session.ID = id
	s := r.shardFor(id)
	s.mu.Lock()
	if _, exists := s.entries[id]; exists {
		s.mu.Unlock()
		return models.StreamSession{}, fmt.Errorf("session %s already exists: %w", id, errs.ErrInvalidArgument)
	}
	s.entries[id] = &entry{session: cloneSession(session), changed: make(chan struct{})}
	s.mu.Unlock()
	r.mirrorSession(session)
	return cloneSession(session), nil
}

// Get returns a copy of the session or ErrNotFound.
func (r *Registry) Get(id string) (models.StreamSession, error) {
	s := r.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return models.StreamSession{}, fmt.Errorf("session %s: %w", id, errs.ErrNotFound)
	}
	return cloneSession(e.session), nil
}

// Update applies fn to the stored session under the shard lock. fn must be
// fast and must not call back into the registry. When fn returns an error
// the session is left unchanged.
func (r *Registry) Update(id string, fn func(*models.StreamSession) error) (models.StreamSession, error) {
	s := r.shardFor(id)
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return models.StreamSession{}, fmt.Errorf("session %s: %w", id, errs.ErrNotFound)
	}
	working := cloneSession(e.session)
	if err := fn(&working); err != nil {
		s.mu.Unlock()
		return models.StreamSession{}, err
	}
	working.ID = e.session.ID
	e.session = working
	close(e.changed)
	e.changed = make(chan struct{})
	updated := cloneSession(working)
	s.mu.Unlock()
	r.mirrorSession(updated)
	return updated, nil
}

// UpdateStatus moves the session to status, stamping the start or end time
// as appropriate. Non-monotonic transitions fail with ErrInvalidState.
func (r *Registry) UpdateStatus(id string, status models.SessionStatus, at time.Time) (models.StreamSession, error) {
	return r.Update(id, func(session *models.StreamSession) error {
		if !session.Status.CanTransition(status) {
			return fmt.Errorf("session %s cannot move from %s to %s: %w", id, session.Status, status, errs.ErrInvalidState)
		}
		session.Status = status
		stamp := at.UTC()
		switch status {
		case models.StatusLive:
			session.StartedAt = &stamp
		case models.StatusEnded, models.StatusError:
			session.EndedAt = &stamp
		}
		return nil
	})
}

// Delete removes the session from the live registry. The durable record is
// untouched.
func (r *Registry) Delete(id string) (models.StreamSession, bool) {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return models.StreamSession{}, false
	}
	delete(s.entries, id)
	s.retired[id] = tombstone{status: e.session.Status, deletedAt: time.Now()}
	close(e.changed)
	return cloneSession(e.session), true
}

// Retired reports the last status of a session removed by Delete.
func (r *Registry) Retired(id string) (models.SessionStatus, bool) {
	s := r.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.retired[id]
	return t.status, ok
}

// PruneRetired forgets sessions deleted before cutoff and returns how many
// were dropped.
func (r *Registry) PruneRetired(cutoff time.Time) int {
	pruned := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for id, t := range s.retired {
			if t.deletedAt.Before(cutoff) {
				delete(s.retired, id)
				pruned++
			}
		}
		s.mu.Unlock()
	}
	return pruned
}

// Changed returns a channel closed on the next mutation or deletion of the
// session.
func (r *Registry) Changed(id string) (<-chan struct{}, error) {
	s := r.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, errs.ErrNotFound)
	}
	return e.changed, nil
}

// List returns every registered session ordered by creation time.
func (r *Registry) List() []models.StreamSession {
	var out []models.StreamSession
	for _, s := range r.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			out = append(out, cloneSession(e.session))
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	total := 0
	for _, s := range r.shards {
		s.mu.RLock()
		total += len(s.entries)
		s.mu.RUnlock()
	}
	return total
}

func (r *Registry) mirrorSession(session models.StreamSession) {
	if r.mirror == nil {
		return
	}
	r.mirror.MirrorSession(cloneSession(session))
}

func cloneSession(s models.StreamSession) models.StreamSession {
	out := s
	if s.StartedAt != nil {
		started := *s.StartedAt
		out.StartedAt = &started
	}
	if s.EndedAt != nil {
		ended := *s.EndedAt
		out.EndedAt = &ended
	}
	if s.Renditions != nil {
		out.Renditions = append([]string(nil), s.Renditions...)
	}
	return out
}
