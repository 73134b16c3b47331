// Package chat fans out chat messages and system events to the viewers of
// each live session. Every session has a single writer goroutine that stamps
// messages with a sequence number, so all subscribers observe one order.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"rivercast/internal/errs"
	"rivercast/internal/models"
	"rivercast/internal/observability/logging"
	"rivercast/internal/observability/metrics"
)

const (
	DefaultMaxMessageRunes  = 500
	DefaultSubscriberBuffer = 64
	defaultInboxSize        = 256
	defaultPersistBuffer    = 1024
)

// Config configures a Hub.
type Config struct {
	// Queue receives every accepted message and moderation action for
	// persistence. Nil disables persistence.
	Queue   Queue
	Limiter SenderLimiter
	// MaxMessageRunes bounds viewer-authored bodies after normalization.
	MaxMessageRunes int
	// SubscriberBuffer is the outbound queue length per subscriber. A
	// subscriber whose queue is full is dropped.
	SubscriberBuffer int
	Logger           *slog.Logger
	Metrics          *metrics.Recorder
	now              func() time.Time
}

// Hub owns the chat rooms of every open session.
type Hub struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	mu     sync.RWMutex
	rooms  map[string]*room
	closed bool

	persistMu     sync.RWMutex
	persistClosed bool
	persist       chan Event
	persistDone   chan struct{}
}

func NewHub(cfg Config) *Hub {
	if cfg.MaxMessageRunes <= 0 {
		cfg.MaxMessageRunes = DefaultMaxMessageRunes
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if cfg.Limiter == nil {
		cfg.Limiter = allowAll{}
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.Default()
	}
	now := cfg.now
	if now == nil {
		now = time.Now
	}
	h := &Hub{
		cfg:         cfg,
		logger:      logging.WithComponent(logging.OrDefault(cfg.Logger), "chat"),
		metrics:     rec,
		now:         now,
		rooms:       make(map[string]*room),
		persist:     make(chan Event, defaultPersistBuffer),
		persistDone: make(chan struct{}),
	}
	go h.persistLoop()
	return h
}

// Open creates the room for a session that just went live.
func (h *Hub) Open(sessionID, ownerID string, chatEnabled bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("%w: chat hub is shut down", errs.ErrInvalidState)
	}
	if _, exists := h.rooms[sessionID]; exists {
		return fmt.Errorf("%w: chat room for session %s already open", errs.ErrInvalidState, sessionID)
	}
	r := &room{
		hub:         h,
		sessionID:   sessionID,
		ownerID:     ownerID,
		chatEnabled: chatEnabled,
		inbox:       make(chan envelope, defaultInboxSize),
		done:        make(chan struct{}),
		subs:        make(map[*Subscriber]struct{}),
		moderators:  make(map[string]struct{}),
		bans:        make(map[string]struct{}),
		timeouts:    make(map[string]time.Time),
	}
	h.rooms[sessionID] = r
	go r.run()
	return nil
}

// CloseRoom delivers every message already accepted for the session, then
// disconnects its subscribers. Closing an unknown room is a no-op.
func (h *Hub) CloseRoom(sessionID string) {
	h.mu.Lock()
	r, ok := h.rooms[sessionID]
	delete(h.rooms, sessionID)
	h.mu.Unlock()
	if !ok {
		return
	}
	r.close()
}

// IsOpen reports whether the session has an open room.
func (h *Hub) IsOpen(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[sessionID]
	return ok
}

// Close shuts every room and flushes the persistence queue, waiting at most
// until ctx is done.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	rooms := make([]*room, 0, len(h.rooms))
	for id, r := range h.rooms {
		rooms = append(rooms, r)
		delete(h.rooms, id)
	}
	h.mu.Unlock()
	for _, r := range rooms {
		r.close()
	}
	h.persistMu.Lock()
	h.persistClosed = true
	close(h.persist)
	h.persistMu.Unlock()
	select {
	case <-h.persistDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) room(sessionID string) (*room, error) {
	h.mu.RLock()
	r, ok := h.rooms[sessionID]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: chat is not open for session %s", errs.ErrInvalidState, sessionID)
	}
	return r, nil
}

// Subscribe attaches a viewer transport to the session's broadcast.
func (h *Hub) Subscribe(sessionID, viewerID string) (*Subscriber, error) {
	r, err := h.room(sessionID)
	if err != nil {
		return nil, err
	}
	return r.subscribe(viewerID, h.cfg.SubscriberBuffer)
}

// Disconnect detaches every transport of a viewer that left the session.
// It returns the number of subscribers closed.
func (h *Hub) Disconnect(sessionID, viewerID string) int {
	h.mu.RLock()
	r, ok := h.rooms[sessionID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for sub := range r.subs {
		if sub.ViewerID == viewerID {
			sub.left = true
			r.removeLocked(sub)
			n++
		}
	}
	return n
}

// Send accepts a viewer-authored message. It returns once the message has
// its place in the session order; delivery happens asynchronously.
func (h *Hub) Send(ctx context.Context, sessionID, senderID, body string) (models.ChatMessage, error) {
	senderID = strings.TrimSpace(senderID)
	if senderID == "" {
		return models.ChatMessage{}, fmt.Errorf("%w: sender is required", errs.ErrInvalidArgument)
	}
	r, err := h.room(sessionID)
	if err != nil {
		return models.ChatMessage{}, err
	}
	normalized := strings.TrimSpace(norm.NFC.String(body))
	if normalized == "" {
		return models.ChatMessage{}, fmt.Errorf("%w: message cannot be empty", errs.ErrInvalidArgument)
	}
	if utf8.RuneCountInString(normalized) > h.cfg.MaxMessageRunes {
		return models.ChatMessage{}, fmt.Errorf("%w: message exceeds %d characters", errs.ErrInvalidArgument, h.cfg.MaxMessageRunes)
	}
	if err := r.checkSender(senderID, h.now()); err != nil {
		h.metrics.ChatRejected(errs.Code(err))
		return models.ChatMessage{}, err
	}
	allowed, err := h.cfg.Limiter.Allow(ctx, sessionID, senderID)
	if err != nil {
		// A broken shared limiter must not take chat down with it.
		h.metrics.CollaboratorFailure("chat_rate_limiter")
		h.logger.Warn("chat rate limiter failed", "session_id", sessionID, "error", err)
		allowed = true
	}
	if !allowed {
		h.metrics.ChatRejected(errs.Code(errs.ErrRateLimited))
		return models.ChatMessage{}, fmt.Errorf("%w: sender %s must wait before sending again", errs.ErrRateLimited, senderID)
	}
	return r.enqueue(models.ChatMessage{SenderID: senderID, Kind: models.ChatKindMessage, Body: normalized})
}

// System broadcasts a service-authored event such as a moderation action or
// an alert.
func (h *Hub) System(sessionID, event, body string, data map[string]string) (models.ChatMessage, error) {
	r, err := h.room(sessionID)
	if err != nil {
		return models.ChatMessage{}, err
	}
	return r.enqueue(models.ChatMessage{
		SenderID: models.SystemSender,
		Kind:     models.ChatKindSystem,
		Event:    event,
		Body:     body,
		Data:     data,
	})
}

// Presence broadcasts a join or leave of viewerID. Rooms with chat disabled
// ignore presence.
func (h *Hub) Presence(sessionID string, kind models.ChatKind, viewerID string) (models.ChatMessage, bool, error) {
	if kind != models.ChatKindJoin && kind != models.ChatKindLeave {
		return models.ChatMessage{}, false, fmt.Errorf("%w: presence kind %q", errs.ErrInvalidArgument, kind)
	}
	r, err := h.room(sessionID)
	if err != nil {
		return models.ChatMessage{}, false, err
	}
	if !r.chatEnabled {
		return models.ChatMessage{}, false, nil
	}
	msg, err := r.enqueue(models.ChatMessage{SenderID: viewerID, Kind: kind})
	return msg, err == nil, err
}

func (h *Hub) queuePersist(event Event) {
	if h.cfg.Queue == nil {
		return
	}
	h.persistMu.RLock()
	defer h.persistMu.RUnlock()
	if h.persistClosed {
		return
	}
	select {
	case h.persist <- event:
	default:
		h.metrics.CollaboratorFailure("chat_queue")
		h.logger.Warn("chat persistence backlog full, dropping event", "type", event.Type)
	}
}

func (h *Hub) persistLoop() {
	defer close(h.persistDone)
	for event := range h.persist {
		if h.cfg.Queue == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := h.cfg.Queue.Publish(ctx, event); err != nil {
			h.metrics.CollaboratorFailure("chat_queue")
			h.logger.Warn("failed to publish chat event", "type", event.Type, "error", err)
		}
		cancel()
	}
}

type envelope struct {
	msg   models.ChatMessage
	reply chan models.ChatMessage
}

type room struct {
	hub         *Hub
	sessionID   string
	ownerID     string
	chatEnabled bool

	// inboxMu orders sends against close so nothing is sent on a closed
	// inbox. The writer goroutine never takes it.
	inboxMu sync.RWMutex
	inbox   chan envelope
	closed  bool
	done    chan struct{}
	seq     int64

	mu         sync.Mutex
	subs       map[*Subscriber]struct{}
	moderators map[string]struct{}
	bans       map[string]struct{}
	timeouts   map[string]time.Time
}

var errRoomClosed = errors.New("chat room closed")

func (r *room) enqueue(msg models.ChatMessage) (models.ChatMessage, error) {
	reply := make(chan models.ChatMessage, 1)
	r.inboxMu.RLock()
	if r.closed {
		r.inboxMu.RUnlock()
		return models.ChatMessage{}, fmt.Errorf("%w: %v", errs.ErrInvalidState, errRoomClosed)
	}
	r.inbox <- envelope{msg: msg, reply: reply}
	r.inboxMu.RUnlock()
	return <-reply, nil
}

func (r *room) run() {
	defer close(r.done)
	for env := range r.inbox {
		r.seq++
		msg := env.msg
		msg.ID = uuid.NewString()
		msg.SessionID = r.sessionID
		msg.Seq = r.seq
		msg.CreatedAt = r.hub.now().UTC()
		env.reply <- msg
		r.fanout(msg)
		r.hub.metrics.ObserveChatEvent(string(msg.Kind))
		r.hub.queuePersist(Event{Type: EventTypeMessage, Message: &msg, OccurredAt: msg.CreatedAt})
	}
}

func (r *room) fanout(msg models.ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sub := range r.subs {
		select {
		case sub.ch <- msg:
		default:
			r.dropLocked(sub)
			r.hub.metrics.SubscriberDropped()
			r.hub.logger.Warn("dropping slow chat subscriber", "session_id", r.sessionID, "viewer_id", sub.ViewerID)
		}
	}
}

func (r *room) close() {
	r.inboxMu.Lock()
	if !r.closed {
		r.closed = true
		close(r.inbox)
	}
	r.inboxMu.Unlock()
	<-r.done
	r.mu.Lock()
	for sub := range r.subs {
		r.removeLocked(sub)
	}
	r.mu.Unlock()
}

func (r *room) subscribe(viewerID string, buffer int) (*Subscriber, error) {
	r.inboxMu.RLock()
	defer r.inboxMu.RUnlock()
	if r.closed {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidState, errRoomClosed)
	}
	sub := &Subscriber{ViewerID: viewerID, SessionID: r.sessionID, room: r, ch: make(chan models.ChatMessage, buffer)}
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()
	return sub, nil
}

func (r *room) dropLocked(sub *Subscriber) {
	sub.dropped = true
	r.removeLocked(sub)
}

func (r *room) removeLocked(sub *Subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(r.subs, sub)
	close(sub.ch)
}

func (r *room) checkSender(senderID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.chatEnabled {
		return fmt.Errorf("%w: chat is disabled for session %s", errs.ErrInvalidState, r.sessionID)
	}
	if _, banned := r.bans[senderID]; banned {
		return fmt.Errorf("%w: sender %s is banned", errs.ErrForbidden, senderID)
	}
	if expiry, ok := r.timeouts[senderID]; ok {
		if now.Before(expiry) {
			return fmt.Errorf("%w: sender %s is timed out until %s", errs.ErrForbidden, senderID, expiry.Format(time.RFC3339))
		}
		delete(r.timeouts, senderID)
	}
	return nil
}

// Subscriber is one viewer transport attached to a room.
type Subscriber struct {
	ViewerID  string
	SessionID string

	room *room
	ch   chan models.ChatMessage
	// guarded by room.mu
	closed  bool
	dropped bool
	left    bool
}

// Messages yields messages in session order. The channel is closed when the
// subscriber is dropped, closed, or the room shuts down.
func (s *Subscriber) Messages() <-chan models.ChatMessage {
	return s.ch
}

// Dropped reports whether the subscriber was disconnected for falling
// behind.
func (s *Subscriber) Dropped() bool {
	s.room.mu.Lock()
	defer s.room.mu.Unlock()
	return s.dropped
}

// Left reports whether the subscriber was disconnected because its viewer
// left the session.
func (s *Subscriber) Left() bool {
	s.room.mu.Lock()
	defer s.room.mu.Unlock()
	return s.left
}

func (s *Subscriber) Close() {
	s.room.mu.Lock()
	s.room.removeLocked(s)
	s.room.mu.Unlock()
}
