package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"rivercast/internal/chat"
	"rivercast/internal/errs"
	"rivercast/internal/models"
	"rivercast/internal/recording"
)

// JSONRepository keeps the dataset in memory and rewrites a JSON file after
// every mutation. It suits single-node deployments and development.
type JSONRepository struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
}

type dataset struct {
	Sessions     map[string]sessionRecord        `json:"sessions"`
	Viewers      map[string]models.Viewer        `json:"viewers"`
	ChatMessages map[string][]storedMessage      `json:"chatMessages"`
	Moderation   map[string][]ModerationRecord   `json:"moderation"`
	Recordings   map[string][]recording.Artifact `json:"recordings"`
}

// sessionRecord keeps the ingest key digest, which the API model never
// serialises.
type sessionRecord struct {
	models.StreamSession
	IngestKeyHash string `json:"ingestKeyHash,omitempty"`
}

type storedMessage struct {
	models.ChatMessage
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

func (d *dataset) ensureInitialized() {
	if d.Sessions == nil {
		d.Sessions = make(map[string]sessionRecord)
	}
	if d.Viewers == nil {
		d.Viewers = make(map[string]models.Viewer)
	}
	if d.ChatMessages == nil {
		d.ChatMessages = make(map[string][]storedMessage)
	}
	if d.Moderation == nil {
		d.Moderation = make(map[string][]ModerationRecord)
	}
	if d.Recordings == nil {
		d.Recordings = make(map[string][]recording.Artifact)
	}
}

// NewJSONRepository loads path, creating the directory when needed. A
// missing or empty file starts an empty dataset.
func NewJSONRepository(path string) (*JSONRepository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("json store path is required")
	}
	repo := &JSONRepository{filePath: path}
	if err := repo.load(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *JSONRepository) load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	file, err := os.Open(r.filePath)
	if errors.Is(err, os.ErrNotExist) {
		r.data.ensureInitialized()
		return nil
	}
	if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	var data dataset
	if err := json.NewDecoder(file).Decode(&data); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode store file: %w", err)
	}
	data.ensureInitialized()
	r.data = data
	return nil
}

func (r *JSONRepository) persistLocked() error {
	dir := filepath.Dir(r.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(r.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, r.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func (r *JSONRepository) Ping(context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, err := os.Stat(filepath.Dir(r.filePath)); err != nil {
		return fmt.Errorf("store directory unavailable: %w", err)
	}
	return nil
}

func (r *JSONRepository) SaveSession(_ context.Context, session models.StreamSession) error {
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("%w: session id is required", errs.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	record := sessionRecord{StreamSession: session, IngestKeyHash: session.IngestKeyHash}
	record.IngestKey = ""
	if record.IngestKeyHash == "" {
		record.IngestKeyHash = r.data.Sessions[session.ID].IngestKeyHash
	}
	r.data.Sessions[session.ID] = record
	return r.persistLocked()
}

func (r *JSONRepository) GetSession(_ context.Context, id string) (models.StreamSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.data.Sessions[id]
	if !ok {
		return models.StreamSession{}, fmt.Errorf("session %s: %w", id, errs.ErrNotFound)
	}
	return record.toModel(), nil
}

func (r *JSONRepository) ListSessions(_ context.Context, broadcasterID string, limit int) ([]models.StreamSession, error) {
	r.mu.RLock()
	out := make([]models.StreamSession, 0, len(r.data.Sessions))
	for _, record := range r.data.Sessions {
		if broadcasterID != "" && record.BroadcasterID != broadcasterID {
			continue
		}
		out = append(out, record.toModel())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s sessionRecord) toModel() models.StreamSession {
	out := s.StreamSession
	out.IngestKeyHash = s.IngestKeyHash
	if s.Renditions != nil {
		out.Renditions = append([]string(nil), s.Renditions...)
	}
	return out
}

func viewerKey(v models.Viewer) string {
	return v.SessionID + "/" + v.ID + "/" + strconv.FormatInt(v.JoinedAt.UnixNano(), 10)
}

func (r *JSONRepository) SaveViewer(_ context.Context, viewer models.Viewer) error {
	if viewer.SessionID == "" || viewer.ID == "" {
		return fmt.Errorf("%w: viewer and session ids are required", errs.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.Viewers[viewerKey(viewer)] = viewer
	return r.persistLocked()
}

func (r *JSONRepository) ListViewers(_ context.Context, sessionID string) ([]models.Viewer, error) {
	r.mu.RLock()
	var out []models.Viewer
	for _, viewer := range r.data.Viewers {
		if viewer.SessionID == sessionID {
			out = append(out, viewer)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

// AppendChatMessage stores message. Redelivered messages are ignored.
func (r *JSONRepository) AppendChatMessage(_ context.Context, message models.ChatMessage) error {
	if message.ID == "" || message.SessionID == "" {
		return fmt.Errorf("%w: message and session ids are required", errs.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	messages := r.data.ChatMessages[message.SessionID]
	for _, existing := range messages {
		if existing.ID == message.ID {
			return nil
		}
	}
	messages = append(messages, storedMessage{ChatMessage: message})
	sort.SliceStable(messages, func(i, j int) bool { return messages[i].Seq < messages[j].Seq })
	r.data.ChatMessages[message.SessionID] = messages
	return r.persistLocked()
}

func (r *JSONRepository) DeleteChatMessage(_ context.Context, sessionID, messageID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	messages := r.data.ChatMessages[sessionID]
	for i := range messages {
		if messages[i].ID == messageID {
			if messages[i].DeletedAt == nil {
				stamp := at.UTC()
				messages[i].DeletedAt = &stamp
			}
			return r.persistLocked()
		}
	}
	return fmt.Errorf("message %s: %w", messageID, errs.ErrNotFound)
}

// ListChatMessages returns up to limit of the most recent visible messages,
// oldest first.
func (r *JSONRepository) ListChatMessages(_ context.Context, sessionID string, limit int) ([]models.ChatMessage, error) {
	limit = normalizeLimit(limit)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var visible []models.ChatMessage
	for _, message := range r.data.ChatMessages[sessionID] {
		if message.DeletedAt == nil {
			visible = append(visible, message.ChatMessage)
		}
	}
	if len(visible) > limit {
		visible = visible[len(visible)-limit:]
	}
	return append([]models.ChatMessage(nil), visible...), nil
}

func (r *JSONRepository) RecordModeration(_ context.Context, event chat.ModerationEvent, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.Moderation[event.SessionID] = append(r.data.Moderation[event.SessionID], ModerationRecord{ModerationEvent: event, OccurredAt: at.UTC()})
	return r.persistLocked()
}

func (r *JSONRepository) ListModeration(_ context.Context, sessionID string) ([]ModerationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ModerationRecord(nil), r.data.Moderation[sessionID]...), nil
}

func (r *JSONRepository) SaveRecording(_ context.Context, artifact recording.Artifact) error {
	if artifact.SessionID == "" {
		return fmt.Errorf("%w: session id is required", errs.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.Recordings[artifact.SessionID] = append(r.data.Recordings[artifact.SessionID], artifact)
	return r.persistLocked()
}

func (r *JSONRepository) ListRecordings(_ context.Context, sessionID string) ([]recording.Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]recording.Artifact(nil), r.data.Recordings[sessionID]...), nil
}

func (r *JSONRepository) Close(context.Context) error { return nil }
