package models

import (
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of a stream session.
type SessionStatus string

const (
	StatusPreparing SessionStatus = "preparing"
	StatusLive      SessionStatus = "live"
	StatusEnded     SessionStatus = "ended"
	StatusError     SessionStatus = "error"
)

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool {
	return s == StatusEnded || s == StatusError
}

// CanTransition reports whether moving from s to next keeps the lifecycle
// monotonic: preparing->live->ended, or preparing|live->error.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case StatusPreparing:
		return next == StatusLive || next == StatusError
	case StatusLive:
		return next == StatusEnded || next == StatusError
	default:
		return false
	}
}

type StreamSession struct {
	ID               string        `json:"id"`
	BroadcasterID    string        `json:"broadcasterId"`
	Title            string        `json:"title"`
	IngestKey        string        `json:"-"`
	IngestKeyHash    string        `json:"-"`
	ManifestURL      string        `json:"manifestUrl"`
	Status           SessionStatus `json:"status"`
	CreatedAt        time.Time     `json:"createdAt"`
	StartedAt        *time.Time    `json:"startedAt,omitempty"`
	EndedAt          *time.Time    `json:"endedAt,omitempty"`
	ViewerCount      int           `json:"viewerCount"`
	PeakViewers      int           `json:"peakViewers"`
	ChatEnabled      bool          `json:"chatEnabled"`
	RecordingEnabled bool          `json:"recordingEnabled"`
	DRMRequired      bool          `json:"drmRequired"`
	MaxViewers       int           `json:"maxViewers,omitempty"`
	FailureReason    string        `json:"failureReason,omitempty"`
	Renditions       []string      `json:"renditions,omitempty"`
}

// RenditionSpec describes one rung of the quality ladder. Bitrates are in
// kilobits per second.
type RenditionSpec struct {
	Name         string `json:"name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	VideoBitrate int    `json:"videoBitrate"`
	AudioBitrate int    `json:"audioBitrate"`
}

// Bandwidth returns the peak bits per second advertised in the master
// manifest.
func (r RenditionSpec) Bandwidth() int {
	return (r.VideoBitrate + r.AudioBitrate) * 1000
}

func (r RenditionSpec) Resolution() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

type TranscodeJob struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"sessionId"`
	Input      string          `json:"input"`
	OutputDir  string          `json:"outputDir"`
	Renditions []RenditionSpec `json:"renditions"`
}

type Viewer struct {
	ID         string            `json:"id"`
	UserID     string            `json:"userId,omitempty"`
	SessionID  string            `json:"sessionId"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	JoinedAt   time.Time         `json:"joinedAt"`
	LastSeenAt time.Time         `json:"lastSeenAt"`
	LeftAt     *time.Time        `json:"leftAt,omitempty"`
}

// Identified reports whether the viewer is tied to an authenticated user.
func (v Viewer) Identified() bool {
	return v.UserID != ""
}

// DisplayID is the sender identity used in chat for this viewer.
func (v Viewer) DisplayID() string {
	if v.UserID != "" {
		return v.UserID
	}
	return v.ID
}

type ChatKind string

const (
	ChatKindMessage ChatKind = "message"
	ChatKindJoin    ChatKind = "join"
	ChatKindLeave   ChatKind = "leave"
	ChatKindSystem  ChatKind = "system"
)

// SystemSender is the sender id stamped on messages emitted by the service.
const SystemSender = "system"

type ChatMessage struct {
	ID        string            `json:"id"`
	SessionID string            `json:"sessionId"`
	Seq       int64             `json:"seq"`
	SenderID  string            `json:"senderId"`
	Kind      ChatKind          `json:"kind"`
	Body      string            `json:"body,omitempty"`
	Event     string            `json:"event,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}
