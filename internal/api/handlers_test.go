package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"rivercast/internal/chat"
	"rivercast/internal/lifecycle"
	"rivercast/internal/models"
	"rivercast/internal/observability/logging"
	"rivercast/internal/observability/metrics"
	"rivercast/internal/session"
	"rivercast/internal/storage"
	"rivercast/internal/transcode"
	"rivercast/internal/viewers"
)

type stubTranscoder struct {
	mu     sync.Mutex
	root   string
	active map[string]bool
}

func (s *stubTranscoder) Submit(job models.TranscodeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		s.active = make(map[string]bool)
	}
	s.active[job.SessionID] = true
	return nil
}

func (s *stubTranscoder) Cancel(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.active, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *stubTranscoder) Renditions(string) []string { return nil }

func (s *stubTranscoder) SetHooks(transcode.Hooks) {}

func (s *stubTranscoder) Shutdown(context.Context) error { return nil }

func (s *stubTranscoder) ManifestPath(sessionID string) string {
	return filepath.Join(s.root, sessionID, transcode.MasterPlaylistName)
}

type apiFixture struct {
	registry *session.Registry
	hub      *chat.Hub
	coord    *viewers.Coordinator
	store    *storage.JSONRepository
	root     string
	handler  *Handler
	router   http.Handler
}

func newAPIFixture(t *testing.T, probes ...HealthProbe) *apiFixture {
	t.Helper()
	rec := metrics.New()
	root := t.TempDir()
	store, err := storage.NewJSONRepository(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewJSONRepository: %v", err)
	}
	registry := session.NewRegistry(session.Options{Logger: logging.Discard()})
	hub := chat.NewHub(chat.Config{Logger: logging.Discard(), Metrics: rec})
	t.Cleanup(func() { _ = hub.Close(context.Background()) })
	coord := viewers.NewCoordinator(viewers.Config{
		Registry: registry,
		Chat:     hub,
		JoinWait: 50 * time.Millisecond,
		Logger:   logging.Discard(),
		Metrics:  rec,
	})
	transcoder := &stubTranscoder{root: root}
	orch, err := lifecycle.New(lifecycle.Config{
		Registry:   registry,
		Transcoder: transcoder,
		Viewers:    coord,
		Chat:       hub,
		Ladder: []models.RenditionSpec{
			{Name: "720p", Width: 1280, Height: 720, VideoBitrate: 2800, AudioBitrate: 128},
			{Name: "360p", Width: 640, Height: 360, VideoBitrate: 800, AudioBitrate: 96},
		},
		IngestBaseURL:   "rtmp://ingest.example/live",
		PlaybackBaseURL: "https://cdn.example/live",
		StopTimeout:     time.Second,
		Logger:          logging.Discard(),
		Metrics:         rec,
	})
	if err != nil {
		t.Fatalf("lifecycle.New: %v", err)
	}
	handler, err := NewHandler(Config{
		Orchestrator: orch,
		Viewers:      coord,
		Chat:         hub,
		Registry:     registry,
		Store:        store,
		Manifests:    transcoder,
		OutputRoot:   root,
		Probes:       probes,
		Logger:       logging.Discard(),
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return &apiFixture{
		registry: registry,
		hub:      hub,
		coord:    coord,
		store:    store,
		root:     root,
		handler:  handler,
		router:   handler.Routes(),
	}
}

func (f *apiFixture) do(t *testing.T, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rec.Code, rec.Body.String())
	}
	var body errorResponse
	decodeBody(t, rec, &body)
	if body.Code != code || body.Error == "" {
		t.Fatalf("expected code %q with a message, got %+v", code, body)
	}
}

func (f *apiFixture) liveSession(t *testing.T, broadcasterID string) createSessionResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/sessions", map[string]interface{}{"broadcasterId": broadcasterID, "title": "Launch"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	var created createSessionResponse
	decodeBody(t, rec, &created)
	rec = f.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/start", map[string]string{"broadcasterId": broadcasterID})
	if rec.Code != http.StatusOK {
		t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}
	return created
}

func TestSessionFlowOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/sessions", map[string]interface{}{"broadcasterId": "b1", "title": "Launch", "maxViewers": 5})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	var created createSessionResponse
	decodeBody(t, rec, &created)
	if created.ID == "" || created.IngestKey == "" || created.Status != models.StatusPreparing || !created.ChatEnabled {
		t.Fatalf("unexpected created session %+v", created)
	}
	if loc := rec.Header().Get("Location"); loc != "/api/sessions/"+created.ID {
		t.Fatalf("unexpected location %q", loc)
	}

	expectError(t, f.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/start", map[string]string{"broadcasterId": "intruder"}), http.StatusUnauthorized, "unauthorized")

	rec = f.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/start", map[string]string{"broadcasterId": "b1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}
	var started lifecycle.StartResult
	decodeBody(t, rec, &started)
	if started.IngestEndpoint != "rtmp://ingest.example/live/"+created.IngestKey {
		t.Fatalf("unexpected ingest endpoint %q", started.IngestEndpoint)
	}
	if started.ManifestURL != "https://cdn.example/live/"+created.ID+"/master.m3u8" {
		t.Fatalf("unexpected manifest url %q", started.ManifestURL)
	}

	rec = f.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/viewers", map[string]string{"viewerId": "v1", "userId": "u1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("join: %d %s", rec.Code, rec.Body.String())
	}
	var joined viewers.JoinResult
	decodeBody(t, rec, &joined)
	if joined.Viewer.ID != "v1" || joined.ViewerCount != 1 || joined.ManifestURL != started.ManifestURL {
		t.Fatalf("unexpected join result %+v", joined)
	}

	rec = f.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/viewers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("anonymous join: %d %s", rec.Code, rec.Body.String())
	}
	decodeBody(t, rec, &joined)
	if joined.Viewer.ID == "" || joined.ViewerCount != 2 {
		t.Fatalf("unexpected anonymous join %+v", joined)
	}

	rec = f.do(t, http.MethodGet, "/api/sessions/"+created.ID, nil)
	var current models.StreamSession
	decodeBody(t, rec, &current)
	if current.Status != models.StatusLive || current.ViewerCount != 2 || current.PeakViewers != 2 {
		t.Fatalf("unexpected session %+v", current)
	}
	if strings.Contains(rec.Body.String(), created.IngestKey) {
		t.Fatal("session read must not expose the ingest key")
	}

	rec = f.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/chat", map[string]string{"senderId": "u1", "body": "hello"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("chat: %d %s", rec.Code, rec.Body.String())
	}
	var msg models.ChatMessage
	decodeBody(t, rec, &msg)
	if msg.Body != "hello" || msg.SenderID != "u1" || msg.Kind != models.ChatKindMessage {
		t.Fatalf("unexpected message %+v", msg)
	}

	expectError(t, f.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/moderation", map[string]interface{}{
		"moderatorId": "u1", "action": "ban", "targetId": "u3",
	}), http.StatusForbidden, "forbidden")
	rec = f.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/moderation", map[string]interface{}{
		"moderatorId": "b1", "action": "ban", "targetId": "u3",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("ban: %d %s", rec.Code, rec.Body.String())
	}
	expectError(t, f.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/chat", map[string]string{"senderId": "u3", "body": "hi"}), http.StatusForbidden, "forbidden")

	rec = f.do(t, http.MethodDelete, "/api/sessions/"+created.ID+"/viewers/v1", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("leave: %d %s", rec.Code, rec.Body.String())
	}
	for _, path := range []string{"/api/sessions/" + created.ID + "/viewers/v1", "/api/sessions/missing/viewers/v1"} {
		if rec := f.do(t, http.MethodDelete, path, nil); rec.Code != http.StatusNoContent {
			t.Fatalf("repeat leave %s: %d %s", path, rec.Code, rec.Body.String())
		}
	}

	expectError(t, f.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/end", map[string]string{"broadcasterId": "intruder"}), http.StatusUnauthorized, "unauthorized")
	rec = f.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/end", map[string]string{"broadcasterId": "b1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("end: %d %s", rec.Code, rec.Body.String())
	}

	expectError(t, f.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/viewers", map[string]string{"viewerId": "v9"}), http.StatusConflict, "invalid_state")
	expectError(t, f.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/end", map[string]string{"broadcasterId": "b1"}), http.StatusConflict, "invalid_state")
}

func TestCapacityRejectionOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/api/sessions", map[string]interface{}{"broadcasterId": "b1", "maxViewers": 1})
	var created createSessionResponse
	decodeBody(t, rec, &created)
	if rec := f.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/start", map[string]string{"broadcasterId": "b1"}); rec.Code != http.StatusOK {
		t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/viewers", map[string]string{"viewerId": "v1"}); rec.Code != http.StatusOK {
		t.Fatalf("join: %d %s", rec.Code, rec.Body.String())
	}
	expectError(t, f.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/viewers", map[string]string{"viewerId": "v2"}), http.StatusConflict, "capacity_exceeded")
}

func TestRequestValidation(t *testing.T) {
	f := newAPIFixture(t)

	cases := []struct {
		name   string
		method string
		target string
		body   interface{}
		status int
		code   string
	}{
		{"missing body", http.MethodPost, "/api/sessions", nil, http.StatusBadRequest, "invalid_argument"},
		{"unknown field", http.MethodPost, "/api/sessions", map[string]string{"broadcasterId": "b1", "color": "red"}, http.StatusBadRequest, "invalid_argument"},
		{"missing broadcaster", http.MethodPost, "/api/sessions", map[string]string{"title": "x"}, http.StatusBadRequest, "invalid_argument"},
		{"negative capacity", http.MethodPost, "/api/sessions", map[string]interface{}{"broadcasterId": "b1", "maxViewers": -1}, http.StatusBadRequest, "invalid_argument"},
		{"unknown session", http.MethodGet, "/api/sessions/nope", nil, http.StatusNotFound, "not_found"},
		{"join unknown session", http.MethodPost, "/api/sessions/nope/viewers", map[string]string{"viewerId": "v1"}, http.StatusNotFound, "not_found"},
		{"bad limit", http.MethodGet, "/api/sessions?limit=abc", nil, http.StatusBadRequest, "invalid_argument"},
		{"websocket without viewer", http.MethodGet, "/api/sessions/nope/ws", nil, http.StatusBadRequest, "invalid_argument"},
		{"websocket for stranger", http.MethodGet, "/api/sessions/nope/ws?viewerId=v1", nil, http.StatusForbidden, "forbidden"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			expectError(t, f.do(t, tc.method, tc.target, tc.body), tc.status, tc.code)
		})
	}
}

func TestJoinBeforeLiveIsInvalidState(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/api/sessions", map[string]string{"broadcasterId": "b1"})
	var created createSessionResponse
	decodeBody(t, rec, &created)
	expectError(t, f.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/viewers", map[string]string{"viewerId": "v1"}), http.StatusConflict, "invalid_state")
}

func TestListSessionsFiltersByBroadcaster(t *testing.T) {
	f := newAPIFixture(t)
	f.liveSession(t, "b1")
	f.liveSession(t, "b2")

	var all []models.StreamSession
	decodeBody(t, f.do(t, http.MethodGet, "/api/sessions", nil), &all)
	if len(all) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(all))
	}
	var mine []models.StreamSession
	decodeBody(t, f.do(t, http.MethodGet, "/api/sessions?broadcasterId=b2", nil), &mine)
	if len(mine) != 1 || mine[0].BroadcasterID != "b2" {
		t.Fatalf("unexpected filtered sessions %+v", mine)
	}
}

func TestArchivedSessionReads(t *testing.T) {
	f := newAPIFixture(t)
	ended := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	archived := models.StreamSession{
		ID:            "old",
		BroadcasterID: "b1",
		Status:        models.StatusEnded,
		CreatedAt:     ended.Add(-time.Hour),
		EndedAt:       &ended,
		PeakViewers:   12,
	}
	if err := f.store.SaveSession(context.Background(), archived); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/api/sessions/old", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get archived: %d %s", rec.Code, rec.Body.String())
	}
	var got models.StreamSession
	decodeBody(t, rec, &got)
	if got.Status != models.StatusEnded || got.PeakViewers != 12 {
		t.Fatalf("unexpected archived session %+v", got)
	}

	var list []models.StreamSession
	decodeBody(t, f.do(t, http.MethodGet, "/api/sessions?archived=true&broadcasterId=b1", nil), &list)
	if len(list) != 1 || list[0].ID != "old" {
		t.Fatalf("unexpected archive listing %+v", list)
	}
}

func TestChatHistory(t *testing.T) {
	f := newAPIFixture(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, body := range []string{"first", "second", "third"} {
		msg := models.ChatMessage{
			ID:        "m" + string(rune('1'+i)),
			SessionID: "s1",
			Seq:       int64(i + 1),
			SenderID:  "u1",
			Kind:      models.ChatKindMessage,
			Body:      body,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := f.store.AppendChatMessage(context.Background(), msg); err != nil {
			t.Fatalf("AppendChatMessage: %v", err)
		}
	}

	var history []models.ChatMessage
	decodeBody(t, f.do(t, http.MethodGet, "/api/sessions/s1/history?limit=2", nil), &history)
	if len(history) != 2 || history[0].Body != "second" || history[1].Body != "third" {
		t.Fatalf("expected the newest two messages oldest first, got %+v", history)
	}

	var empty []models.ChatMessage
	rec := f.do(t, http.MethodGet, "/api/sessions/unknown/history", nil)
	decodeBody(t, rec, &empty)
	if rec.Code != http.StatusOK || len(empty) != 0 {
		t.Fatalf("expected empty history, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestModeratorsRoutes(t *testing.T) {
	f := newAPIFixture(t)
	created := f.liveSession(t, "b1")
	base := "/api/sessions/" + created.ID + "/moderators"

	expectError(t, f.do(t, http.MethodPost, base, map[string]string{"broadcasterId": "u1", "userId": "u2"}), http.StatusForbidden, "forbidden")

	rec := f.do(t, http.MethodPost, base, map[string]string{"broadcasterId": "b1", "userId": "mod1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("add moderator: %d %s", rec.Code, rec.Body.String())
	}
	var listed map[string][]string
	decodeBody(t, rec, &listed)
	if len(listed["moderators"]) != 1 || listed["moderators"][0] != "mod1" {
		t.Fatalf("unexpected moderators %+v", listed)
	}

	rec = f.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/moderation", map[string]interface{}{
		"moderatorId": "mod1", "action": "timeout", "targetId": "u5", "durationMs": 60000,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("timeout by moderator: %d %s", rec.Code, rec.Body.String())
	}
	expectError(t, f.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/chat", map[string]string{"senderId": "u5", "body": "hi"}), http.StatusForbidden, "forbidden")

	rec = f.do(t, http.MethodDelete, base+"/mod1?broadcasterId=b1", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("remove moderator: %d %s", rec.Code, rec.Body.String())
	}
	decodeBody(t, f.do(t, http.MethodGet, base, nil), &listed)
	if len(listed["moderators"]) != 0 {
		t.Fatalf("expected no moderators, got %+v", listed)
	}
}

func TestIngestPublish(t *testing.T) {
	f := newAPIFixture(t)
	created := f.liveSession(t, "b1")

	rec := f.do(t, http.MethodPost, "/api/ingest/publish", map[string]string{"key": created.IngestKey})
	if rec.Code != http.StatusOK {
		t.Fatalf("publish: %d %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["sessionId"] != created.ID {
		t.Fatalf("unexpected publish response %+v", body)
	}

	form := url.Values{"app": {"live"}, "name": {created.IngestKey}}
	req := httptest.NewRequest(http.MethodPost, "/api/ingest/publish", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	formRec := httptest.NewRecorder()
	f.router.ServeHTTP(formRec, req)
	if formRec.Code != http.StatusOK {
		t.Fatalf("form publish: %d %s", formRec.Code, formRec.Body.String())
	}

	expectError(t, f.do(t, http.MethodPost, "/api/ingest/publish", map[string]string{"key": "forged"}), http.StatusForbidden, "forbidden")
	expectError(t, f.do(t, http.MethodPost, "/api/ingest/publish", map[string]string{"key": ""}), http.StatusUnauthorized, "unauthorized")
}

func writeMaster(t *testing.T, root, sessionID string) {
	t.Helper()
	dir := filepath.Join(root, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	master := "#EXTM3U\n#EXT-X-VERSION:3\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=896000,RESOLUTION=640x360,CODECS=\"avc1.64001f,mp4a.40.2\"\n360p/index.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=2928000,RESOLUTION=1280x720,CODECS=\"avc1.64001f,mp4a.40.2\"\n720p/index.m3u8\n"
	if err := os.WriteFile(filepath.Join(dir, transcode.MasterPlaylistName), []byte(master), 0o644); err != nil {
		t.Fatalf("write master: %v", err)
	}
}

func TestRenditionsReadsManifest(t *testing.T) {
	f := newAPIFixture(t)
	created := f.liveSession(t, "b1")

	var resp renditionsResponse
	rec := f.do(t, http.MethodGet, "/api/sessions/"+created.ID+"/renditions", nil)
	decodeBody(t, rec, &resp)
	if rec.Code != http.StatusOK || len(resp.Variants) != 0 || len(resp.Renditions) != 2 {
		t.Fatalf("expected renditions without variants before the first segment, got %d %s", rec.Code, rec.Body.String())
	}

	writeMaster(t, f.root, created.ID)
	decodeBody(t, f.do(t, http.MethodGet, "/api/sessions/"+created.ID+"/renditions", nil), &resp)
	if len(resp.Variants) != 2 || resp.Variants[0].URI != "360p/index.m3u8" || resp.Variants[0].Bandwidth != 896000 {
		t.Fatalf("unexpected variants %+v", resp.Variants)
	}
}

func TestManifestServing(t *testing.T) {
	f := newAPIFixture(t)
	writeMaster(t, f.root, "s1")

	rec := f.do(t, http.MethodGet, "/live/s1/master.m3u8", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("manifest: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != playlistContentType {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.HasPrefix(rec.Body.String(), "#EXTM3U") {
		t.Fatalf("unexpected manifest body %q", rec.Body.String())
	}
	if rec := f.do(t, http.MethodGet, "/live/", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected directory listing to be hidden, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/live/s1/", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected session directory listing to be hidden, got %d", rec.Code)
	}
}

func TestDRMManifestRequiresJoinedViewer(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/api/sessions", map[string]interface{}{"broadcasterId": "b1", "drmRequired": true})
	var created createSessionResponse
	decodeBody(t, rec, &created)
	if rec := f.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/start", map[string]string{"broadcasterId": "b1"}); rec.Code != http.StatusOK {
		t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}
	writeMaster(t, f.root, created.ID)
	master := "/live/" + created.ID + "/master.m3u8"

	expectError(t, f.do(t, http.MethodGet, master, nil), http.StatusForbidden, "forbidden")
	expectError(t, f.do(t, http.MethodGet, master+"?viewerId=stranger", nil), http.StatusForbidden, "forbidden")

	rec = f.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/viewers", map[string]string{"viewerId": "v1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("join: %d %s", rec.Code, rec.Body.String())
	}
	var joined viewers.JoinResult
	decodeBody(t, rec, &joined)
	manifest, err := url.Parse(joined.ManifestURL)
	if err != nil || manifest.Query().Get("viewerId") != "v1" {
		t.Fatalf("join manifest %q should carry the viewer id", joined.ManifestURL)
	}

	if rec := f.do(t, http.MethodGet, master+"?"+manifest.RawQuery, nil); rec.Code != http.StatusOK {
		t.Fatalf("joined viewer manifest: %d %s", rec.Code, rec.Body.String())
	}
	req := httptest.NewRequest(http.MethodGet, master, nil)
	req.Header.Set("X-Viewer-Id", "v1")
	byHeader := httptest.NewRecorder()
	f.router.ServeHTTP(byHeader, req)
	if byHeader.Code != http.StatusOK {
		t.Fatalf("joined viewer by header: %d", byHeader.Code)
	}

	if rec := f.do(t, http.MethodDelete, "/api/sessions/"+created.ID+"/viewers/v1", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("leave: %d", rec.Code)
	}
	expectError(t, f.do(t, http.MethodGet, master+"?viewerId=v1", nil), http.StatusForbidden, "forbidden")
}

func TestHealthReportsProbes(t *testing.T) {
	healthy := newAPIFixture(t, HealthProbe{Name: "redis", Check: func(context.Context) error { return nil }})
	rec := healthy.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthy status, got %d %s", rec.Code, rec.Body.String())
	}

	degraded := newAPIFixture(t, HealthProbe{Name: "redis", Check: func(context.Context) error { return errors.New("connection refused") }})
	rec = degraded.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body struct {
		Status     string            `json:"status"`
		Components []componentStatus `json:"components"`
	}
	decodeBody(t, rec, &body)
	if body.Status != "degraded" || len(body.Components) != 2 || body.Components[1].Error != "connection refused" {
		t.Fatalf("unexpected health body %+v", body)
	}
}

func TestViewerSocket(t *testing.T) {
	f := newAPIFixture(t)
	created := f.liveSession(t, "b1")
	if rec := f.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/viewers", map[string]string{"viewerId": "v1", "userId": "u1"}); rec.Code != http.StatusOK {
		t.Fatalf("join: %d %s", rec.Code, rec.Body.String())
	}

	server := httptest.NewServer(f.router)
	t.Cleanup(server.Close)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/sessions/" + created.ID + "/ws?viewerId=v1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	if err := conn.WriteJSON(chat.Frame{Type: chat.FrameMessage, Body: "from the socket"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var frame chat.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read: %v", err)
		}
		if frame.Message != nil && frame.Message.Kind == models.ChatKindMessage {
			if frame.Message.Body != "from the socket" || frame.Message.SenderID != "u1" {
				t.Fatalf("unexpected message %+v", frame.Message)
			}
			break
		}
	}

	_ = conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for f.coord.IsJoined(created.ID, "v1") {
		if time.Now().After(deadline) {
			t.Fatal("closing the socket should leave the session")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
