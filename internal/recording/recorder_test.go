package recording

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rivercast/internal/errs"
	"rivercast/internal/ffmpeg"
	"rivercast/internal/observability/logging"
)

// fakeFFmpeg writes a script that behaves like a remuxing ffmpeg: it writes
// to the last argument until interrupted.
func fakeFFmpeg(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\nfor last; do :; done\nprintf 'ts-data' > \"$last\"\ntrap 'exit 0' INT TERM\nwhile true; do sleep 0.05; done\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestFFmpegRecorderStartStopArchives(t *testing.T) {
	binary := fakeFFmpeg(t)

	var uploaded []byte
	var uploadPath, auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("unexpected method %s", r.Method)
		}
		uploadPath = r.URL.Path
		auth = r.Header.Get("Authorization")
		uploaded, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := NewObjectStore(ArchiveConfig{
		Endpoint:       server.URL,
		Bucket:         "vod",
		Prefix:         "live",
		AccessKey:      "key",
		SecretKey:      "secret",
		PublicEndpoint: "https://cdn.example.com/vod",
	})
	rec, err := NewFFmpegRecorder(Config{
		Dir:     t.TempDir(),
		Runner:  ffmpeg.Runner{Binary: binary, StopTimeout: 2 * time.Second, Logger: logging.Discard()},
		Archive: store,
		Logger:  logging.Discard(),
	})
	if err != nil {
		t.Fatalf("NewFFmpegRecorder: %v", err)
	}

	if err := rec.Start("s1", "rtmp://ingest/live/s1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := rec.Start("s1", "rtmp://ingest/live/s1"); !errors.Is(err, errs.ErrInvalidState) {
		t.Fatalf("expected invalid state for second start, got %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	artifact, err := rec.Stop(ctx, "s1")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if artifact.Bytes != int64(len("ts-data")) || string(uploaded) != "ts-data" {
		t.Fatalf("unexpected artifact %+v uploaded=%q", artifact, uploaded)
	}
	if !strings.HasPrefix(uploadPath, "/vod/live/recordings/s1/") {
		t.Fatalf("unexpected upload path %s", uploadPath)
	}
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=key/") {
		t.Fatalf("expected signed request, got %q", auth)
	}
	if !strings.HasPrefix(artifact.URL, "https://cdn.example.com/vod/live/recordings/s1/") {
		t.Fatalf("unexpected public url %s", artifact.URL)
	}
	if rec.Active() != 0 {
		t.Fatalf("expected no active captures")
	}
	if _, err := rec.Stop(ctx, "s1"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found after stop, got %v", err)
	}
}

func TestNewObjectStoreDisabledWithoutBucket(t *testing.T) {
	if NewObjectStore(ArchiveConfig{Endpoint: "localhost:9000"}).Enabled() {
		t.Fatal("expected store without bucket to be disabled")
	}
	if !NewObjectStore(ArchiveConfig{Endpoint: "localhost:9000", Bucket: "vod"}).Enabled() {
		t.Fatal("expected configured store to be enabled")
	}
}

func TestCaptureArgsCopyStreams(t *testing.T) {
	args := strings.Join(captureArgs("rtmp://in", "/rec/s1.ts"), " ")
	if !strings.Contains(args, "-i rtmp://in") || !strings.Contains(args, "-c copy") || !strings.HasSuffix(args, "/rec/s1.ts") {
		t.Fatalf("unexpected args %s", args)
	}
}
