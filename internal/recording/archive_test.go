package recording

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSigV4SignerHeaders(t *testing.T) {
	signer := newSigV4Signer("AKID", "secret", "eu-west-1", "s3")
	signer.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC) }

	req := httptest.NewRequest(http.MethodPut, "http://minio:9000/vod/live/seg.ts", nil)
	req.Header.Set("Content-Type", "video/mp2t")
	signer.Sign(req, emptySHA256)

	if got := req.Header.Get("X-Amz-Date"); got != "20240506T070809Z" {
		t.Fatalf("X-Amz-Date = %q", got)
	}
	auth := req.Header.Get("Authorization")
	for _, want := range []string{
		"AWS4-HMAC-SHA256 Credential=AKID/20240506/eu-west-1/s3/aws4_request",
		"SignedHeaders=content-type;host;x-amz-content-sha256;x-amz-date",
		"Signature=",
	} {
		if !strings.Contains(auth, want) {
			t.Fatalf("Authorization %q missing %q", auth, want)
		}
	}

	again := httptest.NewRequest(http.MethodPut, "http://minio:9000/vod/live/seg.ts", nil)
	again.Header.Set("Content-Type", "video/mp2t")
	signer.Sign(again, emptySHA256)
	if again.Header.Get("Authorization") != auth {
		t.Fatal("signing the same request twice should be deterministic")
	}
}

func TestSigV4SignerWithoutCredentials(t *testing.T) {
	req := httptest.NewRequest(http.MethodPut, "http://minio:9000/vod/a.ts", nil)
	newSigV4Signer("", "", "us-east-1", "s3").Sign(req, emptySHA256)
	if req.Header.Get("Authorization") != "" {
		t.Fatal("expected no Authorization header without credentials")
	}
	if req.Header.Get("X-Amz-Content-Sha256") != emptySHA256 {
		t.Fatal("payload digest header should always be set")
	}
}

func TestBucketStoreObjectKey(t *testing.T) {
	store := NewObjectStore(ArchiveConfig{Endpoint: "minio:9000", Bucket: "vod", Prefix: "/live/"}).(*bucketStore)
	cases := map[string]string{
		"recordings/s1/a.ts":  "live/recordings/s1/a.ts",
		"/recordings/s1/a.ts": "live/recordings/s1/a.ts",
		"":                    "live",
	}
	for in, want := range cases {
		if got := store.objectKey(in); got != want {
			t.Errorf("objectKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBucketStoreReportsUploadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "AccessDenied", http.StatusForbidden)
	}))
	defer srv.Close()

	file := filepath.Join(t.TempDir(), "capture.ts")
	if err := os.WriteFile(file, []byte("ts-data"), 0o600); err != nil {
		t.Fatalf("write capture: %v", err)
	}
	store := NewObjectStore(ArchiveConfig{Endpoint: srv.URL, Bucket: "vod"})
	_, err := store.UploadFile(context.Background(), "recordings/s1/capture.ts", "video/mp2t", file)
	if err == nil || !strings.Contains(err.Error(), "403") || !strings.Contains(err.Error(), "AccessDenied") {
		t.Fatalf("expected a 403 error carrying the response body, got %v", err)
	}
}

const emptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
