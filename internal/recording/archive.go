package recording

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"
)

// ArchiveConfig describes the bucket finished recordings are copied to.
type ArchiveConfig struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	UseSSL         bool
	Prefix         string
	PublicEndpoint string
	RequestTimeout time.Duration
}

// ObjectStore uploads finished recordings.
type ObjectStore interface {
	Enabled() bool
	UploadFile(ctx context.Context, key, contentType, path string) (ObjectRef, error)
}

// ObjectRef locates an uploaded object.
type ObjectRef struct {
	Key string
	URL string
}

type noopObjectStore struct{}

func (noopObjectStore) Enabled() bool { return false }

func (noopObjectStore) UploadFile(context.Context, string, string, string) (ObjectRef, error) {
	return ObjectRef{}, nil
}

// NewObjectStore returns a client for an S3 compatible bucket using
// path-style addressing. Without a bucket and endpoint the store is disabled.
func NewObjectStore(cfg ArchiveConfig) ObjectStore {
	host := strings.TrimSpace(cfg.Endpoint)
	if u, err := url.Parse(host); err == nil && u.Host != "" {
		host = u.Host
	}
	bucket := strings.Trim(strings.TrimSpace(cfg.Bucket), "/")
	if bucket == "" || host == "" {
		return noopObjectStore{}
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	return &bucketStore{
		base:   url.URL{Scheme: scheme, Host: host},
		bucket: bucket,
		prefix: strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
		public: strings.TrimRight(strings.TrimSpace(cfg.PublicEndpoint), "/"),
		client: &http.Client{Timeout: timeout},
		signer: newSigV4Signer(cfg.AccessKey, cfg.SecretKey, region, "s3"),
	}
}

type bucketStore struct {
	base   url.URL
	bucket string
	prefix string
	public string
	client *http.Client
	signer *sigV4Signer
}

func (*bucketStore) Enabled() bool { return true }

// objectKey joins the configured prefix and key with single slashes.
func (s *bucketStore) objectKey(key string) string {
	key = strings.Trim(strings.TrimSpace(key), "/")
	switch {
	case s.prefix == "":
		return key
	case key == "":
		return s.prefix
	}
	return s.prefix + "/" + key
}

func (s *bucketStore) UploadFile(ctx context.Context, key, contentType, filePath string) (ObjectRef, error) {
	digest, size, err := sha256File(filePath)
	if err != nil {
		return ObjectRef{}, err
	}
	f, err := os.Open(filePath)
	if err != nil {
		return ObjectRef{}, fmt.Errorf("open %s: %w", filePath, err)
	}
	defer f.Close()

	objKey := s.objectKey(key)
	target := s.base
	target.Path = "/" + path.Join(s.bucket, objKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.String(), f)
	if err != nil {
		return ObjectRef{}, fmt.Errorf("build upload of %s: %w", objKey, err)
	}
	req.ContentLength = size
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	s.signer.Sign(req, digest)

	resp, err := s.client.Do(req)
	if err != nil {
		return ObjectRef{}, fmt.Errorf("upload %s: %w", objKey, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode/100 != 2 {
		return ObjectRef{}, fmt.Errorf("upload %s: status %d: %s", objKey, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	ref := ObjectRef{Key: objKey}
	if s.public != "" {
		ref.URL = s.public + "/" + objKey
	}
	return ref, nil
}

func sha256File(filePath string) (string, int64, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", filePath, err)
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("digest %s: %w", filePath, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
