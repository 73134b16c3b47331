package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func env(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := parse(nil, env(nil))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("unexpected addr %q", cfg.Addr)
	}
	if cfg.StorageDriver != DriverJSON || cfg.EventBus != DriverMemory || cfg.ChatQueue != DriverMemory {
		t.Fatalf("unexpected drivers %+v", cfg)
	}
	if len(cfg.Ladder) != 4 {
		t.Fatalf("expected the default ladder, got %+v", cfg.Ladder)
	}
	for i := 1; i < len(cfg.Ladder); i++ {
		if cfg.Ladder[i-1].Bandwidth() > cfg.Ladder[i].Bandwidth() {
			t.Fatalf("ladder not ordered by bandwidth: %+v", cfg.Ladder)
		}
	}
	if cfg.RedisRequired() {
		t.Fatal("defaults must not require Redis")
	}
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	cfg, err := parse([]string{"--addr", ":9090", "--rate-client-limit=5"}, env(map[string]string{
		"RIVERCAST_ADDR":               ":7070",
		"RIVERCAST_SEGMENT_DURATION":   "4s",
		"RIVERCAST_CORS_ORIGINS":       "https://a.example, https://b.example",
		"RIVERCAST_POSTGRES_MAX_CONNS": "12",
	}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Fatalf("expected flag to win, got %q", cfg.Addr)
	}
	if cfg.SegmentDuration != 4*time.Second {
		t.Fatalf("expected env segment duration, got %s", cfg.SegmentDuration)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.Postgres.MaxConnections != 12 {
		t.Fatalf("expected 12 postgres conns, got %d", cfg.Postgres.MaxConnections)
	}
	if cfg.ClientLimit != 5 {
		t.Fatalf("expected client limit 5, got %d", cfg.ClientLimit)
	}
}

func TestParseLadderFlag(t *testing.T) {
	cfg, err := parse([]string{"--ladder", "720p:1280x720:2800:128,240p:426x240:400:64"}, env(nil))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Ladder) != 2 || cfg.Ladder[0].Name != "240p" {
		t.Fatalf("expected ladder sorted low to high, got %+v", cfg.Ladder)
	}
}

func TestParseRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		args []string
		env  map[string]string
		want string
	}{
		{name: "bad env duration", env: map[string]string{"RIVERCAST_JOIN_WAIT": "soon"}, want: "RIVERCAST_JOIN_WAIT"},
		{name: "postgres without dsn", args: []string{"--storage-driver", "postgres"}, want: "postgres-dsn"},
		{name: "unknown storage", args: []string{"--storage-driver", "bolt"}, want: "unsupported storage driver"},
		{name: "redis without addr", args: []string{"--chat-queue", "redis"}, want: "redis-addr"},
		{name: "zero segment", args: []string{"--segment-duration", "0s"}, want: "segment-duration"},
		{name: "bad ladder", args: []string{"--ladder", "720p:wide:1:1"}, want: "ladder"},
		{name: "half tls", args: []string{"--tls-cert", "cert.pem"}, want: "TLS"},
		{name: "archive without recording", args: []string{"--archive-bucket", "vods"}, want: "recording-dir"},
		{name: "unknown flag", args: []string{"--nope"}, want: "nope"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parse(tc.args, env(tc.env))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestRedisDriversAcceptAddress(t *testing.T) {
	cfg, err := parse([]string{"--event-bus", "REDIS", "--redis-addrs", "r1:6379,r2:6379"}, env(nil))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.EventBus != DriverRedis || !cfg.RedisRequired() {
		t.Fatalf("expected redis event bus, got %q", cfg.EventBus)
	}
	if len(cfg.Redis.Addrs) != 2 {
		t.Fatalf("unexpected redis addrs %v", cfg.Redis.Addrs)
	}
}

func TestRedisURLSatisfiesRedisDrivers(t *testing.T) {
	cfg, err := parse([]string{"--chat-queue", "redis"}, env(map[string]string{"RIVERCAST_REDIS_URL": "redis://cache:6379/1"}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Redis.URL != "redis://cache:6379/1" || !cfg.Redis.Enabled() {
		t.Fatalf("expected redis url from env, got %+v", cfg.Redis)
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("RIVERCAST_PLAYBACK_URL=https://cdn.example/live\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("RIVERCAST_PLAYBACK_URL", "")
	os.Unsetenv("RIVERCAST_PLAYBACK_URL")

	cfg, err := Load(nil, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PlaybackBaseURL != "https://cdn.example/live" {
		t.Fatalf("expected playback url from .env, got %q", cfg.PlaybackBaseURL)
	}

	if _, err := Load(nil, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing env file must be ignored, got %v", err)
	}
}

func TestEnvName(t *testing.T) {
	if got := EnvName("chat-rate-interval"); got != "RIVERCAST_CHAT_RATE_INTERVAL" {
		t.Fatalf("unexpected env name %q", got)
	}
}
