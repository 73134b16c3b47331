// Package config loads process settings from command line flags, RIVERCAST_*
// environment variables and an optional .env file, in increasing order of
// precedence: .env, environment, flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"rivercast/internal/models"
	"rivercast/internal/recording"
	"rivercast/internal/redisconn"
	"rivercast/internal/serverutil"
	"rivercast/internal/storage"
	"rivercast/internal/transcode"
)

// EnvPrefix is prepended to the upper-cased flag name to form the matching
// environment variable, e.g. --chat-rate-interval reads
// RIVERCAST_CHAT_RATE_INTERVAL.
const EnvPrefix = "RIVERCAST_"

const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverJSON     = "json"
	DriverPostgres = "postgres"
)

// Config is the complete process configuration.
type Config struct {
	Addr            string
	TLS             serverutil.TLSConfig
	ShutdownTimeout time.Duration
	LogLevel        string
	LogFormat       string

	StorageDriver string
	JSONPath      string
	Postgres      storage.PostgresConfig

	// Redis is shared by every Redis-backed component.
	Redis            redisconn.Config
	EventBus         string
	EventPrefix      string
	ChatQueue        string
	ChatStream       string
	ChatGroup        string
	ChatStreamMax    int64
	ChatRateStore    string
	ChatRateInterval time.Duration
	ChatMaxRunes     int
	ChatBuffer       int

	OutputRoot      string
	FFmpegPath      string
	EncoderPreset   string
	SegmentDuration time.Duration
	PlaylistWindow  int
	Ladder          []models.RenditionSpec
	MaxEncoders     int64
	StopTimeout     time.Duration

	RecordingDir string
	Archive      recording.ArchiveConfig

	IngestBaseURL   string
	IngestOriginURL string
	PlaybackBaseURL string
	// ServeManifests exposes OutputRoot under /live/ on the API listener.
	ServeManifests bool

	LicenseURL   string
	LicenseToken string

	DefaultMaxViewers int
	JoinWait          time.Duration
	ViewerIdleTimeout time.Duration
	CountInterval     time.Duration
	SweepInterval     time.Duration
	RetiredTTL        time.Duration

	GlobalRPS             float64
	GlobalBurst           int
	ClientLimit           int
	ClientWindow          time.Duration
	RateRedis             bool
	TrustForwardedHeaders bool
	TrustedProxies        []string
	AllowedOrigins        []string
	AuditLog              bool
}

// Load reads envFile when it exists, then the environment, then args.
func Load(args []string, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	return parse(args, os.LookupEnv)
}

func parse(args []string, lookup func(string) (string, bool)) (Config, error) {
	var cfg Config
	var ladder, trustedProxies, origins, redisAddrs string
	var postgresMaxConns, postgresMinConns int

	flags := flag.NewFlagSet("rivercast", flag.ContinueOnError)
	flags.SetOutput(io.Discard)

	flags.StringVar(&cfg.Addr, "addr", ":8080", "HTTP listen address")
	flags.StringVar(&cfg.TLS.CertFile, "tls-cert", "", "path to TLS certificate file")
	flags.StringVar(&cfg.TLS.KeyFile, "tls-key", "", "path to TLS private key file")
	flags.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 20*time.Second, "graceful shutdown bound")
	flags.StringVar(&cfg.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&cfg.LogFormat, "log-format", "json", "log format (json or text)")

	flags.StringVar(&cfg.StorageDriver, "storage-driver", DriverJSON, "datastore driver (json or postgres)")
	flags.StringVar(&cfg.JSONPath, "data", "data/rivercast.json", "path to the JSON datastore")
	flags.StringVar(&cfg.Postgres.DSN, "postgres-dsn", "", "Postgres connection string")
	flags.IntVar(&postgresMaxConns, "postgres-max-conns", 0, "maximum connections in the Postgres pool")
	flags.IntVar(&postgresMinConns, "postgres-min-conns", 0, "minimum idle connections kept by the Postgres pool")
	flags.DurationVar(&cfg.Postgres.MaxConnLifetime, "postgres-max-conn-lifetime", 0, "maximum lifetime of a pooled connection")
	flags.DurationVar(&cfg.Postgres.MaxConnIdleTime, "postgres-max-conn-idle", 0, "maximum idle time of a pooled connection")
	flags.DurationVar(&cfg.Postgres.HealthCheckInterval, "postgres-health-interval", 0, "interval between pool health checks")
	flags.DurationVar(&cfg.Postgres.AcquireTimeout, "postgres-acquire-timeout", 0, "timeout when acquiring a pooled connection")
	flags.StringVar(&cfg.Postgres.ApplicationName, "postgres-app-name", "rivercast", "application_name reported to Postgres")
	flags.BoolVar(&cfg.Postgres.Migrate, "postgres-migrate", true, "apply the schema on startup")

	flags.StringVar(&cfg.Redis.URL, "redis-url", "", "Redis URL (redis:// or rediss://), used for fields not set individually")
	flags.StringVar(&cfg.Redis.Addr, "redis-addr", "", "Redis address")
	flags.IntVar(&cfg.Redis.DB, "redis-db", 0, "Redis logical database")
	flags.StringVar(&redisAddrs, "redis-addrs", "", "comma separated Redis cluster or sentinel addresses")
	flags.StringVar(&cfg.Redis.Username, "redis-username", "", "Redis username")
	flags.StringVar(&cfg.Redis.Password, "redis-password", "", "Redis password")
	flags.StringVar(&cfg.Redis.MasterName, "redis-master-name", "", "Redis sentinel master name")
	flags.IntVar(&cfg.Redis.PoolSize, "redis-pool-size", 0, "maximum Redis connections")
	flags.DurationVar(&cfg.Redis.DialTimeout, "redis-dial-timeout", 0, "Redis dial timeout")
	flags.StringVar(&cfg.Redis.TLS.CAFile, "redis-tls-ca", "", "path to the Redis TLS CA certificate")
	flags.StringVar(&cfg.Redis.TLS.CertFile, "redis-tls-cert", "", "path to the Redis TLS client certificate")
	flags.StringVar(&cfg.Redis.TLS.KeyFile, "redis-tls-key", "", "path to the Redis TLS client key")
	flags.StringVar(&cfg.Redis.TLS.ServerName, "redis-tls-server-name", "", "override the Redis TLS server name")
	flags.BoolVar(&cfg.Redis.TLS.InsecureSkipVerify, "redis-tls-skip-verify", false, "skip Redis TLS verification")

	flags.StringVar(&cfg.EventBus, "event-bus", DriverMemory, "event bus driver (memory or redis)")
	flags.StringVar(&cfg.EventPrefix, "event-prefix", "rivercast:events", "Redis channel prefix for events")
	flags.StringVar(&cfg.ChatQueue, "chat-queue", DriverMemory, "chat persistence queue driver (memory or redis)")
	flags.StringVar(&cfg.ChatStream, "chat-stream", "rivercast:chat", "Redis stream for chat persistence")
	flags.StringVar(&cfg.ChatGroup, "chat-group", "rivercast-persist", "Redis consumer group for chat persistence")
	flags.Int64Var(&cfg.ChatStreamMax, "chat-stream-maxlen", 100000, "approximate cap on the chat stream length")
	flags.StringVar(&cfg.ChatRateStore, "chat-rate-store", DriverMemory, "chat sender rate limit store (memory or redis)")
	flags.DurationVar(&cfg.ChatRateInterval, "chat-rate-interval", time.Second, "minimum interval between messages from one sender")
	flags.IntVar(&cfg.ChatMaxRunes, "chat-max-runes", 500, "maximum characters in a chat message")
	flags.IntVar(&cfg.ChatBuffer, "chat-subscriber-buffer", 64, "outbound message queue per chat subscriber")

	flags.StringVar(&cfg.OutputRoot, "output-root", "data/live", "directory receiving segments and manifests")
	flags.StringVar(&cfg.FFmpegPath, "ffmpeg", "ffmpeg", "ffmpeg binary")
	flags.StringVar(&cfg.EncoderPreset, "encoder-preset", "", "x264 preset (default veryfast)")
	flags.DurationVar(&cfg.SegmentDuration, "segment-duration", transcode.DefaultSegmentDuration, "target HLS segment duration")
	flags.IntVar(&cfg.PlaylistWindow, "playlist-window", transcode.DefaultPlaylistWindow, "segments kept in each live media playlist")
	flags.StringVar(&ladder, "ladder", "", "quality ladder as name:WxH:videoKbps:audioKbps,...")
	flags.Int64Var(&cfg.MaxEncoders, "max-encoders", transcode.DefaultMaxEncoders, "maximum concurrently running rendition encoders")
	flags.DurationVar(&cfg.StopTimeout, "stop-timeout", 10*time.Second, "bound on stopping a session's encoders")

	flags.StringVar(&cfg.RecordingDir, "recording-dir", "", "directory for session recordings (empty disables recording)")
	flags.StringVar(&cfg.Archive.Endpoint, "archive-endpoint", "", "S3 compatible endpoint for recording archives")
	flags.StringVar(&cfg.Archive.Region, "archive-region", "us-east-1", "archive region")
	flags.StringVar(&cfg.Archive.AccessKey, "archive-access-key", "", "archive access key")
	flags.StringVar(&cfg.Archive.SecretKey, "archive-secret-key", "", "archive secret key")
	flags.StringVar(&cfg.Archive.Bucket, "archive-bucket", "", "archive bucket")
	flags.BoolVar(&cfg.Archive.UseSSL, "archive-use-ssl", true, "use TLS for archive requests")
	flags.StringVar(&cfg.Archive.Prefix, "archive-prefix", "recordings", "archive key prefix")
	flags.StringVar(&cfg.Archive.PublicEndpoint, "archive-public-endpoint", "", "public base URL for archived recordings")

	flags.StringVar(&cfg.IngestBaseURL, "ingest-url", "rtmp://localhost/live", "base URL broadcasters publish to")
	flags.StringVar(&cfg.IngestOriginURL, "ingest-origin-url", "", "base URL encoders pull the feed from (defaults to ingest-url)")
	flags.StringVar(&cfg.PlaybackBaseURL, "playback-url", "http://localhost:8080/live", "base URL prefixed to manifest locations")
	flags.BoolVar(&cfg.ServeManifests, "serve-manifests", true, "serve the output root under /live/")

	flags.StringVar(&cfg.LicenseURL, "license-url", "", "license service base URL (empty grants every request)")
	flags.StringVar(&cfg.LicenseToken, "license-token", "", "bearer token for the license service")

	flags.IntVar(&cfg.DefaultMaxViewers, "default-max-viewers", 0, "viewer cap for sessions without their own (0 is unlimited)")
	flags.DurationVar(&cfg.JoinWait, "join-wait", 10*time.Second, "how long a join waits for a preparing session")
	flags.DurationVar(&cfg.ViewerIdleTimeout, "viewer-idle-timeout", 2*time.Minute, "evict viewers silent for longer than this")
	flags.DurationVar(&cfg.CountInterval, "viewer-count-interval", 5*time.Second, "interval between viewer count broadcasts")
	flags.DurationVar(&cfg.SweepInterval, "viewer-sweep-interval", 30*time.Second, "interval between idle viewer sweeps")
	flags.DurationVar(&cfg.RetiredTTL, "retired-ttl", time.Hour, "how long ended sessions are remembered in memory")

	flags.Float64Var(&cfg.GlobalRPS, "rate-global-rps", 0, "global request rate limit in requests per second")
	flags.IntVar(&cfg.GlobalBurst, "rate-global-burst", 0, "global rate limit burst allowance")
	flags.IntVar(&cfg.ClientLimit, "rate-client-limit", 0, "requests per window for a single client address")
	flags.DurationVar(&cfg.ClientWindow, "rate-client-window", time.Minute, "window for counting client requests")
	flags.BoolVar(&cfg.RateRedis, "rate-redis", false, "share client rate limits through Redis")
	flags.BoolVar(&cfg.TrustForwardedHeaders, "rate-trust-forwarded-headers", false, "trust proxy-provided client IP headers")
	flags.StringVar(&trustedProxies, "rate-trusted-proxies", "", "comma separated CIDR blocks or IPs of trusted proxies")
	flags.StringVar(&origins, "cors-origins", "", "comma separated origins allowed to call the API")
	flags.BoolVar(&cfg.AuditLog, "audit-log", true, "log every mutating API call")

	if err := applyEnv(flags, lookup); err != nil {
		return Config{}, err
	}
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.Postgres.MaxConnections = int32(postgresMaxConns)
	cfg.Postgres.MinConnections = int32(postgresMinConns)
	cfg.Redis.Addrs = splitList(redisAddrs)
	cfg.TrustedProxies = splitList(trustedProxies)
	cfg.AllowedOrigins = splitList(origins)
	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	cfg.EventBus = strings.ToLower(strings.TrimSpace(cfg.EventBus))
	cfg.ChatQueue = strings.ToLower(strings.TrimSpace(cfg.ChatQueue))
	cfg.ChatRateStore = strings.ToLower(strings.TrimSpace(cfg.ChatRateStore))

	if strings.TrimSpace(ladder) == "" {
		cfg.Ladder = transcode.SortLadder(append([]models.RenditionSpec(nil), transcode.DefaultLadder...))
	} else {
		parsed, err := transcode.ParseLadder(ladder)
		if err != nil {
			return Config{}, fmt.Errorf("ladder: %w", err)
		}
		cfg.Ladder = parsed
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv sets every flag whose environment variable is present so that
// explicit flags parsed afterwards still win.
func applyEnv(flags *flag.FlagSet, lookup func(string) (string, bool)) error {
	var firstErr error
	flags.VisitAll(func(f *flag.Flag) {
		if firstErr != nil {
			return
		}
		name := EnvName(f.Name)
		value, ok := lookup(name)
		if !ok {
			return
		}
		if err := flags.Set(f.Name, strings.TrimSpace(value)); err != nil {
			firstErr = fmt.Errorf("invalid %s: %w", name, err)
		}
	})
	return firstErr
}

// EnvName returns the environment variable read for flag.
func EnvName(flagName string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// RedisRequired reports whether any component is configured to use Redis.
func (c Config) RedisRequired() bool {
	return c.EventBus == DriverRedis || c.ChatQueue == DriverRedis || c.ChatRateStore == DriverRedis || c.RateRedis
}

// Validate rejects unusable combinations.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.Addr) == "" {
		add("addr is required")
	}
	if err := c.TLS.Validate(); err != nil {
		add("%v", err)
	}
	switch c.StorageDriver {
	case DriverJSON:
		if strings.TrimSpace(c.JSONPath) == "" {
			add("data path is required for the json storage driver")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			add("postgres-dsn is required for the postgres storage driver")
		}
	default:
		add("unsupported storage driver %q", c.StorageDriver)
	}
	for _, d := range []struct{ name, driver string }{
		{"event-bus", c.EventBus},
		{"chat-queue", c.ChatQueue},
		{"chat-rate-store", c.ChatRateStore},
	} {
		if d.driver != DriverMemory && d.driver != DriverRedis {
			add("unsupported %s driver %q", d.name, d.driver)
		}
	}
	if c.RedisRequired() && !c.Redis.Enabled() {
		add("redis-addr or redis-url is required when a Redis driver is selected")
	}
	if c.SegmentDuration <= 0 {
		add("segment-duration must be positive")
	}
	if c.PlaylistWindow < 0 {
		add("playlist-window must not be negative")
	}
	if c.MaxEncoders <= 0 {
		add("max-encoders must be positive")
	}
	if len(c.Ladder) == 0 {
		add("ladder must contain at least one rendition")
	} else if err := transcode.ValidateLadder(c.Ladder); err != nil {
		add("ladder: %v", err)
	}
	if strings.TrimSpace(c.OutputRoot) == "" {
		add("output-root is required")
	}
	if strings.TrimSpace(c.IngestBaseURL) == "" {
		add("ingest-url is required")
	}
	if strings.TrimSpace(c.PlaybackBaseURL) == "" {
		add("playback-url is required")
	}
	if c.DefaultMaxViewers < 0 {
		add("default-max-viewers must not be negative")
	}
	if c.ChatMaxRunes <= 0 {
		add("chat-max-runes must be positive")
	}
	if c.CountInterval <= 0 || c.SweepInterval <= 0 {
		add("viewer intervals must be positive")
	}
	if c.ClientLimit < 0 || c.GlobalRPS < 0 {
		add("rate limits must not be negative")
	}
	if c.Archive.Bucket != "" && c.RecordingDir == "" {
		add("archive-bucket requires recording-dir")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
