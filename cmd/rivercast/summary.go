package main

import (
	"net/url"
	"strings"

	"rivercast/internal/config"
)

// startupSummary is logged once so operators can confirm which drivers a
// process picked up without exposing credentials.
type startupSummary struct {
	cfg config.Config
}

func newStartupSummary(cfg config.Config) startupSummary {
	return startupSummary{cfg: cfg}
}

// LogArgs returns slog key/value pairs, one group per concern.
func (s startupSummary) LogArgs() []any {
	cfg := s.cfg

	datastore := map[string]any{"driver": cfg.StorageDriver}
	if cfg.StorageDriver == config.DriverPostgres {
		datastore["dsn"] = redactDSN(cfg.Postgres.DSN)
		datastore["migrate"] = cfg.Postgres.Migrate
	} else {
		datastore["path"] = cfg.JSONPath
	}

	redisSummary := map[string]any{"enabled": cfg.RedisRequired()}
	if cfg.RedisRequired() {
		if cfg.Redis.URL != "" {
			redisSummary["url"] = redactDSN(cfg.Redis.URL)
		}
		addrs := cfg.Redis.Addrs
		if len(addrs) == 0 && cfg.Redis.Addr != "" {
			addrs = []string{cfg.Redis.Addr}
		}
		if len(addrs) > 0 {
			redisSummary["addrs"] = strings.Join(addrs, ",")
		}
		redisSummary["db"] = cfg.Redis.DB
		if cfg.Redis.MasterName != "" {
			redisSummary["master_name"] = cfg.Redis.MasterName
		}
		redisSummary["tls"] = cfg.Redis.TLS.CAFile != "" || cfg.Redis.TLS.CertFile != "" || cfg.Redis.TLS.InsecureSkipVerify
	}

	chatSummary := map[string]any{
		"queue":         cfg.ChatQueue,
		"rate_store":    cfg.ChatRateStore,
		"rate_interval": cfg.ChatRateInterval.String(),
	}
	if cfg.ChatQueue == config.DriverRedis {
		chatSummary["stream"] = cfg.ChatStream
		chatSummary["group"] = cfg.ChatGroup
	}

	ladder := make([]string, 0, len(cfg.Ladder))
	for _, r := range cfg.Ladder {
		ladder = append(ladder, r.Name)
	}
	transcoder := map[string]any{
		"output_root":      cfg.OutputRoot,
		"ladder":           strings.Join(ladder, ","),
		"segment_duration": cfg.SegmentDuration.String(),
		"max_encoders":     cfg.MaxEncoders,
	}

	recordingSummary := map[string]any{"enabled": cfg.RecordingDir != ""}
	if cfg.RecordingDir != "" {
		recordingSummary["dir"] = cfg.RecordingDir
		recordingSummary["archive"] = cfg.Archive.Bucket != ""
	}

	return []any{
		"addr", cfg.Addr,
		"tls", cfg.TLS.Enabled(),
		"datastore", datastore,
		"redis", redisSummary,
		"event_bus", cfg.EventBus,
		"chat", chatSummary,
		"transcoder", transcoder,
		"recording", recordingSummary,
		"license", cfg.LicenseURL != "",
		"rate_limit", map[string]any{
			"global_rps":   cfg.GlobalRPS,
			"client_limit": cfg.ClientLimit,
			"redis":        cfg.RateRedis,
		},
	}
}

// redactDSN masks the password of a URL-style DSN. Key/value DSNs are
// reduced to their host.
func redactDSN(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return ""
	}
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.Scheme == "" {
		for _, field := range strings.Fields(dsn) {
			if strings.HasPrefix(field, "host=") {
				return field
			}
		}
		return "*****"
	}
	return parsed.Redacted()
}
