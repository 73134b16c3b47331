// Package redisconn builds the Redis client shared by the chat queue, the
// chat rate limiter and the event bus.
package redisconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// TLSConfig points at PEM files for server verification and client auth.
type TLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

func (t TLSConfig) empty() bool {
	return t == TLSConfig{}
}

// Config describes a standalone, cluster or sentinel deployment. URL, when
// set, is a redis:// or rediss:// URL and supplies any field left blank.
type Config struct {
	URL          string
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	MasterName   string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	TLS          TLSConfig
}

// Enabled reports whether an address or URL is configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.URL) != "" || len(c.endpoints()) > 0
}

// endpoints merges Addrs and Addr, dropping blanks and duplicates.
func (c Config) endpoints() []string {
	var out []string
	for _, a := range append(slices.Clone(c.Addrs), c.Addr) {
		if a = strings.TrimSpace(a); a != "" && !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	return out
}

func (c Config) options() (*redis.UniversalOptions, error) {
	opts := &redis.UniversalOptions{
		Addrs:        c.endpoints(),
		MasterName:   strings.TrimSpace(c.MasterName),
		Username:     strings.TrimSpace(c.Username),
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
		PoolSize:     c.PoolSize,
		MaxRetries:   2,
	}
	if raw := strings.TrimSpace(c.URL); raw != "" {
		parsed, err := redis.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		if len(opts.Addrs) == 0 {
			opts.Addrs = []string{parsed.Addr}
		}
		opts.Username = firstNonEmpty(opts.Username, parsed.Username)
		opts.Password = firstNonEmpty(opts.Password, parsed.Password)
		if opts.DB == 0 {
			opts.DB = parsed.DB
		}
		opts.TLSConfig = parsed.TLSConfig
	}
	if len(opts.Addrs) == 0 {
		return nil, errors.New("redis: no address configured")
	}
	if !c.TLS.empty() {
		tlsCfg, err := loadTLS(c.TLS)
		if err != nil {
			return nil, err
		}
		opts.TLSConfig = tlsCfg
	}
	return opts, nil
}

func firstNonEmpty(preferred, fallback string) string {
	if preferred != "" {
		return preferred
	}
	return fallback
}

// New creates a client without dialling. Use Ping to verify connectivity.
func New(cfg Config) (redis.UniversalClient, error) {
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	return redis.NewUniversalClient(opts), nil
}

// Ping checks connectivity, giving up after two seconds.
func Ping(ctx context.Context, client redis.UniversalClient) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func loadTLS(cfg TLSConfig) (*tls.Config, error) {
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("redis tls: read CA: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("redis tls: %s holds no PEM certificates", cfg.CAFile)
		}
		out.RootCAs = roots
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		pair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("redis tls: client certificate: %w", err)
		}
		out.Certificates = append(out.Certificates, pair)
	}
	return out, nil
}
