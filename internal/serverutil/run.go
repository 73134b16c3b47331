// Package serverutil runs an http.Server under a context with optional TLS
// and bounded graceful shutdown.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"rivercast/internal/observability/logging"
)

// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// TLSConfig names the certificate and key served by the listener.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Enabled reports whether a certificate is configured.
func (c TLSConfig) Enabled() bool {
	return strings.TrimSpace(c.CertFile) != ""
}

// Validate rejects a certificate without a key and vice versa.
func (c TLSConfig) Validate() error {
	hasCert := strings.TrimSpace(c.CertFile) != ""
	hasKey := strings.TrimSpace(c.KeyFile) != ""
	if hasCert != hasKey {
		return errors.New("tls: cert file and key file go together")
	}
	return nil
}

// Config controls one server run.
type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	// Ready is closed once the listener is bound.
	Ready chan<- struct{}
	// OnListen receives the bound address, which differs from Server.Addr
	// when the port is 0.
	OnListen func(addr net.Addr)
	Logger   *slog.Logger
}

// Run binds the listener, serves until ctx is cancelled and then drains
// in-flight requests for at most ShutdownTimeout.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return errors.New("serverutil: nil http.Server")
	}
	if err := cfg.TLS.Validate(); err != nil {
		return err
	}
	logger := logging.WithComponent(logging.OrDefault(cfg.Logger), "listener")
	drain := cfg.ShutdownTimeout
	if drain <= 0 {
		drain = DefaultShutdownTimeout
	}

	ln, err := bind(cfg.Server, cfg.TLS)
	if err != nil {
		return err
	}
	if cfg.OnListen != nil {
		cfg.OnListen(ln.Addr())
	}
	if cfg.Ready != nil {
		close(cfg.Ready)
	}
	logger.Info("listening", "addr", ln.Addr().String(), "tls", cfg.TLS.Enabled())

	// stopped is closed when Serve returns on its own so the shutdown
	// goroutine does not wait for a cancel that may never come.
	stopped := make(chan struct{})
	g := new(errgroup.Group)
	g.Go(func() error {
		defer close(stopped)
		if err := cfg.Server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-stopped:
			return nil
		case <-ctx.Done():
		}
		logger.Info("draining connections", "addr", ln.Addr().String(), "timeout", drain)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
		defer cancel()
		if err := cfg.Server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func bind(server *http.Server, cfg TLSConfig) (net.Listener, error) {
	var cert tls.Certificate
	if cfg.Enabled() {
		loaded, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS key pair: %w", err)
		}
		cert = loaded
	}

	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", server.Addr, err)
	}
	if !cfg.Enabled() {
		return ln, nil
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if server.TLSConfig != nil {
		tlsCfg = server.TLSConfig.Clone()
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	server.TLSConfig = tlsCfg
	return tls.NewListener(ln, tlsCfg), nil
}
