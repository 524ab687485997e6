// Package httpkit builds the HTTP clients used for calls between the
// labctl processes: the registry fetching the controller's snapshot
// and health, and the status CLI fetching either surface. All of that
// traffic is plain-HTTP GETs against a single well-known peer, so the
// client is tuned for exactly that shape: a small connection pool,
// bounded timeouts, and an optional retry covering the window where
// the peer is restarting.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/labctl/labctl/internal/buildinfo"
)

const (
	dialTimeout           = 5 * time.Second
	responseHeaderTimeout = 10 * time.Second
	idleConnTimeout       = 90 * time.Second

	// Each client talks to one controller (or one registry); two idle
	// connections per host is plenty.
	maxIdleConnsPerHost = 2
)

// Option configures a client built by NewClient.
type Option func(*clientConfig)

type clientConfig struct {
	timeout    time.Duration
	retryCount int
	retryDelay time.Duration
	logger     *slog.Logger
}

// WithTimeout sets the overall request timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.timeout = d }
}

// WithRetry re-issues GET/HEAD requests that failed with a
// connection-level error, waiting delay between attempts. Pick a
// delay around the peer's restart time; the registry uses this so a
// /status request racing a controller restart succeeds instead of
// surfacing a blank snapshot.
func WithRetry(count int, delay time.Duration) Option {
	return func(c *clientConfig) {
		c.retryCount = count
		c.retryDelay = delay
	}
}

// WithLogger enables retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *clientConfig) { c.logger = l }
}

// NewClient builds an *http.Client for intra-deployment calls: bounded
// timeouts, a labctl User-Agent, and optional restart-window retry.
func NewClient(opts ...Option) *http.Client {
	cfg := clientConfig{timeout: 10 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}

	base := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: dialTimeout,
		}).DialContext,
		ResponseHeaderTimeout: responseHeaderTimeout,
		IdleConnTimeout:       idleConnTimeout,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
	}

	return &http.Client{
		Timeout:   cfg.timeout,
		Transport: &transport{base: base, cfg: cfg},
	}
}

// transport stamps the User-Agent and, when retry is enabled, re-issues
// idempotent requests that failed at the connection level. Only GET and
// HEAD are retried: their bodies are empty, so there is nothing to
// rewind, and they are the only methods this module sends to its peers.
type transport struct {
	base http.RoundTripper
	cfg  clientConfig
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", buildinfo.UserAgent())
	}

	resp, err := t.base.RoundTrip(req)
	if err == nil || t.cfg.retryCount == 0 || !idempotent(req) || !transient(err) {
		return resp, err
	}

	for attempt := 1; attempt <= t.cfg.retryCount; attempt++ {
		if t.cfg.logger != nil {
			t.cfg.logger.Warn("retrying request after connection error",
				"method", req.Method,
				"url", req.URL.String(),
				"attempt", attempt,
				"error", err,
			)
		}

		timer := time.NewTimer(t.cfg.retryDelay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		resp, err = t.base.RoundTrip(req)
		if err == nil || !transient(err) {
			return resp, err
		}
	}
	return resp, err
}

func idempotent(req *http.Request) bool {
	return req.Method == http.MethodGet || req.Method == http.MethodHead
}

// transient reports whether err looks like the peer being down or
// mid-restart rather than a request-level failure.
func transient(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.ECONNREFUSED, syscall.ECONNRESET,
		syscall.EHOSTUNREACH, syscall.ENETUNREACH:
		return true
	}
	return false
}

// DrainAndClose reads up to limit bytes from rc and closes it, so the
// underlying connection can return to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody returns up to limit bytes of rc for use in an error
// message, draining and closing the remainder.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
