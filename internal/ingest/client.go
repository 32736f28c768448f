// Package ingest pulls the live MPEG-TS byte stream into the cache's
// producer side over HTTP, adapted from internal/httpclient's
// DoWithRetry/HostSemaphore pair: a long-lived chunked GET instead of a
// short materialization fetch, but the same retry taxonomy and per-host
// concurrency discipline apply.
package ingest

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2"
)

// RetryPolicy controls when DoWithRetry waits and retries, mirroring
// httpclient.RetryPolicy.
type RetryPolicy struct {
	MaxRetries int

	Retry429   bool
	Max429Wait time.Duration

	Retry5xx   bool
	Backoff5xx time.Duration

	LogHeaders bool
}

// DefaultRetryPolicy matches httpclient.DefaultRetryPolicy's shape, tuned
// for a feed that is expected to reconnect indefinitely rather than give up.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 5,
	Retry429:   true,
	Max429Wait: 30 * time.Second,
	Retry5xx:   true,
	Backoff5xx: 1 * time.Second,
	LogHeaders: true,
}

// GlobalHostSem limits concurrent requests to the same ingest host to two,
// adapted from httpclient.HostSemaphore; a live ingest is normally a single
// long-lived connection, but reconnect attempts during a brief provider
// blip could otherwise pile up.
var GlobalHostSem = NewHostSemaphore(2)

// HostSemaphore is a process-global per-host concurrency limiter.
type HostSemaphore struct {
	mu    chan struct{} // guards sems; a channel so Acquire never blocks on it across a semFor call
	sems  map[string]chan struct{}
	limit int
}

func NewHostSemaphore(concurrency int) *HostSemaphore {
	if concurrency < 1 {
		concurrency = 1
	}
	return &HostSemaphore{
		mu:    make(chan struct{}, 1),
		sems:  make(map[string]chan struct{}),
		limit: concurrency,
	}
}

// Acquire blocks until a slot is available for host and returns a release
// func.
func (h *HostSemaphore) Acquire(host string) func() {
	sem := h.semFor(host)
	sem <- struct{}{}
	return func() { <-sem }
}

func (h *HostSemaphore) semFor(host string) chan struct{} {
	h.mu <- struct{}{}
	defer func() { <-h.mu }()
	s, ok := h.sems[host]
	if !ok {
		s = make(chan struct{}, h.limit)
		h.sems[host] = s
	}
	return s
}

// NewTransport returns an http2.Transport configured for a plain-HTTP (h2c)
// upstream: most IPTV/TS origins speak HTTP/1.1 or h2c rather than TLS, so
// AllowHTTP is set and DialTLSContext is overridden to dial a plain TCP
// connection instead of negotiating TLS, the standard workaround for using
// x/net/http2's client machinery against a cleartext server.
func NewTransport() *http2.Transport {
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
			d := net.Dialer{Timeout: 15 * time.Second}
			return d.DialContext(ctx, network, addr)
		},
		ReadIdleTimeout: 30 * time.Second,
		PingTimeout:     15 * time.Second,
	}
}

// NewClient returns an *http.Client over NewTransport with no overall
// timeout, matching httpclient.ForStreaming's "the stream may be long-lived"
// reasoning: the ingest connection is expected to run for as long as the
// recording does.
func NewClient() *http.Client {
	return &http.Client{Transport: NewTransport()}
}

// DoWithRetry performs req and on 429/5xx (per policy) waits with backoff
// and retries up to MaxRetries times, adapted from
// httpclient.DoWithRetry. Caller must close resp.Body when err == nil.
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, policy RetryPolicy) (*http.Response, error) {
	if client == nil {
		client = NewClient()
	}
	maxRetries := policy.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastResp *http.Response
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			req2, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), nil)
			if err != nil {
				return nil, err
			}
			for k, v := range req.Header {
				req2.Header[k] = v
			}
			req = req2
		}

		release := GlobalHostSem.Acquire(hostOf(req.URL.String()))
		resp, err := client.Do(req)
		release()
		if err != nil {
			return nil, err
		}

		code := resp.StatusCode
		if code == http.StatusOK || code == http.StatusPartialContent {
			return resp, nil
		}

		if policy.LogHeaders {
			logDiagHeaders(req.URL.String(), code, resp.Header)
		}

		if code == http.StatusTooManyRequests && policy.Retry429 && attempt < maxRetries {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			wait := jitter(parseRetryAfter(resp.Header.Get("Retry-After"), policy.Max429Wait))
			log.Printf("ingest: %s returned 429 (attempt %d/%d); retrying in %s",
				req.URL.Host, attempt+1, maxRetries, wait.Round(time.Millisecond))
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
			lastResp = nil
			continue
		}

		if code >= 500 && code < 600 && policy.Retry5xx && attempt < maxRetries {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			base := policy.Backoff5xx * time.Duration(1<<uint(attempt))
			wait := jitter(base)
			log.Printf("ingest: %s returned %d (attempt %d/%d); retrying in %s",
				req.URL.Host, code, attempt+1, maxRetries, wait.Round(time.Millisecond))
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
			lastResp = nil
			continue
		}

		lastResp = resp
		break
	}

	if lastResp != nil {
		return lastResp, nil
	}
	return nil, fmt.Errorf("ingest: exhausted retries for %s", req.URL.String())
}

func hostOf(rawURL string) string {
	idx := strings.Index(rawURL, "://")
	if idx < 0 {
		return rawURL
	}
	rest := rawURL[idx+3:]
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		rest = rest[:slash]
	}
	return rawURL[:idx+3] + rest
}

func logDiagHeaders(url string, code int, h http.Header) {
	var parts []string
	for _, key := range []string{"Retry-After", "X-RateLimit-Remaining", "Server"} {
		if v := h.Get(key); v != "" {
			parts = append(parts, key+"="+v)
		}
	}
	if len(parts) > 0 {
		log.Printf("ingest: %s HTTP %d headers: %s", url, code, strings.Join(parts, " "))
	}
}

func parseRetryAfter(s string, max time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 1 * time.Second
	}
	if sec, err := strconv.Atoi(s); err == nil && sec >= 0 {
		d := time.Duration(sec) * time.Second
		if d > max {
			return max
		}
		return d
	}
	t, err := time.Parse(time.RFC1123, s)
	if err != nil {
		return 1 * time.Second
	}
	until := time.Until(t)
	if until <= 0 {
		return 0
	}
	if until > max {
		return max
	}
	return until
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	frac := float64(d) * 0.25
	delta := time.Duration(rand.Int63n(int64(frac*2+1))) - time.Duration(frac)
	result := d + delta
	if result < 0 {
		return 0
	}
	return result
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
