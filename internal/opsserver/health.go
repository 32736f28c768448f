// Package opsserver exposes the daemon's operational HTTP surface:
// /healthz, /metrics, and /stream (Range-header random access into the
// retained byte window), adapted from internal/health/health.go's
// probe-and-classify shape and internal/gateway/gateway.go's Range-forwarding
// Proxy.
package opsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/snapetech/tsshift/internal/tscache"
)

// CheckIngest probes ingestURL the way health.CheckProvider probes the M3U
// URL: a GET with the body discarded, treating any status other than 200 or
// 206 as unhealthy.
func CheckIngest(ctx context.Context, ingestURL string) error {
	if ingestURL == "" {
		return fmt.Errorf("no ingest URL configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ingestURL, nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("ingest unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("ingest returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// HealthCheck is what /healthz consults: the cache's own fullness plus an
// optional ingest reachability probe.
type HealthCheck struct {
	Cache      *tscache.Cache
	IngestURL  string
	httpClient func(ctx context.Context, ingestURL string) error // overridable for tests
}

// NewHealthCheck returns a HealthCheck over cache, probing ingestURL on
// every request (ingestURL may be empty to skip the probe).
func NewHealthCheck(cache *tscache.Cache, ingestURL string) *HealthCheck {
	return &HealthCheck{Cache: cache, IngestURL: ingestURL, httpClient: CheckIngest}
}

// Handler returns the GET /healthz handler: 200 with fullness/ingest status
// once the cache holds data, 503 while it's still empty, mirroring
// health.Server.serveHealth's loading-vs-ready status split.
func (h *HealthCheck) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fullness := uint64(0)
		if h.Cache != nil {
			fullness = h.Cache.Fullness()
		}

		var ingestErr error
		if h.IngestURL != "" {
			ingestErr = h.httpClient(r.Context(), h.IngestURL)
		}

		w.Header().Set("Content-Type", "application/json")
		if fullness == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			body, _ := json.Marshal(map[string]interface{}{"status": "loading"})
			_, _ = w.Write(body)
			return
		}
		status := "ok"
		var ingestStatus interface{} = "ok"
		if ingestErr != nil {
			status = "degraded"
			ingestStatus = ingestErr.Error()
		}
		body, _ := json.Marshal(map[string]interface{}{
			"status":        status,
			"buffer_bytes":  fullness,
			"ingest_status": ingestStatus,
		})
		if ingestErr != nil {
			w.WriteHeader(http.StatusOK) // degraded but still serving from buffer
		}
		_, _ = w.Write(body)
	})
}
