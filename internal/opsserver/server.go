package opsserver

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/snapetech/tsshift/internal/tscache"
)

// Server is the daemon's ops HTTP surface: /healthz, /metrics, /stream.
// Its Run lifecycle mirrors internal/tuner/server.go's Server.Run: a
// goroutine running ListenAndServe, a select on that error channel versus
// ctx.Done(), and a bounded Shutdown on cancellation.
type Server struct {
	Addr        string
	MetricsAddr string // if non-empty and different from Addr, /metrics gets its own listener
	Cache       *tscache.Cache
	Metrics     *Metrics

	health *HealthCheck
	stream *StreamHandler
}

// New builds a Server over cache, probing ingestURL for /healthz and
// registering metrics against reg (pass nil for prometheus.DefaultRegisterer).
func New(addr, metricsAddr string, cache *tscache.Cache, ingestURL string, reg prometheus.Registerer) *Server {
	return &Server{
		Addr:        addr,
		MetricsAddr: metricsAddr,
		Cache:       cache,
		Metrics:     NewMetrics(reg),
		health:      NewHealthCheck(cache, ingestURL),
		stream:      NewStreamHandler(cache),
	}
}

// Run blocks until ctx is cancelled or either listener fails to start.
// When MetricsAddr names a distinct address, /metrics is split onto its own
// http.Server so Prometheus scraping doesn't share a port with the stream
// endpoint; otherwise everything is served off one mux.
func (s *Server) Run(ctx context.Context) error {
	addr := s.Addr
	if addr == "" {
		addr = ":8080"
	}
	separateMetrics := s.MetricsAddr != "" && s.MetricsAddr != addr

	mux := http.NewServeMux()
	mux.Handle("/healthz", s.health.Handler())
	mux.Handle("/stream", s.instrumentedStream())
	if !separateMetrics {
		mux.Handle("/metrics", s.Metrics.Handler())
	}
	srv := &http.Server{Addr: addr, Handler: logRequests(mux)}

	var metricsSrv *http.Server
	if separateMetrics {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", s.Metrics.Handler())
		metricsSrv = &http.Server{Addr: s.MetricsAddr, Handler: logRequests(metricsMux)}
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("opsserver listening on %s", addr)
		serverErr <- srv.ListenAndServe()
	}()

	metricsErr := make(chan error, 1)
	if metricsSrv != nil {
		go func() {
			log.Printf("opsserver metrics listening on %s", s.MetricsAddr)
			metricsErr <- metricsSrv.ListenAndServe()
		}()
	}

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case err := <-metricsErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		log.Print("opsserver: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("opsserver: shutdown: %v", err)
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				log.Printf("opsserver: metrics shutdown: %v", err)
			}
		}
		<-serverErr
		if metricsSrv != nil {
			<-metricsErr
		}
		return nil
	}
}

// instrumentedStream wraps the stream handler with the request/rejection
// counters, since those are cheapest to track at the boundary rather than
// threading Metrics through StreamHandler itself.
func (s *Server) instrumentedStream() http.Handler {
	inner := s.stream.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Metrics.StreamRequests.Inc()
		lw := &statusWriter{ResponseWriter: w}
		inner.ServeHTTP(lw, r)
		if lw.status == http.StatusRequestedRangeNotSatisfiable {
			s.Metrics.StreamRejections.Inc()
		}
		if s.Cache != nil {
			s.Metrics.BufferBytes.Set(float64(s.Cache.Fullness()))
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		status := lw.status
		if status == 0 {
			status = http.StatusOK
		}
		log.Printf(
			"http: %s %s status=%d bytes=%d dur=%s ua=%q remote=%s",
			r.Method, r.URL.Path, status, lw.bytes, time.Since(start).Round(time.Millisecond), r.UserAgent(), r.RemoteAddr,
		)
	})
}
