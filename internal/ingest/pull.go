package ingest

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Sink is the producer-side interface ingest pushes bytes into; satisfied by
// a thin adapter over shifter.Shifter (kept as an interface here so this
// package never needs to import internal/shifter).
type Sink interface {
	Push(data []byte) error
}

// Config controls a Puller.
type Config struct {
	URL       string
	ChunkSize int // bytes read per io.Reader.Read call; default 32KiB
	Policy    RetryPolicy
	Client    *http.Client // nil uses NewClient()
}

// Puller repeatedly GETs Config.URL and feeds the response body into a Sink
// in ChunkSize pieces, reconnecting (via DoWithRetry, then a fresh GET once
// the body itself errors mid-stream) until ctx is cancelled.
type Puller struct {
	cfg Config
}

// NewPuller returns a Puller over cfg, filling in defaults.
func NewPuller(cfg Config) *Puller {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 32 * 1024
	}
	if cfg.Client == nil {
		cfg.Client = NewClient()
	}
	if cfg.Policy == (RetryPolicy{}) {
		cfg.Policy = DefaultRetryPolicy
	}
	return &Puller{cfg: cfg}
}

// Run pulls bytes into sink until ctx is done, and returns only then. Any
// error from one pull (a request failure after DoWithRetry's own retries, a
// body read error, or a sink push error) is logged and followed by a fresh
// GET after a one-second pause, since a live feed dropping mid-stream is the
// ordinary case, not a fatal one.
func (p *Puller) Run(ctx context.Context, sink Sink) error {
	buf := make([]byte, p.cfg.ChunkSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.pullOnce(ctx, sink, buf); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("ingest: stream %s ended (%v); reconnecting", p.cfg.URL, err)
			if sleepErr := sleepCtx(ctx, time.Second); sleepErr != nil {
				return sleepErr
			}
		}
	}
}

func (p *Puller) pullOnce(ctx context.Context, sink Sink, buf []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("ingest: build request: %w", err)
	}

	resp, err := DoWithRetry(ctx, p.cfg.Client, req, p.cfg.Policy)
	if err != nil {
		return fmt.Errorf("ingest: request: %w", err)
	}
	defer resp.Body.Close()

	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if pushErr := sink.Push(append([]byte(nil), buf[:n]...)); pushErr != nil {
				return fmt.Errorf("ingest: push: %w", pushErr)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("ingest: read: %w", err)
		}
	}
}
