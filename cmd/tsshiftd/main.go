// Command tsshiftd ingests a live MPEG-TS feed, holds a shifting window of
// it in memory (and optionally disk), and serves it back out over HTTP
// range requests and/or a FUSE mount, the way cmd/plex-tuner wires its own
// catalog/indexer/gateway/vodfs pieces together behind one set of flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/snapetech/tsshift/internal/cacheinode"
	"github.com/snapetech/tsshift/internal/diskoverflow"
	"github.com/snapetech/tsshift/internal/ingest"
	"github.com/snapetech/tsshift/internal/opsserver"
	"github.com/snapetech/tsshift/internal/pcr"
	"github.com/snapetech/tsshift/internal/shifter"
	"github.com/snapetech/tsshift/internal/supervisor"
	"github.com/snapetech/tsshift/internal/tsconfig"
	"github.com/snapetech/tsshift/internal/tscache"
	"github.com/snapetech/tsshift/internal/tsindex"
)

func main() {
	envFile := flag.String("env-file", "", "optional KEY=VALUE env file to load before reading TSSHIFT_* config")
	supervisorConfig := flag.String("supervisor-config", "", "run as a supervisor over this JSON config instead of serving directly")
	ingestURL := flag.String("ingest-url", "", "source MPEG-TS URL (overrides TSSHIFT_INGEST_URL)")
	listenAddr := flag.String("listen", "", "HTTP listen address (overrides TSSHIFT_LISTEN_ADDR)")
	metricsAddr := flag.String("metrics-listen", "", "Prometheus listen address (overrides TSSHIFT_METRICS_ADDR)")
	mountPoint := flag.String("mount", "", "optional FUSE mount point exposing live.ts (overrides TSSHIFT_MOUNT_POINT)")
	backingStore := flag.String("backing-store", "", "optional disk overflow file path (overrides TSSHIFT_BACKING_STORE_PATH)")
	flag.Parse()

	if *envFile != "" {
		if err := tsconfig.LoadEnvFile(*envFile); err != nil {
			log.Printf("env-file %s: %v", *envFile, err)
		}
	}
	for key, val := range map[string]string{
		"TSSHIFT_SUPERVISOR_CONFIG":  *supervisorConfig,
		"TSSHIFT_INGEST_URL":         *ingestURL,
		"TSSHIFT_LISTEN_ADDR":        *listenAddr,
		"TSSHIFT_METRICS_ADDR":       *metricsAddr,
		"TSSHIFT_MOUNT_POINT":        *mountPoint,
		"TSSHIFT_BACKING_STORE_PATH": *backingStore,
	} {
		if val != "" {
			os.Setenv(key, val)
		}
	}

	cfg := tsconfig.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.SupervisorConfigPath != "" {
		if err := supervisor.Run(ctx, cfg.SupervisorConfigPath); err != nil {
			log.Fatalf("supervisor: %v", err)
		}
		return
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("tsshiftd: %v", err)
	}
}

func run(ctx context.Context, cfg *tsconfig.Config) error {
	if cfg.IngestURL == "" {
		return fmt.Errorf("no ingest URL configured (-ingest-url or TSSHIFT_INGEST_URL)")
	}

	var diskStore *diskoverflow.Store
	if cfg.BackingStorePath != "" {
		store, closeFn, err := openBackingStore(cfg.BackingStorePath, cfg.BackingStoreBytes, cfg.SlotSizeBytes)
		if err != nil {
			return fmt.Errorf("open backing store: %w", err)
		}
		defer closeFn()
		diskStore = store
	}

	index, indexStore, err := openIndex(cfg)
	if err != nil {
		return err
	}
	if indexStore != nil {
		defer indexStore.Close()
	}

	var sh *shifter.Shifter
	cache := tscache.New(tscache.Config{
		NumSlots:  cfg.NumSlots(),
		SlotSize:  cfg.SlotSizeBytes,
		Disk:      diskStore,
		Registry:  prometheus.DefaultRegisterer,
		OnOverrun: func() { sh.OnOverrun() },
	})
	signals := make(chan shifter.Signal, 16)
	sh = shifter.New(cache, signals)
	go logSignals(ctx, signals)

	sink := newIndexingSink(sh, index, cfg)
	puller := ingest.NewPuller(ingest.Config{URL: cfg.IngestURL})
	go runIngest(ctx, puller, sink)

	if indexStore != nil {
		go snapshotIndexPeriodically(ctx, indexStore, index, cfg.IndexSnapshotInterval)
	}

	if cfg.MountPoint != "" {
		stop, err := cacheinode.MountBackground(ctx, cfg.MountPoint, cache, false)
		if err != nil {
			log.Printf("fuse mount %s: %v", cfg.MountPoint, err)
		} else {
			log.Printf("fuse: live.ts mounted at %s", cfg.MountPoint)
			defer stop()
		}
	}

	srv := opsserver.New(cfg.ListenAddr, cfg.MetricsAddr, cache, cfg.IngestURL, prometheus.DefaultRegisterer)
	return srv.Run(ctx)
}

// openBackingStore opens a circular disk overflow file at path (creating and
// truncating it to sizeBytes if needed) and returns a Store over two
// independent file descriptors, matching diskoverflow's own test fixture
// (independent read/write fds over the same file).
func openBackingStore(path string, sizeBytes int64, slotSize int) (*diskoverflow.Store, func(), error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("create/open: %w", err)
	}
	if fi, statErr := f.Stat(); statErr == nil && fi.Size() < sizeBytes {
		if err := f.Truncate(sizeBytes); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("truncate: %w", err)
		}
	}
	f.Close()

	wf, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("reopen write fd: %w", err)
	}
	rf, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		wf.Close()
		return nil, nil, fmt.Errorf("reopen read fd: %w", err)
	}

	store := diskoverflow.New(diskoverflow.Config{
		WriteFD:  int(wf.Fd()),
		ReadFD:   int(rf.Fd()),
		Capacity: sizeBytes,
		SlotSize: slotSize,
	})
	closeFn := func() {
		wf.Close()
		rf.Close()
	}
	return store, closeFn, nil
}

// openIndex builds the in-memory seek index, restoring the latest snapshot
// from cfg.IndexDBPath when persistence is configured.
func openIndex(cfg *tsconfig.Config) (*tsindex.Index, *tsindex.Store, error) {
	if cfg.IndexDBPath == "" {
		return tsindex.New(), nil, nil
	}
	st, err := tsindex.OpenStore(cfg.IndexDBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open index db: %w", err)
	}
	index, ok, err := st.LoadLatest()
	if err != nil {
		log.Printf("tsindex: load latest snapshot: %v", err)
		index = tsindex.New()
	} else if ok {
		log.Printf("tsindex: restored %d entries from %s", index.Len(), cfg.IndexDBPath)
	} else {
		index = tsindex.New()
	}
	return index, st, nil
}

func snapshotIndexPeriodically(ctx context.Context, st *tsindex.Store, index *tsindex.Index, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var seq int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			if err := st.Snapshot(index, seq); err != nil {
				log.Printf("tsindex: snapshot: %v", err)
			}
		}
	}
}

func logSignals(ctx context.Context, signals <-chan shifter.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			log.Printf("tsshiftd: %s", sig)
		}
	}
}

func runIngest(ctx context.Context, puller *ingest.Puller, sink ingest.Sink) {
	if err := puller.Run(ctx, sink); err != nil && ctx.Err() == nil {
		log.Printf("ingest: %v", err)
	}
}

// indexingSink adapts a shifter.Shifter into an ingest.Sink, feeding every
// pushed chunk through a PCR extractor (when cfg.PCRPID is configured) to
// keep the TIME<->BYTES index current as bytes arrive, the way the original
// built its association index off the same data as it flowed downstream
// rather than in a second pass.
type indexingSink struct {
	sh     *shifter.Shifter
	ex     *pcr.Extractor
	offset uint64
}

func newIndexingSink(sh *shifter.Shifter, index *tsindex.Index, cfg *tsconfig.Config) *indexingSink {
	s := &indexingSink{sh: sh}
	if cfg.PCRPID < 0 {
		return s
	}
	var ex *pcr.Extractor
	onSample := func(sample pcr.Sample) {
		flags := tsindex.FlagDeltaUnit
		if sample.RandomAccess {
			flags = tsindex.FlagKeyUnit
		}
		index.Add(tsindex.Entry{
			TimeNanos:  ex.TimeNanos(sample.PCR27MHz),
			ByteOffset: int64(sample.ByteOffset),
			Flags:      flags,
		})
	}
	ex = pcr.New(pcr.Config{
		PID:                 uint16(cfg.PCRPID),
		DeltaNanos:          cfg.DeltaMS * int64(time.Millisecond),
		DeltaIsRandomAccess: cfg.DeltaIsRandomAccess,
	}, onSample)
	s.ex = ex
	return s
}

func (s *indexingSink) Push(data []byte) error {
	if s.ex != nil {
		s.ex.Feed(s.offset, data)
	}
	s.offset += uint64(len(data))

	if ret := s.sh.Push(data); ret != shifter.FlowOK {
		return fmt.Errorf("shifter rejected push: %s", ret)
	}
	return nil
}
