package tsconfig

import (
	"os"
	"testing"
	"time"
)

func clearTsshiftEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"TSSHIFT_CACHE_SIZE_BYTES", "TSSHIFT_SLOT_SIZE_BYTES", "TSSHIFT_ALLOCATOR",
		"TSSHIFT_BACKING_STORE_PATH", "TSSHIFT_BACKING_STORE_BYTES", "TSSHIFT_PCR_PID",
		"TSSHIFT_DELTA_MS", "TSSHIFT_INGEST_URL", "TSSHIFT_LISTEN_ADDR",
		"TSSHIFT_METRICS_ADDR", "TSSHIFT_MOUNT_POINT", "TSSHIFT_SUPERVISOR_CONFIG",
		"TSSHIFT_INGEST_TIMEOUT", "TSSHIFT_INGEST_MAX_RETRIES",
		"TSSHIFT_INDEX_DB_PATH", "TSSHIFT_INDEX_SNAPSHOT_INTERVAL",
	} {
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearTsshiftEnv(t)
	c := Load()

	if c.CacheSizeBytes != 256*1024*1024 {
		t.Errorf("CacheSizeBytes = %d, want 256MiB", c.CacheSizeBytes)
	}
	if c.SlotSizeBytes != 32*1024 {
		t.Errorf("SlotSizeBytes = %d, want 32KiB", c.SlotSizeBytes)
	}
	if c.PCRPID != -1 {
		t.Errorf("PCRPID = %d, want -1 (disabled)", c.PCRPID)
	}
	if c.DeltaMS != 500 {
		t.Errorf("DeltaMS = %d, want 500", c.DeltaMS)
	}
	if c.DeltaIsRandomAccess {
		t.Error("DeltaIsRandomAccess = true, want false for the default 500ms delta")
	}
	if c.BackingStoreBytes != c.CacheSizeBytes {
		t.Errorf("BackingStoreBytes = %d, want it to default to CacheSizeBytes", c.BackingStoreBytes)
	}
	if c.IngestTimeout != 30*time.Second {
		t.Errorf("IngestTimeout = %v, want 30s", c.IngestTimeout)
	}
	if got, want := c.NumSlots(), 256*1024*1024/(32*1024); got != want {
		t.Errorf("NumSlots() = %d, want %d", got, want)
	}
	if c.IndexDBPath != "" {
		t.Errorf("IndexDBPath = %q, want empty (persistence disabled by default)", c.IndexDBPath)
	}
	if c.IndexSnapshotInterval != 30*time.Second {
		t.Errorf("IndexSnapshotInterval = %v, want 30s", c.IndexSnapshotInterval)
	}
}

func TestLoadIndexDBPath(t *testing.T) {
	clearTsshiftEnv(t)
	os.Setenv("TSSHIFT_INDEX_DB_PATH", "/tmp/tsshift-index.db")
	os.Setenv("TSSHIFT_INDEX_SNAPSHOT_INTERVAL", "5s")
	defer clearTsshiftEnv(t)

	c := Load()
	if c.IndexDBPath != "/tmp/tsshift-index.db" {
		t.Errorf("IndexDBPath = %q, want /tmp/tsshift-index.db", c.IndexDBPath)
	}
	if c.IndexSnapshotInterval != 5*time.Second {
		t.Errorf("IndexSnapshotInterval = %v, want 5s", c.IndexSnapshotInterval)
	}
}

func TestLoadDeltaRandomAccessSentinel(t *testing.T) {
	clearTsshiftEnv(t)
	os.Setenv("TSSHIFT_DELTA_MS", "random_access")
	defer os.Unsetenv("TSSHIFT_DELTA_MS")

	c := Load()
	if c.DeltaMS != -1 {
		t.Errorf("DeltaMS = %d, want -1", c.DeltaMS)
	}
	if !c.DeltaIsRandomAccess {
		t.Error("DeltaIsRandomAccess = false, want true")
	}
}

func TestLoadPCRPIDDisabledSentinel(t *testing.T) {
	clearTsshiftEnv(t)
	os.Setenv("TSSHIFT_PCR_PID", "disabled")
	defer os.Unsetenv("TSSHIFT_PCR_PID")

	c := Load()
	if c.PCRPID != -1 {
		t.Errorf("PCRPID = %d, want -1", c.PCRPID)
	}
}

func TestLoadCacheSizeEnforcesFourSlotMinimum(t *testing.T) {
	clearTsshiftEnv(t)
	os.Setenv("TSSHIFT_CACHE_SIZE_BYTES", "1000")
	os.Setenv("TSSHIFT_SLOT_SIZE_BYTES", "1000")
	defer clearTsshiftEnv(t)

	c := Load()
	if c.CacheSizeBytes != 4000 {
		t.Errorf("CacheSizeBytes = %d, want 4000 (4 slots minimum)", c.CacheSizeBytes)
	}
	if c.NumSlots() != 4 {
		t.Errorf("NumSlots() = %d, want 4", c.NumSlots())
	}
}
