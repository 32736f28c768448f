//go:build !linux

package diskoverflow

import "fmt"

// On non-Linux platforms the page-cache discipline this package relies on
// (sync_file_range, posix_fadvise, MAP_POPULATE) isn't available; Store
// still exists so callers can type-check unconditionally, but every
// operation fails. Mirrors the teacher's vodfs mount_unsupported.go split.

const (
	PageSyncTimeSlots = 20
	ReadKeepPageSlots = 10
)

var errUnsupported = fmt.Errorf("diskoverflow: unsupported on this platform")

type Store struct{}

type Config struct {
	WriteFD               int
	ReadFD                int
	Capacity              int64
	SlotSize              int
	WriteAheadBytesPerSec float64
}

func New(cfg Config) *Store { return &Store{} }

func (s *Store) Capacity() int64 { return 0 }

func (s *Store) Write(p []byte) (int, error) { return 0, errUnsupported }

type Window struct{}

func (w *Window) Bytes() []byte   { return nil }
func (w *Window) Release() error  { return nil }

func (s *Store) ReadAt(streamOffset int64, length int) (*Window, error) {
	return nil, errUnsupported
}

func (s *Store) Recycle(upTo int64) {}

func (s *Store) Writable() bool { return false }

func (s *Store) Seed(offset int64) error { return errUnsupported }

func (s *Store) Heads() (recycle, read, write int64) { return 0, 0, 0 }
