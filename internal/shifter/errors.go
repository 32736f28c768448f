package shifter

import "fmt"

// ErrSeekRejected mirrors gst_ts_shifter_handle_seek's "seek failed"
// warning path: the resolved byte offset is not currently retained.
type ErrSeekRejected struct {
	Offset uint64
}

func (e ErrSeekRejected) Error() string {
	return fmt.Sprintf("shifter: seek offset %d not retained", e.Offset)
}

// ErrUnsupportedSeekType is returned for any SeekType other than SET/END,
// mirroring gst_ts_shifter_get_bytes_offset's format/type checks.
var ErrUnsupportedSeekType = fmt.Errorf("shifter: unsupported seek type")
