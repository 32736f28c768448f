package diskoverflow

import "errors"

var (
	// ErrFatal wraps any disk I/O error that leaves the store unwritable;
	// per spec.md section 7 this propagates and is never retried silently.
	ErrFatal = errors.New("diskoverflow: fatal I/O error")
	// ErrShortRead is returned when a read returns fewer bytes than
	// requested at an offset that should be fully backed by the file —
	// spec.md section 9 calls for treating this as fatal, not silently
	// truncating.
	ErrShortRead = errors.New("diskoverflow: short read (fatal)")
)
