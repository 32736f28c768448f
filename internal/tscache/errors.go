package tscache

import "fmt"

// ErrSeekRejected reports a seek target outside the cache's retained window
// (spec.md section 7's seek-rejection case).
type ErrSeekRejected struct {
	Target uint64
}

func (e ErrSeekRejected) Error() string {
	return fmt.Sprintf("tscache: seek target %d outside retained window", e.Target)
}
