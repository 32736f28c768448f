package cacheinode

import "testing"

func TestInoFromStringIsStable(t *testing.T) {
	a := inoFromString("cacheinode:live.ts")
	b := inoFromString("cacheinode:live.ts")
	if a != b {
		t.Errorf("inoFromString is not stable across calls: %d != %d", a, b)
	}
}

func TestInoFromStringDiffersByKey(t *testing.T) {
	a := inoFromString("cacheinode:live.ts")
	b := inoFromString("cacheinode:other.ts")
	if a == b {
		t.Errorf("distinct keys produced the same inode %d", a)
	}
}
