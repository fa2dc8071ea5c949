package binaryio

import (
	"bytes"
	"testing"
)

func TestCursorAdvancement(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 7)
	pos := 0
	PutUint32LE(buf, &pos, 0x04030201)
	PutUint24BE(buf, &pos, 0x050607)
	if pos != 7 {
		t.Fatalf("cursor = %d, want 7", pos)
	}
	if want := []byte{1, 2, 3, 4, 5, 6, 7}; !bytes.Equal(buf, want) {
		t.Fatalf("buf = %v, want %v", buf, want)
	}

	pos = 0
	if got := Uint32LE(buf, &pos); got != 0x04030201 {
		t.Errorf("Uint32LE = %#x, want 0x04030201", got)
	}
	if got := Uint24BE(buf, &pos); got != 0x050607 {
		t.Errorf("Uint24BE = %#x, want 0x050607", got)
	}
	if pos != 7 {
		t.Errorf("cursor = %d, want 7", pos)
	}
}
