// Package qfs implements the QFS/RefPack block codec used for resources
// inside DBPF archives.
//
// Compressed payloads carry a 9 byte framing header: the total compressed
// size as a little-endian uint32, the signature bytes 0x10 0xFB, and the
// uncompressed size as a big-endian 24-bit integer. The opcode stream that
// follows mixes literal runs with back-references into the already produced
// output; references may overlap their destination, which is how runs of a
// repeating pattern are encoded.
package qfs

import (
	"errors"

	"github.com/brg5/dbpfpack/internal/binaryio"
)

// HeaderSize is the length of the framing header preceding every compressed
// payload.
const HeaderSize = 9

const (
	sigByte0 = 0x10
	sigByte1 = 0xFB
)

// maxUncompressed is the largest input the 24-bit size field can declare.
const maxUncompressed = 0xFFFFFF

// ErrCorrupted is returned by Decompress when an opcode reads past the end of
// the input, a back-reference reaches before the start of the output, or the
// produced length disagrees with the framing header.
var ErrCorrupted = errors.New("qfs: corrupted stream")

// Compressed reports whether b starts with a QFS framing header.
func Compressed(b []byte) bool {
	return len(b) >= HeaderSize && b[4] == sigByte0 && b[5] == sigByte1
}

// DeclaredSizes returns the compressed and uncompressed sizes stored in the
// framing header of b. ok is false when b carries no framing header.
func DeclaredSizes(b []byte) (compressed, uncompressed uint32, ok bool) {
	if !Compressed(b) {
		return 0, 0, false
	}
	pos := 0
	compressed = binaryio.Uint32LE(b, &pos)
	pos = 6
	uncompressed = binaryio.Uint24BE(b, &pos)
	return compressed, uncompressed, true
}
