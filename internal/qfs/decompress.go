package qfs

import "github.com/brg5/dbpfpack/internal/binaryio"

// Decompress expands a compressed payload (including its framing header) and
// returns the original bytes. It returns ErrCorrupted when the stream is
// truncated, a back-reference reads before the start of the output, or the
// produced length does not match the declared uncompressed size.
func Decompress(src []byte) ([]byte, error) {
	if !Compressed(src) {
		return nil, ErrCorrupted
	}
	pos := 6
	declared := int(binaryio.Uint24BE(src, &pos))

	out := make([]byte, 0, declared)
	in := HeaderSize
	for {
		if in >= len(src) {
			return nil, ErrCorrupted
		}
		b0 := int(src[in])
		in++

		var plain, count, offset int
		switch {
		case b0 < 0x80: // 2-byte opcode
			if in+1 > len(src) {
				return nil, ErrCorrupted
			}
			b1 := int(src[in])
			in++
			plain = b0 & 3
			count = ((b0 >> 2) & 7) + 3
			offset = (b0&0x60)<<3 + b1 + 1

		case b0 < 0xC0: // 3-byte opcode
			if in+2 > len(src) {
				return nil, ErrCorrupted
			}
			b1, b2 := int(src[in]), int(src[in+1])
			in += 2
			plain = (b1 >> 6) & 3
			count = (b0 & 0x3F) + 4
			offset = (b1&0x3F)<<8 + b2 + 1

		case b0 < 0xE0: // 4-byte opcode
			if in+3 > len(src) {
				return nil, ErrCorrupted
			}
			b1, b2, b3 := int(src[in]), int(src[in+1]), int(src[in+2])
			in += 3
			plain = b0 & 3
			count = (b0&0x0C)<<6 + b3 + 5
			offset = (b0&0x10)<<12 + b1<<8 + b2 + 1

		case b0 < 0xFC: // literal run
			plain = (b0&0x1F)<<2 + 4

		default: // terminator
			plain = b0 & 3
			count = -1
		}

		if plain > 0 {
			if in+plain > len(src) {
				return nil, ErrCorrupted
			}
			out = append(out, src[in:in+plain]...)
			in += plain
		}
		if count < 0 {
			break
		}
		if count > 0 {
			from := len(out) - offset
			if from < 0 {
				return nil, ErrCorrupted
			}
			// Byte-at-a-time copy: offset may be smaller than count, in
			// which case the reference reads bytes it just produced.
			for i := 0; i < count; i++ {
				out = append(out, out[from+i])
			}
		}
	}

	if len(out) != declared {
		return nil, ErrCorrupted
	}
	return out, nil
}
