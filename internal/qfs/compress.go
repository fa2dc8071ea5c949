package qfs

import "github.com/brg5/dbpfpack/internal/binaryio"

// Match length and offset bounds per opcode family.
const (
	maxOffsetShort  = 1024
	maxOffsetMedium = 16384
	maxOffsetLong   = 131072

	maxCountShort  = 10
	maxCountMedium = 67
	maxCountLong   = 1028

	// maxLiteralRun is the largest literal run a single 0xE0 opcode can
	// carry. Runs are always a multiple of four; the 0..3 leftover bytes
	// ride on the next back-reference or the terminator.
	maxLiteralRun = 112
)

const (
	hashBits  = 16
	hashShift = 32 - hashBits
	maxChain  = 64
)

// hash3 maps the three bytes at src[i:] to a chain bucket.
func hash3(src []byte, i int) uint32 {
	v := uint32(src[i]) | uint32(src[i+1])<<8 | uint32(src[i+2])<<16
	return (v * 2654435761) >> hashShift
}

type compressor struct {
	src  []byte
	out  []byte
	head []int32 // newest position per hash bucket, -1 when empty
	prev []int32 // previous position with the same hash, per position
}

// Compress encodes src as a QFS payload including the framing header. It
// returns nil when the encoded form would not be strictly smaller than src,
// or when src is too large for the 24-bit size field.
func Compress(src []byte) []byte {
	if len(src) > maxUncompressed || len(src) <= HeaderSize+1 {
		return nil
	}
	c := &compressor{
		src:  src,
		out:  make([]byte, HeaderSize, len(src)),
		head: make([]int32, 1<<hashBits),
		prev: make([]int32, len(src)),
	}
	for i := range c.head {
		c.head[i] = -1
	}

	// The contract is strict: header plus opcode stream must come out at
	// least one byte smaller than the input.
	limit := len(src) - 1

	n := len(src)
	litStart := 0
	pos := 0
	for pos < n {
		var matchLen, matchOff int
		if pos+3 <= n {
			matchLen, matchOff = c.findMatch(pos)
		}
		if matchLen == 0 {
			if pos+3 <= n {
				c.insert(pos)
			}
			pos++
			continue
		}

		if !c.emitLiterals(&litStart, pos, limit) {
			return nil
		}
		if !c.emitMatch(litStart, pos, matchLen, matchOff, limit) {
			return nil
		}
		end := pos + matchLen
		for ; pos < end && pos+3 <= n; pos++ {
			c.insert(pos)
		}
		pos = end
		litStart = end
	}

	if !c.emitLiterals(&litStart, n, limit) {
		return nil
	}
	// Terminator with the 0..3 leftover literal bytes.
	tail := n - litStart
	c.out = append(c.out, byte(0xFC|tail))
	c.out = append(c.out, src[litStart:n]...)
	if len(c.out) > limit {
		return nil
	}

	hdr := 0
	binaryio.PutUint32LE(c.out, &hdr, uint32(len(c.out)))
	c.out[4] = sigByte0
	c.out[5] = sigByte1
	hdr = 6
	binaryio.PutUint24BE(c.out, &hdr, uint32(n))
	return c.out
}

func (c *compressor) insert(pos int) {
	h := hash3(c.src, pos)
	c.prev[pos] = c.head[h]
	c.head[h] = int32(pos)
}

// findMatch returns the longest back-reference at pos that some opcode family
// can encode, preferring the smallest offset (and thereby the smallest
// family) among equal lengths. A zero length means no usable match.
func (c *compressor) findMatch(pos int) (length, offset int) {
	src := c.src
	limit := len(src) - pos
	if limit > maxCountLong {
		limit = maxCountLong
	}
	cand := c.head[hash3(src, pos)]
	for depth := 0; cand >= 0 && depth < maxChain; depth++ {
		off := pos - int(cand)
		if off > maxOffsetLong {
			break
		}
		l := 0
		for l < limit && src[int(cand)+l] == src[pos+l] {
			l++
		}
		if l > length && allowedMatch(l, off) {
			length, offset = l, off
			if l == limit {
				break
			}
		}
		cand = c.prev[cand]
	}
	return length, offset
}

// allowedMatch reports whether a match of the given length may use the given
// offset: the short family requires length 3 within 1 KiB, the medium family
// length 4 within 16 KiB, the long family length 5 within 128 KiB.
func allowedMatch(length, offset int) bool {
	switch {
	case length >= 5:
		return offset <= maxOffsetLong
	case length == 4:
		return offset <= maxOffsetMedium
	case length == 3:
		return offset <= maxOffsetShort
	}
	return false
}

// emitLiterals flushes pending literals in multiple-of-four runs until at
// most three remain before end. It reports false when the output would no
// longer undercut the input size.
func (c *compressor) emitLiterals(litStart *int, end, limit int) bool {
	for end-*litStart > 3 {
		run := (end - *litStart) &^ 3
		if run > maxLiteralRun {
			run = maxLiteralRun
		}
		c.out = append(c.out, byte(0xE0|(run-4)>>2))
		c.out = append(c.out, c.src[*litStart:*litStart+run]...)
		*litStart += run
		if len(c.out) > limit {
			return false
		}
	}
	return true
}

// emitMatch encodes a back-reference in the smallest family that fits,
// carrying the 0..3 literal bytes between litStart and pos.
func (c *compressor) emitMatch(litStart, pos, length, offset, limit int) bool {
	plain := pos - litStart
	o := offset - 1
	switch {
	case length <= maxCountShort && offset <= maxOffsetShort:
		cnt := length - 3
		c.out = append(c.out,
			byte(o>>8<<5|cnt<<2|plain),
			byte(o))
	case length <= maxCountMedium && offset <= maxOffsetMedium:
		cnt := length - 4
		c.out = append(c.out,
			byte(0x80|cnt),
			byte(plain<<6|o>>8),
			byte(o))
	default:
		cnt := length - 5
		c.out = append(c.out,
			byte(0xC0|o>>16<<4|cnt>>8<<2|plain),
			byte(o>>8),
			byte(o),
			byte(cnt))
	}
	c.out = append(c.out, c.src[litStart:pos]...)
	return len(c.out) <= limit
}
