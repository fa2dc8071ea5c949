package dbpf

import (
	"testing"

	"github.com/brg5/dbpfpack/internal/binaryio"
)

type testResource struct {
	key     Key
	payload []byte

	// listed, when nonzero, records the resource in the directory of
	// compressed resources with this uncompressed size.
	listed uint32
}

// buildArchive assembles a syntactically valid package file: header,
// payloads, optional CLST, index, and optionally a signature hole. sigSize
// selects the hole contents: 0 omits the hole, -1 stores the accurate final
// file size, any other value is stored as-is (a stale signature).
func buildArchive(tb testing.TB, indexMinor uint32, resources []testResource, sigSize int64) []byte {
	tb.Helper()

	buf := make([]byte, headerSize)
	copy(buf, magic[:])
	p := 4
	binaryio.PutUint32LE(buf, &p, 1) // major version
	binaryio.PutUint32LE(buf, &p, 1) // minor version
	p = 32
	binaryio.PutUint32LE(buf, &p, 7) // index major version
	p = 60
	binaryio.PutUint32LE(buf, &p, indexMinor)
	for i := 64; i < headerSize; i++ {
		buf[i] = 0xEE // remainder, preserved verbatim by the writer
	}

	stride, clstStride := 20, 16
	if indexMinor == 2 {
		stride, clstStride = 24, 20
	}

	type placed struct {
		key       Key
		loc, size uint32
	}
	var index []placed
	for _, r := range resources {
		index = append(index, placed{r.key, uint32(len(buf)), uint32(len(r.payload))})
		buf = append(buf, r.payload...)
	}

	var listed []testResource
	for _, r := range resources {
		if r.listed > 0 {
			listed = append(listed, r)
		}
	}
	if len(listed) > 0 {
		clst := make([]byte, len(listed)*clstStride)
		p = 0
		for _, r := range listed {
			binaryio.PutUint32LE(clst, &p, r.key.Type)
			binaryio.PutUint32LE(clst, &p, r.key.Group)
			binaryio.PutUint32LE(clst, &p, r.key.Instance)
			if indexMinor == 2 {
				binaryio.PutUint32LE(clst, &p, r.key.Resource)
			}
			binaryio.PutUint32LE(clst, &p, r.listed)
		}
		index = append(index, placed{clstKey, uint32(len(buf)), uint32(len(clst))})
		buf = append(buf, clst...)
	}

	indexLoc := uint32(len(buf))
	idx := make([]byte, len(index)*stride)
	p = 0
	for _, pl := range index {
		binaryio.PutUint32LE(idx, &p, pl.key.Type)
		binaryio.PutUint32LE(idx, &p, pl.key.Group)
		binaryio.PutUint32LE(idx, &p, pl.key.Instance)
		if indexMinor == 2 {
			binaryio.PutUint32LE(idx, &p, pl.key.Resource)
		}
		binaryio.PutUint32LE(idx, &p, pl.loc)
		binaryio.PutUint32LE(idx, &p, pl.size)
	}
	buf = append(buf, idx...)

	var holeCount, holeLoc, holeSize uint32
	if sigSize != 0 {
		holeCount, holeSize = 1, holeEntrySize
		holeLoc = uint32(len(buf))
		stored := sigSize
		if stored < 0 {
			stored = int64(len(buf)) + 2*holeEntrySize
		}
		trailer := make([]byte, 2*holeEntrySize)
		p = 0
		binaryio.PutUint32LE(trailer, &p, holeLoc+holeEntrySize)
		binaryio.PutUint32LE(trailer, &p, holeEntrySize)
		copy(trailer[p:], signatureWord[:])
		p += 4
		binaryio.PutUint32LE(trailer, &p, uint32(stored))
		buf = append(buf, trailer...)
	}

	p = headerPatchOffset
	binaryio.PutUint32LE(buf, &p, uint32(len(index)))
	binaryio.PutUint32LE(buf, &p, indexLoc)
	binaryio.PutUint32LE(buf, &p, uint32(len(idx)))
	binaryio.PutUint32LE(buf, &p, holeCount)
	binaryio.PutUint32LE(buf, &p, holeLoc)
	binaryio.PutUint32LE(buf, &p, holeSize)
	return buf
}
