package dbpf

import (
	"bytes"
	"io"

	"golang.org/x/xerrors"

	"github.com/brg5/dbpfpack/internal/binaryio"
)

// Read parses a package file into an Archive. On any parse rejection it
// returns a sentinel archive with Unpacked == false together with a
// diagnostic error; the caller prints one line and moves on.
//
// mode only influences bookkeeping: repeated TGIRs are detected in
// Recompress mode so that the writer never re-compresses aliased entries.
func Read(r io.ReaderAt, fileSize int64, mode Mode) (*Archive, error) {
	sentinel := &Archive{}

	if fileSize < headerSize {
		return sentinel, xerrors.Errorf("%d byte file is too small for a package header: %w", fileSize, ErrNotPackage)
	}

	ar := &Archive{
		FileSize:      fileSize,
		CompressedDir: make(map[Key]uint32),
	}
	if _, err := r.ReadAt(ar.rawHeader[:], 0); err != nil {
		return sentinel, xerrors.Errorf("reading header: %v", err)
	}

	if !bytes.Equal(ar.rawHeader[:4], magic[:]) {
		return sentinel, xerrors.Errorf("invalid magic %q: %w", ar.rawHeader[:4], ErrNotPackage)
	}
	h := &ar.Header
	pos := 4
	h.MajorVersion = binaryio.Uint32LE(ar.rawHeader[:], &pos)
	h.MinorVersion = binaryio.Uint32LE(ar.rawHeader[:], &pos)
	h.MajorUserVersion = binaryio.Uint32LE(ar.rawHeader[:], &pos)
	h.MinorUserVersion = binaryio.Uint32LE(ar.rawHeader[:], &pos)
	h.Flags = binaryio.Uint32LE(ar.rawHeader[:], &pos)
	h.CreatedDate = binaryio.Uint32LE(ar.rawHeader[:], &pos)
	h.ModifiedDate = binaryio.Uint32LE(ar.rawHeader[:], &pos)
	h.IndexMajorVersion = binaryio.Uint32LE(ar.rawHeader[:], &pos)
	h.IndexEntryCount = binaryio.Uint32LE(ar.rawHeader[:], &pos)
	h.IndexLocation = binaryio.Uint32LE(ar.rawHeader[:], &pos)
	h.IndexSize = binaryio.Uint32LE(ar.rawHeader[:], &pos)
	h.HoleIndexEntryCount = binaryio.Uint32LE(ar.rawHeader[:], &pos)
	h.HoleIndexLocation = binaryio.Uint32LE(ar.rawHeader[:], &pos)
	h.HoleIndexSize = binaryio.Uint32LE(ar.rawHeader[:], &pos)
	h.IndexMinorVersion = binaryio.Uint32LE(ar.rawHeader[:], &pos)

	if h.MajorVersion != 1 || h.MinorVersion > 2 {
		return sentinel, xerrors.Errorf("unsupported package version %d.%d: %w", h.MajorVersion, h.MinorVersion, ErrNotPackage)
	}
	if h.IndexMajorVersion != 7 || h.IndexMinorVersion > 2 {
		return sentinel, xerrors.Errorf("unsupported index version %d.%d: %w", h.IndexMajorVersion, h.IndexMinorVersion, ErrNotPackage)
	}

	if uint64(h.IndexLocation)+uint64(h.IndexSize) > uint64(fileSize) {
		return sentinel, xerrors.Errorf("index (%d+%d bytes) extends past end of file (%d bytes)", h.IndexLocation, h.IndexSize, fileSize)
	}
	if uint64(h.HoleIndexLocation)+uint64(h.HoleIndexSize) > uint64(fileSize) {
		return sentinel, xerrors.Errorf("hole index (%d+%d bytes) extends past end of file (%d bytes)", h.HoleIndexLocation, h.HoleIndexSize, fileSize)
	}
	if uint64(h.HoleIndexEntryCount)*holeEntrySize != uint64(h.HoleIndexSize) {
		return sentinel, xerrors.Errorf("hole index size %d does not match %d entries", h.HoleIndexSize, h.HoleIndexEntryCount)
	}
	stride := h.indexStride()
	if uint64(h.IndexEntryCount)*uint64(stride) > uint64(h.IndexSize) {
		return sentinel, xerrors.Errorf("index size %d too small for %d entries", h.IndexSize, h.IndexEntryCount)
	}

	if err := readHoles(r, ar); err != nil {
		return sentinel, err
	}
	detectSignature(r, ar)

	var clst *Entry
	if h.IndexEntryCount > 0 {
		buf := make([]byte, h.IndexEntryCount*uint32(stride))
		if _, err := r.ReadAt(buf, int64(h.IndexLocation)); err != nil {
			return sentinel, xerrors.Errorf("reading index: %v", err)
		}
		pos = 0
		for i := uint32(0); i < h.IndexEntryCount; i++ {
			e := &Entry{}
			e.Key.Type = binaryio.Uint32LE(buf, &pos)
			e.Key.Group = binaryio.Uint32LE(buf, &pos)
			e.Key.Instance = binaryio.Uint32LE(buf, &pos)
			if h.IndexMinorVersion == 2 {
				e.Key.Resource = binaryio.Uint32LE(buf, &pos)
			}
			e.Location = binaryio.Uint32LE(buf, &pos)
			e.Size = binaryio.Uint32LE(buf, &pos)
			if uint64(e.Location)+uint64(e.Size) > uint64(fileSize) {
				return sentinel, xerrors.Errorf("resource %08X-%08X-%08X (%d+%d bytes) extends past end of file (%d bytes)",
					e.Key.Type, e.Key.Group, e.Key.Instance, e.Location, e.Size, fileSize)
			}
			if e.Key.Type == clstType {
				// The directory of compressed resources is consumed
				// here and regenerated at write time.
				if clst == nil {
					clst = e
				}
				continue
			}
			ar.Entries = append(ar.Entries, e)
		}
	}

	if clst != nil {
		if err := readCompressedDir(r, ar, clst); err != nil {
			return sentinel, err
		}
	}
	for _, e := range ar.Entries {
		if size, ok := ar.CompressedDir[e.Key]; ok {
			e.Compressed = true
			e.UncompressedSize = size
		}
	}

	if mode == Recompress {
		first := make(map[Key]*Entry, len(ar.Entries))
		for _, e := range ar.Entries {
			if f, ok := first[e.Key]; ok {
				f.Repeated = true
				e.Repeated = true
				continue
			}
			first[e.Key] = e
		}
	}

	ar.Unpacked = true
	return ar, nil
}

func readHoles(r io.ReaderAt, ar *Archive) error {
	h := &ar.Header
	if h.HoleIndexEntryCount == 0 {
		return nil
	}
	buf := make([]byte, h.HoleIndexSize)
	if _, err := r.ReadAt(buf, int64(h.HoleIndexLocation)); err != nil {
		return xerrors.Errorf("reading hole index: %v", err)
	}
	pos := 0
	for i := uint32(0); i < h.HoleIndexEntryCount; i++ {
		var hole Hole
		hole.Location = binaryio.Uint32LE(buf, &pos)
		hole.Size = binaryio.Uint32LE(buf, &pos)
		ar.Holes = append(ar.Holes, hole)
	}
	return nil
}

// detectSignature looks for this tool's marker: exactly one hole of size 8
// whose contents are the signature word followed by the current file size.
// A match means the archive was produced by this tool at its present size,
// which lets Recompress mode skip it entirely.
func detectSignature(r io.ReaderAt, ar *Archive) {
	var candidate *Hole
	for i := range ar.Holes {
		if ar.Holes[i].Size != holeEntrySize {
			continue
		}
		if candidate != nil {
			return // more than one: not ours
		}
		candidate = &ar.Holes[i]
	}
	if candidate == nil {
		return
	}
	if uint64(candidate.Location)+holeEntrySize > uint64(ar.FileSize) {
		return
	}
	var buf [holeEntrySize]byte
	if _, err := r.ReadAt(buf[:], int64(candidate.Location)); err != nil {
		return
	}
	if !bytes.Equal(buf[:4], signatureWord[:]) {
		return
	}
	pos := 4
	ar.SignaturePresent = binaryio.Uint32LE(buf[:], &pos) == uint32(ar.FileSize)
}

func readCompressedDir(r io.ReaderAt, ar *Archive, clst *Entry) error {
	if clst.Size == 0 {
		return nil
	}
	buf := make([]byte, clst.Size)
	if _, err := r.ReadAt(buf, int64(clst.Location)); err != nil {
		return xerrors.Errorf("reading compressed resource directory: %v", err)
	}
	stride := ar.Header.clstStride()
	for pos := 0; pos+stride <= len(buf); {
		var k Key
		k.Type = binaryio.Uint32LE(buf, &pos)
		k.Group = binaryio.Uint32LE(buf, &pos)
		k.Instance = binaryio.Uint32LE(buf, &pos)
		if ar.Header.IndexMinorVersion == 2 {
			k.Resource = binaryio.Uint32LE(buf, &pos)
		}
		ar.CompressedDir[k] = binaryio.Uint32LE(buf, &pos)
	}
	return nil
}
