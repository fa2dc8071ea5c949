package dbpf

import (
	"context"
	"io"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/brg5/dbpfpack/internal/binaryio"
	"github.com/brg5/dbpfpack/internal/qfs"
)

// outEntry is the write-side state of one resource. Workers own disjoint
// slots, so the transform phase needs no locking.
type outEntry struct {
	key              Key
	payload          []byte
	compressed       bool
	repeated         bool
	uncompressedSize uint32
	location         uint32
}

// Write re-emits ar to dst, transforming every resource payload according to
// mode. Payloads are read from src up front, transformed by a pool of jobs
// workers, and written out in entry order, so the output layout is
// deterministic: header, payloads, CLST, index, and (in Recompress mode) the
// hole index followed by the signature hole. The index and hole fields are
// patched into the header last.
//
// ar is not mutated; the caller keeps it as the pre-write model for
// validation.
func Write(ctx context.Context, dst io.WriteSeeker, src io.ReaderAt, ar *Archive, mode Mode, jobs int) error {
	hdr := ar.rawHeader
	for i := headerPatchOffset; i < headerPatchOffset+24; i++ {
		hdr[i] = 0
	}
	if _, err := dst.Write(hdr[:]); err != nil {
		return xerrors.Errorf("writing header: %v", err)
	}
	pos := int64(headerSize)

	// Read phase: one owned buffer per entry.
	outs := make([]outEntry, len(ar.Entries))
	for i, e := range ar.Entries {
		p := make([]byte, e.Size)
		if e.Size > 0 {
			if _, err := src.ReadAt(p, int64(e.Location)); err != nil {
				return xerrors.Errorf("reading resource %08X-%08X-%08X: %v", e.Key.Type, e.Key.Group, e.Key.Instance, err)
			}
		}
		outs[i] = outEntry{
			key:              e.Key,
			payload:          p,
			compressed:       e.Compressed,
			repeated:         e.Repeated,
			uncompressedSize: e.UncompressedSize,
		}
	}

	// Transform phase.
	if jobs < 1 {
		jobs = runtime.NumCPU()
	}
	eg, ctx := errgroup.WithContext(ctx)
	for w := 0; w < jobs; w++ {
		w := w
		eg.Go(func() error {
			for i := w; i < len(outs); i += jobs {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := transformEntry(&outs[i], mode); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	// Write phase: payloads in entry order.
	for i := range outs {
		o := &outs[i]
		o.location = uint32(pos)
		if _, err := dst.Write(o.payload); err != nil {
			return xerrors.Errorf("writing resource %08X-%08X-%08X: %v", o.key.Type, o.key.Group, o.key.Instance, err)
		}
		pos += int64(len(o.payload))
	}

	// Regenerate the directory of compressed resources.
	var compressed int
	for i := range outs {
		if outs[i].compressed {
			compressed++
		}
	}
	if compressed > 0 {
		stride := ar.Header.clstStride()
		buf := make([]byte, compressed*stride)
		p := 0
		for i := range outs {
			o := &outs[i]
			if !o.compressed {
				continue
			}
			binaryio.PutUint32LE(buf, &p, o.key.Type)
			binaryio.PutUint32LE(buf, &p, o.key.Group)
			binaryio.PutUint32LE(buf, &p, o.key.Instance)
			if ar.Header.IndexMinorVersion == 2 {
				binaryio.PutUint32LE(buf, &p, o.key.Resource)
			}
			binaryio.PutUint32LE(buf, &p, o.uncompressedSize)
		}
		if _, err := dst.Write(buf); err != nil {
			return xerrors.Errorf("writing compressed resource directory: %v", err)
		}
		outs = append(outs, outEntry{
			key:      clstKey,
			payload:  buf,
			location: uint32(pos),
		})
		pos += int64(len(buf))
	}

	// Index.
	indexLocation := uint32(pos)
	stride := ar.Header.indexStride()
	index := make([]byte, len(outs)*stride)
	p := 0
	for i := range outs {
		o := &outs[i]
		binaryio.PutUint32LE(index, &p, o.key.Type)
		binaryio.PutUint32LE(index, &p, o.key.Group)
		binaryio.PutUint32LE(index, &p, o.key.Instance)
		if ar.Header.IndexMinorVersion == 2 {
			binaryio.PutUint32LE(index, &p, o.key.Resource)
		}
		binaryio.PutUint32LE(index, &p, o.location)
		binaryio.PutUint32LE(index, &p, uint32(len(o.payload)))
	}
	if _, err := dst.Write(index); err != nil {
		return xerrors.Errorf("writing index: %v", err)
	}
	pos += int64(len(index))

	// Single-entry hole index followed by the signature hole. The hole
	// records the final file size, which marks the archive as already
	// processed for the next run.
	var holeIndexLocation, holeIndexEntryCount, holeIndexSize uint32
	if mode == Recompress {
		holeIndexLocation = uint32(pos)
		holeIndexEntryCount = 1
		holeIndexSize = holeEntrySize
		holeLocation := uint32(pos) + holeEntrySize
		fileSize := uint32(pos) + 2*holeEntrySize

		trailer := make([]byte, 2*holeEntrySize)
		p = 0
		binaryio.PutUint32LE(trailer, &p, holeLocation)
		binaryio.PutUint32LE(trailer, &p, holeEntrySize)
		copy(trailer[p:], signatureWord[:])
		p += 4
		binaryio.PutUint32LE(trailer, &p, fileSize)
		if _, err := dst.Write(trailer); err != nil {
			return xerrors.Errorf("writing signature hole: %v", err)
		}
	}

	// Patch the index and hole fields into the reserved header.
	patch := make([]byte, 24)
	p = 0
	binaryio.PutUint32LE(patch, &p, uint32(len(outs)))
	binaryio.PutUint32LE(patch, &p, indexLocation)
	binaryio.PutUint32LE(patch, &p, uint32(len(index)))
	binaryio.PutUint32LE(patch, &p, holeIndexEntryCount)
	binaryio.PutUint32LE(patch, &p, holeIndexLocation)
	binaryio.PutUint32LE(patch, &p, holeIndexSize)
	if _, err := dst.Seek(headerPatchOffset, io.SeekStart); err != nil {
		return xerrors.Errorf("seeking to header: %v", err)
	}
	if _, err := dst.Write(patch); err != nil {
		return xerrors.Errorf("patching header: %v", err)
	}
	return nil
}

// transformEntry rewrites one payload in place according to mode.
//
// A compressed payload that fails to decompress in Recompress mode keeps its
// original bytes: its framing may be valid even though this codec cannot
// decode the content, and re-encoding would corrupt it. In Decompress mode
// the same condition fails the archive, since the output would otherwise
// still contain compressed entries.
func transformEntry(o *outEntry, mode Mode) error {
	if !o.compressed {
		if mode == Recompress && !o.repeated {
			if comp := qfs.Compress(o.payload); comp != nil && len(comp) < len(o.payload) {
				o.payload = comp
				o.compressed = true
			}
		}
	} else {
		raw, err := qfs.Decompress(o.payload)
		switch {
		case mode == Decompress:
			if err != nil {
				return xerrors.Errorf("resource %08X-%08X-%08X: %w", o.key.Type, o.key.Group, o.key.Instance, err)
			}
			o.payload = raw
			o.compressed = false
		case err != nil || o.repeated:
			// Keep the original compressed bytes.
		default:
			if comp := qfs.Compress(raw); comp != nil && len(comp) < len(o.payload) {
				o.payload = comp
			}
		}
	}
	if o.compressed {
		if _, uncompressed, ok := qfs.DeclaredSizes(o.payload); ok {
			o.uncompressedSize = uncompressed
		}
	}
	return nil
}
