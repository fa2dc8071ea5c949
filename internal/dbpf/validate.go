package dbpf

import (
	"bytes"
	"io"

	"golang.org/x/xerrors"

	"github.com/brg5/dbpfpack/internal/qfs"
)

// Validate re-parses the just-written archive and compares it against the
// pre-write model. It is the primary integrity gate: any disagreement fails
// the whole archive and the caller discards the output.
func Validate(out io.ReaderAt, outSize int64, src io.ReaderAt, orig *Archive, mode Mode) error {
	na, err := Read(out, outSize, mode)
	if err != nil {
		return xerrors.Errorf("re-parsing output: %v", err)
	}
	if !na.Unpacked {
		return xerrors.New("output did not parse as a package")
	}

	// The index and hole fields (bytes 36..59) are expected to differ;
	// everything else must survive verbatim.
	if !bytes.Equal(na.rawHeader[:headerPatchOffset], orig.rawHeader[:headerPatchOffset]) ||
		!bytes.Equal(na.rawHeader[60:], orig.rawHeader[60:]) {
		return xerrors.New("header fields changed")
	}

	if mode == Recompress {
		if len(na.Holes) != 1 || na.Holes[0].Size != holeEntrySize {
			return xerrors.Errorf("want exactly one signature hole, got %d holes", len(na.Holes))
		}
		if !na.SignaturePresent {
			return xerrors.New("signature hole missing or stale")
		}
	}

	if len(na.Entries) != len(orig.Entries) {
		return xerrors.Errorf("entry count changed: got %d, want %d", len(na.Entries), len(orig.Entries))
	}
	for i, e := range na.Entries {
		o := orig.Entries[i]
		if e.Key != o.Key {
			return xerrors.Errorf("entry %d: key changed: got %v, want %v", i, e.Key, o.Key)
		}

		payload := make([]byte, e.Size)
		if e.Size > 0 {
			if _, err := out.ReadAt(payload, int64(e.Location)); err != nil {
				return xerrors.Errorf("entry %d: reading payload: %v", i, err)
			}
		}
		compSize, uncompSize, framed := qfs.DeclaredSizes(payload)
		if framed != e.Compressed {
			return xerrors.Errorf("entry %d: framing header disagrees with compressed resource directory", i)
		}
		if framed {
			if uncompSize != e.UncompressedSize {
				return xerrors.Errorf("entry %d: uncompressed size %d in framing header, %d in directory", i, uncompSize, e.UncompressedSize)
			}
			if compSize != e.Size {
				return xerrors.Errorf("entry %d: compressed size %d in framing header, %d in index", i, compSize, e.Size)
			}
			if compSize >= uncompSize {
				return xerrors.Errorf("entry %d: compressed size %d not smaller than uncompressed size %d", i, compSize, uncompSize)
			}
		}

		origPayload := make([]byte, o.Size)
		if o.Size > 0 {
			if _, err := src.ReadAt(origPayload, int64(o.Location)); err != nil {
				return xerrors.Errorf("entry %d: reading original payload: %v", i, err)
			}
		}
		if !bytes.Equal(expand(payload, e.Compressed), expand(origPayload, o.Compressed)) {
			return xerrors.Errorf("entry %d: payload content changed", i)
		}
	}
	return nil
}

// expand returns the logical content of a payload. A compressed payload this
// codec cannot decode is compared in its stored form; the writer carries such
// payloads over verbatim.
func expand(payload []byte, compressed bool) []byte {
	if compressed {
		if raw, err := qfs.Decompress(payload); err == nil {
			return raw
		}
	}
	return payload
}
