// Package dbpf reads and rewrites DBPF game-asset archives (the ".package"
// container format). An archive is a fixed 96 byte header, resource payloads,
// a resource index keyed by TGIR tuples, and a hole table of ignored regions.
// Compressed resources are enumerated by a directory resource (the CLST)
// which the reader consumes and the writer regenerates from scratch.
package dbpf

import "errors"

const (
	// headerSize is the fixed header length; the index and hole fields
	// live at bytes 36..59, the remainder at 64..95 is carried verbatim.
	headerSize = 96

	// headerPatchOffset is where the writer patches index and hole fields
	// after all payloads are on disk.
	headerPatchOffset = 36

	// clstType is the resource type of the directory of compressed
	// resources.
	clstType = 0xE86B1EEF

	// holeEntrySize is the on-disk size of one hole table record.
	holeEntrySize = 8
)

// magic is the 4 byte prefix of every DBPF archive.
var magic = [4]byte{'D', 'B', 'P', 'F'}

// signatureWord marks a hole as written by this tool; it is followed by the
// file size at the time of writing.
var signatureWord = [4]byte{'B', 'R', 'G', '5'}

// clstKey is the TGIR under which the regenerated directory of compressed
// resources is indexed.
var clstKey = Key{Type: clstType, Group: 0xE86B1EEF, Instance: 0x286B1F03}

// ErrNotPackage is wrapped into reader diagnostics when the header magic or
// versions identify the file as something other than a supported archive.
var ErrNotPackage = errors.New("dbpf: not a supported package file")

// Mode selects how the writer transforms resource payloads.
type Mode int

const (
	// Recompress decompresses each resource and re-encodes it, keeping
	// the smaller form.
	Recompress Mode = iota

	// Decompress strips compression from every resource.
	Decompress
)

func (m Mode) String() string {
	if m == Decompress {
		return "decompress"
	}
	return "recompress"
}

// Key identifies a resource: type, group, instance and, for index minor
// version 2 archives, a fourth resource id (zero otherwise). It is
// comparable and used directly as a map key.
type Key struct {
	Type     uint32
	Group    uint32
	Instance uint32
	Resource uint32
}

// Header mirrors the fixed archive prefix. Versions outside major 1 /
// index major 7 are rejected by the reader.
type Header struct {
	MajorVersion      uint32
	MinorVersion      uint32
	MajorUserVersion  uint32
	MinorUserVersion  uint32
	Flags             uint32
	CreatedDate       uint32
	ModifiedDate      uint32
	IndexMajorVersion uint32

	IndexEntryCount uint32
	IndexLocation   uint32
	IndexSize       uint32

	HoleIndexEntryCount uint32
	HoleIndexLocation   uint32
	HoleIndexSize       uint32

	IndexMinorVersion uint32
}

// indexStride returns the on-disk size of one index entry: minor version 2
// adds the fourth TGIR field.
func (h *Header) indexStride() int {
	if h.IndexMinorVersion == 2 {
		return 24
	}
	return 20
}

// clstStride returns the on-disk size of one CLST record.
func (h *Header) clstStride() int {
	if h.IndexMinorVersion == 2 {
		return 20
	}
	return 16
}

// Entry is one resource in the index. Location and Size address the payload
// within the archive file; UncompressedSize is meaningful only while
// Compressed is set.
type Entry struct {
	Key              Key
	Location         uint32
	Size             uint32
	UncompressedSize uint32

	// Compressed is derived from membership in the CLST.
	Compressed bool

	// Repeated marks entries whose TGIR occurs more than once in the same
	// archive. Their payloads may alias or differ, so they are never
	// re-compressed.
	Repeated bool
}

// Hole is a region the consumer must ignore.
type Hole struct {
	Location uint32
	Size     uint32
}

// Archive is the parsed model of one package file. The reader produces it,
// the writer re-emits it, and the validator compares a fresh parse of the
// output against it.
type Archive struct {
	Header  Header
	Entries []*Entry
	Holes   []Hole

	// CompressedDir maps TGIR to declared uncompressed size, as read from
	// the CLST resource. The CLST itself is never part of Entries.
	CompressedDir map[Key]uint32

	// SignaturePresent is set when a hole carries this tool's signature
	// and the recorded file size matches the file on disk.
	SignaturePresent bool

	// Unpacked is false for the sentinel archive returned on parse
	// rejection.
	Unpacked bool

	// FileSize is the size of the backing file at read time.
	FileSize int64

	// rawHeader preserves the header bytes for verbatim re-emission of
	// the fields this tool does not touch.
	rawHeader [headerSize]byte
}
