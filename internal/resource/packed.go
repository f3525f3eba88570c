package resource

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"

	"github.com/gowim/wim/internal/wire"
)

// PackedEntry describes one stream's placement within the uncompressed
// concatenation backing a packed resource.
type PackedEntry struct {
	Offset uint64
	Size   uint64
}

// PackedHeader is the packed-resource sub-header: a run of streams
// concatenated and chunk-compressed together for a better ratio than
// storing each small stream as its own resource. It is itself stored
// uncompressed as the first bytes of the packed resource's uncompressed
// byte stream, so a reader can locate entries before any chunk
// decompression is needed beyond chunk 0.
type PackedHeader struct {
	Entries []PackedEntry
}

// Marshal encodes h as a count-prefixed array of (offset,size) uint64 pairs.
func (h PackedHeader) Marshal() []byte {
	b := make([]byte, 4+16*len(h.Entries))
	binary.LittleEndian.PutUint32(b, uint32(len(h.Entries)))
	for i, e := range h.Entries {
		off := 4 + i*16
		binary.LittleEndian.PutUint64(b[off:], e.Offset)
		binary.LittleEndian.PutUint64(b[off+8:], e.Size)
	}
	return b
}

// UnmarshalPackedHeader decodes a PackedHeader from its on-disk form.
func UnmarshalPackedHeader(b []byte) (PackedHeader, int, error) {
	if len(b) < 4 {
		return PackedHeader{}, 0, xerrors.New("resource: packed header: short buffer")
	}
	count := binary.LittleEndian.Uint32(b)
	need := 4 + int(count)*16
	if len(b) < need {
		return PackedHeader{}, 0, xerrors.New("resource: packed header: truncated entries")
	}
	h := PackedHeader{Entries: make([]PackedEntry, count)}
	for i := range h.Entries {
		off := 4 + i*16
		h.Entries[i] = PackedEntry{
			Offset: binary.LittleEndian.Uint64(b[off:]),
			Size:   binary.LittleEndian.Uint64(b[off+8:]),
		}
	}
	return h, need, nil
}

// ReadRange reads exactly size bytes starting at uncompressed byte offset
// offset within the resource, crossing chunk boundaries as needed.
func (r *Reader) ReadRange(offset, size uint64) ([]byte, error) {
	if offset+size > r.reshdr.UncompressedSize {
		return nil, xerrors.Errorf("resource: range [%d,%d) exceeds uncompressed size %d", offset, offset+size, r.reshdr.UncompressedSize)
	}
	// An uncompressed resource is modeled as a single chunk (see NewReader).
	chunkIdx := 0
	if r.reshdr.Flags.Has(wire.ResourceCompressed) {
		chunkIdx = int(offset / uint64(r.chunkSize))
	}
	if err := r.SeekChunk(chunkIdx); err != nil {
		return nil, xerrors.Errorf("resource: read range: %w", err)
	}
	prefix := offset - uint64(chunkIdx)*uint64(r.chunkSize)
	if prefix > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(prefix)); err != nil {
			return nil, xerrors.Errorf("resource: read range: skip prefix: %w", err)
		}
	}
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, xerrors.Errorf("resource: read range: %w", err)
	}
	return out, nil
}
