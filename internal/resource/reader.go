package resource

import (
	"bytes"
	"io"

	"github.com/gowim/wim/internal/codec"
	"github.com/gowim/wim/internal/wire"
	"golang.org/x/xerrors"
)

// Reader sequentially decodes chunks of a resource on demand into an
// internal buffer, and supports jumping to an arbitrary chunk index for
// random access. Reading all of a Reader's bytes yields exactly
// reshdr.UncompressedSize bytes.
type Reader struct {
	r         io.ReaderAt
	reshdr    wire.Reshdr
	chunkSize uint32
	decomp    codec.Decompressor

	// chunkStart[i] and chunkEnd[i] are byte offsets of chunk i within the
	// resource's chunk-data area (i.e. relative to the first byte after the
	// chunk table).
	chunkStart []uint64
	chunkEnd   []uint64
	dataBase   uint64 // absolute file offset of the first byte after the chunk table

	cur int           // index of the chunk currently buffered
	buf *bytes.Reader // decoded bytes of chunk `cur` not yet consumed
}

// NewReader builds a Reader over the resource described by rh. c is used
// only when rh is compressed; for an uncompressed resource, reads are
// passed straight through.
func NewReader(r io.ReaderAt, rh wire.Reshdr, chunkSize uint32, c codec.Codec) (*Reader, error) {
	rd := &Reader{r: r, reshdr: rh, chunkSize: chunkSize, cur: -1}

	if rh.UncompressedSize == 0 {
		rd.chunkStart, rd.chunkEnd = nil, nil
		rd.dataBase = rh.OffsetInWIM
		return rd, nil
	}

	numChunks := int((rh.UncompressedSize + uint64(chunkSize) - 1) / uint64(chunkSize))

	if !rh.Flags.Has(wire.ResourceCompressed) {
		// Still model it as one "chunk" covering the whole resource so the
		// sequential/seek logic is uniform; no decompressor is needed.
		rd.chunkStart = []uint64{0}
		rd.chunkEnd = []uint64{rh.UncompressedSize}
		rd.dataBase = rh.OffsetInWIM
		return rd, nil
	}

	if c == nil {
		return nil, xerrors.New("resource: compressed reshdr requires a codec")
	}
	decomp, err := c.NewDecompressor()
	if err != nil {
		return nil, xerrors.Errorf("resource: new decompressor: %w", err)
	}
	rd.decomp = decomp

	width := entryWidth(rh.UncompressedSize)
	tableEntries := numChunks - 1
	tableSize := tableEntries * width

	table := make([]byte, tableSize)
	if tableSize > 0 {
		if _, err := io.ReadFull(io.NewSectionReader(r, int64(rh.OffsetInWIM), int64(tableSize)), table); err != nil {
			return nil, xerrors.Errorf("resource: read chunk table: %w", err)
		}
	}

	ends := make([]uint64, numChunks)
	for i := 0; i < tableEntries; i++ {
		if width == 8 {
			ends[i] = wire.Uint64(table[i*8:])
		} else {
			ends[i] = uint64(wire.Uint32(table[i*4:]))
		}
	}
	ends[numChunks-1] = rh.SizeInWIM - uint64(tableSize)
	if numChunks >= 2 && ends[numChunks-1] < ends[numChunks-2] {
		return nil, xerrors.Errorf("resource: chunk table inconsistent: last end %d precedes previous %d", ends[numChunks-1], ends[numChunks-2])
	}

	starts := make([]uint64, numChunks)
	for i := 1; i < numChunks; i++ {
		starts[i] = ends[i-1]
	}
	rd.chunkStart = starts
	rd.chunkEnd = ends
	rd.dataBase = rh.OffsetInWIM + uint64(tableSize)

	return rd, nil
}

// NumChunks returns the number of chunks in the resource.
func (r *Reader) NumChunks() int { return len(r.chunkStart) }

// uncompressedLen returns the uncompressed length of chunk i.
func (r *Reader) uncompressedLen(i int) int {
	remaining := r.reshdr.UncompressedSize - uint64(i)*uint64(r.chunkSize)
	if remaining > uint64(r.chunkSize) {
		return int(r.chunkSize)
	}
	return int(remaining)
}

func (r *Reader) loadChunk(i int) error {
	if i < 0 || i >= len(r.chunkStart) {
		return xerrors.Errorf("resource: chunk index %d out of range [0,%d)", i, len(r.chunkStart))
	}
	off := r.dataBase + r.chunkStart[i]
	size := r.chunkEnd[i] - r.chunkStart[i]
	cdata := make([]byte, size)
	if _, err := io.ReadFull(io.NewSectionReader(r.r, int64(off), int64(size)), cdata); err != nil {
		return xerrors.Errorf("resource: read chunk %d: %w", i, err)
	}
	if !r.reshdr.Flags.Has(wire.ResourceCompressed) {
		r.buf = bytes.NewReader(cdata)
		r.cur = i
		return nil
	}
	uSize := r.uncompressedLen(i)
	if int(size) == uSize {
		// Stored raw (incompressible chunk, or uncompressed fallback that
		// still carries per-chunk framing): no decompression needed.
		r.buf = bytes.NewReader(cdata)
		r.cur = i
		return nil
	}
	udata := make([]byte, uSize)
	if err := r.decomp.Decompress(udata, cdata); err != nil {
		return xerrors.Errorf("resource: decompress chunk %d: %w", i, err)
	}
	r.buf = bytes.NewReader(udata)
	r.cur = i
	return nil
}

// SeekChunk positions the reader at the start of chunk index i; the next
// Read returns bytes from that chunk onward.
func (r *Reader) SeekChunk(i int) error {
	return r.loadChunk(i)
}

// Read implements io.Reader, decompressing chunks on demand as the buffered
// data from the current chunk is exhausted.
func (r *Reader) Read(p []byte) (int, error) {
	if r.reshdr.UncompressedSize == 0 {
		return 0, io.EOF
	}
	if r.cur == -1 {
		if err := r.loadChunk(0); err != nil {
			return 0, err
		}
	}
	for {
		n, err := r.buf.Read(p)
		if n > 0 || err == nil {
			return n, nil
		}
		// err == io.EOF on this chunk's buffer: advance.
		if r.cur+1 >= len(r.chunkStart) {
			return 0, io.EOF
		}
		if err := r.loadChunk(r.cur + 1); err != nil {
			return 0, err
		}
	}
}
