// Package resource implements reading and writing a WIM "resource": a
// sequence of compressed or uncompressed chunks at a file offset, with
// streaming chunk decoding for sequential consumers and random access by
// chunk index for seeking. It also implements packed resources, where a
// single reshdr holds a contiguous run of several streams compressed
// together.
package resource

import (
	"io"

	"github.com/gowim/wim/internal/pipeline"
	"github.com/gowim/wim/internal/wire"
	"golang.org/x/xerrors"
)

// fourGiB is the uncompressed-size threshold above which chunk table
// entries widen from 32 to 64 bits.
const fourGiB = 1 << 32

// entryWidth returns the byte width of chunk table entries for a resource
// of the given uncompressed size.
func entryWidth(uncompressedSize uint64) int {
	if uncompressedSize >= fourGiB {
		return 8
	}
	return 4
}

// truncater is implemented by writers (e.g. *os.File) that can shrink
// themselves back down after an uncompressed-fallback rewrite. Writers that
// don't implement it simply keep whatever trailing bytes remain from the
// abandoned compressed attempt; Reader never reads past
// size_in_wim, so this is harmless.
type truncater interface {
	Truncate(size int64) error
}

// ErrAborted is returned by Write when abort reports true between chunks.
var ErrAborted = xerrors.New("resource: write aborted")

// Write writes data as a resource to w at the current seek position, using
// pipe to compress each chunkSize-sized chunk, and returns the resulting
// reshdr. If compressing does not save any space (size_in_wim would be >=
// len(data)), the resource is rewritten uncompressed in place and the
// COMPRESSED flag is left unset.
//
// abort, if non-nil, is polled before every chunk is submitted; once it
// reports true, Write stops submitting further chunks and returns
// ErrAborted without rewinding or rewriting anything it has already
// written, leaving the caller to discard the whole in-progress write.
func Write(w io.WriteSeeker, data []byte, chunkSize uint32, pipe pipeline.Pipeline, abort func() bool) (wire.Reshdr, error) {
	start, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return wire.Reshdr{}, xerrors.Errorf("resource: write: %w", err)
	}

	l := uint64(len(data))
	if l == 0 {
		return wire.Reshdr{OffsetInWIM: uint64(start)}, nil
	}

	numChunks := int((l + uint64(chunkSize) - 1) / uint64(chunkSize))
	width := entryWidth(l)
	tableEntries := numChunks - 1
	tableSize := tableEntries * width

	if tableSize > 0 {
		if _, err := w.Write(make([]byte, tableSize)); err != nil {
			return wire.Reshdr{}, xerrors.Errorf("resource: reserve chunk table: %w", err)
		}
	}

	offsets := make([]uint64, 0, tableEntries)
	var cum uint64
	for i, off := 0, 0; off < len(data); i, off = i+1, off+int(chunkSize) {
		if abort != nil && abort() {
			return wire.Reshdr{}, ErrAborted
		}
		end := off + int(chunkSize)
		if end > len(data) {
			end = len(data)
		}
		if err := pipe.Submit(data[off:end]); err != nil {
			return wire.Reshdr{}, xerrors.Errorf("resource: submit chunk: %w", err)
		}
		r, ok, err := pipe.Next()
		if err != nil {
			return wire.Reshdr{}, xerrors.Errorf("resource: pipeline next: %w", err)
		}
		if !ok {
			return wire.Reshdr{}, xerrors.Errorf("resource: pipeline drained before %d chunks", numChunks)
		}
		if _, err := w.Write(r.Data); err != nil {
			return wire.Reshdr{}, xerrors.Errorf("resource: write chunk: %w", err)
		}
		cum += uint64(len(r.Data))
		if i < tableEntries {
			offsets = append(offsets, cum)
		}
	}

	end, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return wire.Reshdr{}, xerrors.Errorf("resource: write: %w", err)
	}
	sizeInWIM := uint64(end - start)

	if tableSize > 0 {
		buf := make([]byte, tableSize)
		for i, o := range offsets {
			if width == 8 {
				wire.PutUint64(buf[i*8:], o)
			} else {
				wire.PutUint32(buf[i*4:], uint32(o))
			}
		}
		if _, err := w.Seek(start, io.SeekStart); err != nil {
			return wire.Reshdr{}, xerrors.Errorf("resource: rewind to chunk table: %w", err)
		}
		if _, err := w.Write(buf); err != nil {
			return wire.Reshdr{}, xerrors.Errorf("resource: write chunk table: %w", err)
		}
		if _, err := w.Seek(end, io.SeekStart); err != nil {
			return wire.Reshdr{}, xerrors.Errorf("resource: seek past resource: %w", err)
		}
	}

	if sizeInWIM >= l {
		// Compression (including the table overhead) did not pay for
		// itself: rewrite the whole resource as a raw, unchunked copy.
		if t, ok := w.(truncater); ok {
			if err := t.Truncate(start); err != nil {
				return wire.Reshdr{}, xerrors.Errorf("resource: truncate before raw rewrite: %w", err)
			}
		}
		if _, err := w.Seek(start, io.SeekStart); err != nil {
			return wire.Reshdr{}, xerrors.Errorf("resource: seek for raw rewrite: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return wire.Reshdr{}, xerrors.Errorf("resource: raw rewrite: %w", err)
		}
		return wire.Reshdr{
			OffsetInWIM:      uint64(start),
			SizeInWIM:        l,
			UncompressedSize: l,
		}, nil
	}

	return wire.Reshdr{
		OffsetInWIM:      uint64(start),
		SizeInWIM:        sizeInWIM,
		UncompressedSize: l,
		Flags:            wire.ResourceCompressed,
	}, nil
}
