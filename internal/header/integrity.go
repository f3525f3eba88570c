package header

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"

	"github.com/gowim/wim/internal/wire"
)

// DefaultIntegrityChunkSize is the conventional chunk size integrity table
// entries cover, independent of the WIM's own stream chunk size.
const DefaultIntegrityChunkSize = 10 * 1024 * 1024

// integrityRecordSize is the fixed header in front of the integrity
// table's hash entries: entry_size(4) + entry_count(4) + chunk_size(4).
const integrityRecordSize = 12

// Table is the integrity table resource: a run of SHA-1 digests, one per
// chunk_size-sized slice of the resource area [header_end, lookup_table_end).
type Table struct {
	ChunkSize uint32
	Entries   []wire.Hash
}

// Compute hashes the byte range [start,end) of r in ChunkSize-sized slices.
func Compute(r io.ReaderAt, start, end int64, chunkSize uint32) (Table, error) {
	if chunkSize == 0 {
		chunkSize = DefaultIntegrityChunkSize
	}
	t := Table{ChunkSize: chunkSize}
	for off := start; off < end; off += int64(chunkSize) {
		n := int64(chunkSize)
		if off+n > end {
			n = end - off
		}
		h := wire.NewHasher()
		if _, err := io.Copy(h, io.NewSectionReader(r, off, n)); err != nil {
			return Table{}, xerrors.Errorf("header: integrity: hash chunk at %d: %w", off, err)
		}
		t.Entries = append(t.Entries, h.Sum())
	}
	return t, nil
}

// Marshal encodes t as (entry_size=20, entry_count, chunk_size) followed by
// entry_count 20-byte SHA-1 digests.
func (t Table) Marshal() []byte {
	b := make([]byte, integrityRecordSize+wire.DigestSize*len(t.Entries))
	binary.LittleEndian.PutUint32(b[0:4], wire.DigestSize)
	binary.LittleEndian.PutUint32(b[4:8], uint32(len(t.Entries)))
	binary.LittleEndian.PutUint32(b[8:12], t.ChunkSize)
	for i, e := range t.Entries {
		off := integrityRecordSize + i*wire.DigestSize
		copy(b[off:off+wire.DigestSize], e[:])
	}
	return b
}

// UnmarshalTable decodes a Table previously written by Marshal.
func UnmarshalTable(b []byte) (Table, error) {
	if len(b) < integrityRecordSize {
		return Table{}, xerrors.Errorf("header: integrity: short buffer (%d bytes)", len(b))
	}
	entrySize := binary.LittleEndian.Uint32(b[0:4])
	if entrySize != wire.DigestSize {
		return Table{}, xerrors.Errorf("header: integrity: unexpected entry size %d, want %d", entrySize, wire.DigestSize)
	}
	count := binary.LittleEndian.Uint32(b[4:8])
	t := Table{ChunkSize: binary.LittleEndian.Uint32(b[8:12])}
	need := integrityRecordSize + int(count)*wire.DigestSize
	if len(b) < need {
		return Table{}, xerrors.Errorf("header: integrity: truncated table (%d bytes, want %d)", len(b), need)
	}
	t.Entries = make([]wire.Hash, count)
	for i := range t.Entries {
		off := integrityRecordSize + i*wire.DigestSize
		copy(t.Entries[i][:], b[off:off+wire.DigestSize])
	}
	return t, nil
}

// CheckResult is the outcome of verifying a resource area against its
// integrity table.
type CheckResult int

const (
	IntegrityOK CheckResult = iota
	IntegrityNotOK
	IntegrityNonexistent
)

func (c CheckResult) String() string {
	switch c {
	case IntegrityOK:
		return "OK"
	case IntegrityNotOK:
		return "NOT_OK"
	case IntegrityNonexistent:
		return "NONEXISTENT"
	default:
		return "unknown"
	}
}

// Verify recomputes the hash of each chunk in [start,end) of r and compares
// it against t, returning IntegrityNotOK and the first mismatching chunk
// index on the first divergence. A WIM with no integrity table at all is
// represented by the caller passing a zero-value Table and Verify returning
// IntegrityNonexistent without touching r.
func Verify(t Table, r io.ReaderAt, start, end int64) (CheckResult, int, error) {
	if len(t.Entries) == 0 {
		return IntegrityNonexistent, -1, nil
	}
	got, err := Compute(r, start, end, t.ChunkSize)
	if err != nil {
		return IntegrityNotOK, -1, xerrors.Errorf("header: integrity: verify: %w", err)
	}
	if len(got.Entries) != len(t.Entries) {
		return IntegrityNotOK, -1, nil
	}
	for i := range t.Entries {
		if got.Entries[i] != t.Entries[i] {
			return IntegrityNotOK, i, nil
		}
	}
	return IntegrityOK, -1, nil
}
