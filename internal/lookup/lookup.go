// Package lookup implements the stream store: an in-memory mapping from a
// 20-byte SHA-1 digest to a lookup-table entry (LTE), with dedup,
// insertion, lookup, refcount adjustment and on-disk serialization of the
// lookup table resource.
package lookup

import (
	"io"
	"sort"
	"sync"

	"github.com/gowim/wim/internal/wire"
	"golang.org/x/xerrors"
)

// Location is the tagged variant of where an LTE's bytes currently live.
type Location int

const (
	// LocationInWIM means the stream's bytes are a resource inside the
	// owning WIM file, described by the LTE's Reshdr.
	LocationInWIM Location = iota
	// LocationExternalWIM means the stream lives in another, already-open
	// WIM, referenced via ExternalRef. The referenced WIM's lifetime must
	// exceed this LTE's.
	LocationExternalWIM
	// LocationAttachedBuffer means the stream's bytes are held entirely in
	// memory (e.g. a freshly captured stream that no commit has written
	// yet).
	LocationAttachedBuffer
	// LocationStagingFile means the stream's bytes are staged in a
	// temporary file on disk, not yet part of any WIM.
	LocationStagingFile
)

// ExternalRef back-references a stream living in another WIM. WIM is kept
// as an opaque value (rather than typed as *wim.WIM) to avoid an import
// cycle between this package and the top-level package; callers that
// resolve an external stream type-assert it back.
type ExternalRef struct {
	WIM  interface{}
	Hash wire.Hash
}

// LTE is a lookup-table entry: the identity and bookkeeping of one
// content-addressed stream.
type LTE struct {
	Hash       wire.Hash
	Reshdr     wire.Reshdr
	Refcount   uint32
	PartNumber uint16

	// Unhashed is true while bytes are still being fed in and the final
	// hash is not yet known. Unhashed LTEs are not part of the hash index.
	Unhashed bool

	Location Location

	// Buffer backs LocationAttachedBuffer.
	Buffer []byte
	// StagingPath backs LocationStagingFile.
	StagingPath string
	// External backs LocationExternalWIM.
	External *ExternalRef

	// PackedIndex is this stream's index into the owning packed resource's
	// PackedHeader.Entries, valid only when Reshdr.Flags has ResourcePacked.
	// The byte range itself lives in the packed resource's own on-disk
	// sub-header (internal/resource.PackedHeader), not here; this is just
	// which entry belongs to this LTE.
	PackedIndex int
}

// entrySize is the fixed on-disk size of one lookup-table entry:
// reshdr(24) + part_number(2) + refcount(4) + hash(20).
const entrySize = 24 + 2 + 4 + 20

// Store is the in-memory stream store.
type Store struct {
	mu        sync.Mutex
	byHash    map[wire.Hash]*LTE
	unhashed  []*LTE
	refcntsOK bool
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{byHash: make(map[wire.Hash]*LTE)}
}

// InsertOrCoalesce inserts lte, or, if an LTE with the same hash already
// exists, increments its refcount and discards lte, returning the surviving
// entry either way. Unhashed LTEs are always inserted (they're not keyed by
// hash yet) and tracked separately until FinishHashing is called.
func (s *Store) InsertOrCoalesce(lte *LTE) *LTE {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lte.Unhashed {
		s.unhashed = append(s.unhashed, lte)
		return lte
	}
	if existing, ok := s.byHash[lte.Hash]; ok {
		existing.Refcount++
		return existing
	}
	if lte.Refcount == 0 {
		lte.Refcount = 1
	}
	s.byHash[lte.Hash] = lte
	return lte
}

// Lookup returns the LTE for hash, if any.
func (s *Store) Lookup(hash wire.Hash) (*LTE, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lte, ok := s.byHash[hash]
	return lte, ok
}

// Decrement drops lte's refcount by one. When it reaches zero, lte is
// marked free; actual reclamation (dropping it from the serialized table)
// happens at the next write only once RecalculateRefcounts has run (see
// liveEntries). Until then a zero-refcount entry is still serialized.
func (s *Store) Decrement(lte *LTE) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lte.Refcount > 0 {
		lte.Refcount--
	}
	if lte.Refcount == 0 {
		lte.Reshdr.Flags |= wire.ResourceFree
	}
}

// FinishHashing moves lte from the unhashed set into the hash index now
// that its final hash is known, coalescing with an existing entry for the
// same hash if one exists.
func (s *Store) FinishHashing(lte *LTE, hash wire.Hash) *LTE {
	s.mu.Lock()
	for i, u := range s.unhashed {
		if u == lte {
			s.unhashed = append(s.unhashed[:i], s.unhashed[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	lte.Unhashed = false
	lte.Hash = hash
	return s.InsertOrCoalesce(lte)
}

// RecalculateRefcounts zeroes every LTE's refcount, then increments it once
// per hash in refs (the concatenation of every stream hash referenced by
// every image's directory tree, including duplicates). Required because
// some producers write WIMs with incorrect counts.
func (s *Store) RecalculateRefcounts(refs []wire.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, lte := range s.byHash {
		lte.Refcount = 0
	}
	for _, h := range refs {
		if lte, ok := s.byHash[h]; ok {
			lte.Refcount++
		}
	}
	s.refcntsOK = true
}

// RefcountsOK reports whether RecalculateRefcounts has run since the store
// was populated from an on-disk WIM whose counts could not be trusted.
func (s *Store) RefcountsOK() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refcntsOK
}

// Len returns the number of hashed entries currently tracked, including
// zero-refcount entries not yet garbage collected.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byHash)
}

// liveEntries returns every LTE that should survive the next write: all of
// them if refcounts haven't been confirmed yet (so nothing is dropped on a
// hunch), or only those with a nonzero refcount once RecalculateRefcounts
// has run.
func (s *Store) liveEntries() []*LTE {
	out := make([]*LTE, 0, len(s.byHash))
	for _, lte := range s.byHash {
		if s.refcntsOK && lte.Refcount == 0 {
			continue
		}
		out = append(out, lte)
	}
	return out
}

// Entries returns every live LTE, sorted offset-ascending. The WIM format
// does not mandate a sort order for the lookup table; this package always
// produces offset-ascending order so that two writes of an unchanged
// resource area serialize the table identically, which keeps integrity-
// table hashes stable across rebuilds (see the "Open questions" design
// note). Implementations prioritizing legacy interop may sort by hash
// instead — this one does not.
func (s *Store) Entries() []*LTE {
	s.mu.Lock()
	entries := s.liveEntries()
	s.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Reshdr.OffsetInWIM < entries[j].Reshdr.OffsetInWIM
	})
	return entries
}

// Serialize writes the lookup table resource: a sequence of fixed 50-byte
// entries in offset-ascending order.
func (s *Store) Serialize(w io.Writer) error {
	for _, lte := range s.Entries() {
		var b [entrySize]byte
		rb, err := lte.Reshdr.Marshal()
		if err != nil {
			return xerrors.Errorf("lookup: serialize: %w", err)
		}
		copy(b[0:24], rb[:])
		wire.PutUint32(b[26:30], lte.Refcount)
		// part_number sits at offset 24 (2 bytes), refcount at 26 (4 bytes).
		b[24] = byte(lte.PartNumber)
		b[25] = byte(lte.PartNumber >> 8)
		copy(b[30:50], lte.Hash[:])
		if _, err := w.Write(b[:]); err != nil {
			return xerrors.Errorf("lookup: serialize: %w", err)
		}
	}
	return nil
}

// Deserialize reads a lookup table resource written by Serialize (or any
// producer using the same 50-byte record layout) into a fresh Store.
func Deserialize(r io.Reader) (*Store, error) {
	s := NewStore()
	buf := make([]byte, entrySize)
	for {
		_, err := io.ReadFull(r, buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, xerrors.Errorf("lookup: deserialize: %w", err)
		}
		rh, err := wire.UnmarshalReshdr(buf[0:24])
		if err != nil {
			return nil, xerrors.Errorf("lookup: deserialize entry: %w", err)
		}
		lte := &LTE{
			Reshdr:     rh,
			PartNumber: uint16(buf[24]) | uint16(buf[25])<<8,
			Refcount:   wire.Uint32(buf[26:30]),
		}
		copy(lte.Hash[:], buf[30:50])
		s.byHash[lte.Hash] = lte
	}
	return s, nil
}
