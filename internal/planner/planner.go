// Package planner implements the write planner / overwrite engine: the
// pipeline that assembles a WIM file from a lookup table, a set of dirty
// image metadata streams and new stream data, either appended in place
// after the existing resource area or fully rebuilt into a fresh file and
// renamed atomically into place.
package planner

import (
	"bytes"
	"io"

	"golang.org/x/xerrors"

	"github.com/google/renameio"

	"github.com/gowim/wim/internal/codec"
	"github.com/gowim/wim/internal/header"
	"github.com/gowim/wim/internal/lookup"
	"github.com/gowim/wim/internal/metadata"
	"github.com/gowim/wim/internal/pipeline"
	"github.com/gowim/wim/internal/resource"
	"github.com/gowim/wim/internal/wire"
)

// Config holds the options a write operation is parameterized by; see the
// write-planner flags and the codec/chunk-size/thread-count inputs.
type Config struct {
	Flags      Flag
	CodecID    codec.ID
	ChunkSize  uint32
	NumWorkers int // 0 or 1 selects the serial pipeline

	// PartNumber and TotalParts, when TotalParts is nonzero, are stamped
	// into the header at commit (OverwriteInPlace and Rebuild alike),
	// overriding whatever part numbering it carried before. Leaving
	// TotalParts at zero keeps the header's existing numbering untouched.
	PartNumber uint16
	TotalParts uint16

	// Abort, if non-nil, is polled between streams and between chunks
	// during both OverwriteInPlace and Rebuild. Once it reports true, the
	// in-progress write stops submitting further work and returns
	// resource.ErrAborted without committing a new header; OverwriteInPlace
	// leaves the file at its pre-call length plus whatever it already
	// appended (complete streams, and the partial bytes of a stream stopped
	// between chunks), and Rebuild discards its temporary file entirely.
	Abort func() bool
}

// PendingStream is a stream not yet written to the target file: either a
// brand new capture or a stream being recompressed.
type PendingStream struct {
	LTE  *lookup.LTE
	Data []byte
}

// MetadataWrite pairs a dirty image handle with its freshly collaborator-
// serialized directory tree bytes.
type MetadataWrite struct {
	Image *metadata.Image
	Data  []byte
}

// Planner drives one write operation against a lookup table and header.
type Planner struct {
	Config   Config
	Registry *codec.Registry
	Lookup   *lookup.Store
	Header   header.Header
}

// New returns a Planner. reg must have the codec identified by cfg.CodecID
// registered.
func New(cfg Config, reg *codec.Registry, lut *lookup.Store, hdr header.Header) *Planner {
	return &Planner{Config: cfg, Registry: reg, Lookup: lut, Header: hdr}
}

func (p *Planner) newPipeline() (pipeline.Pipeline, error) {
	c, err := p.Registry.Lookup(p.Config.CodecID)
	if err != nil {
		return nil, xerrors.Errorf("planner: %w", err)
	}
	if p.Config.NumWorkers > 1 {
		return pipeline.NewParallel(c, int(p.Config.ChunkSize), 0, p.Config.NumWorkers)
	}
	return pipeline.NewSerial(c, int(p.Config.ChunkSize), 0)
}

// writeStreams writes every pending stream (packing small ones together
// per the pack decision when PackStreams is set) starting at the file's
// current position, updating each LTE's reshdr in place.
func (p *Planner) writeStreams(f File, streams []PendingStream) error {
	if len(streams) == 0 {
		return nil
	}

	var packedGroups [][]PendingStream
	var standalone []PendingStream
	if p.Config.Flags.Has(PackStreams) {
		packedGroups, standalone = planPacking(streams)
	} else {
		standalone = streams
	}

	pipe, err := p.newPipeline()
	if err != nil {
		return err
	}
	defer pipe.Close()

	for _, ps := range standalone {
		if p.aborted() {
			return resource.ErrAborted
		}
		rh, err := resource.Write(f, ps.Data, p.Config.ChunkSize, pipe, p.Config.Abort)
		if err != nil {
			return xerrors.Errorf("planner: write stream: %w", err)
		}
		ps.LTE.Reshdr = rh
		ps.LTE.Location = lookup.LocationInWIM
		ps.LTE.PartNumber = p.partNumber()
	}

	for _, group := range packedGroups {
		if p.aborted() {
			return resource.ErrAborted
		}
		if err := p.writePackedGroup(f, group, pipe); err != nil {
			return err
		}
	}
	return nil
}

// aborted reports whether the caller's Abort hook, if any, currently
// requests cancellation.
func (p *Planner) aborted() bool {
	return p.Config.Abort != nil && p.Config.Abort()
}

// partNumber is the part number streams written by this commit should carry
// on their LTE: the override this commit is about to stamp into the header,
// or the header's existing part number otherwise.
func (p *Planner) partNumber() uint16 {
	if p.Config.TotalParts != 0 {
		return p.Config.PartNumber
	}
	return p.Header.PartNumber
}

func (p *Planner) writePackedGroup(f File, group []PendingStream, pipe pipeline.Pipeline) error {
	hdr := resource.PackedHeader{Entries: make([]resource.PackedEntry, len(group))}
	var off uint64
	for i, ps := range group {
		hdr.Entries[i] = resource.PackedEntry{Offset: off, Size: uint64(len(ps.Data))}
		off += uint64(len(ps.Data))
	}
	headerBytes := hdr.Marshal()
	payload := make([]byte, 0, len(headerBytes)+int(off))
	payload = append(payload, headerBytes...)
	for _, ps := range group {
		payload = append(payload, ps.Data...)
	}

	rh, err := resource.Write(f, payload, p.Config.ChunkSize, pipe, p.Config.Abort)
	if err != nil {
		return xerrors.Errorf("planner: write packed resource: %w", err)
	}
	rh.Flags |= wire.ResourcePacked
	for i, ps := range group {
		ps.LTE.Reshdr = rh
		ps.LTE.Location = lookup.LocationInWIM
		ps.LTE.PackedIndex = i
		ps.LTE.PartNumber = p.partNumber()
	}
	return nil
}

// writeMetadata writes each dirty image's serialized tree as an ordinary
// metadata-flagged stream and clears its dirty bit.
func (p *Planner) writeMetadata(f File, writes []MetadataWrite, pipe pipeline.Pipeline) error {
	for _, mw := range writes {
		if p.aborted() {
			return resource.ErrAborted
		}
		rh, err := resource.Write(f, mw.Data, p.Config.ChunkSize, pipe, p.Config.Abort)
		if err != nil {
			return xerrors.Errorf("planner: write metadata: %w", err)
		}
		rh.Flags |= wire.ResourceMetadata
		mw.Image.LTE.Reshdr = rh
		mw.Image.LTE.Location = lookup.LocationInWIM
		mw.Image.LTE.PartNumber = p.partNumber()
		mw.Image.Dirty = false
	}
	return nil
}

// writeControlResource writes a control resource (lookup table, XML blob,
// integrity table) uncompressed and unchunked: these are written once per
// commit over already-in-memory bytes, and leaving them uncompressed means
// recomputing hashes over an unchanged resource area always reproduces the
// same bytes, with no compressor nondeterminism to account for.
func writeControlResource(f File, data []byte) (wire.Reshdr, error) {
	start, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return wire.Reshdr{}, xerrors.Errorf("planner: control resource: %w", err)
	}
	if len(data) > 0 {
		if _, err := f.Write(data); err != nil {
			return wire.Reshdr{}, xerrors.Errorf("planner: control resource: %w", err)
		}
	}
	return wire.Reshdr{
		OffsetInWIM:      uint64(start),
		SizeInWIM:        uint64(len(data)),
		UncompressedSize: uint64(len(data)),
	}, nil
}

// commit serializes and writes the lookup table, XML blob and (optionally)
// integrity table, then commits the header last so a crash before this
// point leaves the previous header valid.
func (p *Planner) commit(f File, xml []byte, headerEnd int64) error {
	var lutBuf bytes.Buffer
	if err := p.Lookup.Serialize(&lutBuf); err != nil {
		return xerrors.Errorf("planner: serialize lookup table: %w", err)
	}
	lutReshdr, err := writeControlResource(f, lutBuf.Bytes())
	if err != nil {
		return err
	}
	lookupTableEnd, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return xerrors.Errorf("planner: commit: %w", err)
	}

	xmlReshdr, err := writeControlResource(f, xml)
	if err != nil {
		return err
	}

	var integrityReshdr wire.Reshdr
	if p.Config.Flags.Has(CheckIntegrity) {
		table, err := header.Compute(f, headerEnd, lookupTableEnd, header.DefaultIntegrityChunkSize)
		if err != nil {
			return xerrors.Errorf("planner: compute integrity: %w", err)
		}
		integrityReshdr, err = writeControlResource(f, table.Marshal())
		if err != nil {
			return err
		}
	}

	p.Header.LookupTable = lutReshdr
	p.Header.XML = xmlReshdr
	p.Header.Integrity = integrityReshdr
	if p.Config.TotalParts != 0 {
		p.Header.PartNumber = p.Config.PartNumber
		p.Header.TotalParts = p.Config.TotalParts
	}

	if err := header.WriteAt(f, p.Header); err != nil {
		return xerrors.Errorf("planner: commit header: %w", err)
	}
	if p.Config.Flags.Has(Fsync) {
		if err := f.Sync(); err != nil {
			return xerrors.Errorf("planner: fsync: %w", err)
		}
	}
	return nil
}

// RequiresRebuild reports whether append-in-place is unsafe for this WIM and
// a caller must fall back to a full Rebuild instead: the file is laid out
// pipable (its trailing lookup table can't simply be extended the way an
// image-layout file's can), the header is marked readonly and the caller
// hasn't set IgnoreReadonly, or compactionNeeded is true because an image
// was deleted since the last commit and the resource area now holds dead
// streams only a rebuild can reclaim.
func (p *Planner) RequiresRebuild(compactionNeeded bool) bool {
	if p.Header.Magic == header.MagicPipable {
		return true
	}
	if p.Header.Flags.Has(header.FlagReadonly) && !p.Config.Flags.Has(IgnoreReadonly) {
		return true
	}
	return compactionNeeded
}

// OverwriteInPlace appends newStreams and dirtyMetadata after the current
// end of f, then writes a fresh lookup table, XML blob, optional integrity
// table, and finally the header — all without disturbing any existing
// resource bytes before the append point. f's existing header and streams
// are assumed unchanged on disk; callers are responsible for having
// filtered newStreams/dirtyMetadata down to what's actually new before
// calling.
func (p *Planner) OverwriteInPlace(f File, newStreams []PendingStream, dirtyMetadata []MetadataWrite, xml []byte) error {
	unlock, err := lockAppend(f)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return xerrors.Errorf("planner: overwrite in place: %w", err)
	}

	if err := p.writeStreams(f, newStreams); err != nil {
		return err
	}

	pipe, err := p.newPipeline()
	if err != nil {
		return err
	}
	if err := p.writeMetadata(f, dirtyMetadata, pipe); err != nil {
		pipe.Close()
		return err
	}
	pipe.Close()

	return p.commit(f, xml, header.Size)
}

// Rebuild writes a complete fresh copy of the WIM — header, every live
// stream, every image's metadata, lookup table, XML and optional integrity
// table — into a temporary file in the same directory as path, then
// atomically renames it into place. Used when append-in-place is
// unavailable (pipable layout, readonly without override, or a prior
// deletion that requires compacting the resource area) or when the
// Rebuild flag is requested explicitly.
func (p *Planner) Rebuild(path string, allStreams []PendingStream, allMetadata []MetadataWrite, xml []byte) error {
	pf, err := renameio.TempFile("", path)
	if err != nil {
		return xerrors.Errorf("planner: rebuild: %w", err)
	}
	defer pf.Cleanup()

	if !p.Config.Flags.Has(RetainGUID) {
		fresh := header.New(p.Header.ChunkSize, codecFlag(p.Config.CodecID))
		p.Header.GUID = fresh.GUID
	}

	if _, err := pf.Seek(int64(header.Size), io.SeekStart); err != nil {
		return xerrors.Errorf("planner: rebuild: %w", err)
	}

	if err := p.writeStreams(pf, allStreams); err != nil {
		return err
	}

	pipe, err := p.newPipeline()
	if err != nil {
		return err
	}
	if err := p.writeMetadata(pf, allMetadata, pipe); err != nil {
		pipe.Close()
		return err
	}
	pipe.Close()

	if err := p.commit(pf, xml, int64(header.Size)); err != nil {
		return err
	}

	if err := pf.CloseAtomicallyReplace(); err != nil {
		return xerrors.Errorf("planner: rebuild: atomic replace: %w", err)
	}
	return nil
}

func codecFlag(id codec.ID) header.Flag {
	switch id {
	case codec.XPRESS:
		return header.FlagXPRESS
	case codec.LZX:
		return header.FlagLZX
	case codec.LZMS:
		return header.FlagLZMS
	default:
		return 0
	}
}
