// Package wim implements the core of a WIM (Windows Imaging Format)
// archive: a content-addressed, SHA-1-deduplicated, optionally compressed
// container of one or more filesystem image snapshots.
//
// This package ties together internal/wire, internal/codec,
// internal/pipeline, internal/resource, internal/lookup,
// internal/metadata, internal/header and internal/planner into the public
// WIM type and its Open/Create entry points. Directory-tree parsing,
// filesystem capture/apply and the FUSE mount layer are collaborator
// concerns and live outside this module.
package wim

import (
	"io"
	"os"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/gowim/wim/internal/codec"
	"github.com/gowim/wim/internal/header"
	"github.com/gowim/wim/internal/lookup"
	"github.com/gowim/wim/internal/metadata"
	"github.com/gowim/wim/internal/planner"
	"github.com/gowim/wim/internal/resource"
	"github.com/gowim/wim/internal/wire"
)

// Config parameterizes a freshly created WIM: its compression codec, chunk
// size, and default parallelism for the write pipeline.
type Config struct {
	Codec      codec.ID
	ChunkSize  uint32
	NumWorkers int

	// PartNumber and TotalParts, when TotalParts is nonzero, mark this WIM
	// as one part of a split (spanned) set; every Overwrite/WriteTo then
	// stamps that numbering into the header instead of the single-part
	// default. Splitting the resource stream itself across part
	// boundaries is a collaborator concern; this package only carries and
	// persists the numbering.
	PartNumber uint16
	TotalParts uint16

	// Abort, if non-nil, is polled between streams and between chunks
	// during Overwrite and WriteTo, stopping the write without committing
	// a new header. See planner.Config.Abort.
	Abort func() bool
}

// DefaultConfig matches the conventional wimlib defaults: LZX at a 32 KiB
// chunk size, serial (single-threaded) compression.
var DefaultConfig = Config{Codec: codec.LZX, ChunkSize: 32768, NumWorkers: 1}

// WIM owns one open WIM container: its header, its stream store, its
// per-image metadata handles, and (when opened against a real file) a
// read/write file descriptor. Sub-WIMs referenced via external-WIM streams
// are held only by back-reference (see internal/lookup.ExternalRef); this
// type does not manage their lifetime.
type WIM struct {
	f        *os.File
	path     string
	header   header.Header
	registry *codec.Registry

	Lookup   *lookup.Store
	Metadata *metadata.Store

	cfg Config
	xml []byte

	// compactionNeeded is set once an image has been deleted since the
	// last commit: the resource area now holds streams no refcount
	// references, which append-in-place can never reclaim, so the next
	// commit must go through a full Rebuild instead.
	compactionNeeded bool
}

// Create returns a new, empty in-memory WIM not yet bound to any file.
// Call WriteTo to materialize it.
func Create(cfg Config) *WIM {
	hdr := header.New(cfg.ChunkSize, codecHeaderFlag(cfg.Codec))
	if cfg.TotalParts != 0 {
		hdr.PartNumber = cfg.PartNumber
		hdr.TotalParts = cfg.TotalParts
	}
	return &WIM{
		header:   hdr,
		registry: codec.NewRegistry(),
		Lookup:   lookup.NewStore(),
		Metadata: metadata.NewStore(),
		cfg:      cfg,
	}
}

// Open opens an existing WIM file read/write, parses its header, lookup
// table, XML blob and image metadata handles.
func Open(path string) (*WIM, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, wrapCode(ErrOpen, err)
	}
	w, err := openFile(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func openFile(f *os.File, path string) (*WIM, error) {
	hdr, err := header.ReadAt(f)
	if err != nil {
		if hdr.Magic != header.MagicImage && hdr.Magic != header.MagicPipable {
			return nil, wrapCode(ErrNotAWimFile, err)
		}
		return nil, wrapCode(ErrUnknownVersion, err)
	}

	id := codecFromHeaderFlags(hdr.Flags)
	reg := codec.NewRegistry()

	w := &WIM{
		f:        f,
		path:     path,
		header:   hdr,
		registry: reg,
		Lookup:   lookup.NewStore(),
		Metadata: metadata.NewStore(),
		cfg: Config{
			Codec:      id,
			ChunkSize:  hdr.ChunkSize,
			NumWorkers: 1,
			PartNumber: hdr.PartNumber,
			TotalParts: hdr.TotalParts,
		},
	}

	c, err := reg.Lookup(id)
	if err != nil {
		return nil, wrapCode(ErrInvalidCompressionType, err)
	}

	if hdr.LookupTable.UncompressedSize > 0 {
		lutReader, err := resource.NewReader(f, hdr.LookupTable, hdr.ChunkSize, c)
		if err != nil {
			return nil, wrapCode(ErrRead, xerrors.Errorf("wim: open: lookup table: %w", err))
		}
		lut, err := lookup.Deserialize(lutReader)
		if err != nil {
			return nil, wrapCode(ErrRead, xerrors.Errorf("wim: open: lookup table: %w", err))
		}
		w.Lookup = lut
	}

	if hdr.XML.UncompressedSize > 0 {
		xmlReader, err := resource.NewReader(f, hdr.XML, hdr.ChunkSize, c)
		if err != nil {
			return nil, wrapCode(ErrRead, xerrors.Errorf("wim: open: xml: %w", err))
		}
		xml, err := io.ReadAll(xmlReader)
		if err != nil {
			return nil, wrapCode(ErrRead, xerrors.Errorf("wim: open: xml: %w", err))
		}
		w.xml = xml
	}

	for _, lte := range w.Lookup.Entries() {
		if lte.Reshdr.Flags.Has(wire.ResourceMetadata) {
			w.Metadata.AddImage(lte)
		}
	}
	for _, img := range w.Metadata.DirtyImages() {
		img.Dirty = false // freshly loaded from disk, nothing to re-serialize yet
	}

	return w, nil
}

// NumImages returns the number of images currently tracked.
func (w *WIM) NumImages() int { return w.Metadata.Count() }

// XML returns the raw XML info blob bytes (UTF-16LE with BOM), treated as
// an opaque byte range by this package.
func (w *WIM) XML() []byte { return w.xml }

// SetXML replaces the XML info blob, to be written on the next commit.
func (w *WIM) SetXML(b []byte) { w.xml = b }

// WriteStream hashes r fully and inserts or coalesces the resulting LTE
// into the stream store, implementing the write_stream collaborator
// interface for stream-level input (as opposed to whole-image metadata).
// The new bytes are held as an attached buffer until the next commit.
func (w *WIM) WriteStream(r io.Reader) (*lookup.LTE, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, wrapCode(ErrRead, err)
	}
	h := wire.HashBytes(data)
	lte := w.Lookup.InsertOrCoalesce(&lookup.LTE{
		Hash:     h,
		Refcount: 1,
		Location: lookup.LocationAttachedBuffer,
		Buffer:   data,
	})
	return lte, nil
}

// StreamConsumer receives a stream's bytes chunk by chunk, implementing the
// read_stream collaborator capability {begin, chunk, end}.
type StreamConsumer interface {
	Begin(lte *lookup.LTE) error
	Chunk(p []byte) error
	End(err error) error
}

// ApplyStats accumulates the counters an apply-side collaborator reports
// while materializing an image's directory tree onto a real filesystem.
// Applying a tree is out of scope for this package, but the counters it
// needs to report live here so a future collaborator has somewhere to
// write them without inventing its own parallel type.
type ApplyStats struct {
	// SpecialFilesIgnored counts device nodes, sockets and other non-file,
	// non-directory, non-symlink entries an apply collaborator chose to
	// skip rather than recreate.
	SpecialFilesIgnored uint64

	FilesExtracted       uint64
	DirectoriesExtracted uint64
	SymlinksExtracted    uint64
}

// ReadStream streams lte's bytes to consumer. lte must be LocationInWIM in
// this WIM; other locations are a future collaborator's responsibility to
// resolve before calling ReadStream.
func (w *WIM) ReadStream(lte *lookup.LTE, consumer StreamConsumer) error {
	if lte.Location != lookup.LocationInWIM {
		return wrapCode(ErrInvalidParam, xerrors.New("wim: read stream: not resident in this WIM"))
	}
	if w.f == nil {
		return wrapCode(ErrInvalidParam, xerrors.New("wim: read stream: no backing file"))
	}
	c, err := w.registry.Lookup(w.cfg.Codec)
	if err != nil {
		return wrapCode(ErrInvalidCompressionType, err)
	}
	rd, err := resource.NewReader(w.f, lte.Reshdr, w.cfg.ChunkSize, c)
	if err != nil {
		return wrapCode(ErrRead, err)
	}
	if err := consumer.Begin(lte); err != nil {
		return consumer.End(err)
	}
	buf := make([]byte, 32*1024)
	for {
		n, err := rd.Read(buf)
		if n > 0 {
			if cerr := consumer.Chunk(buf[:n]); cerr != nil {
				return consumer.End(cerr)
			}
		}
		if err == io.EOF {
			return consumer.End(nil)
		}
		if err != nil {
			return consumer.End(wrapCode(ErrRead, err))
		}
	}
}

// AddImage registers a new image whose directory tree a collaborator has
// already serialized into treeBytes, and returns its 1-based index.
func (w *WIM) AddImage(treeBytes []byte) int {
	h := wire.HashBytes(treeBytes)
	lte := w.Lookup.InsertOrCoalesce(&lookup.LTE{
		Hash:     h,
		Refcount: 1,
		Location: lookup.LocationAttachedBuffer,
		Buffer:   treeBytes,
		Reshdr:   wire.Reshdr{Flags: wire.ResourceMetadata},
	})
	idx := w.Metadata.AddImage(lte)
	w.header.ImageCount = uint32(w.Metadata.Count())
	return idx
}

// DeleteImage removes the image at index, decrementing its metadata LTE's
// refcount and the refcount of every stream in refs (the set a collaborator
// determined that image's tree uniquely references).
func (w *WIM) DeleteImage(index int, refs []wire.Hash) error {
	if err := w.Metadata.DeleteImageWithRefs(index, w.Lookup, refs); err != nil {
		return err
	}
	w.header.ImageCount = uint32(w.Metadata.Count())
	w.compactionNeeded = true
	return nil
}

// RecalculateRefcounts zeroes and recomputes every LTE's refcount from the
// given concatenation of every image's referenced stream hashes (the
// directory-tree walk itself is a collaborator concern).
func (w *WIM) RecalculateRefcounts(refs []wire.Hash) {
	w.Lookup.RecalculateRefcounts(refs)
}

// CheckIntegrity verifies the WIM's resource area against its stored
// integrity table, if any.
func (w *WIM) CheckIntegrity() (header.CheckResult, int, error) {
	if w.f == nil {
		return header.IntegrityNonexistent, -1, wrapCode(ErrInvalidParam, xerrors.New("wim: check integrity: no backing file"))
	}
	if w.header.Integrity.UncompressedSize == 0 {
		return header.IntegrityNonexistent, -1, nil
	}
	c, err := w.registry.Lookup(w.cfg.Codec)
	if err != nil {
		return header.IntegrityNonexistent, -1, wrapCode(ErrInvalidCompressionType, err)
	}
	rd, err := resource.NewReader(w.f, w.header.Integrity, w.cfg.ChunkSize, c)
	if err != nil {
		return header.IntegrityNonexistent, -1, wrapCode(ErrRead, err)
	}
	raw, err := io.ReadAll(rd)
	if err != nil {
		return header.IntegrityNonexistent, -1, wrapCode(ErrRead, err)
	}
	table, err := header.UnmarshalTable(raw)
	if err != nil {
		return header.IntegrityNonexistent, -1, wrapCode(ErrRead, err)
	}
	result, idx, err := header.Verify(table, w.f, int64(header.Size), int64(w.header.LookupTable.OffsetInWIM)+int64(w.header.LookupTable.SizeInWIM))
	if err != nil {
		return result, idx, wrapCode(ErrIntegrityNotOK, err)
	}
	return result, idx, nil
}

// collectStreamsForOverwrite gathers the streams OverwriteInPlace should
// append: every attached-buffer (freshly captured) stream unconditionally,
// plus, when recompress is true, every already-resident stream re-read back
// into memory so the planner recompresses it too. A resident stream's old
// on-disk bytes are left behind as dead space; reclaiming them requires a
// full Rebuild.
func (w *WIM) collectStreamsForOverwrite(recompress bool) ([]planner.PendingStream, error) {
	c, err := w.registry.Lookup(w.cfg.Codec)
	if err != nil {
		return nil, wrapCode(ErrInvalidCompressionType, err)
	}
	var out []planner.PendingStream
	for _, lte := range w.Lookup.Entries() {
		if lte.Reshdr.Flags.Has(wire.ResourceMetadata) {
			continue
		}
		switch lte.Location {
		case lookup.LocationAttachedBuffer:
			out = append(out, planner.PendingStream{LTE: lte, Data: lte.Buffer})
		case lookup.LocationInWIM:
			if !recompress {
				continue
			}
			data, err := readResource(w.f, lte.Reshdr, w.cfg.ChunkSize, c)
			if err != nil {
				return nil, err
			}
			out = append(out, planner.PendingStream{LTE: lte, Data: data})
		}
	}
	return out, nil
}

func (w *WIM) collectMetadataWrites() []planner.MetadataWrite {
	var out []planner.MetadataWrite
	for _, img := range w.Metadata.DirtyImages() {
		out = append(out, planner.MetadataWrite{Image: img, Data: img.LTE.Buffer})
	}
	return out
}

// collectRebuildStreams gathers every live, non-metadata stream's full
// bytes for a Rebuild: resident ones are read back from the currently open
// file, attached-buffer ones (new captures) are used directly. Resident
// reads hit independent byte ranges of the same file, so they run
// concurrently with maximum parallelism using an errgroup fan-out, the same
// pattern used elsewhere in this codebase for independent per-item I/O.
func (w *WIM) collectRebuildStreams() ([]planner.PendingStream, error) {
	entries := w.Lookup.Entries()
	c, err := w.registry.Lookup(w.cfg.Codec)
	if err != nil {
		return nil, wrapCode(ErrInvalidCompressionType, err)
	}

	out := make([]planner.PendingStream, len(entries))
	var eg errgroup.Group
	for i, lte := range entries {
		if lte.Reshdr.Flags.Has(wire.ResourceMetadata) {
			continue
		}
		i, lte := i, lte
		switch lte.Location {
		case lookup.LocationAttachedBuffer:
			out[i] = planner.PendingStream{LTE: lte, Data: lte.Buffer}
		case lookup.LocationInWIM:
			if w.f == nil {
				return nil, wrapCode(ErrInvalidParam, xerrors.New("wim: rebuild: resident stream with no backing file"))
			}
			eg.Go(func() error {
				data, err := readResource(w.f, lte.Reshdr, w.cfg.ChunkSize, c)
				if err != nil {
					return err
				}
				out[i] = planner.PendingStream{LTE: lte, Data: data}
				return nil
			})
		}
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	live := out[:0]
	for i, lte := range entries {
		if lte.Reshdr.Flags.Has(wire.ResourceMetadata) {
			continue
		}
		live = append(live, out[i])
	}
	return live, nil
}

func (w *WIM) collectRebuildMetadata() ([]planner.MetadataWrite, error) {
	c, err := w.registry.Lookup(w.cfg.Codec)
	if err != nil {
		return nil, wrapCode(ErrInvalidCompressionType, err)
	}

	n := w.Metadata.Count()
	out := make([]planner.MetadataWrite, n)
	var eg errgroup.Group
	for i := 1; i <= n; i++ {
		img, err := w.Metadata.Image(i)
		if err != nil {
			return nil, err
		}
		i, img := i, img
		if img.LTE.Location == lookup.LocationAttachedBuffer {
			out[i-1] = planner.MetadataWrite{Image: img, Data: img.LTE.Buffer}
			continue
		}
		if w.f == nil {
			return nil, wrapCode(ErrInvalidParam, xerrors.New("wim: rebuild: resident metadata with no backing file"))
		}
		eg.Go(func() error {
			data, err := readResource(w.f, img.LTE.Reshdr, w.cfg.ChunkSize, c)
			if err != nil {
				return err
			}
			out[i-1] = planner.MetadataWrite{Image: img, Data: data}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func readResource(f *os.File, rh wire.Reshdr, chunkSize uint32, c codec.Codec) ([]byte, error) {
	rd, err := resource.NewReader(f, rh, chunkSize, c)
	if err != nil {
		return nil, wrapCode(ErrRead, err)
	}
	data, err := io.ReadAll(rd)
	if err != nil {
		return nil, wrapCode(ErrRead, err)
	}
	return data, nil
}

func (w *WIM) plannerConfig(flags planner.Flag) planner.Config {
	return planner.Config{
		Flags:      flags,
		CodecID:    w.cfg.Codec,
		ChunkSize:  w.cfg.ChunkSize,
		NumWorkers: w.cfg.NumWorkers,
		PartNumber: w.cfg.PartNumber,
		TotalParts: w.cfg.TotalParts,
		Abort:      w.cfg.Abort,
	}
}

// Overwrite commits pending changes, appending new resources after the
// current end of the backing file and rewriting the lookup table, XML and
// header, unless the planner decides append-in-place is unsafe — a pipable
// layout, a readonly header without IgnoreReadonly, or a deletion since the
// last commit that left dead resource bytes only a compaction can reclaim —
// in which case it transparently falls back to a full rebuild-then-rename
// via WriteTo. Requires a file opened via Open.
func (w *WIM) Overwrite(flags planner.Flag) error {
	if w.f == nil {
		return wrapCode(ErrInvalidParam, xerrors.New("wim: overwrite: no backing file; use WriteTo"))
	}
	p := planner.New(w.plannerConfig(flags), w.registry, w.Lookup, w.header)

	if p.RequiresRebuild(w.compactionNeeded) {
		return w.rebuildInPlace(flags)
	}

	streams, err := w.collectStreamsForOverwrite(flags.Has(planner.Recompress))
	if err != nil {
		return err
	}
	if err := p.OverwriteInPlace(w.f, streams, w.collectMetadataWrites(), w.xml); err != nil {
		return wrapCode(ErrWrite, err)
	}
	w.header = p.Header
	return nil
}

// WriteTo performs a full rebuild into path (a fresh file if path differs
// from the WIM's current backing file, or a replacement of it otherwise),
// atomically renaming the result into place.
func (w *WIM) WriteTo(path string, flags planner.Flag) error {
	p := planner.New(w.plannerConfig(flags), w.registry, w.Lookup, w.header)

	streams, err := w.collectRebuildStreams()
	if err != nil {
		return err
	}
	metaWrites, err := w.collectRebuildMetadata()
	if err != nil {
		return err
	}

	if err := p.Rebuild(path, streams, metaWrites, w.xml); err != nil {
		return wrapCode(ErrWrite, err)
	}
	w.header = p.Header
	w.compactionNeeded = false
	return nil
}

// rebuildInPlace satisfies an Overwrite call that the planner has decided
// needs a full rebuild: it rebuilds into the WIM's own backing path, then
// reopens the file descriptor, since the atomic rename behind WriteTo
// detaches the previously open *os.File from the path it used to name.
func (w *WIM) rebuildInPlace(flags planner.Flag) error {
	if w.path == "" {
		return wrapCode(ErrInvalidParam, xerrors.New("wim: overwrite: rebuild required but no backing path"))
	}
	if err := w.WriteTo(w.path, flags); err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_RDWR, 0)
	if err != nil {
		return wrapCode(ErrOpen, err)
	}
	w.f.Close()
	w.f = f
	return nil
}

// Close releases the backing file descriptor, if any.
func (w *WIM) Close() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

func codecHeaderFlag(id codec.ID) header.Flag {
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

func codecFromHeaderFlags(f header.Flag) codec.ID {
	switch {
	case f.Has(header.FlagXPRESS):
		return codec.XPRESS
	case f.Has(header.FlagLZX):
		return codec.LZX
	case f.Has(header.FlagLZMS):
		return codec.LZMS
	default:
		return codec.LZX
	}
}
