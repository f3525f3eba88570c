// Package codec defines the pluggable compressor/decompressor contract the
// chunk pipeline drives, and a registry of concrete codec plugins keyed by
// WIM codec id.
//
// The contract deliberately mirrors a C vtable re-architected as a Go
// interface (see the "Codec plug-in table" design note): adding a codec
// means implementing Codec and calling Register, never touching the
// pipeline or resource layers.
package codec

import "golang.org/x/xerrors"

// ID identifies a compression codec as stored in the WIM header's flags.
type ID uint8

const (
	XPRESS ID = 1
	LZX    ID = 2
	LZMS   ID = 3
)

func (id ID) String() string {
	switch id {
	case XPRESS:
		return "XPRESS"
	case LZX:
		return "LZX"
	case LZMS:
		return "LZMS"
	default:
		return "unknown"
	}
}

// Compressor compresses successive, independent blocks. A single Compressor
// is owned by exactly one pipeline worker; it is never shared across
// goroutines (see the "Worker pool" concurrency note).
type Compressor interface {
	// Compress compresses src into dst and returns the number of bytes
	// written. dst is always sized to len(src)-1: the codec is forbidden
	// from ever producing output as large as the input. When src cannot be
	// compressed to fit, Compress returns (0, nil) and the caller falls
	// back to storing src verbatim.
	Compress(dst, src []byte) (n int, err error)

	// Close releases any resources (buffers, hash tables) held by the
	// compressor.
	Close() error
}

// Decompressor decompresses blocks produced by the matching Compressor.
type Decompressor interface {
	// Decompress decompresses src into dst, which is sized to exactly the
	// chunk's known uncompressed length. It returns an error if src
	// decodes to fewer than len(dst) bytes.
	Decompress(dst, src []byte) error

	Close() error
}

// Codec is a concrete compression algorithm plugin.
type Codec interface {
	ID() ID

	// NewCompressor returns a Compressor configured for blocks up to
	// maxBlockSize bytes at the given level. level is codec-specific;
	// plugins should treat 0 as "use a sensible default".
	NewCompressor(maxBlockSize, level int) (Compressor, error)

	NewDecompressor() (Decompressor, error)

	// NeededMemory estimates the bytes of working memory a
	// compressor/decompressor pair needs for blocks up to maxBlockSize.
	// Callers use this to size a parallel pipeline's worker count under a
	// memory budget; it is advisory only.
	NeededMemory(maxBlockSize, level int) uint64
}

// Registry is a closed table of codecs indexed by ID. The core never
// dispatches on anything but this table, keeping concrete codec internals
// (the actual LZ77/entropy coders) fully opaque to it.
type Registry struct {
	codecs map[ID]Codec
}

// NewRegistry returns a Registry pre-populated with the builtin XPRESS, LZX
// and LZMS plugins.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[ID]Codec, 4)}
	r.Register(newXpress())
	r.Register(newLZX())
	r.Register(newLZMS())
	return r
}

// Register installs or replaces the codec for its ID.
func (r *Registry) Register(c Codec) {
	r.codecs[c.ID()] = c
}

// Lookup returns the codec registered for id.
func (r *Registry) Lookup(id ID) (Codec, error) {
	c, ok := r.codecs[id]
	if !ok {
		return nil, xerrors.Errorf("codec: unsupported compression type %d", id)
	}
	return c, nil
}
