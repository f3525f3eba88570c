// Package wire implements the little-endian byte codec primitives shared by
// every on-disk structure in a WIM: fixed-width integer packing, the 24-byte
// resource header ("reshdr") encoding, and the SHA-1 digest type used
// throughout the lookup table for content addressing.
//
// Every integer in a WIM file is little-endian regardless of host byte
// order, and every structure is packed by explicit byte-offset arithmetic
// via encoding/binary, never by casting a Go struct onto a byte slice.
package wire

import (
	"crypto/sha1"
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

// DigestSize is the length in bytes of a SHA-1 digest.
const DigestSize = sha1.Size

// Hash identifies a stream by the SHA-1 of its uncompressed contents.
type Hash [DigestSize]byte

// IsZero reports whether h is the all-zero hash, used as a sentinel for "no
// stream"/"unhashed".
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// HashBytes returns the SHA-1 digest of b.
func HashBytes(b []byte) Hash {
	return Hash(sha1.Sum(b))
}

// Hasher wraps hash.Hash so callers can feed a stream incrementally (as the
// integrity table computation does for each slice of the resource area) and
// retrieve the final Hash once all bytes have been written.
type Hasher struct {
	h io.Writer
	s interface{ Sum([]byte) []byte }
}

// NewHasher returns a Hasher ready to accept Write calls.
func NewHasher() *Hasher {
	s := sha1.New()
	return &Hasher{h: s, s: s}
}

func (hs *Hasher) Write(p []byte) (int, error) { return hs.h.Write(p) }

// Sum returns the digest of everything written so far without resetting it.
func (hs *Hasher) Sum() Hash {
	var h Hash
	copy(h[:], hs.s.Sum(nil))
	return h
}

// ResourceFlag is the one-byte flag bitset stored in a reshdr.
type ResourceFlag uint8

const (
	ResourceFree     ResourceFlag = 0x01
	ResourceMetadata ResourceFlag = 0x02
	ResourceCompressed ResourceFlag = 0x04
	ResourceSpanned  ResourceFlag = 0x08
	ResourcePacked   ResourceFlag = 0x10
)

func (f ResourceFlag) Has(bit ResourceFlag) bool { return f&bit != 0 }

// ReshdrSize is the on-disk size in bytes of a resource header.
const ReshdrSize = 24

// Reshdr is the fixed 24-byte record describing one stored resource: its
// location, on-disk (possibly compressed) size, uncompressed size and flags.
//
// On-disk layout (little-endian):
//
//	size_in_wim        7 bytes
//	flags              1 byte
//	offset_in_wim      8 bytes
//	uncompressed_size  8 bytes
type Reshdr struct {
	OffsetInWIM      uint64
	SizeInWIM        uint64
	UncompressedSize uint64
	Flags            ResourceFlag
}

// MaxSizeInWIM is the largest value representable in the 7-byte size field.
const MaxSizeInWIM = 1<<56 - 1

// Marshal encodes r into its bit-exact 24-byte on-disk form.
func (r Reshdr) Marshal() ([ReshdrSize]byte, error) {
	var b [ReshdrSize]byte
	if r.SizeInWIM > MaxSizeInWIM {
		return b, xerrors.Errorf("reshdr: size_in_wim %d exceeds 7-byte field", r.SizeInWIM)
	}
	var sizeAndFlags [8]byte
	binary.LittleEndian.PutUint64(sizeAndFlags[:], r.SizeInWIM)
	copy(b[0:7], sizeAndFlags[0:7])
	b[7] = byte(r.Flags)
	binary.LittleEndian.PutUint64(b[8:16], r.OffsetInWIM)
	binary.LittleEndian.PutUint64(b[16:24], r.UncompressedSize)
	return b, nil
}

// UnmarshalReshdr decodes a 24-byte on-disk resource header.
func UnmarshalReshdr(b []byte) (Reshdr, error) {
	if len(b) < ReshdrSize {
		return Reshdr{}, xerrors.Errorf("reshdr: short buffer (%d bytes)", len(b))
	}
	var sizeAndFlags [8]byte
	copy(sizeAndFlags[0:7], b[0:7])
	return Reshdr{
		SizeInWIM:        binary.LittleEndian.Uint64(sizeAndFlags[:]),
		Flags:            ResourceFlag(b[7]),
		OffsetInWIM:      binary.LittleEndian.Uint64(b[8:16]),
		UncompressedSize: binary.LittleEndian.Uint64(b[16:24]),
	}, nil
}

// WriteReshdr marshals and writes r to w.
func WriteReshdr(w io.Writer, r Reshdr) error {
	b, err := r.Marshal()
	if err != nil {
		return err
	}
	_, err = w.Write(b[:])
	return err
}

// ReadReshdr reads and unmarshals a reshdr from r.
func ReadReshdr(r io.Reader) (Reshdr, error) {
	var b [ReshdrSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Reshdr{}, err
	}
	return UnmarshalReshdr(b[:])
}

// PutUint32 and PutUint64 are thin little-endian helpers kept for call sites
// that build up byte slices by hand instead of going through encoding/binary
// directly (e.g. the chunk offset table, which switches between 32-bit and
// 64-bit entry width depending on uncompressed size).
func PutUint32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func PutUint64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }
func Uint32(b []byte) uint32       { return binary.LittleEndian.Uint32(b) }
func Uint64(b []byte) uint64       { return binary.LittleEndian.Uint64(b) }
