// Package header implements the WIM primary header — the fixed 208-byte
// record at offset 0 of every WIM file — and the integrity table that
// optionally covers the resource area between the header and the lookup
// table.
package header

import (
	"encoding/binary"
	"io"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/gowim/wim/internal/wire"
)

// Size is the fixed on-disk size of a primary or backup header.
const Size = 208

// MagicImage and MagicPipable are the two recognized 8-byte file magics.
var (
	MagicImage   = [8]byte{'M', 'S', 'W', 'I', 'M', 0, 0, 0}
	MagicPipable = [8]byte{'W', 'L', 'P', 'W', 'M', 0, 0, 0}
)

// Version values for the header's version field.
const (
	VersionImage   = 0x00010d00
	VersionPipable = 0x00010000
)

// Flag is the header's 32-bit flag bitset.
type Flag uint32

const (
	FlagReserved         Flag = 0x1
	FlagCompression      Flag = 0x2
	FlagReadonly         Flag = 0x4
	FlagSpanned          Flag = 0x8
	FlagResourceOnly     Flag = 0x10
	FlagMetadataOnly     Flag = 0x20
	FlagWriteInProgress  Flag = 0x40
	FlagRPFix            Flag = 0x80
	FlagXPRESS           Flag = 0x20000
	FlagLZX              Flag = 0x40000
	FlagLZMS             Flag = 0x80000
)

func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// Header is the 208-byte primary/backup WIM header.
type Header struct {
	Magic        [8]byte
	HeaderSize   uint32
	Version      uint32
	Flags        Flag
	ChunkSize    uint32
	GUID         [16]byte
	PartNumber   uint16
	TotalParts   uint16
	ImageCount   uint32
	LookupTable  wire.Reshdr
	XML          wire.Reshdr
	BootMetadata wire.Reshdr
	BootIndex    uint32
	Integrity    wire.Reshdr
}

// New returns a Header for a freshly created, non-pipable, single-part WIM
// with a newly generated instance GUID.
func New(chunkSize uint32, codecFlag Flag) Header {
	var guid [16]byte
	id := uuid.New()
	copy(guid[:], id[:])
	return Header{
		Magic:      MagicImage,
		HeaderSize: Size,
		Version:    VersionImage,
		Flags:      FlagCompression | codecFlag,
		ChunkSize:  chunkSize,
		GUID:       guid,
		PartNumber: 1,
		TotalParts: 1,
	}
}

// Marshal encodes h into its bit-exact 208-byte on-disk form.
func (h Header) Marshal() ([Size]byte, error) {
	var b [Size]byte
	copy(b[0:8], h.Magic[:])
	binary.LittleEndian.PutUint32(b[8:12], h.HeaderSize)
	binary.LittleEndian.PutUint32(b[12:16], h.Version)
	binary.LittleEndian.PutUint32(b[16:20], uint32(h.Flags))
	binary.LittleEndian.PutUint32(b[20:24], h.ChunkSize)
	copy(b[24:40], h.GUID[:])
	binary.LittleEndian.PutUint16(b[40:42], h.PartNumber)
	binary.LittleEndian.PutUint16(b[42:44], h.TotalParts)
	binary.LittleEndian.PutUint32(b[44:48], h.ImageCount)

	if err := putReshdr(b[48:72], h.LookupTable); err != nil {
		return b, xerrors.Errorf("header: marshal lookup table reshdr: %w", err)
	}
	if err := putReshdr(b[72:96], h.XML); err != nil {
		return b, xerrors.Errorf("header: marshal xml reshdr: %w", err)
	}
	if err := putReshdr(b[96:120], h.BootMetadata); err != nil {
		return b, xerrors.Errorf("header: marshal boot metadata reshdr: %w", err)
	}
	binary.LittleEndian.PutUint32(b[120:124], h.BootIndex)
	if err := putReshdr(b[124:148], h.Integrity); err != nil {
		return b, xerrors.Errorf("header: marshal integrity reshdr: %w", err)
	}
	// b[148:208] is reserved padding, left zero.
	return b, nil
}

func putReshdr(dst []byte, r wire.Reshdr) error {
	b, err := r.Marshal()
	if err != nil {
		return err
	}
	copy(dst, b[:])
	return nil
}

// Unmarshal decodes a 208-byte on-disk header.
func Unmarshal(b []byte) (Header, error) {
	if len(b) < Size {
		return Header{}, xerrors.Errorf("header: short buffer (%d bytes, want %d)", len(b), Size)
	}
	var h Header
	copy(h.Magic[:], b[0:8])
	if h.Magic != MagicImage && h.Magic != MagicPipable {
		return Header{}, xerrors.Errorf("header: not a WIM file: bad magic %q", h.Magic)
	}
	h.HeaderSize = binary.LittleEndian.Uint32(b[8:12])
	h.Version = binary.LittleEndian.Uint32(b[12:16])
	if h.Version != VersionImage && h.Version != VersionPipable {
		return h, xerrors.Errorf("header: unknown version 0x%08x", h.Version)
	}
	h.Flags = Flag(binary.LittleEndian.Uint32(b[16:20]))
	h.ChunkSize = binary.LittleEndian.Uint32(b[20:24])
	copy(h.GUID[:], b[24:40])
	h.PartNumber = binary.LittleEndian.Uint16(b[40:42])
	h.TotalParts = binary.LittleEndian.Uint16(b[42:44])
	h.ImageCount = binary.LittleEndian.Uint32(b[44:48])

	var err error
	if h.LookupTable, err = wire.UnmarshalReshdr(b[48:72]); err != nil {
		return Header{}, xerrors.Errorf("header: lookup table reshdr: %w", err)
	}
	if h.XML, err = wire.UnmarshalReshdr(b[72:96]); err != nil {
		return Header{}, xerrors.Errorf("header: xml reshdr: %w", err)
	}
	if h.BootMetadata, err = wire.UnmarshalReshdr(b[96:120]); err != nil {
		return Header{}, xerrors.Errorf("header: boot metadata reshdr: %w", err)
	}
	h.BootIndex = binary.LittleEndian.Uint32(b[120:124])
	if h.Integrity, err = wire.UnmarshalReshdr(b[124:148]); err != nil {
		return Header{}, xerrors.Errorf("header: integrity reshdr: %w", err)
	}
	return h, nil
}

// WriteAt writes h at offset 0 of w. It never writes any other offset: a
// caller performing a backup-header write does so by writing to a
// different location entirely, not through this method.
func WriteAt(w io.WriterAt, h Header) error {
	b, err := h.Marshal()
	if err != nil {
		return xerrors.Errorf("header: write: %w", err)
	}
	if _, err := w.WriteAt(b[:], 0); err != nil {
		return xerrors.Errorf("header: write: %w", err)
	}
	return nil
}

// ReadAt reads and decodes the header at offset 0 of r.
func ReadAt(r io.ReaderAt) (Header, error) {
	var b [Size]byte
	if _, err := r.ReadAt(b[:], 0); err != nil {
		return Header{}, xerrors.Errorf("header: read: %w", err)
	}
	return Unmarshal(b[:])
}
