package resource

import (
	"bytes"
	"crypto/rand"
	"io"
	"os"
	"testing"

	"github.com/gowim/wim/internal/codec"
	"github.com/gowim/wim/internal/pipeline"
	"github.com/gowim/wim/internal/wire"
)

func tempFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "resource")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func writeAndRead(t *testing.T, data []byte, chunkSize uint32, id codec.ID) {
	t.Helper()
	reg := codec.NewRegistry()
	c, err := reg.Lookup(id)
	if err != nil {
		t.Fatal(err)
	}
	pipe, err := pipeline.NewSerial(c, int(chunkSize), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer pipe.Close()

	f := tempFile(t)
	rh, err := Write(f, data, chunkSize, pipe, nil)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	rd, err := NewReader(f, rh, chunkSize, c)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	got, err := io.ReadAll(rd)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d bytes", len(got), len(data))
	}
	if got, want := wire.HashBytes(got), wire.HashBytes(data); got != want {
		t.Fatalf("hash mismatch after round trip: got %x, want %x", got, want)
	}
}

func TestWriteReadCompressible(t *testing.T) {
	data := bytes.Repeat([]byte("able was I ere I saw elba. "), 10000)
	writeAndRead(t, data, 32768, codec.LZX)
}

func TestWriteReadIncompressible(t *testing.T) {
	// A 64 KiB chunk of cryptographic random bytes with an LZX-family
	// codec should be stored uncompressed.
	data := make([]byte, 64*1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	reg := codec.NewRegistry()
	c, _ := reg.Lookup(codec.LZX)
	pipe, err := pipeline.NewSerial(c, 32768, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer pipe.Close()

	f := tempFile(t)
	rh, err := Write(f, data, 32768, pipe, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rh.Flags.Has(wire.ResourceCompressed) {
		t.Errorf("reshdr.Flags has COMPRESSED set for incompressible input")
	}
	if rh.SizeInWIM != rh.UncompressedSize {
		t.Errorf("SizeInWIM = %d, want == UncompressedSize %d", rh.SizeInWIM, rh.UncompressedSize)
	}
}

func TestChunkTableBounds(t *testing.T) {
	// Property 7: for a compressed resource of size U with chunk size C,
	// the table has ceil(U/C)-1 entries and the last chunk's end equals
	// size_in_wim.
	const chunkSize = 4096
	data := bytes.Repeat([]byte{0xAB}, chunkSize*3+17) // not a multiple of chunkSize
	reg := codec.NewRegistry()
	c, _ := reg.Lookup(codec.LZMS)
	pipe, err := pipeline.NewSerial(c, chunkSize, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer pipe.Close()

	f := tempFile(t)
	rh, err := Write(f, data, chunkSize, pipe, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !rh.Flags.Has(wire.ResourceCompressed) {
		t.Skip("input happened to not compress; table-bounds check needs a compressed resource")
	}

	rd, err := NewReader(f, rh, chunkSize, c)
	if err != nil {
		t.Fatal(err)
	}
	wantChunks := (len(data) + chunkSize - 1) / chunkSize
	if rd.NumChunks() != wantChunks {
		t.Errorf("NumChunks() = %d, want %d", rd.NumChunks(), wantChunks)
	}
	if got, want := rd.chunkEnd[len(rd.chunkEnd)-1], rh.SizeInWIM-uint64(len(rd.chunkStart)-1)*4; got != want {
		t.Errorf("last chunk end = %d, want %d", got, want)
	}
}

func TestSeekChunk(t *testing.T) {
	const chunkSize = 1024
	data := bytes.Repeat([]byte("0123456789"), 500) // 5000 bytes, 5 chunks
	reg := codec.NewRegistry()
	c, _ := reg.Lookup(codec.XPRESS)
	pipe, err := pipeline.NewSerial(c, chunkSize, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer pipe.Close()

	f := tempFile(t)
	rh, err := Write(f, data, chunkSize, pipe, nil)
	if err != nil {
		t.Fatal(err)
	}
	rd, err := NewReader(f, rh, chunkSize, c)
	if err != nil {
		t.Fatal(err)
	}
	if err := rd.SeekChunk(2); err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(rd)
	if err != nil {
		t.Fatal(err)
	}
	want := data[2*chunkSize:]
	if !bytes.Equal(got, want) {
		t.Fatalf("SeekChunk(2) then ReadAll: got %d bytes, want %d", len(got), len(want))
	}
}

func TestPackedHeaderRoundTrip(t *testing.T) {
	h := PackedHeader{Entries: []PackedEntry{
		{Offset: 0, Size: 100},
		{Offset: 100, Size: 250},
	}}
	b := h.Marshal()
	got, n, err := UnmarshalPackedHeader(b)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(b) {
		t.Errorf("consumed %d bytes, want %d", n, len(b))
	}
	if len(got.Entries) != len(h.Entries) || got.Entries[1].Offset != 100 || got.Entries[1].Size != 250 {
		t.Errorf("unmarshaled header mismatch: %+v", got)
	}
}

func TestReadRangeWithinPackedResource(t *testing.T) {
	const chunkSize = 512
	streamA := bytes.Repeat([]byte("AAAA"), 50)  // 200 bytes
	streamB := bytes.Repeat([]byte("BBBBB"), 80) // 400 bytes
	hdr := PackedHeader{Entries: []PackedEntry{
		{Offset: 0, Size: uint64(len(streamA))},
		{Offset: uint64(len(streamA)), Size: uint64(len(streamB))},
	}}
	packed := append(append([]byte{}, streamA...), streamB...)
	_ = hdr // header bytes would normally be stored alongside; omitted here
	// since this test only exercises ReadRange against the raw packed
	// uncompressed byte stream.

	reg := codec.NewRegistry()
	c, _ := reg.Lookup(codec.LZX)
	pipe, err := pipeline.NewSerial(c, chunkSize, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer pipe.Close()

	f := tempFile(t)
	rh, err := Write(f, packed, chunkSize, pipe, nil)
	if err != nil {
		t.Fatal(err)
	}
	rd, err := NewReader(f, rh, chunkSize, c)
	if err != nil {
		t.Fatal(err)
	}
	got, err := rd.ReadRange(hdr.Entries[1].Offset, hdr.Entries[1].Size)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, streamB) {
		t.Fatalf("ReadRange for second packed stream mismatch")
	}
}
