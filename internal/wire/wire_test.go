package wire

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestReshdrRoundTrip(t *testing.T) {
	want := Reshdr{
		OffsetInWIM:      0xdeadbeef,
		SizeInWIM:        1 << 40,
		UncompressedSize: 1 << 41,
		Flags:            ResourceCompressed | ResourcePacked,
	}
	b, err := want.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != ReshdrSize {
		t.Fatalf("Marshal produced %d bytes, want %d", len(b), ReshdrSize)
	}
	got, err := UnmarshalReshdr(b[:])
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("UnmarshalReshdr: unexpected diff (-want +got):\n%s", diff)
	}
}

func TestReshdrSizeOverflow(t *testing.T) {
	r := Reshdr{SizeInWIM: MaxSizeInWIM + 1}
	if _, err := r.Marshal(); err == nil {
		t.Fatal("Marshal: want error for size_in_wim exceeding 7 bytes, got nil")
	}
}

func TestWriteReadReshdr(t *testing.T) {
	want := Reshdr{OffsetInWIM: 208, SizeInWIM: 4096, UncompressedSize: 8192, Flags: ResourceCompressed}
	var buf bytes.Buffer
	if err := WriteReshdr(&buf, want); err != nil {
		t.Fatal(err)
	}
	got, err := ReadReshdr(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected diff (-want +got):\n%s", diff)
	}
}

func TestHashBytes(t *testing.T) {
	h := HashBytes([]byte("hello world"))
	if h.IsZero() {
		t.Fatal("HashBytes returned zero hash for non-empty input")
	}
	hs := NewHasher()
	hs.Write([]byte("hello world"))
	if got, want := hs.Sum(), h; got != want {
		t.Errorf("Hasher.Sum() = %x, want %x", got, want)
	}
}
