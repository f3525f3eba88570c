package header

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gowim/wim/internal/wire"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := New(32768, FlagXPRESS)
	h.ImageCount = 2
	h.LookupTable = wire.Reshdr{OffsetInWIM: 208, SizeInWIM: 100, UncompressedSize: 100}
	h.XML = wire.Reshdr{OffsetInWIM: 308, SizeInWIM: 40, UncompressedSize: 80}

	b, err := h.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != Size {
		t.Fatalf("Marshal produced %d bytes, want %d", len(b), Size)
	}

	got, err := Unmarshal(b[:])
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(h, got); diff != "" {
		t.Errorf("header round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshalRejectsBadMagic(t *testing.T) {
	h := New(32768, FlagLZX)
	b, err := h.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	b[0] = 'X'
	if _, err := Unmarshal(b[:]); err == nil {
		t.Fatal("Unmarshal with corrupted magic should error (NOT_A_WIM_FILE)")
	}
}

func TestUnmarshalRejectsUnknownVersion(t *testing.T) {
	h := New(32768, FlagLZMS)
	b, err := h.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	b[12] = 0xFF
	if _, err := Unmarshal(b[:]); err == nil {
		t.Fatal("Unmarshal with unrecognized version should error (UNKNOWN_VERSION)")
	}
}

func TestNewGeneratesNonZeroGUID(t *testing.T) {
	h := New(32768, FlagXPRESS)
	var zero [16]byte
	if h.GUID == zero {
		t.Fatal("New() produced an all-zero GUID")
	}
}

func TestWriteReadAt(t *testing.T) {
	h := New(4096, FlagLZX)
	h.ImageCount = 1

	backing := &memFile{data: make([]byte, Size)}
	if err := WriteAt(backing, h); err != nil {
		t.Fatal(err)
	}
	got, err := ReadAt(backing)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(h, got); diff != "" {
		t.Errorf("WriteAt/ReadAt mismatch (-want +got):\n%s", diff)
	}
}

// memFile is a minimal io.WriterAt + io.ReaderAt backed by a byte slice, used
// to exercise WriteAt/ReadAt without touching the filesystem.
type memFile struct {
	data []byte
}

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	end := int(off) + len(p)
	if end > len(m.data) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[off:end], p)
	return len(p), nil
}

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.data[off:]), nil
}
