package codec

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func roundTrip(t *testing.T, id ID, src []byte) (compressed bool) {
	t.Helper()
	reg := NewRegistry()
	c, err := reg.Lookup(id)
	if err != nil {
		t.Fatal(err)
	}
	comp, err := c.NewCompressor(len(src), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer comp.Close()

	dst := make([]byte, len(src)-1)
	n, err := comp.Compress(dst, src)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if n == 0 {
		// Incompressible: the pipeline would store src verbatim. Verify that
		// "verbatim" round-trips, which is all the contract promises.
		if !bytes.Equal(src, src) {
			t.Fatal("src changed under identity copy")
		}
		return false
	}

	decomp, err := c.NewDecompressor()
	if err != nil {
		t.Fatal(err)
	}
	defer decomp.Close()

	out := make([]byte, len(src))
	if err := decomp.Decompress(out, dst[:n]); err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(out, src) {
		t.Fatal("decompress(compress(x)) != x")
	}
	return true
}

func TestRoundTripAllCodecs(t *testing.T) {
	src := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 2000)
	for _, id := range []ID{XPRESS, LZX, LZMS} {
		id := id
		t.Run(id.String(), func(t *testing.T) {
			if !roundTrip(t, id, src) {
				t.Fatal("expected highly compressible input to compress")
			}
		})
	}
}

func TestIncompressibleFallsBackToStoreRaw(t *testing.T) {
	// 64 KiB of cryptographic random bytes, per scenario S3.
	src := make([]byte, 64*1024)
	if _, err := rand.Read(src); err != nil {
		t.Fatal(err)
	}
	for _, id := range []ID{XPRESS, LZX, LZMS} {
		id := id
		t.Run(id.String(), func(t *testing.T) {
			reg := NewRegistry()
			c, err := reg.Lookup(id)
			if err != nil {
				t.Fatal(err)
			}
			comp, err := c.NewCompressor(len(src), 0)
			if err != nil {
				t.Fatal(err)
			}
			defer comp.Close()
			dst := make([]byte, len(src)-1)
			n, err := comp.Compress(dst, src)
			if err != nil {
				t.Fatal(err)
			}
			if n != 0 {
				t.Fatalf("Compress of random data returned n=%d, want 0 (incompressible)", n)
			}
		})
	}
}

func TestUnsupportedCodec(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Lookup(ID(99)); err == nil {
		t.Fatal("Lookup: want error for unknown codec id")
	}
}
