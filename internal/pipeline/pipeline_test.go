package pipeline

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/gowim/wim/internal/codec"
)

func chunksOf(n, size int, seed int64) [][]byte {
	rnd := rand.New(rand.NewSource(seed))
	chunks := make([][]byte, n)
	for i := range chunks {
		c := bytes.Repeat([]byte{byte('a' + i%26)}, size)
		// Sprinkle a little entropy so compressed sizes vary slightly from
		// chunk to chunk but stay deterministic for a given seed.
		if rnd.Intn(4) == 0 && size > 0 {
			c[0] ^= 0xFF
		}
		chunks[i] = c
	}
	return chunks
}

func expectNext(t *testing.T, p Pipeline, i int, w []byte) {
	t.Helper()
	r, ok, err := p.Next()
	if err != nil {
		t.Fatalf("chunk %d: Next: %v", i, err)
	}
	if !ok {
		t.Fatalf("chunk %d: Next: ok=false, want a result", i)
	}
	if r.UncompressedSize != len(w) {
		t.Fatalf("chunk %d: UncompressedSize = %d, want %d", i, r.UncompressedSize, len(w))
	}
}

func drain(t *testing.T, p Pipeline, want [][]byte) {
	t.Helper()
	for i, w := range want {
		expectNext(t, p, i, w)
	}
	if _, ok, err := p.Next(); ok || err != nil {
		t.Fatalf("Next after full drain: ok=%v, err=%v, want ok=false, err=nil", ok, err)
	}
}

func TestSerialFIFO(t *testing.T) {
	reg := codec.NewRegistry()
	c, _ := reg.Lookup(codec.LZX)
	p, err := NewSerial(c, 32768, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	chunks := chunksOf(8, 4096, 1)
	for i, chunk := range chunks {
		if err := p.Submit(chunk); err != nil {
			t.Fatalf("chunk %d: Submit: %v", i, err)
		}
		if _, _, err := p.Next(); err != nil {
			t.Fatalf("chunk %d: Next: %v", i, err)
		}
	}
}

func TestSerialRejectsSubmitWithUnreadPending(t *testing.T) {
	reg := codec.NewRegistry()
	c, _ := reg.Lookup(codec.XPRESS)
	p, err := NewSerial(c, 4096, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if err := p.Submit(make([]byte, 100)); err != nil {
		t.Fatal(err)
	}
	if err := p.Submit(make([]byte, 100)); err == nil {
		t.Fatal("Submit: want error when an unread chunk is pending, got nil")
	}
}

func TestParallelPreservesSubmissionOrder(t *testing.T) {
	reg := codec.NewRegistry()
	c, _ := reg.Lookup(codec.LZMS)
	const workers = 4
	p, err := NewParallel(c, 32768, 0, workers)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	const n = 40
	chunks := chunksOf(n, 8192, 2)
	// Give every chunk a distinct length so the UncompressedSize checks
	// detect any reordering.
	for i := range chunks {
		chunks[i] = chunks[i][:len(chunks[i])-i]
	}
	// Submit blocks while every slot holds an unread result, and Next
	// reports ok=false when no submitted chunk is left unread, so keep
	// `workers` chunks outstanding: read one result before each further
	// submit, then drain the rest.
	for i, chunk := range chunks {
		if i >= workers {
			expectNext(t, p, i-workers, chunks[i-workers])
		}
		if err := p.Submit(chunk); err != nil {
			t.Fatalf("chunk %d: Submit: %v", i, err)
		}
	}
	drain(t, p, chunks[n-workers:])
}

func TestParallelClosePreventsFurtherSubmit(t *testing.T) {
	reg := codec.NewRegistry()
	c, _ := reg.Lookup(codec.XPRESS)
	p, err := NewParallel(c, 4096, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Submit(make([]byte, 10)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := p.Next(); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if err := p.Submit(make([]byte, 10)); err == nil {
		t.Fatal("Submit after Close: want error, got nil")
	}
}
