package metadata

import (
	"bytes"
	"io"
	"testing"

	"github.com/gowim/wim/internal/lookup"
	"github.com/gowim/wim/internal/wire"
)

type fakeParser struct {
	calls int
	refs  []wire.Hash
}

func (p *fakeParser) Parse(r io.Reader) (interface{}, []wire.Hash, error) {
	p.calls++
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, err
	}
	return string(b), p.refs, nil
}

func TestMaterializeCachesParsedTree(t *testing.T) {
	s := NewStore()
	lte := &lookup.LTE{Hash: wire.HashBytes([]byte("tree"))}
	idx := s.AddImage(lte)

	p := &fakeParser{refs: []wire.Hash{wire.HashBytes([]byte("stream-a"))}}
	open := func(*lookup.LTE) (io.Reader, error) { return bytes.NewReader([]byte("dentries")), nil }

	tree, refs, err := s.Materialize(idx, open, p)
	if err != nil {
		t.Fatal(err)
	}
	if tree.(string) != "dentries" {
		t.Errorf("tree = %q, want %q", tree, "dentries")
	}
	if len(refs) != 1 {
		t.Fatalf("refs = %v, want 1 entry", refs)
	}

	if _, _, err := s.Materialize(idx, open, p); err != nil {
		t.Fatal(err)
	}
	if p.calls != 1 {
		t.Errorf("parser called %d times, want 1 (second call should hit the cache)", p.calls)
	}
}

func TestDeleteImageDecrementsReferences(t *testing.T) {
	lut := lookup.NewStore()
	streamHash := wire.HashBytes([]byte("unique-stream"))
	streamLTE := lut.InsertOrCoalesce(&lookup.LTE{Hash: streamHash, Refcount: 1})

	metaLTE := &lookup.LTE{Hash: wire.HashBytes([]byte("meta")), Refcount: 1, Reshdr: wire.Reshdr{Flags: wire.ResourceMetadata}}

	s := NewStore()
	idx := s.AddImage(metaLTE)

	p := &fakeParser{refs: []wire.Hash{streamHash}}
	open := func(*lookup.LTE) (io.Reader, error) { return bytes.NewReader(nil), nil }

	if err := s.DeleteImage(idx, lut, open, p); err != nil {
		t.Fatal(err)
	}
	if s.Count() != 0 {
		t.Errorf("Count() = %d, want 0 after deletion", s.Count())
	}
	if metaLTE.Refcount != 0 {
		t.Errorf("metadata LTE refcount = %d, want 0", metaLTE.Refcount)
	}
	if streamLTE.Refcount != 0 {
		t.Errorf("uniquely-referenced stream refcount = %d, want 0", streamLTE.Refcount)
	}
}

func TestDirtyImagesAndInvalidate(t *testing.T) {
	s := NewStore()
	idx := s.AddImage(&lookup.LTE{})
	if got := s.DirtyImages(); len(got) != 1 {
		t.Fatalf("DirtyImages() = %v, want one freshly-added image marked dirty", got)
	}

	img, err := s.Image(idx)
	if err != nil {
		t.Fatal(err)
	}
	img.Dirty = false
	if got := s.DirtyImages(); len(got) != 0 {
		t.Fatalf("DirtyImages() = %v, want none after clearing", got)
	}

	if err := s.Invalidate(idx); err != nil {
		t.Fatal(err)
	}
	if got := s.DirtyImages(); len(got) != 1 {
		t.Fatalf("DirtyImages() = %v, want Invalidate to re-mark dirty", got)
	}
}

func TestImageOutOfRange(t *testing.T) {
	s := NewStore()
	if _, err := s.Image(1); err == nil {
		t.Fatal("Image(1) on empty store should error")
	}
}
