package lookup

import (
	"bytes"
	"testing"

	"github.com/gowim/wim/internal/wire"
)

func TestDedupRefcount(t *testing.T) {
	s := NewStore()
	h := wire.HashBytes([]byte("payload"))
	a := &LTE{Hash: h, Refcount: 1, Reshdr: wire.Reshdr{OffsetInWIM: 208, SizeInWIM: 7, UncompressedSize: 7}}
	got1 := s.InsertOrCoalesce(a)
	if got1 != a {
		t.Fatal("first insert should return the same LTE")
	}
	b := &LTE{Hash: h, Refcount: 1, Reshdr: wire.Reshdr{OffsetInWIM: 9999}}
	got2 := s.InsertOrCoalesce(b)
	if got2 != a {
		t.Fatal("second insert of the same hash should coalesce onto the first LTE")
	}
	if got2.Refcount != 2 {
		t.Fatalf("refcount = %d, want 2", got2.Refcount)
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (one on-disk resource for two insertions)", s.Len())
	}
}

func TestRecalculateRefcounts(t *testing.T) {
	s := NewStore()
	h1 := wire.HashBytes([]byte("one"))
	h2 := wire.HashBytes([]byte("two"))
	l1 := s.InsertOrCoalesce(&LTE{Hash: h1, Refcount: 99}) // deliberately wrong
	l2 := s.InsertOrCoalesce(&LTE{Hash: h2, Refcount: 0})

	refs := []wire.Hash{h1, h1, h1, h2}
	s.RecalculateRefcounts(refs)

	if !s.RefcountsOK() {
		t.Fatal("RefcountsOK() = false after RecalculateRefcounts")
	}
	if l1.Refcount != 3 {
		t.Errorf("l1.Refcount = %d, want 3", l1.Refcount)
	}
	if l2.Refcount != 1 {
		t.Errorf("l2.Refcount = %d, want 1", l2.Refcount)
	}
}

func TestZeroRefcountGarbageCollectedAfterRecalculate(t *testing.T) {
	s := NewStore()
	h := wire.HashBytes([]byte("orphan"))
	s.InsertOrCoalesce(&LTE{Hash: h, Refcount: 5})

	s.RecalculateRefcounts(nil) // nothing references it anymore

	var buf bytes.Buffer
	if err := s.Serialize(&buf); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 0 {
		t.Errorf("Serialize wrote %d bytes, want 0 (orphaned entry should be collected)", buf.Len())
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	s := NewStore()
	h1 := wire.HashBytes([]byte("alpha"))
	h2 := wire.HashBytes([]byte("beta"))
	s.InsertOrCoalesce(&LTE{Hash: h1, Refcount: 1, PartNumber: 1, Reshdr: wire.Reshdr{OffsetInWIM: 500, SizeInWIM: 10, UncompressedSize: 20, Flags: wire.ResourceCompressed}})
	s.InsertOrCoalesce(&LTE{Hash: h2, Refcount: 2, PartNumber: 1, Reshdr: wire.Reshdr{OffsetInWIM: 208, SizeInWIM: 5, UncompressedSize: 5}})

	var buf bytes.Buffer
	if err := s.Serialize(&buf); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 2*50 {
		t.Fatalf("serialized %d bytes, want 100", buf.Len())
	}

	got, err := Deserialize(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Len() != 2 {
		t.Fatalf("deserialized Len() = %d, want 2", got.Len())
	}
	lte, ok := got.Lookup(h2)
	if !ok {
		t.Fatal("Lookup(h2) not found after deserialize")
	}
	if lte.Reshdr.OffsetInWIM != 208 || lte.Refcount != 2 {
		t.Errorf("deserialized entry mismatch: %+v", lte)
	}
}

func TestOffsetAscendingOrder(t *testing.T) {
	s := NewStore()
	s.InsertOrCoalesce(&LTE{Hash: wire.HashBytes([]byte("c")), Reshdr: wire.Reshdr{OffsetInWIM: 300}, Refcount: 1})
	s.InsertOrCoalesce(&LTE{Hash: wire.HashBytes([]byte("a")), Reshdr: wire.Reshdr{OffsetInWIM: 100}, Refcount: 1})
	s.InsertOrCoalesce(&LTE{Hash: wire.HashBytes([]byte("b")), Reshdr: wire.Reshdr{OffsetInWIM: 200}, Refcount: 1})

	entries := s.Entries()
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Reshdr.OffsetInWIM > entries[i].Reshdr.OffsetInWIM {
			t.Fatalf("Entries() not offset-ascending: %v", entries)
		}
	}
}

func TestFinishHashingCoalesces(t *testing.T) {
	s := NewStore()
	h := wire.HashBytes([]byte("data"))
	existing := s.InsertOrCoalesce(&LTE{Hash: h, Refcount: 1})

	unhashed := &LTE{Unhashed: true, Refcount: 1}
	s.InsertOrCoalesce(unhashed)

	got := s.FinishHashing(unhashed, h)
	if got != existing {
		t.Fatal("FinishHashing should coalesce onto the pre-existing entry")
	}
	if got.Refcount != 2 {
		t.Errorf("Refcount = %d, want 2", got.Refcount)
	}
}
