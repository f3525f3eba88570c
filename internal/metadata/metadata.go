// Package metadata holds the per-image metadata handles a WIMStruct owns: a
// reference to the LTE carrying each image's serialized directory tree, a
// dirty bit, and a bounded cache of parsed trees so that re-reading an image
// that was recently materialized doesn't re-walk its metadata stream.
//
// The directory tree's own schema (dentries, security descriptors) is a
// capture/apply collaborator concern and out of scope here; this package
// treats a parsed tree as an opaque value supplied by a caller-provided
// parser.
package metadata

import (
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gowim/wim/internal/lookup"
	"github.com/gowim/wim/internal/wire"
	"golang.org/x/xerrors"
)

// treeCacheSize bounds how many images' parsed trees are held in memory at
// once; a WIM can carry far more images than a caller typically has open.
const treeCacheSize = 32

// Parser turns a fully-read metadata stream into a collaborator-defined
// parsed tree representation, and extracts the set of stream hashes the
// tree references (for recalculate_refcounts and image deletion).
type Parser interface {
	Parse(r io.Reader) (tree interface{}, referencedHashes []wire.Hash, err error)
}

// Image is one WIM image's metadata handle.
type Image struct {
	LTE   *lookup.LTE
	Dirty bool
}

// Store is the ordered array of per-image metadata handles a WIMStruct
// owns, plus the parsed-tree cache shared across them.
type Store struct {
	mu     sync.Mutex
	images []*Image
	cache  *lru.Cache[*Image, cachedTree]
}

type cachedTree struct {
	tree interface{}
	refs []wire.Hash
}

// NewStore returns an empty metadata store.
func NewStore() *Store {
	c, err := lru.New[*Image, cachedTree](treeCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which treeCacheSize
		// never is.
		panic(err)
	}
	return &Store{cache: c}
}

// AddImage appends a new image handle backed by lte and returns its 1-based
// index.
func (s *Store) AddImage(lte *lookup.LTE) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images = append(s.images, &Image{LTE: lte, Dirty: true})
	return len(s.images)
}

// Count returns the number of images currently tracked.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.images)
}

// Image returns the handle for the 1-based image index.
func (s *Store) Image(index int) (*Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 1 || index > len(s.images) {
		return nil, xerrors.Errorf("metadata: image index %d out of range [1,%d]", index, len(s.images))
	}
	return s.images[index-1], nil
}

// Materialize returns the parsed tree for the image at index, reading and
// parsing its metadata stream via open on first access and serving the
// cached value thereafter. open is called at most once per image per
// eviction from the cache.
func (s *Store) Materialize(index int, open func(*lookup.LTE) (io.Reader, error), p Parser) (interface{}, []wire.Hash, error) {
	img, err := s.Image(index)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	if ct, ok := s.cache.Get(img); ok {
		s.mu.Unlock()
		return ct.tree, ct.refs, nil
	}
	s.mu.Unlock()

	r, err := open(img.LTE)
	if err != nil {
		return nil, nil, xerrors.Errorf("metadata: open image %d stream: %w", index, err)
	}
	tree, refs, err := p.Parse(r)
	if err != nil {
		return nil, nil, xerrors.Errorf("metadata: parse image %d tree: %w", index, err)
	}

	s.mu.Lock()
	s.cache.Add(img, cachedTree{tree: tree, refs: refs})
	s.mu.Unlock()
	return tree, refs, nil
}

// Invalidate drops any cached parsed tree for the image at index and marks
// it dirty, e.g. after a collaborator replaces its LTE with a freshly
// serialized one.
func (s *Store) Invalidate(index int) error {
	img, err := s.Image(index)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(img)
	img.Dirty = true
	return nil
}

// DeleteImage removes the image at index, decrementing its metadata LTE's
// refcount and the refcount of every stream it uniquely references (i.e.
// every hash in the cached or freshly-parsed reference set), via store.
func (s *Store) DeleteImage(index int, store *lookup.Store, open func(*lookup.LTE) (io.Reader, error), p Parser) error {
	_, refs, err := s.Materialize(index, open, p)
	if err != nil {
		return xerrors.Errorf("metadata: delete image %d: %w", index, err)
	}

	s.mu.Lock()
	img := s.images[index-1]
	s.images = append(s.images[:index-1], s.images[index:]...)
	s.cache.Remove(img)
	s.mu.Unlock()

	store.Decrement(img.LTE)
	for _, h := range refs {
		if lte, ok := store.Lookup(h); ok {
			store.Decrement(lte)
		}
	}
	return nil
}

// DeleteImageWithRefs is DeleteImage for a caller that has already
// determined the image's referenced stream hashes (e.g. it parsed the tree
// itself) and so needs no Parser or stream-open callback.
func (s *Store) DeleteImageWithRefs(index int, store *lookup.Store, refs []wire.Hash) error {
	img, err := s.Image(index)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.images = append(s.images[:index-1], s.images[index:]...)
	s.cache.Remove(img)
	s.mu.Unlock()

	store.Decrement(img.LTE)
	for _, h := range refs {
		if lte, ok := store.Lookup(h); ok {
			store.Decrement(lte)
		}
	}
	return nil
}

// DirtyImages returns every image handle with its dirty bit set, in
// ascending index order — the set the write planner must re-serialize.
func (s *Store) DirtyImages() []*Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Image
	for _, img := range s.images {
		if img.Dirty {
			out = append(out, img)
		}
	}
	return out
}
