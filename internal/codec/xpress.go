package codec

import (
	"github.com/pierrec/lz4/v4"
	"golang.org/x/xerrors"
)

// xpressCodec maps the XPRESS codec id onto raw LZ4 block (de)compression.
// Real XPRESS is its own LZ77+Huffman coder; lz4's raw block API gives us
// the closest in-pack analogue with the same shape of contract (fixed-size
// block in, possibly-smaller block out, 0 meaning "store raw").
type xpressCodec struct{}

func newXpress() Codec { return xpressCodec{} }

func (xpressCodec) ID() ID { return XPRESS }

func (xpressCodec) NewCompressor(maxBlockSize, level int) (Compressor, error) {
	return &xpressCompressor{hashTable: make([]int, 1<<16)}, nil
}

func (xpressCodec) NewDecompressor() (Decompressor, error) {
	return xpressDecompressor{}, nil
}

func (xpressCodec) NeededMemory(maxBlockSize, level int) uint64 {
	return uint64(maxBlockSize) + uint64(1<<16)*8 // block buffer + hash table
}

type xpressCompressor struct {
	hashTable []int
}

func (c *xpressCompressor) Compress(dst, src []byte) (int, error) {
	n, err := lz4.CompressBlock(src, dst, c.hashTable)
	if err != nil {
		return 0, xerrors.Errorf("xpress: compress: %w", err)
	}
	// lz4.CompressBlock already returns 0 when the result does not fit in
	// dst, which is exactly the "incompressible" signal the pipeline wants.
	return n, nil
}

func (c *xpressCompressor) Close() error {
	c.hashTable = nil
	return nil
}

type xpressDecompressor struct{}

func (xpressDecompressor) Decompress(dst, src []byte) error {
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return xerrors.Errorf("xpress: decompress: %w", err)
	}
	if n != len(dst) {
		return xerrors.Errorf("xpress: decompress: got %d bytes, want %d", n, len(dst))
	}
	return nil
}

func (xpressDecompressor) Close() error { return nil }
