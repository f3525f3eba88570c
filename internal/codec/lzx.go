package codec

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
	"golang.org/x/xerrors"
)

// lzxCodec maps the LZX codec id onto DEFLATE via klauspost/compress/flate.
// Real LZX is a window-based LZ77+Huffman coder tuned for WIM; flate is the
// closest general-purpose analogue available in the pack and, like LZX,
// trades some ratio for speed relative to LZMS/LZMA.
type lzxCodec struct{}

func newLZX() Codec { return lzxCodec{} }

func (lzxCodec) ID() ID { return LZX }

func (lzxCodec) NewCompressor(maxBlockSize, level int) (Compressor, error) {
	if level == 0 {
		level = flate.DefaultCompression
	}
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, xerrors.Errorf("lzx: new compressor: %w", err)
	}
	return &lzxCompressor{w: fw, buf: &buf}, nil
}

func (lzxCodec) NewDecompressor() (Decompressor, error) {
	return lzxDecompressor{}, nil
}

func (lzxCodec) NeededMemory(maxBlockSize, level int) uint64 {
	return uint64(maxBlockSize) * 2
}

type lzxCompressor struct {
	w   *flate.Writer
	buf *bytes.Buffer
}

func (c *lzxCompressor) Compress(dst, src []byte) (int, error) {
	c.buf.Reset()
	c.w.Reset(c.buf)
	if _, err := c.w.Write(src); err != nil {
		return 0, xerrors.Errorf("lzx: compress: %w", err)
	}
	if err := c.w.Close(); err != nil {
		return 0, xerrors.Errorf("lzx: compress: %w", err)
	}
	if c.buf.Len() > len(dst) { // dst is sized to len(src)-1
		return 0, nil
	}
	return copy(dst, c.buf.Bytes()), nil
}

func (c *lzxCompressor) Close() error {
	c.buf = nil
	return nil
}

type lzxDecompressor struct{}

func (lzxDecompressor) Decompress(dst, src []byte) error {
	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close()
	n, err := io.ReadFull(r, dst)
	if err != nil && err != io.ErrUnexpectedEOF {
		return xerrors.Errorf("lzx: decompress: %w", err)
	}
	if n != len(dst) {
		return xerrors.Errorf("lzx: decompress: got %d bytes, want %d", n, len(dst))
	}
	return nil
}

func (lzxDecompressor) Close() error { return nil }
