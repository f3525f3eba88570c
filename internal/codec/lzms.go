package codec

import (
	"bytes"
	"io"

	"github.com/ulikunitz/xz/lzma"
	"golang.org/x/xerrors"
)

// lzmsCodec maps the LZMS codec id onto raw LZMA via ulikunitz/xz. Real
// LZMS is a range-coded LZ77 variant distinct from LZMA, but LZMA is the
// pack's closest high-ratio/slower analogue, occupying the same "best
// ratio, most CPU" slot XPRESS/LZX leave open.
type lzmsCodec struct{}

func newLZMS() Codec { return lzmsCodec{} }

func (lzmsCodec) ID() ID { return LZMS }

func (lzmsCodec) NewCompressor(maxBlockSize, level int) (Compressor, error) {
	return &lzmsCompressor{}, nil
}

func (lzmsCodec) NewDecompressor() (Decompressor, error) {
	return lzmsDecompressor{}, nil
}

func (lzmsCodec) NeededMemory(maxBlockSize, level int) uint64 {
	// LZMA dictionaries default to the input size; budget generously.
	return uint64(maxBlockSize) * 4
}

type lzmsCompressor struct{}

func (c *lzmsCompressor) Compress(dst, src []byte) (int, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return 0, xerrors.Errorf("lzms: compress: %w", err)
	}
	if _, err := w.Write(src); err != nil {
		return 0, xerrors.Errorf("lzms: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, xerrors.Errorf("lzms: compress: %w", err)
	}
	if buf.Len() > len(dst) {
		return 0, nil
	}
	return copy(dst, buf.Bytes()), nil
}

func (c *lzmsCompressor) Close() error { return nil }

type lzmsDecompressor struct{}

func (lzmsDecompressor) Decompress(dst, src []byte) error {
	r, err := lzma.NewReader(bytes.NewReader(src))
	if err != nil {
		return xerrors.Errorf("lzms: decompress: %w", err)
	}
	n, err := io.ReadFull(r, dst)
	if err != nil && err != io.ErrUnexpectedEOF {
		return xerrors.Errorf("lzms: decompress: %w", err)
	}
	if n != len(dst) {
		return xerrors.Errorf("lzms: decompress: got %d bytes, want %d", n, len(dst))
	}
	return nil
}

func (lzmsDecompressor) Close() error { return nil }
