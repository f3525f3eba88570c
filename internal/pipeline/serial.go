package pipeline

import (
	"github.com/gowim/wim/internal/codec"
	"golang.org/x/xerrors"
)

// Serial is the single-chunk-in-flight pipeline: the minimum valid
// implementation of the chunk pipeline contract.
type Serial struct {
	comp    codec.Compressor
	pending *Result
	closed  bool
}

// NewSerial returns a Serial pipeline backed by a single compressor
// instance for blocks up to maxBlockSize bytes.
func NewSerial(c codec.Codec, maxBlockSize, level int) (*Serial, error) {
	comp, err := c.NewCompressor(maxBlockSize, level)
	if err != nil {
		return nil, xerrors.Errorf("pipeline: new serial: %w", err)
	}
	return &Serial{comp: comp}, nil
}

func (s *Serial) Submit(chunk []byte) error {
	if s.closed {
		return xerrors.New("pipeline: submit after close")
	}
	if s.pending != nil {
		return xerrors.New("pipeline: serial submit with unread chunk pending")
	}
	r, err := compress(s.comp, chunk)
	if err != nil {
		return err
	}
	s.pending = &r
	return nil
}

func (s *Serial) Next() (Result, bool, error) {
	if s.pending == nil {
		return Result{}, false, nil
	}
	r := *s.pending
	s.pending = nil
	return r, true, nil
}

func (s *Serial) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.comp.Close()
}
