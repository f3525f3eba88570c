// Package pipeline drives a codec over fixed-size uncompressed chunks,
// producing, for each submitted chunk, exactly one emitted chunk whose
// compressed bytes are either the codec's output (when smaller) or a
// verbatim copy of the input. It comes in two flavors: Serial, with one
// chunk in flight at a time, and Parallel, with a fixed pool of worker
// goroutines and in-order emission regardless of completion order.
package pipeline

import (
	"github.com/gowim/wim/internal/codec"
	"golang.org/x/xerrors"
)

// Result is one emitted chunk.
type Result struct {
	// Data is either the codec's compressed output or, when Compressed is
	// false, a verbatim copy of the submitted chunk. The caller owns the
	// backing array.
	Data []byte

	// Compressed reports whether Data holds compressed bytes (true) or a
	// verbatim copy (false, "incompressible").
	Compressed bool

	// UncompressedSize is the length of the chunk as submitted.
	UncompressedSize int

	// err carries a worker's compression error back through Parallel's
	// result ring; Next surfaces it and clears the zero Result instead.
	err error
}

// Pipeline is implemented by Serial and Parallel.
type Pipeline interface {
	// Submit enqueues chunk for compression. chunk is copied internally
	// before Submit returns, so the caller may reuse its backing array
	// immediately afterwards. Submission order equals emission order.
	Submit(chunk []byte) error

	// Next blocks until the next emitted chunk (in submission order) is
	// available and returns it. ok is false once every submitted chunk has
	// been returned by a prior call to Next.
	Next() (result Result, ok bool, err error)

	// Close stops accepting new chunks, waits for in-flight work to finish
	// and releases all codec resources. No partial chunk output is ever
	// visible to callers of Next.
	Close() error
}

// compress runs comp over chunk and produces the Result the pipeline
// contract promises: the codec's output when it's smaller than chunk, a
// verbatim copy otherwise.
func compress(comp codec.Compressor, chunk []byte) (Result, error) {
	if len(chunk) < 2 {
		// A codec can never legally compress a chunk this small (out_avail
		// would be 0 or negative bytes), so store it verbatim.
		return verbatim(chunk), nil
	}
	dst := make([]byte, len(chunk)-1)
	n, err := comp.Compress(dst, chunk)
	if err != nil {
		return Result{}, xerrors.Errorf("pipeline: compress: %w", err)
	}
	if n == 0 {
		return verbatim(chunk), nil
	}
	return Result{Data: dst[:n], Compressed: true, UncompressedSize: len(chunk)}, nil
}

func verbatim(chunk []byte) Result {
	data := make([]byte, len(chunk))
	copy(data, chunk)
	return Result{Data: data, Compressed: false, UncompressedSize: len(chunk)}
}
