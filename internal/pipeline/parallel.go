package pipeline

import (
	"sync"

	"github.com/gowim/wim/internal/codec"
	"golang.org/x/xerrors"
)

// Parallel is the N-worker-slot pipeline. Each worker owns its own codec
// context (codec instances are never shared across workers, per the
// concurrency model); a semaphore of capacity N bounds the number of
// chunks in flight or awaiting Next, and a per-slot ring of channels
// enforces in-order emission regardless of which worker finishes first.
type Parallel struct {
	n    int
	sem  chan struct{}
	jobs chan job
	ring []chan Result

	mu        sync.Mutex
	submitted int
	nextOut   int
	closed    bool

	wg      sync.WaitGroup
	workers []codec.Compressor
}

type job struct {
	idx   int
	chunk []byte
}

// NewParallel returns a Parallel pipeline with n worker goroutines, each
// holding its own compressor for blocks up to maxBlockSize bytes.
func NewParallel(c codec.Codec, maxBlockSize, level, n int) (*Parallel, error) {
	if n < 1 {
		return nil, xerrors.Errorf("pipeline: parallel worker count must be >= 1, got %d", n)
	}
	p := &Parallel{
		n:    n,
		sem:  make(chan struct{}, n),
		jobs: make(chan job),
		ring: make([]chan Result, n),
	}
	for i := range p.ring {
		p.ring[i] = make(chan Result, 1)
	}
	p.workers = make([]codec.Compressor, n)
	for i := 0; i < n; i++ {
		comp, err := c.NewCompressor(maxBlockSize, level)
		if err != nil {
			p.destroyWorkers(i)
			return nil, xerrors.Errorf("pipeline: new parallel worker %d: %w", i, err)
		}
		p.workers[i] = comp
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.work(p.workers[i])
	}
	return p, nil
}

func (p *Parallel) destroyWorkers(upTo int) {
	for i := 0; i < upTo; i++ {
		p.workers[i].Close()
	}
}

func (p *Parallel) work(comp codec.Compressor) {
	defer p.wg.Done()
	for j := range p.jobs {
		r, err := compress(comp, j.chunk)
		r.err = err
		p.ring[j.idx%p.n] <- r
	}
}

func (p *Parallel) Submit(chunk []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return xerrors.New("pipeline: submit after close")
	}
	idx := p.submitted
	p.submitted++
	p.mu.Unlock()

	// Backpressure: block until a worker slot is free. This also bounds the
	// number of outstanding (in-flight or unread) chunks to n.
	p.sem <- struct{}{}

	// Copy the chunk: the caller may reuse its buffer as soon as Submit
	// returns, but the job channel hand-off is asynchronous.
	owned := make([]byte, len(chunk))
	copy(owned, chunk)
	p.jobs <- job{idx: idx, chunk: owned}
	return nil
}

func (p *Parallel) Next() (Result, bool, error) {
	p.mu.Lock()
	if p.nextOut >= p.submitted {
		p.mu.Unlock()
		return Result{}, false, nil
	}
	slot := p.nextOut % p.n
	p.nextOut++
	p.mu.Unlock()

	r := <-p.ring[slot]
	<-p.sem // release the slot this result occupied
	if r.err != nil {
		return Result{}, false, r.err
	}
	return r, true, nil
}

// Close stops accepting new chunks, waits for any in-flight compression to
// finish, and releases every worker's codec context. It does not discard
// results already emitted into the ring; callers that abort mid-stream
// should simply stop calling Next.
func (p *Parallel) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.jobs)
	p.wg.Wait()

	var firstErr error
	for _, w := range p.workers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
