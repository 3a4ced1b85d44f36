package dataset

import (
	"context"
	"sync"
)

type prefetched struct {
	batch *Batch
	err   error
}

// prefetcher runs the wrapped sequence on one background goroutine and
// buffers up to depth batches. Batches arrive in the same order the
// wrapped sequence produces them.
type prefetcher struct {
	src   Sequence
	depth int

	mu     sync.Mutex
	ch     chan prefetched
	cancel context.CancelFunc
	done   chan struct{}
}

// Prefetch wraps src so the next batches are assembled while the caller
// works on the current one. depth <= 0 returns src unchanged. The producer
// starts on the first Next and stops on Reset or Close; src must not be
// used directly afterwards.
func Prefetch(src Sequence, depth int) Sequence {
	if depth <= 0 {
		return src
	}
	return &prefetcher{src: src, depth: depth}
}

func (p *prefetcher) start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.ch = make(chan prefetched, p.depth)
	p.cancel = cancel
	p.done = make(chan struct{})

	go func(ch chan<- prefetched, done chan<- struct{}) {
		defer close(done)
		for {
			b, err := p.src.Next(ctx)
			if ctx.Err() != nil {
				return
			}
			select {
			case ch <- prefetched{batch: b, err: err}:
			case <-ctx.Done():
				return
			}
		}
	}(p.ch, p.done)
}

func (p *prefetcher) stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel, p.ch, p.done = nil, nil, nil
}

func (p *prefetcher) Next(ctx context.Context) (*Batch, error) {
	p.mu.Lock()
	if p.ch == nil {
		p.start()
	}
	ch := p.ch
	p.mu.Unlock()

	select {
	case r := <-ch:
		return r.batch, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *prefetcher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stop()
	p.src.Reset()
}

func (p *prefetcher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stop()
	return p.src.Close()
}

func (p *prefetcher) Len() int          { return p.src.Len() }
func (p *prefetcher) Samples() int      { return p.src.Samples() }
func (p *prefetcher) Classes() []string { return p.src.Classes() }
