package worker

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Pool runs several independent poll loops of the same worker.
type Pool struct {
	worker *Worker
	size   int
}

// NewPool returns a pool of size loops; size below one runs a single loop.
func NewPool(w *Worker, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{worker: w, size: size}
}

// Run blocks until ctx is cancelled and every loop has returned.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		loop := p.worker.withLogger("worker_id", i)
		g.Go(func() error {
			return loop.Run(ctx)
		})
	}
	return g.Wait()
}
