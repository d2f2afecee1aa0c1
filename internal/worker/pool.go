package worker

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// Pool runs several workers in one process. Each claims under its own id.
type Pool struct {
	workers []*Worker
}

// NewPool builds size workers with build, naming them after identity.
func NewPool(identity string, size int, build func(id string) (*Worker, error)) (*Pool, error) {
	if size <= 0 {
		size = 1
	}
	p := &Pool{}
	for i := 0; i < size; i++ {
		w, err := build(MemberID(identity, i, size))
		if err != nil {
			return nil, err
		}
		p.workers = append(p.workers, w)
	}
	return p, nil
}

// Workers returns the pool members.
func (p *Pool) Workers() []*Worker { return p.workers }

// Run blocks until ctx is cancelled and every worker has finished its current action.
func (p *Pool) Run(ctx context.Context) error {
	if len(p.workers) == 0 {
		return errors.New("worker pool is empty")
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error { return w.Run(gctx) })
	}
	return g.Wait()
}
