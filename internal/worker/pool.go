package worker

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Task is one unit of probe work belonging to a round.
type Task func(ctx context.Context)

// Pool caps how many probe tasks run at once, independent of how many
// targets a round has.
type Pool struct {
	maxInFlight int
}

type PoolOption func(*Pool)

func WithMaxInFlight(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.maxInFlight = n
		}
	}
}

func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		maxInFlight: 4 * runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxInFlight <= 0 {
		p.maxInFlight = 1
	}
	return p
}

func (p *Pool) MaxInFlight() int {
	return p.maxInFlight
}

// Begin opens the task group for one round.
func (p *Pool) Begin(ctx context.Context) *Round {
	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(p.maxInFlight)
	return &Round{grp: grp, ctx: grpCtx}
}

// Round is the task group of a single scheduling round.
type Round struct {
	grp *errgroup.Group
	ctx context.Context
}

// Go schedules task, blocking while the pool is at its limit.
func (r *Round) Go(task Task) {
	r.grp.Go(func() error {
		task(r.ctx)
		return nil
	})
}

// Wait blocks until every task of the round has returned.
func (r *Round) Wait() {
	_ = r.grp.Wait()
}
