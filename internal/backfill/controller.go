package backfill

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/pingsantohq/tcpping/internal/metrics"
	"github.com/pingsantohq/tcpping/internal/queue/persist"
	"github.com/pingsantohq/tcpping/pkg/types"
)

const (
	// DefaultSpeedup is how many spilled rounds are replayed per live interval.
	DefaultSpeedup  = 20
	defaultInterval = 3 * time.Second
)

// Controller replays spilled rounds paced against the live round interval:
// at most speedup rounds per interval, so history catches up at a fixed
// multiple of the rate at which new rounds are produced.
type Controller struct {
	store    *persist.Store
	interval func() time.Duration
	speedup  int
	limiter  *rate.Limiter
	pacedFor time.Duration
	metrics  metrics.BackfillRecorder
}

type Option func(*Controller)

func WithSpeedup(rounds int) Option {
	return func(c *Controller) {
		if rounds > 0 {
			c.speedup = rounds
		}
	}
}

func WithMetrics(rec metrics.BackfillRecorder) Option {
	return func(c *Controller) {
		if rec != nil {
			c.metrics = rec
		}
	}
}

// New paces replay on interval, which is read again before every batch so
// that option changes take effect. A nil interval uses the default cadence.
func New(store *persist.Store, interval func() time.Duration, opts ...Option) *Controller {
	c := &Controller{
		store:    store,
		interval: interval,
		speedup:  DefaultSpeedup,
		metrics:  metrics.NoopBackfillRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.pacedFor = c.currentInterval()
	c.limiter = rate.NewLimiter(rate.Every(c.Every()), c.speedup)
	c.recordPending()
	return c
}

// Batch is a run of spilled rounds that stays on disk until acknowledged.
type Batch struct {
	Rounds []types.Round
	ack    func() error
}

// Next returns up to max of the oldest spilled rounds, never more than one
// interval's worth, after waiting for their replay slot. An empty batch means
// nothing is pending. The same rounds are returned until the batch is acked.
func (c *Controller) Next(ctx context.Context, max int) (Batch, error) {
	if c.store == nil {
		return Batch{}, nil
	}
	c.pace()
	n := c.speedup
	if max > 0 && max < n {
		n = max
	}

	storeBatch, err := c.store.ReadBatch(n)
	if err != nil {
		return Batch{}, err
	}
	c.recordPending()
	if len(storeBatch.Rounds) == 0 {
		return Batch{}, nil
	}
	if err := c.limiter.WaitN(ctx, len(storeBatch.Rounds)); err != nil {
		return Batch{}, err
	}
	return Batch{
		Rounds: storeBatch.Rounds,
		ack: func() error {
			return c.store.Ack(storeBatch)
		},
	}, nil
}

// Ack removes batch from the spill.
func (c *Controller) Ack(batch Batch) error {
	if batch.ack == nil {
		return nil
	}
	if err := batch.ack(); err != nil {
		return err
	}
	c.recordPending()
	return nil
}

// Every reports the replay spacing currently applied between rounds.
func (c *Controller) Every() time.Duration {
	return c.currentInterval() / time.Duration(c.speedup)
}

func (c *Controller) PendingBytes() int64 {
	if c.store == nil {
		return 0
	}
	return c.store.SizeBytes()
}

func (c *Controller) SetMetrics(rec metrics.BackfillRecorder) {
	if rec == nil {
		rec = metrics.NoopBackfillRecorder{}
	}
	c.metrics = rec
	c.recordPending()
}

// pace retunes the limiter when the live interval changed.
func (c *Controller) pace() {
	interval := c.currentInterval()
	if interval == c.pacedFor {
		return
	}
	c.pacedFor = interval
	c.limiter.SetLimit(rate.Every(interval / time.Duration(c.speedup)))
}

func (c *Controller) currentInterval() time.Duration {
	if c.interval == nil {
		return defaultInterval
	}
	if d := c.interval(); d > 0 {
		return d
	}
	return defaultInterval
}

func (c *Controller) recordPending() {
	if c.store == nil {
		return
	}
	c.metrics.ObservePendingBytes(c.store.SizeBytes())
}
