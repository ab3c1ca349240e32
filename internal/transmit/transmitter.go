package transmit

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"github.com/pingsantohq/tcpping/internal/backfill"
	"github.com/pingsantohq/tcpping/internal/queue"
	"github.com/pingsantohq/tcpping/internal/sink"
	"github.com/pingsantohq/tcpping/pkg/types"
)

// Sinks is the fan-out fed by the transmitter. Rounds accepted by Send belong
// to it from then on, even when Send reports that some sink failed; only
// sink.ErrBacklogFull hands them back.
type Sinks interface {
	Send(ctx context.Context, rounds []types.Round) error
	Flush(ctx context.Context) error
	Pending() int
	Room() int
}

type Option func(*Transmitter)

// WithBackfill replays spilled rounds once live rounds and backlogs are clear.
func WithBackfill(ctrl *backfill.Controller) Option {
	return func(t *Transmitter) {
		t.backfill = ctrl
	}
}

func WithBatchSize(size int) Option {
	return func(t *Transmitter) {
		if size > 0 {
			t.batchSize = size
		}
	}
}

func WithIdleSleep(d time.Duration) Option {
	return func(t *Transmitter) {
		if d > 0 {
			t.idleSleep = d
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(t *Transmitter) {
		if l != nil {
			t.logger = l
		}
	}
}

// Transmitter moves rounds from the live queue, then from the spill, into the
// sinks. It stops taking live rounds while some sink's backlog is full, so
// the queue and its spill absorb long outages.
type Transmitter struct {
	queue     *queue.ResultQueue
	backfill  *backfill.Controller
	sinks     Sinks
	logger    *log.Logger
	batchSize int
	idleSleep time.Duration

	// replay is the spilled batch handed to the sinks and not yet acked.
	replay *backfill.Batch
}

func New(q *queue.ResultQueue, sinks Sinks, opts ...Option) *Transmitter {
	t := &Transmitter{
		queue:     q,
		sinks:     sinks,
		logger:    log.Default(),
		batchSize: 64,
		idleSleep: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run blocks until ctx is done. Live rounds always go before replayed ones.
func (t *Transmitter) Run(ctx context.Context) error {
	if t.queue == nil {
		return errors.New("transmitter queue is nil")
	}
	if t.sinks == nil {
		return errors.New("transmitter sinks are nil")
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		busy, err := t.step(ctx)
		if err != nil {
			return err
		}
		if busy {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.idleSleep):
		}
	}
}

// step moves at most one batch and reports whether more work is ready.
func (t *Transmitter) step(ctx context.Context) (bool, error) {
	if t.forwardLive(ctx) {
		return true, nil
	}
	if t.sinks.Pending() > 0 {
		if err := t.sinks.Flush(ctx); err != nil {
			t.logger.Debug("sink retry failed", "pending", t.sinks.Pending(), "err", err)
		}
		return t.sinks.Pending() == 0, nil
	}
	if t.replay != nil {
		if err := t.backfill.Ack(*t.replay); err != nil {
			return false, err
		}
		t.replay = nil
	}
	return t.forwardReplay(ctx)
}

func (t *Transmitter) forwardLive(ctx context.Context) bool {
	room := t.sinks.Room()
	if room <= 0 {
		return false
	}
	rounds := t.queue.Drain(min(t.batchSize, room))
	if len(rounds) == 0 {
		return false
	}
	if err := t.sinks.Send(ctx, rounds); err != nil {
		if errors.Is(err, sink.ErrBacklogFull) {
			t.queue.Requeue(rounds)
			return false
		}
		t.logger.Warn("delivery deferred", "rounds", len(rounds), "err", err)
	}
	return true
}

// forwardReplay hands the next spilled batch to the sinks. The batch stays on
// disk until every sink has taken it.
func (t *Transmitter) forwardReplay(ctx context.Context) (bool, error) {
	if t.backfill == nil || t.queue.Len() > 0 {
		return false, nil
	}
	batch, err := t.backfill.Next(ctx, min(t.batchSize, t.sinks.Room()))
	if err != nil {
		return false, err
	}
	if len(batch.Rounds) == 0 {
		return false, nil
	}
	if err := t.sinks.Send(ctx, batch.Rounds); err != nil {
		if errors.Is(err, sink.ErrBacklogFull) {
			return false, nil
		}
		t.logger.Warn("replay deferred", "rounds", len(batch.Rounds), "err", err)
	}
	t.replay = &batch
	return true, nil
}
