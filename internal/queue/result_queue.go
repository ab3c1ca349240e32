package queue

import (
	"sync"

	"github.com/pingsantohq/tcpping/internal/metrics"
	"github.com/pingsantohq/tcpping/internal/queue/persist"
	"github.com/pingsantohq/tcpping/pkg/types"
)

// LossReason says why a round left the queue without being delivered.
type LossReason string

const (
	LossOverflow    LossReason = "overflow"
	LossSpillFailed LossReason = "spill_failed"
)

// Loss describes one discarded round.
type Loss struct {
	Round  types.Round
	Reason LossReason
	Err    error
}

type Option func(*ResultQueue)

// WithSpill moves the oldest rounds to store once the queue holds
// thresholdRatio of its capacity.
func WithSpill(store *persist.Store, thresholdRatio float64) Option {
	return func(q *ResultQueue) {
		if store == nil {
			return
		}
		if thresholdRatio <= 0 || thresholdRatio > 1 {
			thresholdRatio = 0.8
		}
		q.spill = store
		q.spillAt = max(int(float64(len(q.ring))*thresholdRatio), 1)
	}
}

func WithMetrics(rec metrics.QueueRecorder) Option {
	return func(q *ResultQueue) {
		if rec != nil {
			q.metrics = rec
		}
	}
}

// WithLossHandler is called, outside the queue lock, for every round the
// queue discards.
func WithLossHandler(fn func(Loss)) Option {
	return func(q *ResultQueue) {
		q.onLoss = fn
	}
}

// ResultQueue is a fixed ring of emitted rounds between the scheduler and the
// transmitter, oldest first. When full the oldest round is lost, unless a
// spill store takes it first.
type ResultQueue struct {
	mu   sync.Mutex
	ring []types.Round
	head int
	size int

	spill   *persist.Store
	spillAt int

	stats   Stats
	metrics metrics.QueueRecorder
	onLoss  func(Loss)
}

// Stats counts what happened to rounds that did not leave through Drain.
// FirstLost and LastLost bound the timestamps of every lost round and are
// zero while nothing was lost.
type Stats struct {
	Len       int
	Spilled   uint64
	Dropped   uint64
	FirstLost int32
	LastLost  int32
}

func NewResultQueue(capacity int, opts ...Option) *ResultQueue {
	if capacity <= 0 {
		capacity = 1
	}
	q := &ResultQueue{
		ring:    make([]types.Round, capacity),
		metrics: metrics.NoopQueueRecorder{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *ResultQueue) Capacity() int {
	return len(q.ring)
}

// Enqueue appends round and reports whether an older round was lost to make
// room for it.
func (q *ResultQueue) Enqueue(round types.Round) (lost bool) {
	q.mu.Lock()
	var losses []Loss
	if q.spill != nil {
		for q.size > 0 && q.size >= q.spillAt {
			oldest := q.popLocked()
			if err := q.spill.Append(oldest); err != nil {
				losses = append(losses, q.lostLocked(oldest, LossSpillFailed, err))
				break
			}
			q.stats.Spilled++
			q.metrics.IncQueueSpills()
		}
	}
	if q.size == len(q.ring) {
		losses = append(losses, q.lostLocked(q.popLocked(), LossOverflow, nil))
	}
	q.ring[(q.head+q.size)%len(q.ring)] = round
	q.size++
	q.metrics.ObserveQueueDepth(q.size)
	q.mu.Unlock()

	q.report(losses)
	return len(losses) > 0
}

// Requeue puts rounds back at the front in their order. When they do not all
// fit, the oldest of them are lost.
func (q *ResultQueue) Requeue(rounds []types.Round) {
	if len(rounds) == 0 {
		return
	}
	q.mu.Lock()
	var losses []Loss
	if excess := len(rounds) - (len(q.ring) - q.size); excess > 0 {
		for _, r := range rounds[:excess] {
			losses = append(losses, q.lostLocked(r, LossOverflow, nil))
		}
		rounds = rounds[excess:]
	}
	for i := len(rounds) - 1; i >= 0; i-- {
		q.head = (q.head - 1 + len(q.ring)) % len(q.ring)
		q.ring[q.head] = rounds[i]
		q.size++
	}
	q.metrics.ObserveQueueDepth(q.size)
	q.mu.Unlock()

	q.report(losses)
}

// Drain removes up to max rounds, all of them when max is not positive.
func (q *ResultQueue) Drain(max int) []types.Round {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.size
	if max > 0 && max < n {
		n = max
	}
	drained := make([]types.Round, n)
	for i := range drained {
		drained[i] = q.popLocked()
	}
	q.metrics.ObserveQueueDepth(q.size)
	return drained
}

func (q *ResultQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *ResultQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := q.stats
	stats.Len = q.size
	return stats
}

func (q *ResultQueue) popLocked() types.Round {
	round := q.ring[q.head]
	q.ring[q.head] = types.Round{}
	q.head = (q.head + 1) % len(q.ring)
	q.size--
	return round
}

func (q *ResultQueue) lostLocked(round types.Round, reason LossReason, err error) Loss {
	ts := round.Row.Timestamp()
	if q.stats.Dropped == 0 || ts < q.stats.FirstLost {
		q.stats.FirstLost = ts
	}
	if ts > q.stats.LastLost {
		q.stats.LastLost = ts
	}
	q.stats.Dropped++
	q.metrics.IncQueueDrops()
	return Loss{Round: round, Reason: reason, Err: err}
}

func (q *ResultQueue) report(losses []Loss) {
	if q.onLoss == nil {
		return
	}
	for _, loss := range losses {
		q.onLoss(loss)
	}
}
