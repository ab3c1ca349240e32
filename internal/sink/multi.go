// Package sink fans rounds out to the configured consumers.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pingsantohq/tcpping/internal/metrics"
	"github.com/pingsantohq/tcpping/pkg/types"
)

const (
	DefaultBacklog      = 256
	DefaultRetryBackoff = 500 * time.Millisecond
)

// ErrBacklogFull is returned by Send when the batch does not fit into the
// backlog of every sink. Nothing is accepted in that case.
var ErrBacklogFull = errors.New("sink backlog full")

// Named is a consumer of rounds that identifies itself in errors and metrics.
type Named interface {
	Name() string
	Send(ctx context.Context, rounds []types.Round) error
}

// lane holds the rounds one sink accepted from Multi and has not yet taken.
type lane struct {
	sink    Named
	pending []types.Round
	retryAt time.Time
}

// Multi hands every round to each sink exactly once. A sink that fails keeps
// its rounds in its own backlog and is retried after a backoff, while the
// other sinks go on receiving new rounds.
type Multi struct {
	mu      sync.Mutex
	lanes   []*lane
	backlog int
	backoff time.Duration
	now     func() time.Time
	metrics metrics.SinkRecorder
}

type Option func(*Multi)

// WithBacklog caps the rounds a single sink may owe.
func WithBacklog(rounds int) Option {
	return func(m *Multi) {
		if rounds > 0 {
			m.backlog = rounds
		}
	}
}

func WithRetryBackoff(d time.Duration) Option {
	return func(m *Multi) {
		if d >= 0 {
			m.backoff = d
		}
	}
}

func WithMetrics(rec metrics.SinkRecorder) Option {
	return func(m *Multi) {
		if rec != nil {
			m.metrics = rec
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(m *Multi) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMulti skips nil sinks.
func NewMulti(sinks []Named, opts ...Option) *Multi {
	m := &Multi{
		backlog: DefaultBacklog,
		backoff: DefaultRetryBackoff,
		now:     time.Now,
		metrics: metrics.NoopSinkRecorder{},
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, s := range sinks {
		if s != nil {
			m.lanes = append(m.lanes, &lane{sink: s})
		}
	}
	return m
}

func (m *Multi) Len() int {
	return len(m.lanes)
}

// Pending reports the largest backlog across sinks.
func (m *Multi) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingLocked()
}

// Room reports how many rounds every sink can still accept.
func (m *Multi) Room() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backlog - m.pendingLocked()
}

// Send accepts rounds for every sink and delivers them to each sink that is
// not backing off. Once accepted, rounds must not be offered again: an error
// other than ErrBacklogFull only reports the sinks that still owe them.
func (m *Multi) Send(ctx context.Context, rounds []types.Round) error {
	if len(rounds) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if room := m.backlog - m.pendingLocked(); len(rounds) > room {
		return fmt.Errorf("%w: %d rounds, room for %d", ErrBacklogFull, len(rounds), room)
	}
	for _, l := range m.lanes {
		l.pending = append(l.pending, rounds...)
	}
	return m.flushLocked(ctx)
}

// Flush retries the sinks whose backoff has elapsed.
func (m *Multi) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked(ctx)
}

func (m *Multi) flushLocked(ctx context.Context) error {
	now := m.now()
	var errs []error
	for _, l := range m.lanes {
		if len(l.pending) == 0 || now.Before(l.retryAt) {
			continue
		}
		name := l.sink.Name()
		if err := l.sink.Send(ctx, l.pending); err != nil {
			l.retryAt = now.Add(m.backoff)
			m.metrics.IncSinkErrors(name)
			errs = append(errs, fmt.Errorf("sink %s: %w", name, err))
		} else {
			l.pending = nil
			l.retryAt = time.Time{}
		}
		m.metrics.ObserveSinkBacklog(name, len(l.pending))
	}
	return errors.Join(errs...)
}

func (m *Multi) pendingLocked() int {
	most := 0
	for _, l := range m.lanes {
		most = max(most, len(l.pending))
	}
	return most
}
