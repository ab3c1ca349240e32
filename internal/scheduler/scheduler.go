package scheduler

import (
	"context"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/pingsantohq/tcpping/internal/aggregate"
	"github.com/pingsantohq/tcpping/internal/metrics"
	"github.com/pingsantohq/tcpping/internal/probe"
	"github.com/pingsantohq/tcpping/internal/worker"
	"github.com/pingsantohq/tcpping/pkg/types"
)

// OptionsSource yields one consistent view of the target options per call.
type OptionsSource interface {
	Snapshot() types.Snapshot
}

// Prober measures a single address and closes out when done.
type Prober interface {
	Run(ctx context.Context, addr string, repetitions int, pause time.Duration, out chan<- int32)
}

// Scheduler runs measurement rounds back to back at the configured interval.
type Scheduler struct {
	source OptionsSource
	out    chan<- types.Round
	kind   int32

	prober  Prober
	pool    *worker.Pool
	logger  *log.Logger
	metrics metrics.RoundRecorder
	hook    func(types.Round)

	now func() time.Time
}

type Option func(*Scheduler)

// WithKind sets the identifier written as the first field of every row.
func WithKind(kind int32) Option {
	return func(s *Scheduler) {
		s.kind = kind
	}
}

func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func WithProber(p Prober) Option {
	return func(s *Scheduler) {
		if p != nil {
			s.prober = p
		}
	}
}

func WithPool(p *worker.Pool) Option {
	return func(s *Scheduler) {
		if p != nil {
			s.pool = p
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(rec metrics.RoundRecorder) Option {
	return func(s *Scheduler) {
		if rec != nil {
			s.metrics = rec
		}
	}
}

// WithRoundHook registers fn to be called with every completed round before
// it is offered to the consumer. fn runs on the loop and must not block.
func WithRoundHook(fn func(types.Round)) Option {
	return func(s *Scheduler) {
		s.hook = fn
	}
}

func New(source OptionsSource, out chan<- types.Round, opts ...Option) *Scheduler {
	s := &Scheduler{
		source:  source,
		out:     out,
		prober:  probe.New(),
		pool:    worker.NewPool(),
		logger:  log.New(io.Discard),
		metrics: metrics.NoopRoundRecorder{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until ctx is cancelled. A round interrupted by cancellation is
// discarded rather than emitted.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()

		round, interval, err := s.runRound(ctx)
		if err != nil {
			return err
		}
		took := time.Since(start)
		s.metrics.ObserveRound(round, took)
		if s.hook != nil {
			s.hook(round)
		}
		s.emit(round)

		if took < interval {
			timer := time.NewTimer(interval - took)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
}

// RunRound performs a single round and returns it without emitting.
func (s *Scheduler) RunRound(ctx context.Context) (types.Round, error) {
	round, _, err := s.runRound(ctx)
	return round, err
}

func (s *Scheduler) runRound(ctx context.Context) (types.Round, time.Duration, error) {
	snap := s.source.Snapshot()
	timestamp := int32(s.now().Unix())

	group := s.pool.Begin(ctx)
	outcomes := make([]<-chan int32, len(snap.Addrs))
	for i, addr := range snap.Addrs {
		addr := addr // per-iteration copy; the go directive predates Go 1.22 loop semantics
		ch := make(chan int32, 1)
		outcomes[i] = ch
		group.Go(func(ctx context.Context) {
			s.prober.Run(ctx, addr, snap.AvgAcross, snap.Pause(), ch)
		})
	}

	row, err := aggregate.Collect(ctx, s.kind, snap.Version, timestamp, outcomes)
	group.Wait()
	if err != nil {
		return types.Round{}, 0, err
	}
	s.logger.Debug("round complete", "version", snap.Version, "targets", len(snap.Addrs), "ts", timestamp)
	return types.Round{Row: row, Targets: snap.Addrs}, snap.Interval(), nil
}

// emit hands the round to the consumer without ever blocking the loop.
func (s *Scheduler) emit(round types.Round) {
	select {
	case s.out <- round:
	default:
		s.logger.Warn("failed to send final results", "version", round.Row.Version(), "ts", round.Row.Timestamp())
		s.metrics.IncRoundsDropped()
	}
}
