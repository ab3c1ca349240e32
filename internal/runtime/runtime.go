package runtime

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/pingsantohq/tcpping/internal/backfill"
	"github.com/pingsantohq/tcpping/internal/health"
	"github.com/pingsantohq/tcpping/internal/metrics"
	"github.com/pingsantohq/tcpping/internal/queue"
	"github.com/pingsantohq/tcpping/internal/queue/persist"
	"github.com/pingsantohq/tcpping/internal/scheduler"
	"github.com/pingsantohq/tcpping/internal/transmit"
	"github.com/pingsantohq/tcpping/pkg/types"
)

type Option func(*config)

type config struct {
	queueCapacity  int
	roundBuffer    int
	schedulerOpts  []scheduler.Option
	spillStore     *persist.Store
	spillThreshold float64
	backfillCtrl   *backfill.Controller
	metricsStore   *metrics.Store
	checker        *health.Checker
	logger         *log.Logger
}

func WithQueueCapacity(cap int) Option {
	return func(c *config) {
		if cap > 0 {
			c.queueCapacity = cap
		}
	}
}

// WithRoundBuffer sizes the channel between the scheduler and the queue pump.
func WithRoundBuffer(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.roundBuffer = size
		}
	}
}

func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(c *config) {
		c.schedulerOpts = append(c.schedulerOpts, opts...)
	}
}

func WithSpill(store *persist.Store, threshold float64) Option {
	return func(c *config) {
		c.spillStore = store
		c.spillThreshold = threshold
	}
}

func WithBackfillController(ctrl *backfill.Controller) Option {
	return func(c *config) {
		c.backfillCtrl = ctrl
	}
}

func WithMetricsStore(store *metrics.Store) Option {
	return func(c *config) {
		c.metricsStore = store
	}
}

// WithHealthChecker feeds round completions into checker.
func WithHealthChecker(checker *health.Checker) Option {
	return func(c *config) {
		c.checker = checker
	}
}

// WithLogger receives a warning for every round the queue loses.
func WithLogger(l *log.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// Runtime owns the scheduler and the queue its rounds are pumped into.
type Runtime struct {
	rounds    chan types.Round
	results   *queue.ResultQueue
	scheduler *scheduler.Scheduler
	backfill  *backfill.Controller
}

func New(source scheduler.OptionsSource, opts ...Option) *Runtime {
	cfg := config{
		queueCapacity: 1024,
		roundBuffer:   16,
		logger:        log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := cfg.logger
	queueOpts := []queue.Option{
		queue.WithSpill(cfg.spillStore, cfg.spillThreshold),
		queue.WithLossHandler(func(l queue.Loss) {
			logger.Warn("round lost", "ts", l.Round.Row.Timestamp(), "version", l.Round.Row.Version(), "reason", l.Reason, "err", l.Err)
		}),
	}
	if cfg.metricsStore != nil {
		queueOpts = append(queueOpts, queue.WithMetrics(cfg.metricsStore.QueueRecorder()))
	}

	rounds := make(chan types.Round, cfg.roundBuffer)
	results := queue.NewResultQueue(cfg.queueCapacity, queueOpts...)

	schedOpts := append([]scheduler.Option(nil), cfg.schedulerOpts...)
	if cfg.metricsStore != nil {
		schedOpts = append(schedOpts, scheduler.WithMetrics(cfg.metricsStore))
		if cfg.backfillCtrl != nil {
			cfg.backfillCtrl.SetMetrics(cfg.metricsStore.BackfillRecorder())
		}
	}
	if cfg.checker != nil {
		checker := cfg.checker
		checker.AttachQueue(results)
		schedOpts = append(schedOpts, scheduler.WithRoundHook(func(types.Round) {
			checker.ObserveRound(time.Now())
		}))
	}

	return &Runtime{
		rounds:    rounds,
		results:   results,
		scheduler: scheduler.New(source, rounds, schedOpts...),
		backfill:  cfg.backfillCtrl,
	}
}

// Start launches the scheduler and the queue pump. The returned func waits
// for both to exit after ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) func() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = r.scheduler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		r.pump(ctx)
	}()
	return wg.Wait
}

func (r *Runtime) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case round := <-r.rounds:
			r.results.Enqueue(round)
		}
	}
}

func (r *Runtime) ResultsQueue() *queue.ResultQueue {
	return r.results
}

func (r *Runtime) BackfillController() *backfill.Controller {
	return r.backfill
}

func (r *Runtime) NewTransmitter(sinks transmit.Sinks, opts ...transmit.Option) *transmit.Transmitter {
	options := append([]transmit.Option(nil), opts...)
	if r.backfill != nil {
		options = append(options, transmit.WithBackfill(r.backfill))
	}
	return transmit.New(r.results, sinks, options...)
}

func WithNow(now func() time.Time) Option {
	return WithSchedulerOptions(scheduler.WithNow(now))
}
