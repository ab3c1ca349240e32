package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pingsantohq/tcpping/pkg/types"
)

const namespace = "tcpping"

// Store owns the worker's Prometheus collectors on a private registry.
type Store struct {
	registry *prometheus.Registry

	rounds         prometheus.Counter
	roundsDropped  prometheus.Counter
	roundDuration  prometheus.Histogram
	lastRound      prometheus.Gauge
	optionsVersion prometheus.Gauge
	targets        prometheus.Gauge
	latency        *prometheus.GaugeVec
	failures       *prometheus.CounterVec

	queueDepth   prometheus.Gauge
	queueDrops   prometheus.Counter
	queueSpills  prometheus.Counter
	pendingBytes prometheus.Gauge
	sinkErrors   *prometheus.CounterVec
	sinkBacklog  *prometheus.GaugeVec
	ready        prometheus.Gauge

	mu    sync.Mutex
	known map[string]struct{}
}

// NewStore constructs a Store with every collector registered.
func NewStore() *Store {
	s := &Store{
		registry: prometheus.NewRegistry(),
		known:    make(map[string]struct{}),
		rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rounds_total",
			Help: "Rounds completed by the scheduler.",
		}),
		roundsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rounds_dropped_total",
			Help: "Rounds whose row could not be handed to the consumer.",
		}),
		roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "round_duration_seconds",
			Help:    "Time spent probing all targets of a round.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		lastRound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_round_timestamp_seconds",
			Help: "Timestamp of the most recently emitted row.",
		}),
		optionsVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "options_version",
			Help: "Version tag of the options used by the last round.",
		}),
		targets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "targets",
			Help: "Targets probed in the last round.",
		}),
		latency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "target_latency_microseconds",
			Help: "Mean handshake time per target in the last round. Absent while the target fails.",
		}, []string{"addr"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "target_failures_total",
			Help: "Rounds in which every attempt against the target failed.",
		}, []string{"addr"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth_number",
			Help: "Rounds currently buffered in memory.",
		}),
		queueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "queue_dropped_total",
			Help: "Rounds dropped due to queue pressure.",
		}),
		queueSpills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "queue_spilled_total",
			Help: "Rounds spilled to disk.",
		}),
		pendingBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "backfill_pending_bytes",
			Help: "Bytes currently pending in spill storage.",
		}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sink_errors_total",
			Help: "Failed deliveries per sink.",
		}, []string{"sink"}),
		sinkBacklog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sink_backlog_rounds",
			Help: "Rounds accepted for a sink and not yet delivered to it.",
		}, []string{"sink"}),
		ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ready",
			Help: "Whether the worker considers itself ready (1=ready).",
		}),
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		s.rounds, s.roundsDropped, s.roundDuration, s.lastRound, s.optionsVersion,
		s.targets, s.latency, s.failures, s.queueDepth, s.queueDrops, s.queueSpills,
		s.pendingBytes, s.sinkErrors, s.sinkBacklog, s.ready,
	)
	return s
}

func (s *Store) Registry() *prometheus.Registry {
	return s.registry
}

// ObserveRound records a finished round. Gauges of targets that left the
// configuration are dropped.
func (s *Store) ObserveRound(round types.Round, took time.Duration) {
	s.rounds.Inc()
	s.roundDuration.Observe(took.Seconds())
	s.lastRound.Set(float64(round.Row.Timestamp()))
	s.optionsVersion.Set(float64(round.Row.Version()))
	s.targets.Set(float64(len(round.Targets)))

	values := round.Row.Values()
	live := make(map[string]struct{}, len(round.Targets))
	for i, addr := range round.Targets {
		live[addr] = struct{}{}
		if i >= len(values) {
			break
		}
		if types.IsFailure(values[i]) {
			s.failures.WithLabelValues(addr).Inc()
			s.latency.DeleteLabelValues(addr)
			continue
		}
		s.latency.WithLabelValues(addr).Set(float64(values[i]))
	}
	s.pruneLatency(live)
}

func (s *Store) IncRoundsDropped() {
	s.roundsDropped.Inc()
}

func (s *Store) IncSinkErrors(sink string) {
	s.sinkErrors.WithLabelValues(sink).Inc()
}

func (s *Store) ObserveSinkBacklog(sink string, rounds int) {
	s.sinkBacklog.WithLabelValues(sink).Set(float64(rounds))
}

func (s *Store) ObserveReadiness(ready bool) {
	v := 0.0
	if ready {
		v = 1
	}
	s.ready.Set(v)
}

func (s *Store) pruneLatency(live map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for addr := range s.known {
		if _, ok := live[addr]; !ok {
			s.latency.DeleteLabelValues(addr)
			s.failures.DeleteLabelValues(addr)
			delete(s.known, addr)
		}
	}
	for addr := range live {
		s.known[addr] = struct{}{}
	}
}

// QueueRecorder returns an implementation of QueueRecorder backed by the store.
func (s *Store) QueueRecorder() QueueRecorder {
	return queueRecorder{store: s}
}

// BackfillRecorder returns an implementation of BackfillRecorder backed by the store.
func (s *Store) BackfillRecorder() BackfillRecorder {
	return backfillRecorder{store: s}
}

type queueRecorder struct {
	store *Store
}

func (r queueRecorder) ObserveQueueDepth(depth int) {
	r.store.queueDepth.Set(float64(depth))
}

func (r queueRecorder) IncQueueDrops() {
	r.store.queueDrops.Inc()
}

func (r queueRecorder) IncQueueSpills() {
	r.store.queueSpills.Inc()
}

type backfillRecorder struct {
	store *Store
}

func (r backfillRecorder) ObservePendingBytes(bytes int64) {
	if bytes < 0 {
		bytes = 0
	}
	r.store.pendingBytes.Set(float64(bytes))
}

// NewHTTPHandler returns an http.Handler that serves the store's registry.
func NewHTTPHandler(store *Store) http.Handler {
	return promhttp.HandlerFor(store.registry, promhttp.HandlerOpts{
		Registry: store.registry,
	})
}
