package metrics

import (
	"time"

	"github.com/pingsantohq/tcpping/pkg/types"
)

// RoundRecorder receives scheduler telemetry.
type RoundRecorder interface {
	ObserveRound(round types.Round, took time.Duration)
	IncRoundsDropped()
}

type NoopRoundRecorder struct{}

func (NoopRoundRecorder) ObserveRound(types.Round, time.Duration) {}
func (NoopRoundRecorder) IncRoundsDropped()                        {}

type QueueRecorder interface {
	ObserveQueueDepth(depth int)
	IncQueueDrops()
	IncQueueSpills()
}

type NoopQueueRecorder struct{}

func (NoopQueueRecorder) ObserveQueueDepth(int) {}
func (NoopQueueRecorder) IncQueueDrops()        {}
func (NoopQueueRecorder) IncQueueSpills()       {}

type BackfillRecorder interface {
	ObservePendingBytes(bytes int64)
}

type NoopBackfillRecorder struct{}

func (NoopBackfillRecorder) ObservePendingBytes(int64) {}

// SinkRecorder tracks delivery per sink name.
type SinkRecorder interface {
	IncSinkErrors(sink string)
	ObserveSinkBacklog(sink string, rounds int)
}

type NoopSinkRecorder struct{}

func (NoopSinkRecorder) IncSinkErrors(string)           {}
func (NoopSinkRecorder) ObserveSinkBacklog(string, int) {}
