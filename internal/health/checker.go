package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/pingsantohq/tcpping/internal/probe"
	"github.com/pingsantohq/tcpping/pkg/types"
)

const minStaleAfter = time.Minute

// ReadinessRecorder exports the outcome of each evaluation.
type ReadinessRecorder interface {
	ObserveReadiness(ready bool)
}

// QueueState reports how full the round queue is.
type QueueState interface {
	Len() int
	Capacity() int
}

// Checker decides whether the worker is producing rounds and keeping up with delivery.
type Checker struct {
	recorder ReadinessRecorder
	queue    QueueState
	options  func() types.Snapshot

	mu        sync.RWMutex
	lastRound time.Time
}

// AttachQueue replaces the queue whose pressure is checked.
func (c *Checker) AttachQueue(q QueueState) {
	c.mu.Lock()
	c.queue = q
	c.mu.Unlock()
}

// NewChecker builds a checker. options reports the current target options and
// may be nil, in which case only the one minute floor applies.
func NewChecker(rec ReadinessRecorder, queue QueueState, options func() types.Snapshot) *Checker {
	return &Checker{
		recorder: rec,
		queue:    queue,
		options:  options,
	}
}

// ObserveRound records that a round finished at ts.
func (c *Checker) ObserveRound(ts time.Time) {
	c.mu.Lock()
	if ts.After(c.lastRound) {
		c.lastRound = ts
	}
	c.mu.Unlock()
}

// StaleAfter is how long the worker may go without a round and still be ready:
// three intervals, or one interval past a round whose every attempt runs
// into the connect timeout, whichever is longer, and never under a minute.
func (c *Checker) StaleAfter() time.Duration {
	if c.options == nil {
		return minStaleAfter
	}
	snap := c.options()
	interval := snap.Interval()
	slowest := time.Duration(snap.AvgAcross) * (probe.ConnectTimeout + snap.Pause())
	return max(minStaleAfter, 3*interval, slowest+interval)
}

// Ready evaluates all conditions and returns the reasons for being not ready.
func (c *Checker) Ready(now time.Time) (bool, []string) {
	var reasons []string

	c.mu.RLock()
	last := c.lastRound
	queue := c.queue
	c.mu.RUnlock()

	if last.IsZero() {
		reasons = append(reasons, "no round completed yet")
	} else if age := now.Sub(last); age > c.StaleAfter() {
		reasons = append(reasons, fmt.Sprintf("last round is stale (%s)", age.Round(time.Second)))
	}

	if queue != nil && queue.Capacity() > 0 && queue.Len() >= queue.Capacity() {
		reasons = append(reasons, "queue capacity exceeded")
	}

	ready := len(reasons) == 0
	if c.recorder != nil {
		c.recorder.ObserveReadiness(ready)
	}
	return ready, reasons
}
