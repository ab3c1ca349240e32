package queue

import (
	"path/filepath"
	"testing"

	"github.com/pingsantohq/tcpping/internal/queue/persist"
	"github.com/pingsantohq/tcpping/pkg/types"
)

func TestResultQueueEnqueueAndDrain(t *testing.T) {
	q := NewResultQueue(2)

	if q.Enqueue(sampleRound(1)) {
		t.Fatalf("did not expect drop for first enqueue")
	}
	if q.Enqueue(sampleRound(2)) {
		t.Fatalf("did not expect drop for second enqueue")
	}
	if !q.Enqueue(sampleRound(3)) {
		t.Fatalf("expected drop when queue full")
	}

	if got := q.Len(); got != 2 {
		t.Fatalf("expected len 2 got %d", got)
	}

	drained := q.Drain(0)
	if len(drained) != 2 {
		t.Fatalf("expected 2 drained rounds got %d", len(drained))
	}
	if drained[0].Row.Timestamp() != 2 || drained[1].Row.Timestamp() != 3 {
		t.Fatalf("expected drop-oldest semantics, got %+v", drained)
	}

	if got := q.Len(); got != 0 {
		t.Fatalf("expected len 0 after drain got %d", got)
	}
}

func TestResultQueueRequeueKeepsOrder(t *testing.T) {
	q := NewResultQueue(3)
	q.Enqueue(sampleRound(1))
	q.Enqueue(sampleRound(2))
	batch := q.Drain(0)
	q.Enqueue(sampleRound(3))

	q.Requeue(batch)
	drained := q.Drain(0)
	if len(drained) != 3 {
		t.Fatalf("expected 3 rounds got %d", len(drained))
	}
	for i, want := range []int32{1, 2, 3} {
		if drained[i].Row.Timestamp() != want {
			t.Fatalf("position %d: expected ts %d got %d", i, want, drained[i].Row.Timestamp())
		}
	}
}

func TestResultQueueRequeueOverflowDropsOldest(t *testing.T) {
	q := NewResultQueue(2)
	q.Enqueue(sampleRound(10))

	q.Requeue([]types.Round{sampleRound(1), sampleRound(2)})
	drained := q.Drain(0)
	if len(drained) != 2 || drained[0].Row.Timestamp() != 2 || drained[1].Row.Timestamp() != 10 {
		t.Fatalf("unexpected queue contents %+v", drained)
	}
	if q.Stats().Dropped != 1 {
		t.Fatalf("expected one drop got %d", q.Stats().Dropped)
	}
}

func TestResultQueueSpillToDisk(t *testing.T) {
	dir := t.TempDir()
	store, err := persist.Open(filepath.Join(dir, "spill"), 1<<20, 256)
	if err != nil {
		t.Fatalf("open spill store: %v", err)
	}
	defer store.Close()

	q := NewResultQueue(2, WithSpill(store, 0.5))

	q.Enqueue(sampleRound(1))
	q.Enqueue(sampleRound(2))
	q.Enqueue(sampleRound(3))

	stats := q.Stats()
	if stats.Spilled == 0 {
		t.Fatalf("expected spills to occur")
	}
	if stats.Dropped != 0 {
		t.Fatalf("expected no drops with spill attached, got %d", stats.Dropped)
	}

	batch, err := store.ReadBatch(10)
	if err != nil {
		t.Fatalf("ReadBatch: %v", err)
	}
	if len(batch.Rounds) == 0 {
		t.Fatalf("expected rounds spilled to disk")
	}
	if batch.Rounds[0].Row.Timestamp() != 1 {
		t.Fatalf("expected oldest round spilled first, got ts %d", batch.Rounds[0].Row.Timestamp())
	}
}

func TestResultQueueMetrics(t *testing.T) {
	m := &captureMetrics{}
	q := NewResultQueue(1, WithMetrics(m))

	q.Enqueue(sampleRound(1))
	q.Enqueue(sampleRound(2)) // drops 1

	if m.drops != 1 {
		t.Fatalf("expected one drop recorded, got %d", m.drops)
	}
	if len(m.depths) == 0 || m.depths[len(m.depths)-1] != 1 {
		t.Fatalf("unexpected depth observations %v", m.depths)
	}
}

func TestResultQueueReportsLostRounds(t *testing.T) {
	var losses []Loss
	q := NewResultQueue(2, WithLossHandler(func(l Loss) { losses = append(losses, l) }))

	for ts := int32(10); ts <= 13; ts++ {
		q.Enqueue(sampleRound(ts))
	}
	if len(losses) != 2 {
		t.Fatalf("expected two losses got %d", len(losses))
	}
	if losses[0].Round.Row.Timestamp() != 10 || losses[1].Round.Row.Timestamp() != 11 {
		t.Fatalf("expected oldest rounds lost, got %+v", losses)
	}
	if losses[0].Reason != LossOverflow {
		t.Fatalf("unexpected reason %q", losses[0].Reason)
	}

	q.Requeue([]types.Round{sampleRound(5)})
	stats := q.Stats()
	if stats.Dropped != 3 || stats.FirstLost != 5 || stats.LastLost != 11 {
		t.Fatalf("unexpected loss accounting %+v", stats)
	}
	if stats.Len != 2 {
		t.Fatalf("expected queue to stay full, len %d", stats.Len)
	}
}

func TestResultQueueReportsFailedSpill(t *testing.T) {
	store, err := persist.Open(filepath.Join(t.TempDir(), "spill"), 1<<20, 256)
	if err != nil {
		t.Fatalf("open spill store: %v", err)
	}
	store.Close()

	var losses []Loss
	q := NewResultQueue(2, WithSpill(store, 0.5), WithLossHandler(func(l Loss) { losses = append(losses, l) }))
	q.Enqueue(sampleRound(1))
	if !q.Enqueue(sampleRound(2)) {
		t.Fatalf("expected a loss when the spill store rejects the round")
	}
	if len(losses) != 1 || losses[0].Reason != LossSpillFailed || losses[0].Err == nil {
		t.Fatalf("unexpected losses %+v", losses)
	}
	if got := q.Drain(0); len(got) != 1 || got[0].Row.Timestamp() != 2 {
		t.Fatalf("expected newest round kept, got %+v", got)
	}
}

func TestResultQueueWrapsAround(t *testing.T) {
	q := NewResultQueue(3)
	for round := int32(1); round <= 9; round++ {
		q.Enqueue(sampleRound(round))
		if round%2 == 0 {
			q.Drain(1)
		}
	}
	got := q.Drain(0)
	if len(got) != 3 {
		t.Fatalf("expected 3 rounds got %d", len(got))
	}
	for i, want := range []int32{7, 8, 9} {
		if got[i].Row.Timestamp() != want {
			t.Fatalf("position %d: expected ts %d got %d", i, want, got[i].Row.Timestamp())
		}
	}
}

type captureMetrics struct {
	drops  int
	spills int
	depths []int
}

func (c *captureMetrics) ObserveQueueDepth(depth int) {
	c.depths = append(c.depths, depth)
}

func (c *captureMetrics) IncQueueDrops() {
	c.drops++
}

func (c *captureMetrics) IncQueueSpills() {
	c.spills++
}

func sampleRound(ts int32) types.Round {
	return types.Round{
		Row:     types.Row{1, 1, ts, 100},
		Targets: []string{"127.0.0.1:80"},
	}
}
