package aggregate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pingsantohq/tcpping/pkg/types"
)

func TestCollectPreservesOrder(t *testing.T) {
	slow := make(chan int32, 1)
	fast := make(chan int32, 1)
	failed := make(chan int32)

	// Outcomes arrive in reverse order of the targets.
	close(failed)
	fast <- 7
	close(fast)
	go func() {
		time.Sleep(20 * time.Millisecond)
		slow <- 1500
		close(slow)
	}()

	row, err := Collect(context.Background(), 5, 1, 1700000000, []<-chan int32{slow, fast, failed})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	want := types.Row{5, 1, 1700000000, 1500, 7, types.SentinelError}
	if len(row) != len(want) {
		t.Fatalf("expected %v got %v", want, row)
	}
	for i := range want {
		if row[i] != want[i] {
			t.Fatalf("field %d: expected %d got %d", i, want[i], row[i])
		}
	}
	if err := row.Validate(3); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestCollectEmpty(t *testing.T) {
	row, err := Collect(context.Background(), 1, 2, 3, nil)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(row) != types.HeaderLen || len(row.Values()) != 0 {
		t.Fatalf("unexpected row %v", row)
	}
}

func TestCollectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	never := make(chan int32)
	if _, err := Collect(ctx, 1, 1, 1, []<-chan int32{never}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled got %v", err)
	}
}
