// Package aggregate assembles per-target probe outcomes into result rows.
package aggregate

import (
	"context"

	"github.com/pingsantohq/tcpping/pkg/types"
)

// Collect receives one outcome from each channel, in the order given, and
// returns the finished row. A channel closed without a value yields
// types.SentinelError. Collect only returns early when ctx is cancelled.
func Collect(ctx context.Context, kind, version, timestamp int32, outcomes []<-chan int32) (types.Row, error) {
	row := types.NewRow(kind, version, timestamp, len(outcomes))
	for _, ch := range outcomes {
		select {
		case v, ok := <-ch:
			if !ok {
				v = types.SentinelError
			}
			row = append(row, v)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return row, nil
}
