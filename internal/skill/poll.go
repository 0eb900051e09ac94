package skill

import (
	"context"
	"time"
)

// pollInterval is the tick of the timer and alarm loops.
const pollInterval = time.Second

// poll calls fn every interval until ctx is cancelled.
func poll(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			fn(ctx)
		}
	}
}
