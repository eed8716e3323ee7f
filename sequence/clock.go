package sequence

import (
	"context"
	"time"
)

// Clock is the time source of the sequencer
type Clock interface {
	Now() time.Time

	// Sleep blocks for d, returning early with ctx.Err() if ctx is done
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock
type SystemClock struct{}

// Now returns time.Now()
func (SystemClock) Now() time.Time {
	return time.Now()
}

// Sleep waits for d or for ctx to be done
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
