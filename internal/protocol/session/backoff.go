package session

import (
	"context"
	"math/rand"
	"time"
)

// Delay returns how long to wait before retry number attempt (1-based).
// With Jitter the delay is scaled by a factor in [0.5, 1.5); a nil rng uses
// the low end.
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	d := b.InitialDelay
	if d <= 0 {
		return 0
	}
	growth := max(b.Multiplier, 1.0)
	for n := 1; n < attempt; n++ {
		d = time.Duration(float64(d) * growth)
		if b.MaxDelay > 0 && d >= b.MaxDelay {
			d = b.MaxDelay
			break
		}
	}
	if attempt > 1 && b.Jitter {
		scale := 0.5
		if rng != nil {
			scale += rng.Float64()
		}
		d = time.Duration(float64(d) * scale)
	}
	return d
}

// Wait blocks for Delay(attempt) or until ctx ends.
func (b BackoffConfig) Wait(ctx context.Context, attempt int, rng *rand.Rand) error {
	timer := time.NewTimer(b.Delay(attempt, rng))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
