package gps

import (
	"context"
	"fmt"
	"time"
)

// Collect gathers up to want samples from updates. It returns as soon as
// want samples arrived, the timeout fires, updates is closed or ctx is
// done. Fewer than minSamples yields ErrInsufficientSamples together with
// whatever was collected.
func Collect(ctx context.Context, updates <-chan Sample, want, minSamples int, timeout time.Duration) ([]Sample, error) {
	if want <= 0 {
		return nil, nil
	}
	samples := make([]Sample, 0, want)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var stopErr error
loop:
	for len(samples) < want {
		select {
		case smp, ok := <-updates:
			if !ok {
				break loop
			}
			samples = append(samples, smp)
		case <-timer.C:
			break loop
		case <-ctx.Done():
			stopErr = ctx.Err()
			break loop
		}
	}

	if len(samples) < minSamples {
		if stopErr != nil {
			return samples, fmt.Errorf("%w: got %d of %d: %w", ErrInsufficientSamples, len(samples), minSamples, stopErr)
		}
		return samples, fmt.Errorf("%w: got %d of %d", ErrInsufficientSamples, len(samples), minSamples)
	}
	return samples, nil
}
