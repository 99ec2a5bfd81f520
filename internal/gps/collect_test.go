package gps

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollect_ReturnsWhenWantReached(t *testing.T) {
	updates := make(chan Sample, 5)
	for i := 0; i < 5; i++ {
		updates <- Sample{Timestamp: int64(i)}
	}

	samples, err := Collect(context.Background(), updates, 3, 3, time.Second)
	require.NoError(t, err)
	assert.Len(t, samples, 3)
}

func TestCollect_TimeoutWithEnough(t *testing.T) {
	updates := make(chan Sample, 2)
	updates <- Sample{Timestamp: 1}
	updates <- Sample{Timestamp: 2}

	start := time.Now()
	samples, err := Collect(context.Background(), updates, 5, 2, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, samples, 2)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestCollect_TimeoutWithTooFew(t *testing.T) {
	updates := make(chan Sample, 1)
	updates <- Sample{Timestamp: 1}

	samples, err := Collect(context.Background(), updates, 5, 3, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrInsufficientSamples)
	assert.Len(t, samples, 1, "partial result is returned")
}

func TestCollect_ClosedChannel(t *testing.T) {
	updates := make(chan Sample)
	close(updates)

	samples, err := Collect(context.Background(), updates, 3, 1, time.Minute)
	assert.ErrorIs(t, err, ErrInsufficientSamples)
	assert.Empty(t, samples)
}

func TestCollect_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan Sample)

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := Collect(ctx, updates, 3, 3, time.Minute)
	assert.ErrorIs(t, err, ErrInsufficientSamples)
	assert.True(t, errors.Is(err, context.Canceled))
}
