// ABOUTME: Tests for full-jitter exponential backoff
// ABOUTME: Checks the doubling ceiling, the cap, jitter bounds and Reset

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_CeilingDoublesUpToCap(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second)
	b.jitter = func(n int64) int64 { return n - 1 } // always the ceiling

	var got []time.Duration
	for i := 0; i < 8; i++ {
		got = append(got, b.Next())
	}

	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	assert.Equal(t, want, got)
}

func TestBackoff_FullJitterWithinBounds(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second)

	for i := 0; i < 50; i++ {
		ceiling := b.Ceiling()
		d := b.Next()
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, ceiling)
	}
}

func TestBackoff_CeilingHasNoSideEffects(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second)
	assert.Equal(t, time.Second, b.Ceiling())
	assert.Equal(t, time.Second, b.Ceiling())
}

func TestBackoff_Reset(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second)
	b.jitter = func(n int64) int64 { return n - 1 }

	b.Next()
	b.Next()
	b.Reset()
	assert.Equal(t, time.Second, b.Next())
}

func TestBackoff_Defaults(t *testing.T) {
	b := NewBackoff(0, 0)
	assert.Equal(t, DefaultBackoffBase, b.Ceiling())
}

func TestSleep_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}
