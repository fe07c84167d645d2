// ABOUTME: Tests for the poll scheduler
// ABOUTME: Covers immediate first run, interval changes and clean stop

package lifecycle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollScheduler_RunsImmediatelyThenPeriodically(t *testing.T) {
	var runs atomic.Int32
	p := NewPollScheduler(10*time.Millisecond, func(context.Context) { runs.Add(1) }, nil)

	p.Start(context.Background())
	defer p.Stop()

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	assert.True(t, p.Running())
}

func TestPollScheduler_StopHaltsRuns(t *testing.T) {
	var runs atomic.Int32
	p := NewPollScheduler(5*time.Millisecond, func(context.Context) { runs.Add(1) }, nil)

	p.Start(context.Background())
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, time.Millisecond)
	p.Stop()
	p.Stop()

	n := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, runs.Load())
	assert.False(t, p.Running())
}

func TestPollScheduler_StartTwiceIsNoop(t *testing.T) {
	var runs atomic.Int32
	p := NewPollScheduler(time.Hour, func(context.Context) { runs.Add(1) }, nil)

	p.Start(context.Background())
	p.Start(context.Background())
	defer p.Stop()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestPollScheduler_SetIntervalAppliesToRunningLoop(t *testing.T) {
	var runs atomic.Int32
	p := NewPollScheduler(time.Hour, func(context.Context) { runs.Add(1) }, nil)

	p.Start(context.Background())
	defer p.Stop()
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)

	p.SetInterval(5 * time.Millisecond)
	assert.Equal(t, 5*time.Millisecond, p.Interval())
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)

	p.SetInterval(0)
	assert.Equal(t, 5*time.Millisecond, p.Interval(), "non-positive intervals are ignored")
}

func TestPollScheduler_ContextCancelStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32
	p := NewPollScheduler(5*time.Millisecond, func(context.Context) { runs.Add(1) }, nil)

	p.Start(ctx)
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, time.Millisecond)
	cancel()
	time.Sleep(10 * time.Millisecond)

	n := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, runs.Load())
	p.Stop()
}
