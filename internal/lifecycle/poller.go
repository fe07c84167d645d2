// ABOUTME: Ticker-driven scheduled task with start, stop and live interval changes
// ABOUTME: Runs the task once on start, never overlaps runs and leaks no timers after Stop

package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PollScheduler runs a task periodically.
type PollScheduler struct {
	task   func(ctx context.Context)
	logger *slog.Logger

	mu       sync.Mutex
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	reset    chan time.Duration
}

// NewPollScheduler creates a stopped scheduler.
func NewPollScheduler(interval time.Duration, task func(ctx context.Context), logger *slog.Logger) *PollScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PollScheduler{
		task:     task,
		interval: interval,
		logger:   logger,
	}
}

// Start begins running the task: once immediately, then every interval.
// Starting a running scheduler is a no-op.
func (p *PollScheduler) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.reset = make(chan time.Duration, 1)

	go p.run(runCtx, p.interval, p.reset, p.done)
}

// Stop halts the scheduler and waits for a running task to return. Must
// not be called from inside the task; use halt there.
func (p *PollScheduler) Stop() {
	if done := p.halt(); done != nil {
		<-done
	}
}

// halt cancels the loop without waiting and returns its done channel.
func (p *PollScheduler) halt() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel == nil {
		return nil
	}
	p.cancel()
	p.cancel = nil
	return p.done
}

// SetInterval changes the cadence; a running loop picks it up at once.
func (p *PollScheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.interval == d {
		return
	}
	p.interval = d
	if p.cancel != nil {
		// Keep only the latest value.
		select {
		case <-p.reset:
		default:
		}
		p.reset <- d
	}
}

// Interval returns the current cadence.
func (p *PollScheduler) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// Running reports whether the loop is active.
func (p *PollScheduler) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *PollScheduler) run(ctx context.Context, interval time.Duration, reset <-chan time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.task(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-reset:
			ticker.Reset(d)
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			p.task(ctx)
		}
	}
}
