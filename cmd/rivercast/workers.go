package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// chore is one periodic housekeeping job.
type chore struct {
	name  string
	every time.Duration
	do    func(ctx context.Context) error
}

// tickSource yields a tick channel for an interval and a function releasing it.
type tickSource func(every time.Duration) (<-chan time.Time, func())

func wallClockTicks(every time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(every)
	return t.C, t.Stop
}

// housekeeper runs each chore on its own goroutine. A chore that fails is
// logged and tried again on the next tick.
type housekeeper struct {
	logger *slog.Logger
	ticks  tickSource

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newHousekeeper(logger *slog.Logger, ticks tickSource) *housekeeper {
	if ticks == nil {
		ticks = wallClockTicks
	}
	return &housekeeper{logger: logger, ticks: ticks}
}

// Start launches chores under ctx. Chores with no interval or body are skipped.
func (h *housekeeper) Start(ctx context.Context, chores ...chore) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)
	for _, c := range chores {
		if c.every <= 0 || c.do == nil {
			continue
		}
		tick, release := h.ticks(c.every)
		h.wg.Add(1)
		go h.loop(ctx, c, tick, release)
	}
}

func (h *housekeeper) loop(ctx context.Context, c chore, tick <-chan time.Time, release func()) {
	defer h.wg.Done()
	defer release()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		}
		if err := c.do(ctx); err != nil && ctx.Err() == nil && h.logger != nil {
			h.logger.Error("housekeeping chore failed", "chore", c.name, "error", err)
		}
	}
}

// Stop cancels every chore and waits for in-flight runs. It is safe to call
// more than once and before Start.
func (h *housekeeper) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
}
