package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically runs reconciliation passes.
type Timer struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a reconciliation timer.
func NewTimer(engine *Engine, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		engine:   engine,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic reconciliation loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in settlement timer", "panic", fmt.Sprint(r))
		}
	}()

	report, err := t.engine.Reconcile(ctx)
	if err != nil {
		t.logger.Warn("reconciliation pass failed", "error", err)
		return
	}
	if !report.Clean() || report.RetriedMilestones > 0 || report.AutoReleased > 0 {
		t.logger.Info("reconciliation pass finished",
			"accounts", report.Accounts,
			"mismatches", len(report.Mismatches),
			"retried_milestones", report.RetriedMilestones,
			"auto_released", report.AutoReleased,
			"retried_webhooks", report.RetriedWebhooks)
	}
}
