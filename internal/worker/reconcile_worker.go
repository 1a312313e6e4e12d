package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nongsan/marketplace-api/internal/service"
)

type Syncer interface {
	Run(ctx context.Context) (service.DriftReport, error)
}

// ReconcileWorker runs a ledger sync pass on a fixed interval. A tick that
// lands while a pass is still running is skipped.
type ReconcileWorker struct {
	syncer   Syncer
	interval time.Duration
	log      *slog.Logger
	running  atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup
}

func NewReconcileWorker(syncer Syncer, interval time.Duration, log *slog.Logger) *ReconcileWorker {
	return &ReconcileWorker{syncer: syncer, interval: interval, log: log, done: make(chan struct{})}
}

func (w *ReconcileWorker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.RunOnce(ctx)
			case <-w.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	w.log.Info("reconcile worker started", "interval", w.interval)
}

func (w *ReconcileWorker) Stop() {
	close(w.done)
	w.wg.Wait()
}

// RunOnce runs a single pass unless one is already in flight. ran is false
// when the pass was skipped.
func (w *ReconcileWorker) RunOnce(ctx context.Context) (report service.DriftReport, ran bool) {
	if !w.running.CompareAndSwap(false, true) {
		w.log.Warn("reconcile pass still running, skipping tick")
		return report, false
	}
	defer w.running.Store(false)

	start := time.Now()
	report, err := w.syncer.Run(ctx)
	if err != nil {
		w.log.Error("reconcile pass failed", "error", err, "checked", report.Checked)
		return report, true
	}
	w.log.Info("reconcile pass done",
		"checked", report.Checked,
		"drifted", report.Drifted,
		"errors", report.Errors,
		"duration", time.Since(start),
	)
	return report, true
}
