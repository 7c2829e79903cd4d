package service

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/LeventeLantos/market-broadcast/internal/cache"
	"github.com/LeventeLantos/market-broadcast/internal/model"
	"github.com/LeventeLantos/market-broadcast/internal/repo"
)

// EngineOptions tune one tick of queue processing.
type EngineOptions struct {
	BatchSize     int
	RoundsPerTick int
	Concurrency   int
	LeaseDuration time.Duration
	LockDuration  time.Duration
	StaleGrace    time.Duration
}

// Engine is the tick body of the broadcast queue: sweep stale locks, claim
// at most one run, drive it through a bounded number of batch rounds, then
// finalize or hand it back. Multiple processes may run engines against the
// same database; coordination is entirely the lease and lock conditional
// updates in the repositories.
type Engine struct {
	runs       repo.RunRepository
	deliveries repo.DeliveryRepository
	dispatcher *Dispatcher
	progress   cache.ProgressCache
	opts       EngineOptions
	log        *slog.Logger

	ticking atomic.Bool
}

func NewEngine(runs repo.RunRepository, deliveries repo.DeliveryRepository, dispatcher *Dispatcher, progress cache.ProgressCache, opts EngineOptions, log *slog.Logger) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.RoundsPerTick <= 0 {
		opts.RoundsPerTick = 5
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = time.Minute
	}
	if opts.LockDuration <= 0 {
		opts.LockDuration = time.Minute
	}
	if opts.StaleGrace <= 0 {
		opts.StaleGrace = 5 * time.Minute
	}
	return &Engine{
		runs:       runs,
		deliveries: deliveries,
		dispatcher: dispatcher,
		progress:   progress,
		opts:       opts,
		log:        log,
	}
}

// Tick processes one scheduling cycle. A tick that is still in flight makes
// the next invocation a no-op; ticks are skipped, never queued.
func (e *Engine) Tick(ctx context.Context) {
	if !e.ticking.CompareAndSwap(false, true) {
		e.log.Debug("previous tick still running, skipping")
		return
	}
	defer e.ticking.Store(false)

	// The global sweep must run before any claiming; a crashed worker's
	// in-flight deliveries would otherwise look retryable.
	if n, err := e.deliveries.SweepStale(ctx, 0, e.opts.StaleGrace); err != nil {
		e.log.Error("stale lock sweep failed", slog.Any("err", err))
		return
	} else if n > 0 {
		e.log.Warn("moved stale deliveries to unknown", slog.Int64("count", n))
	}

	run, token, err := e.runs.ClaimNext(ctx, e.opts.LeaseDuration)
	if err != nil {
		e.log.Error("failed to claim a run", slog.Any("err", err))
		return
	}
	if run == nil {
		return
	}

	start := time.Now()
	e.log.Info("claimed run",
		slog.Int64("run", run.ID),
		slog.Int("total", run.Counts.Total),
		slog.Int("pending", run.Counts.Pending))

	for round := 0; round < e.opts.RoundsPerTick; round++ {
		if round > 0 {
			ok, err := e.runs.RenewLease(ctx, run.ID, token, e.opts.LeaseDuration)
			if err != nil {
				e.log.Error("lease renewal failed", slog.Int64("run", run.ID), slog.Any("err", err))
				return
			}
			if !ok {
				// Someone else owns the run now; stop quietly.
				e.log.Warn("lease lost mid-run, abandoning", slog.Int64("run", run.ID))
				return
			}
		}

		batch, err := e.deliveries.ClaimBatch(ctx, run.ID, e.opts.BatchSize, e.opts.LockDuration)
		if err != nil {
			e.log.Error("failed to claim delivery batch", slog.Int64("run", run.ID), slog.Any("err", err))
			// Hand the run back instead of sitting on the lease.
			_ = e.runs.ReleaseLease(ctx, run.ID, token)
			return
		}
		if len(batch) == 0 {
			break
		}

		res := e.dispatcher.Dispatch(ctx, run, batch, e.opts.Concurrency)
		e.log.Info("dispatched batch",
			slog.Int64("run", run.ID),
			slog.Int("round", round+1),
			slog.Int("size", len(batch)),
			slog.Int("sent", res.Sent),
			slog.Int("retried", res.Retried),
			slog.Int("permanent", res.Permanent),
			slog.Int("lost", res.Lost))
	}

	// Scoped sweep so this run's own crashed rows (from a previous holder)
	// are accounted for before deciding completion.
	if _, err := e.deliveries.SweepStale(ctx, run.ID, e.opts.StaleGrace); err != nil {
		e.log.Error("per-run stale sweep failed", slog.Int64("run", run.ID), slog.Any("err", err))
		_ = e.runs.ReleaseLease(ctx, run.ID, token)
		return
	}

	e.finalize(ctx, run.ID, token, start)
}

// finalize recomputes the counts from delivery rows and either closes the
// run out or leaves it running for a later tick.
func (e *Engine) finalize(ctx context.Context, runID int64, token string, start time.Time) {
	counts, err := e.deliveries.CountByStatus(ctx, runID)
	if err != nil {
		// Next tick recomputes; nothing is lost.
		e.log.Error("failed to aggregate delivery counts", slog.Int64("run", runID), slog.Any("err", err))
		_ = e.runs.ReleaseLease(ctx, runID, token)
		return
	}

	if counts.Done() {
		status := model.RunCompleted
		if counts.Failed+counts.Unknown > 0 {
			status = model.RunCompletedWithErrors
		}

		ok, err := e.runs.Finalize(ctx, runID, token, status, counts)
		if err != nil {
			e.log.Error("failed to finalize run", slog.Int64("run", runID), slog.Any("err", err))
			return
		}
		if !ok {
			// A concurrent cancel (or a stolen lease) got there first; the
			// run is theirs to close out.
			e.log.Warn("lease no longer held at finalize, leaving run untouched", slog.Int64("run", runID))
			return
		}

		e.storeProgress(ctx, runID, status, counts)
		e.log.Info("run finished",
			slog.Int64("run", runID),
			slog.String("status", string(status)),
			slog.Int("sent", counts.Sent),
			slog.Int("failed", counts.Failed),
			slog.Int("unknown", counts.Unknown),
			slog.Duration("took", time.Since(start)))
		return
	}

	if err := e.runs.UpdateCounts(ctx, runID, counts); err != nil {
		e.log.Warn("failed to refresh run counters", slog.Int64("run", runID), slog.Any("err", err))
	}
	if _, err := e.runs.RenewLease(ctx, runID, token, e.opts.LeaseDuration); err != nil {
		e.log.Warn("failed to renew lease at tick end", slog.Int64("run", runID), slog.Any("err", err))
	}

	e.storeProgress(ctx, runID, model.RunRunning, counts)
	e.log.Info("run left running for a later tick",
		slog.Int64("run", runID),
		slog.Int("pending", counts.Pending),
		slog.Duration("took", time.Since(start)))
}

func (e *Engine) storeProgress(ctx context.Context, runID int64, status model.RunStatus, counts model.RunCounts) {
	if e.progress == nil {
		return
	}
	p := cache.Progress{Status: status, Counts: counts, UpdatedAt: time.Now().UTC()}
	if err := e.progress.StoreProgress(ctx, runID, p); err != nil {
		e.log.Warn("failed to cache run progress", slog.Int64("run", runID), slog.Any("err", err))
	}
}
