package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/LeventeLantos/market-broadcast/internal/audience"
	"github.com/LeventeLantos/market-broadcast/internal/cache"
	"github.com/LeventeLantos/market-broadcast/internal/model"
	"github.com/LeventeLantos/market-broadcast/internal/repo"
)

var (
	ErrEmptyMessage   = errors.New("message must not be empty")
	ErrMessageTooLong = errors.New("message too long")
)

// RunService is the write-side surface behind the API: enqueueing new runs,
// reposting, cancelling, and the operator actions on stuck deliveries.
type RunService struct {
	runs        repo.RunRepository
	deliveries  repo.DeliveryRepository
	resolver    audience.Resolver
	progress    cache.ProgressCache
	contentMax  int
	audienceMax int
	log         *slog.Logger
}

func NewRunService(runs repo.RunRepository, deliveries repo.DeliveryRepository, resolver audience.Resolver, progress cache.ProgressCache, contentMax, audienceMax int, log *slog.Logger) *RunService {
	return &RunService{
		runs:        runs,
		deliveries:  deliveries,
		resolver:    resolver,
		progress:    progress,
		contentMax:  contentMax,
		audienceMax: audienceMax,
		log:         log,
	}
}

type EnqueueRequest struct {
	Message     string
	Attachments []string
	Audience    model.Selector
	RequestedBy string
}

// Enqueue resolves the audience once, deduplicates it by transport address,
// and creates the run plus its delivery rows in one transaction. A run that
// resolves to nobody is returned already completed.
func (s *RunService) Enqueue(ctx context.Context, req EnqueueRequest) (*model.Run, error) {
	if req.Message == "" {
		return nil, ErrEmptyMessage
	}
	if utf8.RuneCountInString(req.Message) > s.contentMax {
		return nil, fmt.Errorf("%w: exceeds %d chars", ErrMessageTooLong, s.contentMax)
	}

	recipients, err := s.resolver.Resolve(ctx, req.Audience, s.audienceMax)
	if err != nil {
		return nil, fmt.Errorf("resolve audience: %w", err)
	}
	recipients = audience.Dedupe(recipients)

	run := &model.Run{
		Message:     req.Message,
		Attachments: req.Attachments,
		Audience:    req.Audience,
		RequestedBy: req.RequestedBy,
	}

	created, err := s.runs.CreateWithDeliveries(ctx, run, recipients)
	if err != nil {
		return nil, err
	}

	s.log.Info("run enqueued",
		slog.Int64("run", created.ID),
		slog.String("audience", string(req.Audience.Kind)),
		slog.Int("recipients", created.Counts.Total),
		slog.String("status", string(created.Status)))

	return created, nil
}

// Repost creates a brand-new run from an existing run's message and
// audience. Recipients are resolved fresh; the old run is untouched.
func (s *RunService) Repost(ctx context.Context, id int64, requestedBy string) (*model.Run, error) {
	src, err := s.runs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if requestedBy == "" {
		requestedBy = src.RequestedBy
	}
	return s.Enqueue(ctx, EnqueueRequest{
		Message:     src.Message,
		Attachments: src.Attachments,
		Audience:    src.Audience,
		RequestedBy: requestedBy,
	})
}

// Get returns the run; for live runs the cached progress snapshot, when
// present, overlays the possibly stale denormalized counters.
func (s *RunService) Get(ctx context.Context, id int64) (*model.Run, error) {
	run, err := s.runs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !run.Terminal() && s.progress != nil {
		if p, err := s.progress.GetProgress(ctx, id); err == nil && p != nil {
			run.Counts = p.Counts
		}
	}
	return run, nil
}

// Cancel terminates a run immediately, without waiting for a tick. Rows
// nobody is sending fail outright; in-flight rows end up unknown because
// the external send may already have happened. Cancelling an already
// terminal run is a no-op.
func (s *RunService) Cancel(ctx context.Context, id int64) (*model.Run, error) {
	run, err := s.runs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Terminal() {
		return run, nil
	}

	cancelled, err := s.runs.MarkCancelled(ctx, id)
	if err != nil {
		return nil, err
	}
	if cancelled {
		if err := s.deliveries.CancelActive(ctx, id); err != nil {
			return nil, err
		}
		counts, err := s.deliveries.CountByStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := s.runs.UpdateCounts(ctx, id, counts); err != nil {
			return nil, err
		}

		if s.progress != nil {
			p := cache.Progress{Status: model.RunCancelled, Counts: counts, UpdatedAt: time.Now().UTC()}
			if err := s.progress.StoreProgress(ctx, id, p); err != nil {
				s.log.Warn("failed to cache cancelled run progress", slog.Int64("run", id), slog.Any("err", err))
			}
		}

		s.log.Info("run cancelled", slog.Int64("run", id),
			slog.Int("failed", counts.Failed), slog.Int("unknown", counts.Unknown))
	}

	return s.runs.Get(ctx, id)
}

// RequeueUnknown is the only path that moves unknown deliveries back to
// pending, and it refuses while the run is actively running. If anything
// was requeued the run goes back in the queue.
func (s *RunService) RequeueUnknown(ctx context.Context, id int64) (int64, error) {
	run, err := s.runs.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if run.Status == model.RunRunning {
		return 0, repo.ErrRunActive
	}

	n, err := s.deliveries.RequeueUnknown(ctx, id)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	if _, err := s.runs.Reopen(ctx, id); err != nil {
		return n, err
	}

	counts, err := s.deliveries.CountByStatus(ctx, id)
	if err != nil {
		return n, err
	}
	if err := s.runs.UpdateCounts(ctx, id, counts); err != nil {
		return n, err
	}

	s.log.Info("unknown deliveries requeued", slog.Int64("run", id), slog.Int64("count", n))
	return n, nil
}

func (s *RunService) ListDeliveries(ctx context.Context, runID int64, statuses []model.DeliveryStatus, limit, offset int) ([]model.Delivery, error) {
	if _, err := s.runs.Get(ctx, runID); err != nil {
		return nil, err
	}
	return s.deliveries.ListByRun(ctx, runID, statuses, limit, offset)
}

// Delete removes a terminal run and its deliveries.
func (s *RunService) Delete(ctx context.Context, id int64) error {
	return s.runs.Delete(ctx, id)
}

// PurgeOlderThan drops terminal runs finished more than the retention
// window ago. Wired to a daily cron job.
func (s *RunService) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	n, err := s.runs.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("purged old runs", slog.Int64("count", n), slog.Time("cutoff", cutoff))
	}
	return n, nil
}
