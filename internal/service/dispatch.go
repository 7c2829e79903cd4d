package service

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/LeventeLantos/market-broadcast/internal/audience"
	"github.com/LeventeLantos/market-broadcast/internal/backoff"
	"github.com/LeventeLantos/market-broadcast/internal/model"
	"github.com/LeventeLantos/market-broadcast/internal/repo"
	"github.com/LeventeLantos/market-broadcast/internal/transport"
)

// Dispatcher drives a claimed batch of deliveries through the transport
// with bounded concurrency. Per-delivery failures are recorded on the row
// and never abort the batch; every terminal write is conditioned on the
// lock token taken at claim time, so a row stolen by the stale sweep cannot
// be overwritten by a late response.
type Dispatcher struct {
	deliveries  repo.DeliveryRepository
	sender      transport.Sender
	directory   audience.SubscriberDirectory
	limiter     *rate.Limiter
	maxAttempts int
	log         *slog.Logger
}

func NewDispatcher(deliveries repo.DeliveryRepository, sender transport.Sender, directory audience.SubscriberDirectory, ratePerSec, maxAttempts int, log *slog.Logger) *Dispatcher {
	if directory == nil {
		directory = audience.NopDirectory{}
	}
	var limiter *rate.Limiter
	if ratePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)
	}
	return &Dispatcher{
		deliveries:  deliveries,
		sender:      sender,
		directory:   directory,
		limiter:     limiter,
		maxAttempts: maxAttempts,
		log:         log,
	}
}

// BatchResult summarizes one dispatched batch for logging.
type BatchResult struct {
	Sent      int
	Retried   int
	Permanent int
	Lost      int
}

// Dispatch sends every delivery in the batch using a pool of concurrency
// workers. Worker i handles items i, i+concurrency, i+2*concurrency, ... so
// one slow send never blocks unrelated deliveries while total in-flight
// sends stay bounded.
func (d *Dispatcher) Dispatch(ctx context.Context, run *model.Run, batch []model.Delivery, concurrency int) BatchResult {
	if concurrency <= 0 {
		concurrency = 4
	}

	results := make([]outcome, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < concurrency; w++ {
		w := w
		g.Go(func() error {
			for i := w; i < len(batch); i += concurrency {
				results[i] = d.sendOne(gctx, run, &batch[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	var res BatchResult
	for _, o := range results {
		switch o {
		case outcomeSent:
			res.Sent++
		case outcomeRetried:
			res.Retried++
		case outcomePermanent:
			res.Permanent++
		case outcomeLost:
			res.Lost++
		}
	}
	return res
}

type outcome int

const (
	outcomeLost outcome = iota
	outcomeSent
	outcomeRetried
	outcomePermanent
)

func (d *Dispatcher) sendOne(ctx context.Context, run *model.Run, del *model.Delivery) outcome {
	if del.LockToken == nil {
		d.log.Error("delivery dispatched without a lock token", slog.Int64("delivery", del.ID))
		return outcomeLost
	}
	token := *del.LockToken

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			// Shutdown mid-batch: the row stays processing and the stale
			// sweep resolves it, same as a crash.
			return outcomeLost
		}
	}

	remoteID, err := d.sender.Send(ctx, del.Address, run.Message, run.Attachments)
	if err == nil {
		ok, uerr := d.deliveries.MarkSent(ctx, del.ID, token, remoteID)
		if uerr != nil {
			d.log.Error("failed to record sent delivery", slog.Int64("delivery", del.ID), slog.Any("err", uerr))
			return outcomeLost
		}
		if !ok {
			d.log.Warn("delivery lock was reclaimed before the send result arrived", slog.Int64("delivery", del.ID))
			return outcomeLost
		}
		return outcomeSent
	}

	out := backoff.Classify(err)

	if out.Retryable && del.AttemptCount < d.maxAttempts {
		next := time.Now().UTC().Add(backoff.Delay(del.AttemptCount))
		ok, uerr := d.deliveries.MarkRetry(ctx, del.ID, token, next, err.Error())
		if uerr != nil {
			d.log.Error("failed to schedule retry", slog.Int64("delivery", del.ID), slog.Any("err", uerr))
			return outcomeLost
		}
		if !ok {
			return outcomeLost
		}
		d.log.Debug("delivery retry scheduled",
			slog.Int64("delivery", del.ID),
			slog.Int("attempt", del.AttemptCount),
			slog.Time("next_attempt_at", next),
			slog.Any("err", err))
		return outcomeRetried
	}

	reason := err.Error()
	if out.Retryable {
		reason = "retry attempts exhausted: " + reason
	}
	ok, uerr := d.deliveries.MarkPermanent(ctx, del.ID, token, reason)
	if uerr != nil {
		d.log.Error("failed to record permanent failure", slog.Int64("delivery", del.ID), slog.Any("err", uerr))
		return outcomeLost
	}
	if !ok {
		return outcomeLost
	}

	d.log.Warn("delivery failed permanently",
		slog.Int64("delivery", del.ID),
		slog.String("address", del.Address),
		slog.Int("attempt", del.AttemptCount),
		slog.Any("err", err))

	if out.AddressGone {
		// Best effort: a failed deactivation never fails the delivery.
		if derr := d.directory.MarkInactive(ctx, del.Address); derr != nil {
			d.log.Warn("failed to deactivate unreachable subscriber",
				slog.String("address", del.Address), slog.Any("err", derr))
		}
	}

	return outcomePermanent
}
