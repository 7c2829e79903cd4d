package repo

import (
	"context"
	"time"

	"github.com/LeventeLantos/market-broadcast/internal/model"
)

// DeliveryRepository owns the per-recipient delivery rows. Terminal updates
// are conditioned on status=processing and a matching lock token so a late
// response from a worker whose lock was swept cannot overwrite the row; the
// boolean results report whether the guarded update actually applied.
type DeliveryRepository interface {
	// ClaimBatch claims up to batchSize due deliveries of a run for this
	// worker. It reads an oversized candidate window and then claims row
	// by row with a conditional update, so races cost candidates, not
	// correctness.
	ClaimBatch(ctx context.Context, runID int64, batchSize int, lockFor time.Duration) ([]model.Delivery, error)

	MarkSent(ctx context.Context, id int64, lockToken, remoteMessageID string) (bool, error)
	MarkRetry(ctx context.Context, id int64, lockToken string, nextAttemptAt time.Time, reason string) (bool, error)
	MarkPermanent(ctx context.Context, id int64, lockToken, reason string) (bool, error)

	// SweepStale moves processing deliveries whose lock expired more than
	// grace ago to unknown. runID 0 sweeps across all runs. Returns the
	// number of rows swept; running it again immediately is a no-op.
	SweepStale(ctx context.Context, runID int64, grace time.Duration) (int64, error)

	// CountByStatus recomputes the per-status rollup for a run straight
	// from the delivery rows.
	CountByStatus(ctx context.Context, runID int64) (model.RunCounts, error)

	// CancelActive terminates every non-terminal delivery of a run:
	// pending and retryable rows become failed_permanent, processing rows
	// become unknown because their outcome may already be irreversible.
	CancelActive(ctx context.Context, runID int64) error

	// RequeueUnknown moves unknown deliveries back to pending. The
	// caller is responsible for checking the run is not running.
	RequeueUnknown(ctx context.Context, runID int64) (int64, error)

	ListByRun(ctx context.Context, runID int64, statuses []model.DeliveryStatus, limit, offset int) ([]model.Delivery, error)
}
