package repo

import (
	"context"
	"errors"
	"time"

	"github.com/LeventeLantos/market-broadcast/internal/model"
)

var (
	// ErrNotFound is returned when a run does not exist.
	ErrNotFound = errors.New("run not found")
	// ErrRunNotTerminal is returned when deleting a run that is still live.
	ErrRunNotTerminal = errors.New("run is not in a terminal status")
	// ErrRunActive is returned when requeueing deliveries of a running run.
	ErrRunActive = errors.New("run is currently running")
)

// RunRepository owns the run rows and the run lease. All mutations that
// matter for correctness are conditional updates keyed on the expected
// status and lease token; a zero affected-row count means another worker
// won the race and is never surfaced as an error.
type RunRepository interface {
	// CreateWithDeliveries inserts the run and one delivery row per
	// recipient in a single transaction. Runs with no recipients are
	// created already completed.
	CreateWithDeliveries(ctx context.Context, run *model.Run, recipients []model.Recipient) (*model.Run, error)

	Get(ctx context.Context, id int64) (*model.Run, error)

	// ClaimNext selects the oldest eligible run (queued first, then
	// running runs whose lease expired) and atomically moves it to
	// running under a fresh lease. Returns (nil, "", nil) when there is
	// nothing to claim or the claim race was lost.
	ClaimNext(ctx context.Context, leaseFor time.Duration) (*model.Run, string, error)

	// RenewLease extends the lease and updates the heartbeat. A false
	// return means the lease was lost and the caller must stop working.
	RenewLease(ctx context.Context, id int64, token string, leaseFor time.Duration) (bool, error)

	// ReleaseLease voluntarily hands a running run back: the lease is
	// cleared and the run returns to queued, if the token still matches.
	ReleaseLease(ctx context.Context, id int64, token string) error

	// Finalize writes the terminal status, refreshed counters and
	// finishedAt, and releases the lease, conditioned on the caller still
	// holding it. Returns false if the lease was lost (for example to a
	// concurrent cancel), in which case the run is left untouched.
	Finalize(ctx context.Context, id int64, token string, status model.RunStatus, counts model.RunCounts) (bool, error)

	// UpdateCounts refreshes the denormalized counters from a fresh
	// aggregate without touching status or lease.
	UpdateCounts(ctx context.Context, id int64, counts model.RunCounts) error

	// Reopen puts a non-running run back in the queue after unknown
	// deliveries were requeued. Returns false when the run is running.
	Reopen(ctx context.Context, id int64) (bool, error)

	// MarkCancelled flips a non-terminal run to cancelled and drops its
	// lease. Returns false when the run was already terminal.
	MarkCancelled(ctx context.Context, id int64) (bool, error)

	// Delete removes a terminal run and, by cascade, its deliveries.
	Delete(ctx context.Context, id int64) error

	// PurgeOlderThan removes terminal runs finished before the cutoff.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
