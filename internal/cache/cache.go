package cache

import (
	"context"
	"time"

	"github.com/LeventeLantos/market-broadcast/internal/model"
)

// Progress is the cached run snapshot served on the hot read path.
type Progress struct {
	Status    model.RunStatus `json:"status"`
	Counts    model.RunCounts `json:"counts"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// ProgressCache caches per-run progress so status polling does not hit the
// aggregate query. A cache miss is not an error; callers fall back to the
// database.
type ProgressCache interface {
	StoreProgress(ctx context.Context, runID int64, p Progress) error
	GetProgress(ctx context.Context, runID int64) (*Progress, error)
}
