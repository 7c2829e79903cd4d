package model

import "time"

type RunStatus string

const (
	RunQueued              RunStatus = "queued"
	RunRunning             RunStatus = "running"
	RunCompleted           RunStatus = "completed"
	RunCompletedWithErrors RunStatus = "completed_with_errors"
	RunCancelled           RunStatus = "cancelled"
)

// RunCounts is the denormalized per-status rollup stored on the run row.
// Delivery rows are the source of truth; these are refreshed on finalize.
type RunCounts struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Unknown int `json:"unknown"`
}

// Done reports whether no delivery can still make progress.
func (c RunCounts) Done() bool {
	return c.Pending == 0
}

type Run struct {
	ID          int64     `json:"id"`
	Message     string    `json:"message"`
	Attachments []string  `json:"attachments,omitempty"`
	Audience    Selector  `json:"audience"`
	RequestedBy string    `json:"requestedBy"`
	Status      RunStatus `json:"status"`
	Counts      RunCounts `json:"counts"`

	LeaseToken     *string    `json:"-"`
	LeaseExpiresAt *time.Time `json:"-"`
	HeartbeatAt    *time.Time `json:"heartbeatAt,omitempty"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`

	QueuedAt  time.Time `json:"queuedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Terminal reports whether the run has reached a final status.
func (r *Run) Terminal() bool {
	switch r.Status {
	case RunCompleted, RunCompletedWithErrors, RunCancelled:
		return true
	}
	return false
}
