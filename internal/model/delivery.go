package model

import "time"

type DeliveryStatus string

const (
	DeliveryPending         DeliveryStatus = "pending"
	DeliveryProcessing      DeliveryStatus = "processing"
	DeliverySent            DeliveryStatus = "sent"
	DeliveryFailedRetry     DeliveryStatus = "failed_retryable"
	DeliveryFailedPermanent DeliveryStatus = "failed_permanent"
	DeliveryUnknown         DeliveryStatus = "unknown"
)

// Terminal reports whether the status can never change again on its own.
// UNKNOWN is terminal: the send may have gone out, so it is never retried
// automatically; only an explicit requeue moves it back to pending.
func (s DeliveryStatus) Terminal() bool {
	switch s {
	case DeliverySent, DeliveryFailedPermanent, DeliveryUnknown:
		return true
	}
	return false
}

type Delivery struct {
	ID     int64  `json:"id"`
	RunID  int64  `json:"runId"`
	UserID *int64 `json:"userId,omitempty"`
	// Address is the opaque transport recipient identifier; unique per run.
	Address string         `json:"address"`
	Status  DeliveryStatus `json:"status"`

	AttemptCount  int        `json:"attemptCount"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	SentAt        *time.Time `json:"sentAt,omitempty"`

	RemoteMessageID *string `json:"remoteMessageId,omitempty"`
	LastError       *string `json:"lastError,omitempty"`

	LockToken     *string    `json:"-"`
	LockExpiresAt *time.Time `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
