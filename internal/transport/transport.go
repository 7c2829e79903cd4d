package transport

import (
	"context"
	"fmt"
)

// Sender is the external messaging channel. The engine does not know the
// protocol behind it; it only requires errors to be classifiable via
// SendError.
type Sender interface {
	Send(ctx context.Context, address, message string, attachments []string) (remoteMessageID string, err error)
}

// SendError is a classified transport failure.
//
// Permanent means retrying can never succeed (invalid/blocked recipient,
// rejected payload). AddressGone additionally signals that the recipient is
// permanently unreachable and may be deactivated in the subscriber
// directory. Errors that are not SendError are treated as transient.
type SendError struct {
	StatusCode  int
	Permanent   bool
	AddressGone bool
	Body        string
}

func (e *SendError) Error() string {
	kind := "retryable"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("send failed (%s): status=%d body=%q", kind, e.StatusCode, e.Body)
}
