package backoff

import (
	"errors"
	"time"

	"github.com/LeventeLantos/market-broadcast/internal/transport"
)

// schedule is the retry delay per attempt, indexed by attemptCount-1.
// Attempts past the last tier are clamped to it.
var schedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	120 * time.Minute,
	360 * time.Minute,
}

// Delay returns how long to wait before the next attempt after the given
// attempt count (1-based). Non-positive counts get the first tier.
func Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(schedule) {
		attempt = len(schedule)
	}
	return schedule[attempt-1]
}

// Outcome is the classification of a failed send.
type Outcome struct {
	Retryable   bool
	AddressGone bool
}

// Classify maps a transport failure to a retry decision. Anything that is
// not a classified SendError (network errors, timeouts, malformed
// responses) is treated as transient.
func Classify(err error) Outcome {
	var se *transport.SendError
	if errors.As(err, &se) {
		return Outcome{
			Retryable:   !se.Permanent,
			AddressGone: se.AddressGone,
		}
	}
	return Outcome{Retryable: true}
}
