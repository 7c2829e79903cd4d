package audience

import (
	"context"

	"github.com/LeventeLantos/market-broadcast/internal/model"
)

// Resolver turns an audience selector into the list of recipients a run
// targets. Resolution happens once, at enqueue time; the engine never
// re-resolves a running broadcast.
type Resolver interface {
	Resolve(ctx context.Context, sel model.Selector, limit int) ([]model.Recipient, error)
}

// SubscriberDirectory deactivates recipients the transport reports as
// permanently unreachable. Calls are best-effort; callers log and swallow
// failures.
type SubscriberDirectory interface {
	MarkInactive(ctx context.Context, address string) error
}

// Dedupe collapses a recipient list to one entry per transport address,
// keeping the first occurrence so resolver ordering survives.
func Dedupe(rs []model.Recipient) []model.Recipient {
	if len(rs) == 0 {
		return rs
	}
	seen := make(map[string]struct{}, len(rs))
	out := rs[:0]
	for _, r := range rs {
		if r.Address == "" {
			continue
		}
		if _, ok := seen[r.Address]; ok {
			continue
		}
		seen[r.Address] = struct{}{}
		out = append(out, r)
	}
	return out
}

// NopDirectory is used when no subscriber directory is wired in.
type NopDirectory struct{}

func (NopDirectory) MarkInactive(ctx context.Context, address string) error { return nil }
