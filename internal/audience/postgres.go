package audience

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/LeventeLantos/market-broadcast/internal/model"
)

// PostgresSubscribers resolves audiences from the subscribers table and
// doubles as the directory that deactivates unreachable addresses.
type PostgresSubscribers struct {
	db *sql.DB
}

func NewPostgresSubscribers(db *sql.DB) *PostgresSubscribers {
	return &PostgresSubscribers{db: db}
}

func (s *PostgresSubscribers) Resolve(ctx context.Context, sel model.Selector, limit int) ([]model.Recipient, error) {
	var (
		query string
		args  []any
	)

	switch sel.Kind {
	case model.AudienceAll:
		query = `SELECT id, address FROM subscribers WHERE active`
	case model.AudienceUserIDs:
		if len(sel.UserIDs) == 0 {
			return nil, nil
		}
		ph := make([]string, len(sel.UserIDs))
		for i, id := range sel.UserIDs {
			ph[i] = fmt.Sprintf("$%d", i+1)
			args = append(args, id)
		}
		query = `SELECT id, address FROM subscribers
			WHERE active AND id IN (` + strings.Join(ph, ", ") + `)`
	case model.AudienceChannel:
		query = `SELECT id, address FROM subscribers WHERE active AND channel = $1`
		args = append(args, sel.Channel)
	case model.AudienceActiveChannel:
		days := sel.ActiveWithinDays
		if days <= 0 {
			return nil, fmt.Errorf("activeWithinDays must be > 0 for %s audiences", sel.Kind)
		}
		query = `SELECT id, address FROM subscribers
			WHERE active AND channel = $1
			AND last_seen_at >= now() - make_interval(days => $2)`
		args = append(args, sel.Channel, days)
	default:
		return nil, fmt.Errorf("unknown audience kind %q", sel.Kind)
	}

	query += " ORDER BY id"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("resolve audience: %w", err)
	}
	defer rows.Close()

	var out []model.Recipient
	for rows.Next() {
		var (
			id   int64
			addr string
		)
		if err := rows.Scan(&id, &addr); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		uid := id
		out = append(out, model.Recipient{UserID: &uid, Address: addr})
	}
	return out, rows.Err()
}

func (s *PostgresSubscribers) MarkInactive(ctx context.Context, address string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET active = FALSE WHERE address = $1`, address)
	if err != nil {
		return fmt.Errorf("deactivate subscriber: %w", err)
	}
	return nil
}
