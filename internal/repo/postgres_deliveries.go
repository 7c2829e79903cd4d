package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/LeventeLantos/market-broadcast/internal/model"
)

// lastErrorMax bounds the human-readable diagnostic stored per delivery.
const lastErrorMax = 500

const staleLockMessage = "processing lock expired without a result; delivery outcome unknown"

type PostgresDeliveryRepo struct {
	db *sql.DB
}

func NewPostgresDeliveryRepo(db *sql.DB) *PostgresDeliveryRepo {
	return &PostgresDeliveryRepo{db: db}
}

const deliveryColumns = `
	id, run_id, user_id, address, status, attempt_count,
	next_attempt_at, last_attempt_at, sent_at, remote_message_id,
	last_error, lock_token, lock_expires_at, created_at, updated_at`

func (r *PostgresDeliveryRepo) ClaimBatch(ctx context.Context, runID int64, batchSize int, lockFor time.Duration) ([]model.Delivery, error) {
	if batchSize <= 0 {
		return nil, errors.New("batchSize must be > 0")
	}

	// Candidate selection and the claim itself are separate statements, so
	// the window is twice the batch size to absorb claims lost to races.
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, status
		FROM broadcast_deliveries
		WHERE run_id = $1
		  AND (status = 'pending'
		       OR (status = 'failed_retryable' AND next_attempt_at <= now()))
		  AND (lock_token IS NULL OR lock_expires_at < now())
		ORDER BY id ASC
		LIMIT $2
	`, runID, 2*batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type candidate struct {
		id     int64
		status string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.status); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimed []model.Delivery
	for _, c := range candidates {
		if len(claimed) >= batchSize {
			break
		}

		token := uuid.NewString()
		row := r.db.QueryRowContext(ctx, `
			UPDATE broadcast_deliveries
			SET status = 'processing',
			    lock_token = $2,
			    lock_expires_at = now() + make_interval(secs => $3),
			    attempt_count = attempt_count + 1,
			    last_attempt_at = now(),
			    next_attempt_at = NULL,
			    updated_at = now()
			WHERE id = $1
			  AND status = $4
			  AND (lock_token IS NULL OR lock_expires_at < now())
			RETURNING `+deliveryColumns+`
		`, c.id, token, lockFor.Seconds(), c.status)

		d, err := scanDelivery(row)
		if errors.Is(err, sql.ErrNoRows) {
			// Lost the race for this row; the window covers it.
			continue
		}
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, *d)
	}

	return claimed, nil
}

func (r *PostgresDeliveryRepo) MarkSent(ctx context.Context, id int64, lockToken, remoteMessageID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE broadcast_deliveries
		SET status = 'sent',
		    sent_at = now(),
		    remote_message_id = $3,
		    last_error = NULL,
		    lock_token = NULL,
		    lock_expires_at = NULL,
		    updated_at = now()
		WHERE id = $1 AND status = 'processing' AND lock_token = $2
	`, id, lockToken, remoteMessageID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *PostgresDeliveryRepo) MarkRetry(ctx context.Context, id int64, lockToken string, nextAttemptAt time.Time, reason string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE broadcast_deliveries
		SET status = 'failed_retryable',
		    next_attempt_at = $3,
		    last_error = $4,
		    lock_token = NULL,
		    lock_expires_at = NULL,
		    updated_at = now()
		WHERE id = $1 AND status = 'processing' AND lock_token = $2
	`, id, lockToken, nextAttemptAt.UTC(), truncateError(reason))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *PostgresDeliveryRepo) MarkPermanent(ctx context.Context, id int64, lockToken, reason string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE broadcast_deliveries
		SET status = 'failed_permanent',
		    last_error = $3,
		    lock_token = NULL,
		    lock_expires_at = NULL,
		    next_attempt_at = NULL,
		    updated_at = now()
		WHERE id = $1 AND status = 'processing' AND lock_token = $2
	`, id, lockToken, truncateError(reason))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *PostgresDeliveryRepo) SweepStale(ctx context.Context, runID int64, grace time.Duration) (int64, error) {
	query := `
		UPDATE broadcast_deliveries
		SET status = 'unknown',
		    last_error = $1,
		    lock_token = NULL,
		    lock_expires_at = NULL,
		    next_attempt_at = NULL,
		    updated_at = now()
		WHERE status = 'processing'
		  AND lock_expires_at < now() - make_interval(secs => $2)`
	args := []any{staleLockMessage, grace.Seconds()}

	if runID != 0 {
		query += ` AND run_id = $3`
		args = append(args, runID)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresDeliveryRepo) CountByStatus(ctx context.Context, runID int64) (model.RunCounts, error) {
	var c model.RunCounts
	err := r.db.QueryRowContext(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE status IN ('pending', 'processing', 'failed_retryable')),
		       count(*) FILTER (WHERE status = 'sent'),
		       count(*) FILTER (WHERE status = 'failed_permanent'),
		       count(*) FILTER (WHERE status = 'unknown')
		FROM broadcast_deliveries
		WHERE run_id = $1
	`, runID).Scan(&c.Total, &c.Pending, &c.Sent, &c.Failed, &c.Unknown)
	return c, err
}

func (r *PostgresDeliveryRepo) CancelActive(ctx context.Context, runID int64) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Rows nobody is working on fail outright; in-flight sends may
	// already have reached the channel, so they end up unknown instead.
	if _, err := tx.ExecContext(ctx, `
		UPDATE broadcast_deliveries
		SET status = 'failed_permanent',
		    last_error = 'run cancelled',
		    lock_token = NULL,
		    lock_expires_at = NULL,
		    next_attempt_at = NULL,
		    updated_at = now()
		WHERE run_id = $1 AND status IN ('pending', 'failed_retryable')
	`, runID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE broadcast_deliveries
		SET status = 'unknown',
		    last_error = 'run cancelled while delivery was in flight',
		    lock_token = NULL,
		    lock_expires_at = NULL,
		    next_attempt_at = NULL,
		    updated_at = now()
		WHERE run_id = $1 AND status = 'processing'
	`, runID); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *PostgresDeliveryRepo) RequeueUnknown(ctx context.Context, runID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE broadcast_deliveries
		SET status = 'pending',
		    last_error = NULL,
		    next_attempt_at = NULL,
		    lock_token = NULL,
		    lock_expires_at = NULL,
		    updated_at = now()
		WHERE run_id = $1 AND status = 'unknown'
	`, runID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresDeliveryRepo) ListByRun(ctx context.Context, runID int64, statuses []model.DeliveryStatus, limit, offset int) ([]model.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT ` + deliveryColumns + `
		FROM broadcast_deliveries
		WHERE run_id = $1`
	if len(statuses) > 0 {
		// Statuses come from our own enum, never from raw user input.
		quoted := make([]string, len(statuses))
		for i, s := range statuses {
			quoted[i] = "'" + string(s) + "'"
		}
		query += ` AND status IN (` + strings.Join(quoted, ", ") + `)`
	}
	query += ` ORDER BY id ASC LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func scanDelivery(row rowScanner) (*model.Delivery, error) {
	var (
		d        model.Delivery
		userID   sql.NullInt64
		status   string
		nextAt   sql.NullTime
		lastAt   sql.NullTime
		sentAt   sql.NullTime
		remoteID sql.NullString
		lastErr  sql.NullString
		lockTok  sql.NullString
		lockExp  sql.NullTime
	)

	err := row.Scan(
		&d.ID,
		&d.RunID,
		&userID,
		&d.Address,
		&status,
		&d.AttemptCount,
		&nextAt,
		&lastAt,
		&sentAt,
		&remoteID,
		&lastErr,
		&lockTok,
		&lockExp,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = model.DeliveryStatus(status)

	if userID.Valid {
		v := userID.Int64
		d.UserID = &v
	}
	if nextAt.Valid {
		t := nextAt.Time
		d.NextAttemptAt = &t
	}
	if lastAt.Valid {
		t := lastAt.Time
		d.LastAttemptAt = &t
	}
	if sentAt.Valid {
		t := sentAt.Time
		d.SentAt = &t
	}
	if remoteID.Valid {
		s := remoteID.String
		d.RemoteMessageID = &s
	}
	if lastErr.Valid {
		s := lastErr.String
		d.LastError = &s
	}
	if lockTok.Valid {
		s := lockTok.String
		d.LockToken = &s
	}
	if lockExp.Valid {
		t := lockExp.Time
		d.LockExpiresAt = &t
	}

	return &d, nil
}

// truncateError bounds the diagnostic without splitting a multi-byte rune;
// a byte-level cut could hand Postgres invalid UTF-8 and fail the very
// update that records the failure.
func truncateError(s string) string {
	if len(s) <= lastErrorMax {
		return s
	}
	cut := lastErrorMax
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
