package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/market-broadcast/internal/model"
)

const insertChunkSize = 500

type PostgresRunRepo struct {
	db *sql.DB
}

func NewPostgresRunRepo(db *sql.DB) *PostgresRunRepo {
	return &PostgresRunRepo{db: db}
}

const runColumns = `
	id, message, attachments, audience, requested_by, status,
	total_count, pending_count, sent_count, failed_count, unknown_count,
	lease_token, lease_expires_at, heartbeat_at, started_at, finished_at,
	queued_at, updated_at`

func (r *PostgresRunRepo) CreateWithDeliveries(ctx context.Context, run *model.Run, recipients []model.Recipient) (*model.Run, error) {
	audience, err := json.Marshal(run.Audience)
	if err != nil {
		return nil, fmt.Errorf("marshal audience: %w", err)
	}
	attachments, err := json.Marshal(run.Attachments)
	if err != nil {
		return nil, fmt.Errorf("marshal attachments: %w", err)
	}

	// A run that resolves to nobody never enters the queue.
	status := model.RunQueued
	counts := model.RunCounts{Total: len(recipients), Pending: len(recipients)}
	var finished any
	if len(recipients) == 0 {
		status = model.RunCompleted
		finished = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO broadcast_runs
			(message, attachments, audience, requested_by, status,
			 total_count, pending_count, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, run.Message, attachments, audience, run.RequestedBy, string(status),
		counts.Total, counts.Pending, finished).Scan(&id)
	if err != nil {
		return nil, err
	}

	// Chunked inserts keep the transaction statement size bounded for
	// audiences in the tens of thousands.
	for start := 0; start < len(recipients); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(recipients) {
			end = len(recipients)
		}
		if err := insertDeliveryChunk(ctx, tx, id, recipients[start:end]); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return r.Get(ctx, id)
}

func insertDeliveryChunk(ctx context.Context, tx *sql.Tx, runID int64, recipients []model.Recipient) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO broadcast_deliveries (run_id, user_id, address) VALUES `)

	args := make([]any, 0, len(recipients)*3)
	for i, rc := range recipients {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * 3
		fmt.Fprintf(&sb, "($%d, $%d, $%d)", n+1, n+2, n+3)
		args = append(args, runID, rc.UserID, rc.Address)
	}

	_, err := tx.ExecContext(ctx, sb.String(), args...)
	return err
}

func (r *PostgresRunRepo) Get(ctx context.Context, id int64) (*model.Run, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM broadcast_runs
		WHERE id = $1
	`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

func (r *PostgresRunRepo) ClaimNext(ctx context.Context, leaseFor time.Duration) (*model.Run, string, error) {
	// Queued runs are preferred over running runs with an expired lease;
	// within each class, oldest first.
	var (
		id         int64
		prevStatus string
		prevExpiry sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, status, lease_expires_at
		FROM broadcast_runs
		WHERE (status = 'queued' AND (lease_expires_at IS NULL OR lease_expires_at < now()))
		   OR (status = 'running' AND lease_expires_at < now())
		ORDER BY (status = 'running') ASC, queued_at ASC
		LIMIT 1
	`).Scan(&id, &prevStatus, &prevExpiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}

	// The update only applies if the row still looks exactly like the
	// read above; zero rows affected means another worker won.
	token := uuid.NewString()
	res, err := r.db.ExecContext(ctx, `
		UPDATE broadcast_runs
		SET status = 'running',
		    lease_token = $2,
		    lease_expires_at = now() + make_interval(secs => $3),
		    heartbeat_at = now(),
		    started_at = COALESCE(started_at, now()),
		    updated_at = now()
		WHERE id = $1
		  AND status = $4
		  AND lease_expires_at IS NOT DISTINCT FROM $5
	`, id, token, leaseFor.Seconds(), prevStatus, prevExpiry)
	if err != nil {
		return nil, "", err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, "", err
	}
	if n == 0 {
		return nil, "", nil
	}

	run, err := r.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	return run, token, nil
}

func (r *PostgresRunRepo) RenewLease(ctx context.Context, id int64, token string, leaseFor time.Duration) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE broadcast_runs
		SET lease_expires_at = now() + make_interval(secs => $3),
		    heartbeat_at = now(),
		    updated_at = now()
		WHERE id = $1 AND lease_token = $2 AND status = 'running'
	`, id, token, leaseFor.Seconds())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *PostgresRunRepo) ReleaseLease(ctx context.Context, id int64, token string) error {
	// A running run with a cleared lease would never match ClaimNext
	// again, so a voluntary release also puts the run back in the queue.
	_, err := r.db.ExecContext(ctx, `
		UPDATE broadcast_runs
		SET status = 'queued',
		    lease_token = NULL,
		    lease_expires_at = NULL,
		    updated_at = now()
		WHERE id = $1 AND lease_token = $2 AND status = 'running'
	`, id, token)
	return err
}

func (r *PostgresRunRepo) Finalize(ctx context.Context, id int64, token string, status model.RunStatus, counts model.RunCounts) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE broadcast_runs
		SET status = $3,
		    total_count = $4,
		    pending_count = $5,
		    sent_count = $6,
		    failed_count = $7,
		    unknown_count = $8,
		    finished_at = now(),
		    lease_token = NULL,
		    lease_expires_at = NULL,
		    updated_at = now()
		WHERE id = $1 AND lease_token = $2 AND status = 'running'
	`, id, token, string(status),
		counts.Total, counts.Pending, counts.Sent, counts.Failed, counts.Unknown)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *PostgresRunRepo) UpdateCounts(ctx context.Context, id int64, counts model.RunCounts) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE broadcast_runs
		SET total_count = $2,
		    pending_count = $3,
		    sent_count = $4,
		    failed_count = $5,
		    unknown_count = $6,
		    updated_at = now()
		WHERE id = $1
	`, id, counts.Total, counts.Pending, counts.Sent, counts.Failed, counts.Unknown)
	return err
}

func (r *PostgresRunRepo) Reopen(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE broadcast_runs
		SET status = 'queued',
		    finished_at = NULL,
		    lease_token = NULL,
		    lease_expires_at = NULL,
		    updated_at = now()
		WHERE id = $1 AND status <> 'running'
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *PostgresRunRepo) MarkCancelled(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE broadcast_runs
		SET status = 'cancelled',
		    finished_at = now(),
		    lease_token = NULL,
		    lease_expires_at = NULL,
		    updated_at = now()
		WHERE id = $1 AND status IN ('queued', 'running')
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *PostgresRunRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM broadcast_runs
		WHERE id = $1 AND status IN ('completed', 'completed_with_errors', 'cancelled')
	`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return ErrRunNotTerminal
	}
	return nil
}

func (r *PostgresRunRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM broadcast_runs
		WHERE status IN ('completed', 'completed_with_errors', 'cancelled')
		  AND finished_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.Run, error) {
	var (
		m           model.Run
		status      string
		attachments []byte
		audience    []byte
		leaseToken  sql.NullString
		leaseExp    sql.NullTime
		heartbeat   sql.NullTime
		startedAt   sql.NullTime
		finishedAt  sql.NullTime
	)

	err := row.Scan(
		&m.ID,
		&m.Message,
		&attachments,
		&audience,
		&m.RequestedBy,
		&status,
		&m.Counts.Total,
		&m.Counts.Pending,
		&m.Counts.Sent,
		&m.Counts.Failed,
		&m.Counts.Unknown,
		&leaseToken,
		&leaseExp,
		&heartbeat,
		&startedAt,
		&finishedAt,
		&m.QueuedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.Status = model.RunStatus(status)
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return nil, fmt.Errorf("unmarshal attachments: %w", err)
		}
	}
	if len(audience) > 0 {
		if err := json.Unmarshal(audience, &m.Audience); err != nil {
			return nil, fmt.Errorf("unmarshal audience: %w", err)
		}
	}

	if leaseToken.Valid {
		s := leaseToken.String
		m.LeaseToken = &s
	}
	if leaseExp.Valid {
		t := leaseExp.Time
		m.LeaseExpiresAt = &t
	}
	if heartbeat.Valid {
		t := heartbeat.Time
		m.HeartbeatAt = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		m.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		m.FinishedAt = &t
	}

	return &m, nil
}
