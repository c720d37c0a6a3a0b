package async

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/teranos/tock/db"
	"github.com/teranos/tock/errors"
)

// RunStore holds the SQL for runs. Every method takes the Execer to run
// against so the tracker can compose them inside one transaction.
type RunStore struct{}

func (RunStore) insert(ctx context.Context, ex db.Execer, r *Run) error {
	var payload sql.NullString
	if len(r.Payload) > 0 {
		payload = sql.NullString{String: string(r.Payload), Valid: true}
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO runs (id, tenant_id, schedule_id, job_id, queue, priority, dedupe_key,
			correlation_id, status, scheduled_at, started_at, finished_at, attempt, error,
			latency_ms, duration_ms, worker_id, lease_expires_at, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TenantID, toNullString(r.ScheduleID), toNullString(r.JobID), r.Queue, r.Priority,
		toNullString(r.DedupeKey), r.CorrelationID, string(r.Status), db.FormatTime(r.ScheduledAt),
		db.NullTime(r.StartedAt), db.NullTime(r.FinishedAt), r.Attempt, nullText(r.Error),
		nullInt64(r.LatencyMS), nullInt64(r.DurationMS), toNullString(r.WorkerID),
		db.NullTime(r.LeaseExpiresAt), payload, db.FormatTime(r.CreatedAt), db.FormatTime(r.UpdatedAt),
	)
	return err
}

func (RunStore) get(ctx context.Context, ex db.Execer, id string) (*Run, error) {
	r, err := scanRun(ex.QueryRowContext(ctx, `SELECT `+StandardRunSelectColumns()+runFrom+`WHERE r.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("run not found: %s", id)
	}
	return r, err
}

func (RunStore) liveByDedupeKey(ctx context.Context, ex db.Execer, key string) (*Run, error) {
	r, err := scanRun(ex.QueryRowContext(ctx, `SELECT `+StandardRunSelectColumns()+runFrom+`
		WHERE r.dedupe_key = ? AND r.status IN ('pending', 'running')`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("no live run for dedupe key %s", key)
	}
	return r, err
}

func (RunStore) query(ctx context.Context, ex db.Execer, where string, args ...interface{}) ([]*Run, error) {
	rows, err := ex.QueryContext(ctx, `SELECT `+StandardRunSelectColumns()+runFrom+where, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate runs")
	}
	return runs, nil
}

// markStarted moves a pending run to running. Returns false if another
// claimer got it first.
func (RunStore) markStarted(ctx context.Context, ex db.Execer, r *Run, workerID string, now, leaseUntil time.Time) (bool, error) {
	latency := sinceMS(r.ScheduledAt, now)
	res, err := ex.ExecContext(ctx, `
		UPDATE runs SET status = 'running', worker_id = ?, started_at = ?, latency_ms = ?,
			lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		workerID, db.FormatTime(now), *latency, db.FormatTime(leaseUntil), db.FormatTime(now), r.ID,
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to start run %s", r.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return false, nil
	}
	r.Status = RunRunning
	r.WorkerID = &workerID
	r.StartedAt = &now
	r.LatencyMS = latency
	r.LeaseExpiresAt = &leaseUntil
	r.UpdatedAt = now
	return true, nil
}

// finish moves a running (or, for missed, pending) run to a terminal status.
func (RunStore) finish(ctx context.Context, ex db.Execer, r *Run, from, to RunStatus, now time.Time, msg string) error {
	var duration *int64
	if r.StartedAt != nil {
		duration = sinceMS(*r.StartedAt, now)
	}
	res, err := ex.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ?, duration_ms = ?, error = ?,
			lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), db.FormatTime(now), nullInt64(duration), nullText(msg), db.FormatTime(now),
		r.ID, string(from),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to mark run %s %s", r.ID, to)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return errors.Mark(errors.Newf("run %s is no longer %s", r.ID, from), errors.ErrConcurrencyConflict)
	}
	r.Status = to
	r.FinishedAt = &now
	r.DurationMS = duration
	r.Error = msg
	r.LeaseExpiresAt = nil
	r.UpdatedAt = now
	return nil
}

func (RunStore) renewLeases(ctx context.Context, ex db.Execer, workerID string, now, until time.Time) (int64, error) {
	res, err := ex.ExecContext(ctx, `
		UPDATE runs SET lease_expires_at = ?, updated_at = ?
		WHERE worker_id = ? AND status = 'running'`,
		db.FormatTime(until), db.FormatTime(now), workerID,
	)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to renew leases for worker %s", workerID)
	}
	return res.RowsAffected()
}

func (RunStore) count(ctx context.Context, ex db.Execer, where string, args ...interface{}) (int, error) {
	var n int
	err := ex.QueryRowContext(ctx, `SELECT COUNT(*)`+runFrom+where, args...).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count runs")
	}
	return n, nil
}

// filterClause renders a RunFilter as a WHERE clause (without paging).
func filterClause(f RunFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if f.TenantID != "" {
		conds = append(conds, "r.tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.Status != "" {
		conds = append(conds, "r.status = ?")
		args = append(args, string(f.Status))
	}
	if f.ScheduleID != "" {
		conds = append(conds, "r.schedule_id = ?")
		args = append(args, f.ScheduleID)
	}
	if f.JobID != "" {
		conds = append(conds, "r.job_id = ?")
		args = append(args, f.JobID)
	}
	if f.WorkerID != "" {
		conds = append(conds, "r.worker_id = ?")
		args = append(args, f.WorkerID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND ") + " ", args
}

func nullText(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
