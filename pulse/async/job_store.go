package async

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/tock/db"
	"github.com/teranos/tock/errors"
)

// JobStore persists job policies.
type JobStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewJobStore creates a new job policy store
func NewJobStore(conn *sql.DB) *JobStore {
	return &JobStore{db: conn, now: time.Now}
}

const jobColumns = `id, tenant_id, key, queue, priority, max_attempts,
	backoff_strategy, backoff_base_seconds, backoff_max_seconds, timeout_seconds,
	concurrency_limit, sla_seconds, enabled, version, created_at, updated_at`

// Create inserts a job policy. The key is unique per tenant.
func (s *JobStore) Create(ctx context.Context, j *Job) error {
	j.ApplyDefaults()
	if err := j.Validate(); err != nil {
		return err
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := s.now().UTC()
	j.Version = 1
	j.CreatedAt, j.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.TenantID, j.Key, j.Queue, j.Priority, j.MaxAttempts,
		string(j.BackoffStrategy), j.BackoffBaseSec, nullInt64(j.BackoffMaxSec), j.TimeoutSec,
		nullInt(j.ConcurrencyLimit), nullInt64(j.SLASec), j.Enabled, j.Version,
		db.FormatTime(now), db.FormatTime(now),
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return errors.NewConflictError("job %q already exists", j.Key)
		}
		return errors.Wrapf(err, "failed to create job %s", j.Key)
	}
	return nil
}

// Update replaces a job's policy if its version still matches j.Version.
func (s *JobStore) Update(ctx context.Context, j *Job) error {
	j.ApplyDefaults()
	if err := j.Validate(); err != nil {
		return err
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET queue = ?, priority = ?, max_attempts = ?,
			backoff_strategy = ?, backoff_base_seconds = ?, backoff_max_seconds = ?,
			timeout_seconds = ?, concurrency_limit = ?, sla_seconds = ?, enabled = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		j.Queue, j.Priority, j.MaxAttempts,
		string(j.BackoffStrategy), j.BackoffBaseSec, nullInt64(j.BackoffMaxSec),
		j.TimeoutSec, nullInt(j.ConcurrencyLimit), nullInt64(j.SLASec), j.Enabled,
		db.FormatTime(now), j.ID, j.Version,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update job %s", j.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		if _, err := s.Get(ctx, j.ID); err != nil {
			return err
		}
		return errors.Mark(errors.Newf("job %s was modified concurrently (version %d)", j.ID, j.Version), errors.ErrConcurrencyConflict)
	}
	j.Version++
	j.UpdatedAt = now
	return nil
}

// Get retrieves a job by ID
func (s *JobStore) Get(ctx context.Context, id string) (*Job, error) {
	return getJob(ctx, s.db, id)
}

// GetByKey retrieves a tenant's job by key
func (s *JobStore) GetByKey(ctx context.Context, tenantID, key string) (*Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE tenant_id = ? AND key = ?`, tenantID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job not found: %s", key)
	}
	return j, err
}

// List returns a tenant's jobs ordered by key.
func (s *JobStore) List(ctx context.Context, tenantID string) ([]*Job, error) {
	return s.list(ctx, `WHERE tenant_id = ? ORDER BY key`, tenantID)
}

// ListEnabled retrieves enabled jobs of every tenant
func (s *JobStore) ListEnabled(ctx context.Context) ([]*Job, error) {
	return s.list(ctx, `WHERE enabled = 1 ORDER BY tenant_id, key`)
}

func (s *JobStore) list(ctx context.Context, where string, args ...interface{}) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs `+where, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate jobs")
	}
	return jobs, nil
}

func getJob(ctx context.Context, ex db.Execer, id string) (*Job, error) {
	j, err := scanJob(ex.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}
	return j, err
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var strategy, createdAt, updatedAt string
	var backoffMax, concurrency, sla sql.NullInt64
	err := row.Scan(&j.ID, &j.TenantID, &j.Key, &j.Queue, &j.Priority, &j.MaxAttempts,
		&strategy, &j.BackoffBaseSec, &backoffMax, &j.TimeoutSec,
		&concurrency, &sla, &j.Enabled, &j.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan job")
	}

	j.BackoffStrategy = BackoffStrategy(strategy)
	if backoffMax.Valid {
		j.BackoffMaxSec = &backoffMax.Int64
	}
	if concurrency.Valid {
		limit := int(concurrency.Int64)
		j.ConcurrencyLimit = &limit
	}
	if sla.Valid {
		j.SLASec = &sla.Int64
	}
	if j.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
