package workers

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/tock/db"
	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/logger"
)

// Registry persists workers.
type Registry struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewRegistry creates a worker registry
func NewRegistry(conn *sql.DB, log *zap.SugaredLogger) *Registry {
	return &Registry{db: conn, logger: logger.AddWorkerSymbol(log), now: time.Now}
}

// RegisterRequest describes a worker joining the pool.
type RegisterRequest struct {
	Name         string   `json:"name"`
	TenantID     string   `json:"tenantId,omitempty"`
	Capabilities []string `json:"capabilities"`
	MaxParallel  int      `json:"maxParallel"`
}

const workerColumns = `id, tenant_id, name, capabilities, heartbeat_at, status, max_parallel, current_jobs, version, created_at, updated_at`

// Register upserts the worker by name and marks it online with no load.
// A restarted process keeps its ID.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*Worker, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, errors.NewInvalidRequestError("worker name is required")
	}
	if req.MaxParallel < 1 {
		return nil, errors.NewInvalidRequestError("maxParallel must be at least 1, got %d", req.MaxParallel)
	}
	if len(req.Capabilities) == 0 {
		req.Capabilities = []string{AnyCapability}
	}
	caps, err := json.Marshal(req.Capabilities)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode capabilities")
	}

	now := db.FormatTime(r.now())
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workers (id, tenant_id, name, capabilities, heartbeat_at, status, max_parallel, current_jobs, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'online', ?, 0, 1, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			capabilities = excluded.capabilities,
			heartbeat_at = excluded.heartbeat_at,
			status = 'online',
			max_parallel = excluded.max_parallel,
			current_jobs = 0,
			version = workers.version + 1,
			updated_at = excluded.updated_at`,
		uuid.NewString(), req.TenantID, req.Name, string(caps), now, req.MaxParallel, now, now,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to register worker %s", req.Name)
	}

	w, err := r.GetByName(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	r.logger.Infow("Worker registered",
		logger.FieldWorkerID, w.ID,
		"name", w.Name,
		"capabilities", w.Capabilities,
		"max_parallel", w.MaxParallel)
	return w, nil
}

// Heartbeat refreshes liveness and reports live load. A load above
// maxParallel is rejected. Workers in maintenance stay in maintenance.
func (r *Registry) Heartbeat(ctx context.Context, id string, currentJobs int) (*Worker, error) {
	if currentJobs < 0 {
		return nil, errors.NewInvalidRequestError("currentJobs must not be negative, got %d", currentJobs)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE workers
		SET heartbeat_at = ?,
		    current_jobs = ?,
		    status = CASE WHEN status = 'maintenance' THEN status ELSE 'online' END,
		    version = version + 1,
		    updated_at = ?
		WHERE id = ? AND ? <= max_parallel`,
		db.FormatTime(r.now()), currentJobs, db.FormatTime(r.now()), id, currentJobs,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to record heartbeat for worker %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		w, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, errors.NewInvalidRequestError("currentJobs %d exceeds maxParallel %d for worker %s", currentJobs, w.MaxParallel, w.Name)
	}
	return r.Get(ctx, id)
}

// SetStatus changes availability. Going offline drops the recorded load;
// the caller releases the worker's runs.
func (r *Registry) SetStatus(ctx context.Context, id string, status Status) error {
	if !IsValidStatus(string(status)) {
		return errors.NewInvalidRequestError("invalid worker status %q", status)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE workers
		SET status = ?,
		    current_jobs = CASE WHEN ? = 'offline' THEN 0 ELSE current_jobs END,
		    version = version + 1,
		    updated_at = ?
		WHERE id = ?`,
		status, status, db.FormatTime(r.now()), id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to set status of worker %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("worker not found: %s", id)
	}
	r.logger.Infow("Worker status changed", logger.FieldWorkerID, id, logger.FieldStatus, status)
	return nil
}

// ReapStale marks online workers whose heartbeat is older than threshold as
// offline and returns them.
func (r *Registry) ReapStale(ctx context.Context, now time.Time, threshold time.Duration) ([]*Worker, error) {
	cutoff := db.FormatTime(now.Add(-threshold))

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin reap transaction")
	}
	defer tx.Rollback()

	stale, err := queryWorkers(ctx, tx, `SELECT `+workerColumns+` FROM workers WHERE status = 'online' AND heartbeat_at < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	if len(stale) == 0 {
		return nil, nil
	}

	for _, w := range stale {
		_, err := tx.ExecContext(ctx, `
			UPDATE workers
			SET status = 'offline', current_jobs = 0, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?`,
			db.FormatTime(now), w.ID, w.Version,
		)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to mark worker %s offline", w.ID)
		}
		w.Status = StatusOffline
		w.CurrentJobs = 0
		w.Version++
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit reap transaction")
	}

	for _, w := range stale {
		r.logger.Warnw("Worker marked offline (stale heartbeat)",
			logger.FieldWorkerID, w.ID,
			"name", w.Name,
			"heartbeat_at", w.HeartbeatAt)
	}
	return stale, nil
}

// Get retrieves a worker by ID
func (r *Registry) Get(ctx context.Context, id string) (*Worker, error) {
	return r.getOne(ctx, r.db, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
}

// GetTx reads a worker inside a caller's transaction.
func (r *Registry) GetTx(ctx context.Context, ex db.Execer, id string) (*Worker, error) {
	return r.getOne(ctx, ex, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
}

// GetByName retrieves a worker by its unique name
func (r *Registry) GetByName(ctx context.Context, name string) (*Worker, error) {
	return r.getOne(ctx, r.db, `SELECT `+workerColumns+` FROM workers WHERE name = ?`, name)
}

// List returns workers, optionally filtered by status, ordered by name.
func (r *Registry) List(ctx context.Context, status *Status) ([]*Worker, error) {
	if status != nil {
		return queryWorkers(ctx, r.db, `SELECT `+workerColumns+` FROM workers WHERE status = ? ORDER BY name`, *status)
	}
	return queryWorkers(ctx, r.db, `SELECT `+workerColumns+` FROM workers ORDER BY name`)
}

// Capacity returns how many more runs the worker may take.
func (r *Registry) Capacity(ctx context.Context, id string) (int, error) {
	w, err := r.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return w.Capacity(), nil
}

// AdjustLoad changes current_jobs by delta inside ex (the claim or finish
// transaction). Exceeding maxParallel is rejected by the table CHECK and
// reported as a conflict; the count never drops below zero.
func (r *Registry) AdjustLoad(ctx context.Context, ex db.Execer, id string, delta int) error {
	res, err := ex.ExecContext(ctx, `
		UPDATE workers
		SET current_jobs = MAX(0, current_jobs + ?), version = version + 1, updated_at = ?
		WHERE id = ?`,
		delta, db.FormatTime(r.now()), id,
	)
	if err != nil {
		if db.IsCheckViolation(err) {
			return errors.NewConflictError("worker %s would exceed maxParallel", id)
		}
		return errors.Wrapf(err, "failed to adjust load of worker %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("worker not found: %s", id)
	}
	return nil
}

func (r *Registry) getOne(ctx context.Context, ex db.Execer, query string, arg string) (*Worker, error) {
	w, err := scanWorker(ex.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("worker not found: %s", arg)
	}
	return w, err
}

func queryWorkers(ctx context.Context, ex db.Execer, query string, args ...interface{}) ([]*Worker, error) {
	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query workers")
	}
	defer rows.Close()

	var out []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate workers")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorker(row rowScanner) (*Worker, error) {
	var w Worker
	var caps, heartbeat, createdAt, updatedAt, status string
	err := row.Scan(&w.ID, &w.TenantID, &w.Name, &caps, &heartbeat, &status,
		&w.MaxParallel, &w.CurrentJobs, &w.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan worker")
	}
	w.Status = Status(status)
	if err := json.Unmarshal([]byte(caps), &w.Capabilities); err != nil {
		return nil, errors.Wrapf(err, "failed to decode capabilities of worker %s", w.ID)
	}
	if w.HeartbeatAt, err = db.ParseTime(heartbeat); err != nil {
		return nil, err
	}
	if w.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if w.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}
