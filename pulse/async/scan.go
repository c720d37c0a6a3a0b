package async

import (
	"database/sql"

	"github.com/teranos/tock/db"
	"github.com/teranos/tock/errors"
)

// RunScanArgs holds the nullable intermediates for scanning a run row.
type RunScanArgs struct {
	ScheduleID     sql.NullString
	JobID          sql.NullString
	JobKey         sql.NullString
	DedupeKey      sql.NullString
	Status         string
	ScheduledAt    string
	StartedAt      sql.NullString
	FinishedAt     sql.NullString
	ErrorMsg       sql.NullString
	LatencyMS      sql.NullInt64
	DurationMS     sql.NullInt64
	WorkerID       sql.NullString
	LeaseExpiresAt sql.NullString
	Payload        sql.NullString
	CreatedAt      string
	UpdatedAt      string
}

// GetRunScanTargets returns scan destinations in StandardRunSelectColumns order.
func GetRunScanTargets(run *Run, args *RunScanArgs) []interface{} {
	return []interface{}{
		&run.ID,
		&run.TenantID,
		&args.ScheduleID,
		&args.JobID,
		&args.JobKey,
		&run.Queue,
		&run.Priority,
		&args.DedupeKey,
		&run.CorrelationID,
		&args.Status,
		&args.ScheduledAt,
		&args.StartedAt,
		&args.FinishedAt,
		&run.Attempt,
		&args.ErrorMsg,
		&args.LatencyMS,
		&args.DurationMS,
		&args.WorkerID,
		&args.LeaseExpiresAt,
		&args.Payload,
		&args.CreatedAt,
		&args.UpdatedAt,
	}
}

// ProcessRunScanArgs copies scanned intermediates into run.
func ProcessRunScanArgs(run *Run, args *RunScanArgs) error {
	var err error
	run.ScheduleID = nullString(args.ScheduleID)
	run.JobID = nullString(args.JobID)
	run.JobKey = args.JobKey.String
	run.DedupeKey = nullString(args.DedupeKey)
	run.WorkerID = nullString(args.WorkerID)
	run.Status = RunStatus(args.Status)
	if args.ErrorMsg.Valid {
		run.Error = args.ErrorMsg.String
	}
	if args.LatencyMS.Valid {
		run.LatencyMS = &args.LatencyMS.Int64
	}
	if args.DurationMS.Valid {
		run.DurationMS = &args.DurationMS.Int64
	}
	if args.Payload.Valid && args.Payload.String != "" {
		run.Payload = []byte(args.Payload.String)
	}

	if run.ScheduledAt, err = db.ParseTime(args.ScheduledAt); err != nil {
		return errors.Wrapf(err, "run %s scheduled_at", run.ID)
	}
	if run.StartedAt, err = db.ParseNullTime(args.StartedAt); err != nil {
		return errors.Wrapf(err, "run %s started_at", run.ID)
	}
	if run.FinishedAt, err = db.ParseNullTime(args.FinishedAt); err != nil {
		return errors.Wrapf(err, "run %s finished_at", run.ID)
	}
	if run.LeaseExpiresAt, err = db.ParseNullTime(args.LeaseExpiresAt); err != nil {
		return errors.Wrapf(err, "run %s lease_expires_at", run.ID)
	}
	if run.CreatedAt, err = db.ParseTime(args.CreatedAt); err != nil {
		return errors.Wrapf(err, "run %s created_at", run.ID)
	}
	if run.UpdatedAt, err = db.ParseTime(args.UpdatedAt); err != nil {
		return errors.Wrapf(err, "run %s updated_at", run.ID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanRun scans a single run from a *sql.Row or *sql.Rows.
// sql.ErrNoRows is returned unwrapped so callers can map it to not-found.
func scanRun(row rowScanner) (*Run, error) {
	var run Run
	args := &RunScanArgs{}
	if err := row.Scan(GetRunScanTargets(&run, args)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan run")
	}
	if err := ProcessRunScanArgs(&run, args); err != nil {
		return nil, err
	}
	return &run, nil
}

// StandardRunSelectColumns is the column list for run SELECTs. Queries must
// alias runs as r and LEFT JOIN jobs as j.
func StandardRunSelectColumns() string {
	return `r.id, r.tenant_id, r.schedule_id, r.job_id, j.key,
		r.queue, r.priority, r.dedupe_key, r.correlation_id, r.status,
		r.scheduled_at, r.started_at, r.finished_at, r.attempt, r.error,
		r.latency_ms, r.duration_ms, r.worker_id, r.lease_expires_at, r.payload,
		r.created_at, r.updated_at`
}

const runFrom = ` FROM runs r LEFT JOIN jobs j ON j.id = r.job_id `

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func toNullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
