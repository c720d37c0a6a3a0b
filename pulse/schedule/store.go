package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/tock/db"
	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/pulse/target"
	"github.com/teranos/tock/pulse/trigger"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Store handles persistence of schedules
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new schedule store
func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn, now: time.Now}
}

const scheduleColumns = `id, tenant_id, name, timezone, trigger_config, target_config,
	payload, calendar_config, job_id, enabled, next_fire_at, last_fire_at,
	version, created_at, updated_at, deleted_at`

// ListFilter narrows ListSchedules. Zero values match everything.
type ListFilter struct {
	TenantID string
	Enabled  *bool
	Name     string // substring match
	Timezone string
	Page     int
	PageSize int
}

// Pagination describes the slice of results in a Page.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// Page is one page of schedules.
type Page struct {
	Data       []*Schedule `json:"data"`
	Pagination Pagination  `json:"pagination"`
}

// Create inserts a new schedule. The caller sets NextFireAt.
func (s *Store) Create(ctx context.Context, sc *Schedule) error {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if sc.Timezone == "" {
		sc.Timezone = "UTC"
	}
	now := s.now().UTC()
	sc.Version = 1
	sc.CreatedAt, sc.UpdatedAt = now, now

	enc, err := encodeSchedule(sc)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		sc.ID, sc.TenantID, sc.Name, sc.Timezone, enc.trigger, enc.target,
		enc.payload, enc.calendar, nullText(sc.JobID), sc.Enabled,
		db.NullTime(sc.NextFireAt), db.NullTime(sc.LastFireAt),
		sc.Version, db.FormatTime(now), db.FormatTime(now),
	)
	if err != nil {
		switch {
		case db.IsUniqueViolation(err):
			return errors.NewConflictError("schedule %q already exists", sc.Name)
		case db.IsForeignKeyViolation(err):
			return errors.NewInvalidRequestError("job not found: %s", derefString(sc.JobID))
		}
		return errors.Wrapf(err, "failed to create schedule %s", sc.Name)
	}
	return nil
}

// Update replaces the definition of sc if its version still matches.
func (s *Store) Update(ctx context.Context, sc *Schedule) error {
	enc, err := encodeSchedule(sc)
	if err != nil {
		return err
	}
	now := s.now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET name = ?, timezone = ?, trigger_config = ?, target_config = ?,
			payload = ?, calendar_config = ?, job_id = ?, enabled = ?, next_fire_at = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND deleted_at IS NULL`,
		sc.Name, sc.Timezone, enc.trigger, enc.target,
		enc.payload, enc.calendar, nullText(sc.JobID), sc.Enabled, db.NullTime(sc.NextFireAt),
		db.FormatTime(now), sc.ID, sc.Version,
	)
	if err != nil {
		switch {
		case db.IsUniqueViolation(err):
			return errors.NewConflictError("schedule %q already exists", sc.Name)
		case db.IsForeignKeyViolation(err):
			return errors.NewInvalidRequestError("job not found: %s", derefString(sc.JobID))
		}
		return errors.Wrapf(err, "failed to update schedule %s", sc.ID)
	}
	if err := s.checkCAS(ctx, res, sc.ID, sc.Version); err != nil {
		return err
	}
	sc.Version++
	sc.UpdatedAt = now
	return nil
}

// ClaimFiring advances the cadence of a schedule read at version: it records
// the firing and stores the next fire time. A stale version yields
// errors.ErrConcurrencyConflict and nothing changes.
func (s *Store) ClaimFiring(ctx context.Context, id string, version int64, firedAt time.Time, next *time.Time) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET last_fire_at = ?, next_fire_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND enabled = 1 AND deleted_at IS NULL`,
		db.FormatTime(firedAt), db.NullTime(next), db.FormatTime(now), id, version,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to claim firing of schedule %s", id)
	}
	return s.checkCAS(ctx, res, id, version)
}

// SetEnabled toggles a schedule. next must be nil when disabling.
func (s *Store) SetEnabled(ctx context.Context, id string, version int64, enabled bool, next *time.Time) error {
	if !enabled {
		next = nil
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET enabled = ?, next_fire_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND deleted_at IS NULL`,
		enabled, db.NullTime(next), db.FormatTime(now), id, version,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update schedule %s", id)
	}
	return s.checkCAS(ctx, res, id, version)
}

// Delete logically deletes a schedule, disabling it. The row is kept for
// run history.
func (s *Store) Delete(ctx context.Context, id string) error {
	now := db.FormatTime(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET deleted_at = ?, enabled = 0, next_fire_at = NULL,
			version = version + 1, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		now, now, id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to delete schedule %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("schedule not found: %s", id)
	}
	return nil
}

// Get retrieves a live schedule by ID
func (s *Store) Get(ctx context.Context, id string) (*Schedule, error) {
	sc, err := scanSchedule(s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ? AND deleted_at IS NULL`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("schedule not found: %s", id)
	}
	return sc, err
}

// GetByName retrieves a tenant's live schedule by name
func (s *Store) GetByName(ctx context.Context, tenantID, name string) (*Schedule, error) {
	sc, err := scanSchedule(s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE tenant_id = ? AND name = ? AND deleted_at IS NULL`,
		tenantID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("schedule not found: %s", name)
	}
	return sc, err
}

// List returns a page of live schedules ordered by name.
func (s *Store) List(ctx context.Context, f ListFilter) (*Page, error) {
	page, size := f.Page, f.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}

	where := []string{"deleted_at IS NULL"}
	var args []interface{}
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *f.Enabled)
	}
	if f.Name != "" {
		where = append(where, "name LIKE ?")
		args = append(args, "%"+f.Name+"%")
	}
	if f.Timezone != "" {
		where = append(where, "timezone = ?")
		args = append(args, f.Timezone)
	}
	clause := " WHERE " + strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schedules`+clause, args...).Scan(&total); err != nil {
		return nil, errors.Wrap(err, "failed to count schedules")
	}

	data, err := s.query(ctx, `SELECT `+scheduleColumns+` FROM schedules`+clause+
		` ORDER BY name, id LIMIT ? OFFSET ?`, append(args, size, (page-1)*size)...)
	if err != nil {
		return nil, err
	}

	return &Page{
		Data: nonNilSchedules(data),
		Pagination: Pagination{
			Page:       page,
			PageSize:   size,
			Total:      total,
			TotalPages: (total + size - 1) / size,
		},
	}, nil
}

// ListDue returns enabled schedules whose next fire time is at or before now,
// earliest first.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]*Schedule, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	return s.query(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled = 1 AND deleted_at IS NULL AND next_fire_at IS NOT NULL AND next_fire_at <= ?
		ORDER BY next_fire_at, id
		LIMIT ?`, db.FormatTime(now), limit)
}

// NextDue returns the earliest pending fire time, or nil when nothing is scheduled.
func (s *Store) NextDue(ctx context.Context) (*Schedule, error) {
	sc, err := scanSchedule(s.db.QueryRowContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled = 1 AND deleted_at IS NULL AND next_fire_at IS NOT NULL
		ORDER BY next_fire_at LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sc, err
}

// CountEnabled returns the number of live enabled schedules.
func (s *Store) CountEnabled(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schedules WHERE enabled = 1 AND deleted_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count schedules")
	}
	return n, nil
}

func (s *Store) query(ctx context.Context, q string, args ...interface{}) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query schedules")
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate schedules")
	}
	return out, nil
}

// checkCAS turns a zero-row versioned update into not-found or a concurrency conflict.
func (s *Store) checkCAS(ctx context.Context, res sql.Result, id string, version int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return errors.Mark(
		errors.Newf("schedule %s was modified concurrently (version %d)", id, version),
		errors.ErrConcurrencyConflict,
	)
}

type encodedSchedule struct {
	trigger  string
	target   string
	payload  sql.NullString
	calendar sql.NullString
}

func encodeSchedule(sc *Schedule) (encodedSchedule, error) {
	var enc encodedSchedule
	trig, err := trigger.EncodeJSON(sc.Trigger)
	if err != nil {
		return enc, errors.Mark(err, errors.ErrInvalidRequest)
	}
	tgt, err := target.EncodeJSON(sc.Target)
	if err != nil {
		return enc, errors.Mark(err, errors.ErrInvalidRequest)
	}
	enc.trigger, enc.target = string(trig), string(tgt)

	if len(sc.Payload) > 0 {
		enc.payload = sql.NullString{String: string(sc.Payload), Valid: true}
	}
	if sc.Calendar != nil {
		cal, err := json.Marshal(sc.Calendar)
		if err != nil {
			return enc, errors.Wrap(err, "failed to encode calendar")
		}
		enc.calendar = sql.NullString{String: string(cal), Valid: true}
	}
	return enc, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var sc Schedule
	var trig, tgt, createdAt, updatedAt string
	var payload, calendar, jobID, next, last, deleted sql.NullString

	err := row.Scan(&sc.ID, &sc.TenantID, &sc.Name, &sc.Timezone, &trig, &tgt,
		&payload, &calendar, &jobID, &sc.Enabled, &next, &last,
		&sc.Version, &createdAt, &updatedAt, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan schedule")
	}

	if sc.Trigger, err = trigger.DecodeJSON([]byte(trig)); err != nil {
		return nil, errors.Wrapf(err, "schedule %s", sc.ID)
	}
	if sc.Target, err = target.DecodeJSON([]byte(tgt)); err != nil {
		return nil, errors.Wrapf(err, "schedule %s", sc.ID)
	}
	if payload.Valid {
		sc.Payload = json.RawMessage(payload.String)
	}
	if calendar.Valid && calendar.String != "" {
		var ref CalendarRef
		if err := json.Unmarshal([]byte(calendar.String), &ref); err != nil {
			return nil, errors.Wrapf(err, "invalid calendar config on schedule %s", sc.ID)
		}
		sc.Calendar = &ref
	}
	if jobID.Valid {
		sc.JobID = &jobID.String
	}

	if sc.NextFireAt, err = db.ParseNullTime(next); err != nil {
		return nil, err
	}
	if sc.LastFireAt, err = db.ParseNullTime(last); err != nil {
		return nil, err
	}
	if sc.DeletedAt, err = db.ParseNullTime(deleted); err != nil {
		return nil, err
	}
	if sc.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if sc.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &sc, nil
}

func nullText(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nonNilSchedules(s []*Schedule) []*Schedule {
	if s == nil {
		return []*Schedule{}
	}
	return s
}
