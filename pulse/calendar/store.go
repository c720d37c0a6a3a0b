package calendar

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/tock/db"
	"github.com/teranos/tock/errors"
)

// Store persists calendars.
type Store struct {
	db *sql.DB
}

// NewStore creates a new calendar store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const calendarColumns = `id, tenant_id, key, name, holidays, business_days, version, created_at, updated_at`

// Create inserts a new calendar. Key collisions are reported as conflicts.
func (s *Store) Create(ctx context.Context, c *Calendar) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.Version = 1
	c.CreatedAt = now
	c.UpdatedAt = now

	holidays, days, err := encodeDays(c)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO calendars (`+calendarColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.Key, c.Name, holidays, days, c.Version,
		db.FormatTime(now), db.FormatTime(now),
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return errors.NewConflictError("calendar %s already exists", c.Key)
		}
		return errors.Wrap(err, "failed to create calendar")
	}
	return nil
}

// Upsert creates the calendar or replaces the definition stored under its
// key, bumping the version. Returns true when the row was created.
func (s *Store) Upsert(ctx context.Context, c *Calendar) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, err
	}

	existing, err := s.GetByKey(ctx, c.Key)
	if err != nil && !errors.IsNotFoundError(err) {
		return false, err
	}
	if existing == nil {
		if err := s.Create(ctx, c); err != nil {
			return false, err
		}
		return true, nil
	}

	holidays, days, err := encodeDays(c)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE calendars
		SET tenant_id = ?, name = ?, holidays = ?, business_days = ?,
		    version = version + 1, updated_at = ?
		WHERE key = ? AND version = ?`,
		c.TenantID, c.Name, holidays, days, db.FormatTime(now), c.Key, existing.Version,
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to update calendar")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return false, errors.Mark(errors.Newf("calendar %s changed concurrently", c.Key), errors.ErrConcurrencyConflict)
	}

	c.ID = existing.ID
	c.Version = existing.Version + 1
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = now
	return false, nil
}

// Get retrieves a calendar by ID
func (s *Store) Get(ctx context.Context, id string) (*Calendar, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE id = ?`, id)
	c, err := scanCalendar(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("calendar not found: %s", id)
	}
	return c, err
}

// GetByKey retrieves a calendar by its unique key
func (s *Store) GetByKey(ctx context.Context, key string) (*Calendar, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE key = ?`, key)
	c, err := scanCalendar(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("calendar not found: %s", key)
	}
	return c, err
}

// List returns the calendars visible to tenantID (its own plus global ones).
// An empty tenantID lists everything.
func (s *Store) List(ctx context.Context, tenantID string) ([]*Calendar, error) {
	query := `SELECT ` + calendarColumns + ` FROM calendars`
	var args []interface{}
	if tenantID != "" {
		query += ` WHERE tenant_id = '' OR tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list calendars")
	}
	defer rows.Close()

	var out []*Calendar
	for rows.Next() {
		c, err := scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate calendars")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCalendar(row rowScanner) (*Calendar, error) {
	var c Calendar
	var holidays, days, createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.TenantID, &c.Key, &c.Name, &holidays, &days, &c.Version, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan calendar")
	}
	if err := json.Unmarshal([]byte(holidays), &c.Holidays); err != nil {
		return nil, errors.Wrapf(err, "failed to decode holidays for calendar %s", c.Key)
	}
	if err := json.Unmarshal([]byte(days), &c.BusinessDays); err != nil {
		return nil, errors.Wrapf(err, "failed to decode business days for calendar %s", c.Key)
	}
	if c.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func encodeDays(c *Calendar) (string, string, error) {
	holidays := c.Holidays
	if holidays == nil {
		holidays = []string{}
	}
	h, err := json.Marshal(holidays)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to encode holidays")
	}
	d, err := json.Marshal(c.BusinessDays)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to encode business days")
	}
	return string(h), string(d), nil
}
