package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Listing bounds.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// ErrEnvelopeNotFound is returned by Get for unknown ids.
var ErrEnvelopeNotFound = errors.New("envelope not found")

var validate = validator.New()

// Filter narrows the envelope listing. All fields are optional except the
// page coordinates.
type Filter struct {
	Service           string    `json:"service"           validate:"omitempty,max=200"`
	Host              string    `json:"host"              validate:"omitempty,max=200"`
	Environment       string    `json:"environment"       validate:"omitempty,max=100"`
	SeverityThreshold string    `json:"severityThreshold" validate:"omitempty,oneof=Trace Debug Information Warning Error Critical"`
	FromUTC           time.Time `json:"fromUtc"`
	ToUTC             time.Time `json:"toUtc"`
	Search            string    `json:"search"            validate:"omitempty,max=500"`

	IncludeAcknowledged bool  `json:"includeAcknowledged"`
	IncludeDeleted      bool  `json:"includeDeleted"`
	Acknowledged        *bool `json:"acknowledged"`
	Deleted             *bool `json:"deleted"`

	Page     int `json:"page"     validate:"gte=1"`
	PageSize int `json:"pageSize" validate:"gte=1,lte=200"`
}

// Validate returns field-scoped errors, empty when the filter is usable.
func (f *Filter) Validate() map[string]string {
	errs := map[string]string{}
	if err := validate.Struct(f); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				errs[lowerFirst(fe.Field())] = fe.Tag()
			}
		} else {
			errs["filter"] = err.Error()
		}
	}
	if !f.FromUTC.IsZero() && !f.ToUTC.IsZero() && f.ToUTC.Before(f.FromUTC) {
		errs["toUtc"] = "must not be before fromUtc"
	}
	return errs
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// ListPage is one offset-paginated slice of the envelope listing.
type ListPage struct {
	Items      []*Envelope `json:"items"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	PageSize   int         `json:"pageSize"`
	TotalPages int         `json:"totalPages"`
}

// Store persists envelopes in Postgres.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewStore wraps a database handle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Insert persists one envelope. Re-inserting an id is a no-op, so the
// persistence worker can safely retry.
func (s *Store) Insert(ctx context.Context, e *Envelope) error {
	const q = `
		INSERT INTO telemetry_envelopes
			(id, host, environment, service, severity_threshold, window_minutes, received_at, items)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, q,
		e.ID, e.Host, e.Environment, e.Service, e.SeverityThreshold,
		e.WindowMinutes, e.ReceivedAt.UTC(), e.Items,
	); err != nil {
		return fmt.Errorf("failed to insert envelope: %w", err)
	}
	return nil
}

// Get loads one envelope by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Envelope, error) {
	const q = `
		SELECT id, host, environment, service, severity_threshold, window_minutes,
		       received_at, items, acknowledged_at, deleted_at
		FROM telemetry_envelopes
		WHERE id = $1`
	var e Envelope
	err := s.db.GetContext(ctx, &e, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEnvelopeNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load envelope: %w", err)
	}
	return &e, nil
}

// List returns one page of envelopes, newest first, with the total count
// for page navigation.
func (s *Store) List(ctx context.Context, f Filter) (*ListPage, error) {
	if errs := f.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid envelope filter: %v", errs)
	}

	where, args := f.where()
	predicate := strings.Join(where, " AND ")

	var total int
	countQ := fmt.Sprintf("SELECT COUNT(*) FROM telemetry_envelopes WHERE %s", predicate)
	if err := s.db.GetContext(ctx, &total, countQ, args...); err != nil {
		return nil, fmt.Errorf("failed to count envelopes: %w", err)
	}

	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)
	listQ := fmt.Sprintf(`
		SELECT id, host, environment, service, severity_threshold, window_minutes,
		       received_at, items, acknowledged_at, deleted_at
		FROM telemetry_envelopes
		WHERE %s
		ORDER BY received_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, predicate, len(args)-1, len(args))

	items := []*Envelope{}
	if err := s.db.SelectContext(ctx, &items, listQ, args...); err != nil {
		return nil, fmt.Errorf("failed to list envelopes: %w", err)
	}

	totalPages := (total + f.PageSize - 1) / f.PageSize
	return &ListPage{
		Items:      items,
		Total:      total,
		Page:       f.Page,
		PageSize:   f.PageSize,
		TotalPages: totalPages,
	}, nil
}

// where translates the filter into predicates and positional args.
func (f Filter) where() ([]string, []any) {
	where := []string{"TRUE"}
	var args []any

	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("service", f.Service)
	add("host", f.Host)
	add("environment", f.Environment)
	add("severity_threshold", f.SeverityThreshold)

	if !f.FromUTC.IsZero() {
		args = append(args, f.FromUTC.UTC())
		where = append(where, fmt.Sprintf("received_at >= $%d", len(args)))
	}
	if !f.ToUTC.IsZero() {
		args = append(args, f.ToUTC.UTC())
		where = append(where, fmt.Sprintf("received_at <= $%d", len(args)))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		where = append(where, fmt.Sprintf("items::text ILIKE $%d", len(args)))
	}

	switch {
	case f.Acknowledged != nil && *f.Acknowledged:
		where = append(where, "acknowledged_at IS NOT NULL")
	case f.Acknowledged != nil:
		where = append(where, "acknowledged_at IS NULL")
	case !f.IncludeAcknowledged:
		where = append(where, "acknowledged_at IS NULL")
	}

	switch {
	case f.Deleted != nil && *f.Deleted:
		where = append(where, "deleted_at IS NOT NULL")
	case f.Deleted != nil:
		where = append(where, "deleted_at IS NULL")
	case !f.IncludeDeleted:
		where = append(where, "deleted_at IS NULL")
	}

	return where, args
}

// Acknowledge stamps acknowledged_at once. Already-acknowledged or deleted
// envelopes report no change.
func (s *Store) Acknowledge(ctx context.Context, id uuid.UUID) (bool, error) {
	const q = `
		UPDATE telemetry_envelopes
		SET acknowledged_at = $2
		WHERE id = $1 AND acknowledged_at IS NULL AND deleted_at IS NULL`
	res, err := s.db.ExecContext(ctx, q, id, s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to acknowledge envelope: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read acknowledge result: %w", err)
	}
	return n > 0, nil
}

// SoftDelete stamps deleted_at once, reporting whether the state changed.
func (s *Store) SoftDelete(ctx context.Context, id uuid.UUID) (bool, error) {
	const q = `
		UPDATE telemetry_envelopes
		SET deleted_at = $2
		WHERE id = $1 AND deleted_at IS NULL`
	res, err := s.db.ExecContext(ctx, q, id, s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to delete envelope: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read delete result: %w", err)
	}
	return n > 0, nil
}
