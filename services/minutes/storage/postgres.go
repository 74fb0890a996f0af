package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	_ "github.com/lib/pq"

	"github.com/xilidan/minutes/services/minutes/entity"
)

const meetingsTable = "meetings"

const schema = `
CREATE TABLE IF NOT EXISTS meetings (
	id            TEXT PRIMARY KEY,
	title         TEXT NOT NULL DEFAULT '',
	status_phase  TEXT NOT NULL,
	status_stage  TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	scheduled_at  TIMESTAMPTZ,
	archived_at   TIMESTAMPTZ,
	asset         JSONB,
	transcript    JSONB,
	minutes       JSONB,
	last_error    JSONB
);
CREATE INDEX IF NOT EXISTS meetings_created_at_idx ON meetings (created_at DESC);
CREATE INDEX IF NOT EXISTS meetings_scheduled_at_idx ON meetings (scheduled_at) WHERE archived_at IS NULL;
`

var columns = []string{
	"id", "title", "status_phase", "status_stage",
	"created_at", "updated_at", "scheduled_at", "archived_at",
	"asset", "transcript", "minutes", "last_error",
}

// Postgres stores one row per meeting with JSONB artifact columns.
type Postgres struct {
	drv *entsql.Driver
	db  *sql.DB
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	drv, err := entsql.Open(dialect.Postgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	p := &Postgres{drv: drv, db: drv.DB()}
	if err := p.db.PingContext(ctx); err != nil {
		_ = drv.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if err := p.Migrate(ctx); err != nil {
		_ = drv.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate meetings table: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.drv.Close()
}

func (p *Postgres) Put(ctx context.Context, m *entity.Meeting) error {
	r, err := toRow(m)
	if err != nil {
		return err
	}
	query, args := upsertQuery(r)
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save meeting %s: %w", m.ID, err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*entity.Meeting, error) {
	query, args := getQuery(id)
	r, err := scanRow(p.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entity.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load meeting %s: %w", id, err)
	}
	return fromRow(r)
}

func (p *Postgres) List(ctx context.Context, opts entity.ListOptions) ([]*entity.Meeting, error) {
	query, args := listQuery(opts)
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list meetings: %w", err)
	}
	defer rows.Close()

	out := []*entity.Meeting{}
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan meeting: %w", err)
		}
		m, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list meetings: %w", err)
	}
	return out, nil
}

func builder() *entsql.DialectBuilder {
	return entsql.Dialect(dialect.Postgres)
}

func upsertQuery(r row) (string, []any) {
	return builder().Insert(meetingsTable).
		Columns(columns...).
		Values(
			r.ID, r.Title, r.StatusPhase, r.StatusStage,
			r.CreatedAt, r.UpdatedAt, nullTime(r.ScheduledAt), nullTime(r.ArchivedAt),
			jsonArg(r.Asset), jsonArg(r.Transcript), jsonArg(r.Minutes), jsonArg(r.LastError),
		).
		OnConflict(
			entsql.ConflictColumns("id"),
			entsql.ResolveWithNewValues(),
		).
		Query()
}

func getQuery(id string) (string, []any) {
	return builder().Select(columns...).
		From(entsql.Table(meetingsTable)).
		Where(entsql.EQ("id", id)).
		Query()
}

func listQuery(opts entity.ListOptions) (string, []any) {
	sel := builder().Select(columns...).From(entsql.Table(meetingsTable))

	switch opts.Filter {
	case entity.FilterUpcoming:
		sel.Where(entsql.And(
			entsql.IsNull("archived_at"),
			entsql.NotNull("scheduled_at"),
			entsql.GT("scheduled_at", opts.Now),
		)).OrderBy(entsql.Asc("scheduled_at"), entsql.Asc("id"))
	case entity.FilterRecent:
		sel.Where(entsql.And(
			entsql.IsNull("archived_at"),
			entsql.GTE("created_at", opts.Now.Add(-opts.RecentWindow)),
		)).OrderBy(entsql.Desc("created_at"), entsql.Asc("id"))
	case entity.FilterArchived:
		sel.Where(entsql.NotNull("archived_at")).
			OrderBy(entsql.Desc("archived_at"), entsql.Asc("id"))
	default:
		sel.OrderBy(entsql.Desc("created_at"), entsql.Asc("id"))
	}
	return sel.Query()
}

type row struct {
	ID          string
	Title       string
	StatusPhase string
	StatusStage string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ScheduledAt *time.Time
	ArchivedAt  *time.Time
	Asset       []byte
	Transcript  []byte
	Minutes     []byte
	LastError   []byte
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(s scanner) (row, error) {
	var (
		r                   row
		scheduled, archived sql.NullTime
	)
	err := s.Scan(
		&r.ID, &r.Title, &r.StatusPhase, &r.StatusStage,
		&r.CreatedAt, &r.UpdatedAt, &scheduled, &archived,
		&r.Asset, &r.Transcript, &r.Minutes, &r.LastError,
	)
	if err != nil {
		return row{}, err
	}
	if scheduled.Valid {
		r.ScheduledAt = &scheduled.Time
	}
	if archived.Valid {
		r.ArchivedAt = &archived.Time
	}
	return r, nil
}

func toRow(m *entity.Meeting) (row, error) {
	r := row{
		ID:          m.ID,
		Title:       m.Title,
		StatusPhase: string(m.Status.Phase),
		StatusStage: string(m.Status.Stage),
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		ScheduledAt: m.ScheduledAt,
		ArchivedAt:  m.ArchivedAt,
	}

	var err error
	if r.Asset, err = marshalNullable(m.Asset); err != nil {
		return row{}, fmt.Errorf("failed to encode asset: %w", err)
	}
	if r.Transcript, err = marshalNullable(m.Transcript); err != nil {
		return row{}, fmt.Errorf("failed to encode transcript: %w", err)
	}
	if r.Minutes, err = marshalNullable(m.Minutes); err != nil {
		return row{}, fmt.Errorf("failed to encode minutes: %w", err)
	}
	if r.LastError, err = marshalNullable(m.LastError); err != nil {
		return row{}, fmt.Errorf("failed to encode last error: %w", err)
	}
	return r, nil
}

func fromRow(r row) (*entity.Meeting, error) {
	m := &entity.Meeting{
		ID:          r.ID,
		Title:       r.Title,
		Status:      entity.Status{Phase: entity.Phase(r.StatusPhase), Stage: entity.Stage(r.StatusStage)},
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
		ScheduledAt: utc(r.ScheduledAt),
		ArchivedAt:  utc(r.ArchivedAt),
	}
	if !m.Status.Valid() {
		return nil, fmt.Errorf("meeting %s has invalid status %q", r.ID, m.Status)
	}

	if err := unmarshalNullable(r.Asset, &m.Asset); err != nil {
		return nil, fmt.Errorf("failed to decode asset of meeting %s: %w", r.ID, err)
	}
	if err := unmarshalNullable(r.Transcript, &m.Transcript); err != nil {
		return nil, fmt.Errorf("failed to decode transcript of meeting %s: %w", r.ID, err)
	}
	if err := unmarshalNullable(r.Minutes, &m.Minutes); err != nil {
		return nil, fmt.Errorf("failed to decode minutes of meeting %s: %w", r.ID, err)
	}
	if err := unmarshalNullable(r.LastError, &m.LastError); err != nil {
		return nil, fmt.Errorf("failed to decode last error of meeting %s: %w", r.ID, err)
	}
	return m, nil
}

// marshalNullable encodes v, or returns nil for a nil pointer so the
// column is stored as NULL.
func marshalNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalNullable[T any](data []byte, dst **T) error {
	if len(data) == 0 {
		*dst = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*dst = &v
	return nil
}

// jsonArg passes JSON as text; lib/pq would send []byte as bytea.
func jsonArg(data []byte) any {
	if data == nil {
		return nil
	}
	return string(data)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
