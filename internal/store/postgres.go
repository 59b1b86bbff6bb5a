package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"og-image-service/internal/models"
)

const recordColumns = `id::text, url, status, artifact_ref, error_detail, created_at, expires_at`

// Postgres wraps pgxpool for record persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for health probes.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a pending record.
func (s *Postgres) Create(ctx context.Context, p models.NewRecord) (models.Record, error) {
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	expires := p.ExpiresAt.UTC()

	var createdAt time.Time
	err := s.pool.QueryRow(ctx, `
		INSERT INTO screenshots (id, url, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING created_at
	`, id, p.SourceURL, string(models.StatusPending), expires).Scan(&createdAt)
	if err != nil {
		return models.Record{}, fmt.Errorf("insert record: %w", err)
	}

	return models.Record{
		ID:        id,
		SourceURL: p.SourceURL,
		State:     models.Pending(),
		CreatedAt: createdAt,
		ExpiresAt: expires,
	}, nil
}

// Get fetches a record by id.
func (s *Postgres) Get(ctx context.Context, id string) (models.Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Record{}, models.ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM screenshots WHERE id = $1`, id)
	return scanRecord(row)
}

// LatestForURL returns the most recently created record for a source URL.
func (s *Postgres) LatestForURL(ctx context.Context, url string) (models.Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+recordColumns+` FROM screenshots
		WHERE url = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, url)
	return scanRecord(row)
}

// Transition moves a record forward to next. The WHERE clause only matches
// rows in a legal predecessor status, so terminal rows are never rewritten.
func (s *Postgres) Transition(ctx context.Context, id string, next models.State) error {
	prev := statusStrings(next.Status().Predecessors())
	if len(prev) == 0 {
		return fmt.Errorf("%w: nothing moves to %s", models.ErrIllegalTransition, next.Status())
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE screenshots
		SET status = $2, artifact_ref = $3, error_detail = $4, updated_at = NOW()
		WHERE id = $1 AND status = ANY($5)
	`, id, string(next.Status()), emptyToNil(next.ArtifactRef()), emptyToNil(next.ErrorDetail()), prev)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM screenshots WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", models.ErrIllegalTransition, current, next.Status())
}

func scanRecord(row pgx.Row) (models.Record, error) {
	var rec models.Record
	var status string
	var ref, detail pgtype.Text

	if err := row.Scan(&rec.ID, &rec.SourceURL, &status, &ref, &detail, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Record{}, models.ErrNotFound
		}
		return models.Record{}, fmt.Errorf("scan record: %w", err)
	}
	st, err := models.RestoreState(status, textPtr(ref), textPtr(detail))
	if err != nil {
		return models.Record{}, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	rec.State = st
	return rec, nil
}

func statusStrings(in []models.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
