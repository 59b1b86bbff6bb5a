package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"og-image-service/internal/models"
)

// screenshotRow mirrors the screenshots table for GORM.
type screenshotRow struct {
	ID          string    `gorm:"primaryKey;type:varchar(36)"`
	URL         string    `gorm:"index:idx_screenshots_url_created,priority:1;not null"`
	Status      string    `gorm:"index;size:16;not null"`
	ArtifactRef *string   `gorm:"column:artifact_ref"`
	ErrorDetail *string   `gorm:"column:error_detail;size:500"`
	CreatedAt   time.Time `gorm:"index:idx_screenshots_url_created,priority:2;not null"`
	UpdatedAt   time.Time
	ExpiresAt   time.Time `gorm:"not null"`
}

func (screenshotRow) TableName() string {
	return "screenshots"
}

// SQLite is a single-node record store for development and tests.
type SQLite struct {
	db *gorm.DB
}

// NewSQLite opens (or creates) a SQLite database and migrates the schema.
// Use a "file:name?mode=memory&cache=shared" DSN for an in-memory store.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, fmt.Errorf("sqlite tracing: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA busy_timeout=5000;")

	// A single connection keeps writes serialized and in-memory databases shared.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&screenshotRow{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() {
	if sqlDB, err := s.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// Ping checks connectivity for health probes.
func (s *SQLite) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Create inserts a pending record.
func (s *SQLite) Create(ctx context.Context, p models.NewRecord) (models.Record, error) {
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	row := screenshotRow{
		ID:        id,
		URL:       p.SourceURL,
		Status:    string(models.StatusPending),
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: p.ExpiresAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.Record{}, fmt.Errorf("insert record: %w", err)
	}
	return toRecord(row)
}

// Get fetches a record by id.
func (s *SQLite) Get(ctx context.Context, id string) (models.Record, error) {
	var row screenshotRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Record{}, models.ErrNotFound
	}
	if err != nil {
		return models.Record{}, fmt.Errorf("query record: %w", err)
	}
	return toRecord(row)
}

// LatestForURL returns the most recently created record for a source URL.
func (s *SQLite) LatestForURL(ctx context.Context, url string) (models.Record, error) {
	var row screenshotRow
	err := s.db.WithContext(ctx).
		Where("url = ?", url).
		Order("created_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Record{}, models.ErrNotFound
	}
	if err != nil {
		return models.Record{}, fmt.Errorf("query latest record: %w", err)
	}
	return toRecord(row)
}

// Transition moves a record forward to next, matching only legal predecessors.
func (s *SQLite) Transition(ctx context.Context, id string, next models.State) error {
	prev := statusStrings(next.Status().Predecessors())
	if len(prev) == 0 {
		return fmt.Errorf("%w: nothing moves to %s", models.ErrIllegalTransition, next.Status())
	}
	res := s.db.WithContext(ctx).
		Model(&screenshotRow{}).
		Where("id = ? AND status IN ?", id, prev).
		Updates(map[string]any{
			"status":       string(next.Status()),
			"artifact_ref": emptyToNil(next.ArtifactRef()),
			"error_detail": emptyToNil(next.ErrorDetail()),
			"updated_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("update status: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var row screenshotRow
	err := s.db.WithContext(ctx).Select("status").Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", models.ErrIllegalTransition, row.Status, next.Status())
}

func toRecord(row screenshotRow) (models.Record, error) {
	st, err := models.RestoreState(row.Status, row.ArtifactRef, row.ErrorDetail)
	if err != nil {
		return models.Record{}, fmt.Errorf("record %s: %w", row.ID, err)
	}
	return models.Record{
		ID:        row.ID,
		SourceURL: row.URL,
		State:     st,
		CreatedAt: row.CreatedAt,
		ExpiresAt: row.ExpiresAt,
	}, nil
}
