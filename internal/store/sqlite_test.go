package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"og-image-service/internal/models"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	st, err := NewSQLite("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(st.Close)
	return st
}

func TestSQLiteCreateAndGet(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLite(t)

	expires := time.Now().Add(time.Hour)
	rec, err := st.Create(ctx, models.NewRecord{SourceURL: "https://example.com/", ExpiresAt: expires})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.ID == "" || rec.Status() != models.StatusPending {
		t.Fatalf("unexpected record %+v", rec)
	}

	got, err := st.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SourceURL != rec.SourceURL || got.Status() != models.StatusPending {
		t.Fatalf("unexpected record %+v", got)
	}
	if !got.ExpiresAt.Equal(expires.UTC()) {
		t.Fatalf("expires mismatch %s vs %s", got.ExpiresAt, expires)
	}

	if _, err := st.Get(ctx, uuid.NewString()); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteLatestForURL(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLite(t)

	if _, err := st.LatestForURL(ctx, "https://example.com/"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	first, _ := st.Create(ctx, models.NewRecord{SourceURL: "https://example.com/", ExpiresAt: time.Now().Add(time.Hour)})
	time.Sleep(2 * time.Millisecond)
	second, _ := st.Create(ctx, models.NewRecord{SourceURL: "https://example.com/", ExpiresAt: time.Now().Add(time.Hour)})
	_, _ = st.Create(ctx, models.NewRecord{SourceURL: "https://other.com/", ExpiresAt: time.Now().Add(time.Hour)})

	latest, err := st.LatestForURL(ctx, "https://example.com/")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != second.ID || latest.ID == first.ID {
		t.Fatalf("expected newest record %s, got %s", second.ID, latest.ID)
	}
}

func TestSQLiteTransitionsForwardOnly(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLite(t)
	rec, _ := st.Create(ctx, models.NewRecord{SourceURL: "https://example.com/", ExpiresAt: time.Now().Add(time.Hour)})

	done, _ := models.Completed("https://cdn.example.com/og_images/x.png")
	if err := st.Transition(ctx, rec.ID, done); !errors.Is(err, models.ErrIllegalTransition) {
		t.Fatalf("pending -> completed must be rejected, got %v", err)
	}
	if err := st.Transition(ctx, rec.ID, models.Processing()); err != nil {
		t.Fatalf("pending -> processing: %v", err)
	}
	if err := st.Transition(ctx, rec.ID, done); err != nil {
		t.Fatalf("processing -> completed: %v", err)
	}
	if err := st.Transition(ctx, rec.ID, models.Failed("late failure")); !errors.Is(err, models.ErrIllegalTransition) {
		t.Fatalf("completed -> failed must be rejected, got %v", err)
	}

	got, _ := st.Get(ctx, rec.ID)
	if got.Status() != models.StatusCompleted || got.State.ArtifactRef() == "" || got.State.ErrorDetail() != "" {
		t.Fatalf("unexpected final state %+v", got.State)
	}

	if err := st.Transition(ctx, uuid.NewString(), models.Processing()); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLitePendingCanFail(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLite(t)
	rec, _ := st.Create(ctx, models.NewRecord{SourceURL: "https://example.com/", ExpiresAt: time.Now().Add(time.Hour)})

	if err := st.Transition(ctx, rec.ID, models.Failed("failed to enqueue")); err != nil {
		t.Fatalf("pending -> failed: %v", err)
	}
	got, _ := st.Get(ctx, rec.ID)
	if got.Status() != models.StatusFailed || got.State.ErrorDetail() != "failed to enqueue" || got.State.ArtifactRef() != "" {
		t.Fatalf("unexpected state %+v", got.State)
	}
	if err := st.Transition(ctx, rec.ID, models.Processing()); !errors.Is(err, models.ErrIllegalTransition) {
		t.Fatalf("failed -> processing must be rejected, got %v", err)
	}
}

func TestSQLiteCorruptRowSurfaces(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLite(t)
	now := time.Now().UTC()
	id := uuid.NewString()
	if err := st.forceRow(screenshotRow{
		ID: id, URL: "https://example.com/", Status: string(models.StatusCompleted),
		CreatedAt: now, UpdatedAt: now, ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := st.Get(ctx, id); !errors.Is(err, models.ErrCorruptRecord) {
		t.Fatalf("expected ErrCorruptRecord, got %v", err)
	}
	if _, err := st.LatestForURL(ctx, "https://example.com/"); !errors.Is(err, models.ErrCorruptRecord) {
		t.Fatalf("expected ErrCorruptRecord, got %v", err)
	}
}
