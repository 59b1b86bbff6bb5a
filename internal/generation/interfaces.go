package generation

import (
	"context"
	"time"

	"og-image-service/internal/models"
)

// RecordStore owns the generation record lifecycle.
type RecordStore interface {
	Create(ctx context.Context, p models.NewRecord) (models.Record, error)
	Get(ctx context.Context, id string) (models.Record, error)
	LatestForURL(ctx context.Context, url string) (models.Record, error)
	Transition(ctx context.Context, id string, next models.State) error
}

// Cache is the volatile fingerprint -> artifact reference layer. Get never
// fails; an unavailable cache reads as a miss.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Leaser claims short-lived exclusive rights keyed by fingerprint.
type Leaser interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (holder string, acquired bool, err error)
	Release(ctx context.Context, key, owner string) error
}

// Renderer turns a page into image bytes at the requested dimensions.
type Renderer interface {
	Render(ctx context.Context, url string, width, height int) ([]byte, error)
}

// Publisher stores image bytes durably and returns a public URL.
type Publisher interface {
	Publish(ctx context.Context, data []byte, key string) (string, error)
}

// Enqueuer hands a job to the worker subsystem without waiting for it.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}
