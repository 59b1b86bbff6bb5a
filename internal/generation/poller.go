package generation

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"og-image-service/internal/models"
	"og-image-service/internal/telemetry"
)

// Poller waits for deferred records to reach a terminal state.
type Poller struct {
	store    RecordStore
	cache    *Populator
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger
}

// NewPoller builds a poller that checks store every interval until timeout.
func NewPoller(store RecordStore, cache *Populator, interval, timeout time.Duration, log zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Poller{store: store, cache: cache, interval: interval, timeout: timeout, log: log}
}

// Await blocks until record id is Completed or Failed, the poll deadline
// passes, or ctx is done. Each attempt is an independent store read; nothing
// is held across the sleep. The worker job is never cancelled here.
func (p *Poller) Await(ctx context.Context, id string, fp Fingerprint) (string, error) {
	ctx, span := tracer.Start(ctx, "generation.Await", trace.WithAttributes(attribute.String("record.id", id)))
	defer span.End()

	deadline := time.Now().Add(p.timeout)

	for attempt := 1; ; attempt++ {
		rec, err := p.store.Get(ctx, id)
		switch {
		case errors.Is(err, models.ErrNotFound):
			span.SetStatus(codes.Error, "record disappeared")
			p.log.Error().Str("record_id", id).Msg("record disappeared while awaiting completion")
			return "", newError(KindInternal, "generation record disappeared", err)
		case errors.Is(err, models.ErrCorruptRecord):
			telemetry.CorruptRecords.Inc()
			span.SetStatus(codes.Error, "corrupt record")
			return "", newError(KindInternal, "generation record is corrupt", err)
		case err != nil:
			span.SetStatus(codes.Error, "store")
			return "", newError(KindStorage, "failed to check generation status", err)
		}

		switch rec.Status() {
		case models.StatusCompleted:
			ref := rec.State.ArtifactRef()
			p.cache.Populate(ctx, fp, ref, rec.ExpiresAt)
			span.SetAttributes(attribute.Int("poll.attempts", attempt))
			return ref, nil
		case models.StatusFailed:
			span.SetStatus(codes.Error, "generation failed")
			return "", newError(KindGeneration, "image generation failed: "+rec.State.ErrorDetail(), nil)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			telemetry.PollTimeouts.Inc()
			span.SetStatus(codes.Error, "timeout")
			p.log.Warn().Str("record_id", id).Int("attempts", attempt).Msg("gave up waiting for generation")
			return "", newError(KindTimeout, "image generation is still in progress; retry later", nil)
		}
		timer := time.NewTimer(min(p.interval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", newError(KindTimeout, "stopped waiting for image generation", ctx.Err())
		case <-timer.C:
		}
	}
}
