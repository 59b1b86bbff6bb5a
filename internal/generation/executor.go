package generation

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"og-image-service/internal/models"
	"og-image-service/internal/telemetry"
)

// Job is one unit of generation work for an existing record.
type Job struct {
	RecordID    string
	Fingerprint Fingerprint
	ExpiresAt   time.Time
}

// ArtifactKey is the object key an image for recordID is published under.
func ArtifactKey(recordID string) string {
	return fmt.Sprintf("og_images/%s.png", recordID)
}

// Executor runs a single attempt: Pending -> Processing, render, publish,
// then exactly one terminal state.
type Executor struct {
	transitions Transitions
	renderer    Renderer
	publisher   Publisher
	cache       *Populator
	log         zerolog.Logger
}

// NewExecutor wires the collaborators of a generation attempt.
func NewExecutor(t Transitions, renderer Renderer, publisher Publisher, cache *Populator, log zerolog.Logger) (*Executor, error) {
	if renderer == nil {
		return nil, fmt.Errorf("%w: renderer", ErrNilDependency)
	}
	if publisher == nil {
		return nil, fmt.Errorf("%w: publisher", ErrNilDependency)
	}
	return &Executor{transitions: t, renderer: renderer, publisher: publisher, cache: cache, log: log}, nil
}

// Run executes job and returns the published artifact reference. Failures of
// the render or publish step are recorded on the record before returning.
func (e *Executor) Run(ctx context.Context, job Job) (string, error) {
	ctx, span := tracer.Start(ctx, "generation.Execute", trace.WithAttributes(
		attribute.String("record.id", job.RecordID),
		attribute.String("source.url", job.Fingerprint.URL),
	))
	defer span.End()

	lg := e.log.With().Str("record_id", job.RecordID).Str("url", job.Fingerprint.URL).Logger()

	if err := e.transitions.Start(ctx, job.RecordID); err != nil {
		span.SetStatus(codes.Error, "start")
		if errors.Is(err, models.ErrIllegalTransition) || errors.Is(err, models.ErrNotFound) {
			return "", newError(KindDispatch, "record is no longer pending", err)
		}
		return "", newError(KindStorage, "failed to mark record processing", err)
	}

	start := time.Now()
	ref, err := e.produce(ctx, job)
	telemetry.RenderDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "produce")
		lg.Error().Err(err).Msg("generation failed")
		e.transitions.Fail(ctx, job.RecordID, err)
		telemetry.Generations.WithLabelValues("failed").Inc()
		return "", newError(KindGeneration, "image generation failed: "+models.Truncate(err.Error(), models.MaxErrorDetail), err)
	}

	if err := e.transitions.Complete(ctx, job.RecordID, ref); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "complete")
		lg.Error().Err(err).Str("image_url", ref).Msg("image published but completion could not be recorded")
		if errors.Is(err, models.ErrIllegalTransition) {
			return "", newError(KindGeneration, "record was closed while generating", err)
		}
		e.transitions.Fail(ctx, job.RecordID, err)
		return "", newError(KindStorage, "failed to record completed generation", err)
	}

	telemetry.Generations.WithLabelValues("completed").Inc()
	e.cache.Populate(ctx, job.Fingerprint, ref, job.ExpiresAt)
	lg.Info().Str("image_url", ref).Dur("elapsed", time.Since(start)).Msg("generation completed")
	return ref, nil
}

// produce renders and publishes. A panic in either collaborator comes back as
// an error so the caller records it like any other failure.
func (e *Executor) produce(ctx context.Context, job Job) (ref string, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Str("record_id", job.RecordID).Msg("recovered panic while generating")
			ref, err = "", fmt.Errorf("panic: %v", r)
		}
	}()
	fp := job.Fingerprint
	data, err := e.renderer.Render(ctx, fp.URL, fp.Width, fp.Height)
	if err != nil {
		return "", fmt.Errorf("render: %w", err)
	}
	ref, err = e.publisher.Publish(ctx, data, ArtifactKey(job.RecordID))
	if err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	return ref, nil
}
