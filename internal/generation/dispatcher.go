package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"og-image-service/internal/telemetry"
)

// errEnqueueFailed is the detail persisted when the worker handoff fails.
var errEnqueueFailed = errors.New("failed to enqueue generation task")

// Execution describes how a dispatched job proceeds.
type Execution struct {
	// Deferred is true when a worker will run the job later.
	Deferred bool
	// ArtifactRef is set when the job already ran inline.
	ArtifactRef string
}

// Dispatcher starts generation for a freshly created record. The strategy is
// chosen by configuration, never per request.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) (Execution, error)
}

// InlineDispatcher runs the executor on the calling goroutine.
type InlineDispatcher struct {
	exec *Executor
}

// NewInlineDispatcher builds the synchronous strategy.
func NewInlineDispatcher(exec *Executor) (*InlineDispatcher, error) {
	if exec == nil {
		return nil, fmt.Errorf("%w: executor", ErrNilDependency)
	}
	return &InlineDispatcher{exec: exec}, nil
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, job Job) (Execution, error) {
	ref, err := d.exec.Run(ctx, job)
	if err != nil {
		return Execution{}, err
	}
	return Execution{ArtifactRef: ref}, nil
}

// DeferredDispatcher hands jobs to the worker queue and returns immediately.
type DeferredDispatcher struct {
	queue       Enqueuer
	transitions Transitions
	log         zerolog.Logger
}

// NewDeferredDispatcher builds the queueing strategy.
func NewDeferredDispatcher(queue Enqueuer, t Transitions, log zerolog.Logger) (*DeferredDispatcher, error) {
	if queue == nil {
		return nil, fmt.Errorf("%w: queue", ErrNilDependency)
	}
	return &DeferredDispatcher{queue: queue, transitions: t, log: log}, nil
}

func (d *DeferredDispatcher) Dispatch(ctx context.Context, job Job) (Execution, error) {
	if err := d.queue.Enqueue(ctx, job); err != nil {
		telemetry.EnqueueFailures.Inc()
		d.log.Error().Err(err).Str("record_id", job.RecordID).Msg("failed to enqueue generation task")
		d.transitions.Fail(ctx, job.RecordID, errEnqueueFailed)
		return Execution{}, newError(KindDispatch, "failed to queue generation task", err)
	}
	telemetry.EnqueueCounter.Inc()
	d.log.Info().Str("record_id", job.RecordID).Str("url", job.Fingerprint.URL).Msg("generation task enqueued")
	return Execution{Deferred: true}, nil
}
