package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"og-image-service/internal/models"
)

// failureRecordTimeout bounds the write that records a failure after the
// request context may already be cancelled.
const failureRecordTimeout = 10 * time.Second

// Transitions is the record-transition helper shared by the inline path, the
// deferred path and the worker.
type Transitions struct {
	store RecordStore
	log   zerolog.Logger
}

// NewTransitions builds the helper over store.
func NewTransitions(store RecordStore, log zerolog.Logger) Transitions {
	return Transitions{store: store, log: log}
}

// Start moves a record from Pending to Processing.
func (t Transitions) Start(ctx context.Context, id string) error {
	if err := t.store.Transition(ctx, id, models.Processing()); err != nil {
		return fmt.Errorf("mark %s processing: %w", id, err)
	}
	return nil
}

// Complete moves a record from Processing to Completed with ref.
func (t Transitions) Complete(ctx context.Context, id, ref string) error {
	done, err := models.Completed(ref)
	if err != nil {
		return err
	}
	if err := t.store.Transition(ctx, id, done); err != nil {
		return fmt.Errorf("mark %s completed: %w", id, err)
	}
	return nil
}

// Fail records cause on the record. It never returns an error: a record that
// already reached a terminal state keeps it, and store failures are logged so
// they cannot mask cause.
func (t Transitions) Fail(ctx context.Context, id string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureRecordTimeout)
	defer cancel()

	detail := "unknown error"
	if cause != nil {
		detail = cause.Error()
	}
	err := t.store.Transition(ctx, id, models.Failed(detail))
	switch {
	case err == nil:
		t.log.Info().Str("record_id", id).Str("detail", models.Truncate(detail, 120)).Msg("record marked failed")
	case errors.Is(err, models.ErrIllegalTransition):
		t.log.Warn().Err(err).Str("record_id", id).Msg("record already terminal, keeping its status")
	default:
		t.log.Error().Err(err).Str("record_id", id).AnErr("cause", cause).Msg("failed to record generation failure")
	}
}
