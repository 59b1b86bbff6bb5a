package generation

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"og-image-service/internal/models"
	"og-image-service/internal/telemetry"
)

var tracer = otel.Tracer("og-image-service/internal/generation")

// followInterval is how often a lease loser checks for the holder's record.
const followInterval = 100 * time.Millisecond

// Request is one generation request as received from a caller.
type Request struct {
	URL string
	// TTL of the produced record; zero selects the configured default.
	TTL time.Duration
	// Width and Height of the image; zero selects the configured default.
	Width        int
	Height       int
	ForceRefresh bool
}

// Outcome is the non-error result of Handle.
type Outcome string

const (
	OutcomeReady      Outcome = "ready"
	OutcomeInProgress Outcome = "in_progress"
)

// Origin tells where a Ready image came from.
type Origin string

const (
	OriginCache     Origin = "cached"
	OriginRecord    Origin = "stored"
	OriginGenerated Origin = "generated"
)

// Result of a successful Handle. ImageURL is set when Ready; TaskID names the
// record backing the result, when one is known.
type Result struct {
	Outcome     Outcome
	ImageURL    string
	TaskID      string
	Origin      Origin
	Fingerprint Fingerprint
}

// Options are the request defaults and bounds.
type Options struct {
	DefaultTTL    time.Duration
	DefaultWidth  int
	DefaultHeight int
	MaxDimension  int
	LeaseTTL      time.Duration
	LeaseWait     time.Duration
}

// Deps are the orchestrator's collaborators. Cache and Leaser may be nil: the
// service then runs without a cache or without cross-request exclusion.
type Deps struct {
	Store      RecordStore
	Cache      *Populator
	Leaser     Leaser
	Keys       Keys
	Dispatcher Dispatcher
	Poller     *Poller
	Validator  URLValidator
	Log        zerolog.Logger
}

// Orchestrator decides for each request whether to serve from the cache, serve
// a stored record, follow work in flight, or start a new generation.
type Orchestrator struct {
	store      RecordStore
	cache      *Populator
	leaser     Leaser
	keys       Keys
	dispatcher Dispatcher
	poller     *Poller
	validator  URLValidator
	opts       Options
	log        zerolog.Logger

	now   func() time.Time
	newID func() string
}

// NewOrchestrator validates deps and fills unset options.
func NewOrchestrator(deps Deps, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("%w: store", ErrNilDependency)
	case deps.Dispatcher == nil:
		return nil, fmt.Errorf("%w: dispatcher", ErrNilDependency)
	case deps.Poller == nil:
		return nil, fmt.Errorf("%w: poller", ErrNilDependency)
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 24 * time.Hour
	}
	if opts.DefaultWidth <= 0 {
		opts.DefaultWidth = 1200
	}
	if opts.DefaultHeight <= 0 {
		opts.DefaultHeight = 630
	}
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = 4096
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	if opts.LeaseWait <= 0 {
		opts.LeaseWait = 5 * time.Second
	}
	return &Orchestrator{
		store:      deps.Store,
		cache:      deps.Cache,
		leaser:     deps.Leaser,
		keys:       deps.Keys,
		dispatcher: deps.Dispatcher,
		poller:     deps.Poller,
		validator:  deps.Validator,
		opts:       opts,
		log:        deps.Log,
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}, nil
}

// Handle runs one request through the state machine. Every failure, including
// a panic in a collaborator, comes back as *Error.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "generation.Handle", trace.WithAttributes(
		attribute.String("request.url", req.URL),
		attribute.Bool("request.force_refresh", req.ForceRefresh),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			o.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Str("url", req.URL).Msg("recovered panic while handling request")
			res, err = Result{}, newError(KindInternal, "internal error while handling request", fmt.Errorf("panic: %v", r))
		}
		o.observe(span, res, err)
	}()

	fp, expiresAt, err := o.prepare(req)
	if err != nil {
		return Result{}, err
	}
	span.SetAttributes(attribute.String("fingerprint", fp.String()))

	if !req.ForceRefresh {
		reused, ok, rerr := o.reuse(ctx, fp)
		if rerr != nil || ok {
			reused.Fingerprint = fp
			return reused, rerr
		}
	}
	res, err = o.generate(ctx, fp, expiresAt, req.ForceRefresh)
	res.Fingerprint = fp
	return res, err
}

// Resolve returns an image URL for req, waiting on deferred work when needed.
func (o *Orchestrator) Resolve(ctx context.Context, req Request) (string, error) {
	res, err := o.Handle(ctx, req)
	if err != nil {
		return "", err
	}
	if res.Outcome == OutcomeReady {
		return res.ImageURL, nil
	}
	return o.poller.Await(ctx, res.TaskID, res.Fingerprint)
}

// Status returns the record with id.
func (o *Orchestrator) Status(ctx context.Context, id string) (models.Record, error) {
	rec, err := o.store.Get(ctx, id)
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, models.ErrNotFound):
		return models.Record{}, newError(KindNotFound, "task not found", err)
	case errors.Is(err, models.ErrCorruptRecord):
		telemetry.CorruptRecords.Inc()
		return models.Record{}, newError(KindInternal, "task record is corrupt", err)
	default:
		return models.Record{}, newError(KindStorage, "failed to read task status", err)
	}
}

// Image returns the artifact reference of a Completed record.
func (o *Orchestrator) Image(ctx context.Context, id string) (string, error) {
	rec, err := o.Status(ctx, id)
	if err != nil {
		return "", err
	}
	if rec.Status() != models.StatusCompleted {
		return "", newError(KindNotFound, "image not found or not ready", nil)
	}
	return rec.State.ArtifactRef(), nil
}

func (o *Orchestrator) prepare(req Request) (Fingerprint, time.Time, error) {
	normalized, err := o.validator.Normalize(req.URL)
	if err != nil {
		return Fingerprint{}, time.Time{}, newError(KindInvalidInput, err.Error(), err)
	}
	width, height := req.Width, req.Height
	if width == 0 {
		width = o.opts.DefaultWidth
	}
	if height == 0 {
		height = o.opts.DefaultHeight
	}
	if width < 1 || width > o.opts.MaxDimension || height < 1 || height > o.opts.MaxDimension {
		msg := fmt.Sprintf("width and height must be between 1 and %d", o.opts.MaxDimension)
		return Fingerprint{}, time.Time{}, newError(KindInvalidInput, msg, nil)
	}
	ttl := req.TTL
	if ttl == 0 {
		ttl = o.opts.DefaultTTL
	}
	if ttl < 0 {
		return Fingerprint{}, time.Time{}, newError(KindInvalidInput, "ttl must be positive", nil)
	}
	return Fingerprint{URL: normalized, Width: width, Height: height}, o.now().Add(ttl), nil
}

// reuse serves fp from the cache or the latest record for its URL. ok is false
// when nothing reusable exists and a new generation is needed.
func (o *Orchestrator) reuse(ctx context.Context, fp Fingerprint) (Result, bool, error) {
	if ref, hit := o.cache.Lookup(ctx, fp); hit {
		return Result{Outcome: OutcomeReady, ImageURL: ref, Origin: OriginCache}, true, nil
	}
	rec, found, err := o.latest(ctx, fp)
	if err != nil || !found {
		return Result{}, false, err
	}
	res, ok := o.fromRecord(ctx, fp, rec)
	return res, ok, nil
}

// latest loads the most recent record for fp's URL. Corrupt records are
// reported and treated as absent so they get superseded.
func (o *Orchestrator) latest(ctx context.Context, fp Fingerprint) (models.Record, bool, error) {
	rec, err := o.store.LatestForURL(ctx, fp.URL)
	switch {
	case err == nil:
		return rec, true, nil
	case errors.Is(err, models.ErrNotFound):
		return models.Record{}, false, nil
	case errors.Is(err, models.ErrCorruptRecord):
		telemetry.CorruptRecords.Inc()
		o.log.Error().Err(err).Str("url", fp.URL).Msg("latest record is corrupt, regenerating")
		return models.Record{}, false, nil
	default:
		return models.Record{}, false, newError(KindStorage, "failed to look up existing records", err)
	}
}

func (o *Orchestrator) fromRecord(ctx context.Context, fp Fingerprint, rec models.Record) (Result, bool) {
	now := o.now()
	switch {
	case rec.Fresh(now):
		ref := rec.State.ArtifactRef()
		o.cache.Populate(ctx, fp, ref, rec.ExpiresAt)
		return Result{Outcome: OutcomeReady, ImageURL: ref, TaskID: rec.ID, Origin: OriginRecord}, true
	case rec.InFlight(now):
		return Result{Outcome: OutcomeInProgress, TaskID: rec.ID}, true
	default:
		o.log.Debug().Str("record_id", rec.ID).Str("status", string(rec.Status())).Msg("latest record is stale")
		return Result{}, false
	}
}

// generate claims the fingerprint lease, creates a Pending record and
// dispatches it. A request that loses the lease follows the winner's record.
func (o *Orchestrator) generate(ctx context.Context, fp Fingerprint, expiresAt time.Time, force bool) (Result, error) {
	id := o.newID()
	release, holder, won := o.claim(ctx, fp, id)
	if !won {
		return o.follow(ctx, fp, holder)
	}
	defer release()

	if !force {
		// The previous holder may have created its record between our lookup and the claim.
		rec, found, err := o.latest(ctx, fp)
		if err != nil {
			return Result{}, err
		}
		if found {
			if res, ok := o.fromRecord(ctx, fp, rec); ok {
				return res, nil
			}
		}
	}

	rec, err := o.store.Create(ctx, models.NewRecord{ID: id, SourceURL: fp.URL, ExpiresAt: expiresAt})
	if err != nil {
		return Result{}, newError(KindStorage, "failed to create generation record", err)
	}
	release()
	o.log.Info().Str("record_id", rec.ID).Str("fingerprint", fp.String()).Time("expires_at", rec.ExpiresAt).Msg("generation record created")

	exec, err := o.dispatch(ctx, Job{RecordID: rec.ID, Fingerprint: fp, ExpiresAt: rec.ExpiresAt})
	if err != nil {
		return Result{}, asBoundaryError(err, KindDispatch, "failed to start generation")
	}
	if exec.Deferred {
		return Result{Outcome: OutcomeInProgress, TaskID: rec.ID}, nil
	}
	return Result{Outcome: OutcomeReady, ImageURL: exec.ArtifactRef, TaskID: rec.ID, Origin: OriginGenerated}, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, job Job) (Execution, error) {
	ctx, span := tracer.Start(ctx, "generation.Dispatch", trace.WithAttributes(attribute.String("record.id", job.RecordID)))
	defer span.End()
	exec, err := o.dispatcher.Dispatch(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch")
	}
	span.SetAttributes(attribute.Bool("dispatch.deferred", exec.Deferred))
	return exec, err
}

// claim takes the fingerprint lease for owner. When the lease backend is
// missing or failing the request proceeds unguarded. release is idempotent.
func (o *Orchestrator) claim(ctx context.Context, fp Fingerprint, owner string) (release func(), holder string, won bool) {
	noop := func() {}
	if o.leaser == nil {
		return noop, owner, true
	}
	key := o.keys.Lease(fp)
	holder, acquired, err := o.leaser.Acquire(ctx, key, owner, o.opts.LeaseTTL)
	if err != nil {
		o.log.Warn().Err(err).Str("key", key).Msg("lease unavailable, generating without exclusion")
		return noop, owner, true
	}
	if !acquired {
		if holder == "" {
			return noop, owner, true
		}
		telemetry.LeaseContention.Inc()
		o.log.Debug().Str("key", key).Str("holder", holder).Msg("lease held by another request")
		return noop, holder, false
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if err := o.leaser.Release(context.WithoutCancel(ctx), key, owner); err != nil {
				o.log.Warn().Err(err).Str("key", key).Msg("lease release failed")
			}
		})
	}, owner, true
}

// follow waits up to LeaseWait for the lease holder's record to appear, then
// reports it as fresh or in flight.
func (o *Orchestrator) follow(ctx context.Context, fp Fingerprint, holder string) (Result, error) {
	deadline := time.Now().Add(o.opts.LeaseWait)
	for {
		rec, err := o.store.Get(ctx, holder)
		switch {
		case err == nil:
			if res, ok := o.fromRecord(ctx, fp, rec); ok {
				return res, nil
			}
			if rec.Status() == models.StatusFailed {
				return Result{}, newError(KindGeneration, "image generation failed: "+rec.State.ErrorDetail(), nil)
			}
			return Result{}, newError(KindTimeout, "concurrent generation ended without a usable image; retry", nil)
		case errors.Is(err, models.ErrNotFound):
		case errors.Is(err, models.ErrCorruptRecord):
			telemetry.CorruptRecords.Inc()
			return Result{}, newError(KindInternal, "concurrent generation record is corrupt", err)
		default:
			return Result{}, newError(KindStorage, "failed to read concurrent generation record", err)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Result{}, newError(KindTimeout, "another request is starting generation for this URL; retry shortly", nil)
		}
		timer := time.NewTimer(min(followInterval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{}, newError(KindTimeout, "stopped waiting for concurrent generation", ctx.Err())
		case <-timer.C:
		}
	}
}

func (o *Orchestrator) observe(span trace.Span, res Result, err error) {
	if err != nil {
		kind := KindOf(err)
		telemetry.RequestsTotal.WithLabelValues(string(kind)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		return
	}
	label := string(res.Origin)
	if res.Outcome == OutcomeInProgress {
		label = string(OutcomeInProgress)
	}
	telemetry.RequestsTotal.WithLabelValues(label).Inc()
	span.SetAttributes(attribute.String("result.outcome", string(res.Outcome)), attribute.String("result.task_id", res.TaskID))
}
