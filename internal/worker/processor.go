package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"og-image-service/internal/generation"
	"og-image-service/internal/queue"
	"og-image-service/internal/telemetry"
)

var errLeaseExpired = errors.New("worker lease expired before generation finished")

// Runner executes one generation attempt; *generation.Executor satisfies it.
type Runner interface {
	Run(ctx context.Context, job generation.Job) (string, error)
}

// Options tune the worker loop.
type Options struct {
	Concurrency  int
	PollInterval time.Duration
	WorkerID     string
}

// Processor drives the worker execution loop.
type Processor struct {
	queue       *queue.RedisQueue
	runner      Runner
	transitions generation.Transitions
	opts        Options
	log         zerolog.Logger

	inflight atomic.Int64
}

func NewProcessor(q *queue.RedisQueue, runner Runner, t generation.Transitions, opts Options, log zerolog.Logger) *Processor {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Processor{
		queue:       q,
		runner:      runner,
		transitions: t,
		opts:        opts,
		log:         log.With().Str("worker_id", opts.WorkerID).Logger(),
	}
}

// Run starts the main worker loop until context cancellation, then waits for
// jobs already started to finish.
func (p *Processor) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	g.SetLimit(p.opts.Concurrency)

	failures := 0
	for ctx.Err() == nil {
		p.reclaim(ctx)
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		if p.inflight.Load() >= int64(p.opts.Concurrency) {
			sleep(ctx, p.opts.PollInterval/4)
			continue
		}

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			failures++
			wait := backoffWithJitter(p.opts.PollInterval, 30*time.Second, failures)
			p.log.Warn().Err(err).Dur("retry_in", wait).Msg("dequeue failed")
			sleep(ctx, wait)
			continue
		}
		failures = 0
		if jobID == "" {
			sleep(ctx, p.opts.PollInterval)
			continue
		}

		p.inflight.Add(1)
		g.Go(func() error {
			defer p.inflight.Add(-1)
			p.process(ctx, jobID)
			return nil
		})
	}

	_ = g.Wait()
	return ctx.Err()
}

// process runs one leased job to a terminal record state and removes it from
// the in-flight set.
func (p *Processor) process(ctx context.Context, jobID string) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	lg := p.log.With().Str("record_id", jobID).Logger()
	// Jobs in progress finish even when shutdown starts.
	ctx = context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			lg.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("recovered panic while processing job")
			p.transitions.Fail(ctx, jobID, fmt.Errorf("panic: %v", r))
			p.deadLetter(ctx, jobID)
		}
	}()

	job, err := p.queue.Job(ctx, jobID)
	if err != nil {
		lg.Error().Err(err).Msg("job parameters unavailable")
		p.transitions.Fail(ctx, jobID, fmt.Errorf("job parameters unavailable: %w", err))
		p.deadLetter(ctx, jobID)
		return
	}

	hbCtx, stop := context.WithCancel(ctx)
	go p.heartbeat(hbCtx, jobID)
	start := time.Now()
	ref, err := p.runner.Run(ctx, job)
	stop()

	switch {
	case err == nil:
		lg.Info().Str("image_url", ref).Dur("elapsed", time.Since(start)).Msg("job completed")
	case generation.KindOf(err) == generation.KindGeneration:
		lg.Warn().Err(err).Msg("job failed")
		p.deadLetter(ctx, jobID)
		return
	case generation.KindOf(err) == generation.KindStorage:
		lg.Error().Err(err).Msg("job could not reach the record store")
		p.transitions.Fail(ctx, jobID, err)
		p.deadLetter(ctx, jobID)
		return
	default:
		lg.Error().Err(err).Msg("job could not run")
	}
	if err := p.queue.Ack(ctx, jobID); err != nil {
		lg.Warn().Err(err).Msg("ack failed")
	}
}

// heartbeat keeps the visibility lease alive while a job runs.
func (p *Processor) heartbeat(ctx context.Context, jobID string) {
	visibility := p.queue.VisibilityTimeout()
	interval := visibility / 3
	if interval <= 0 {
		interval = visibility
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, jobID, visibility); err != nil {
				p.log.Warn().Err(err).Str("record_id", jobID).Msg("lease extension failed")
			}
		}
	}
}

// reclaim fails records whose worker stopped heartbeating. They are never
// re-run, so each record still reaches exactly one terminal state.
func (p *Processor) reclaim(ctx context.Context) {
	ids, err := p.queue.ReclaimExpired(ctx, time.Now(), 100)
	if err != nil {
		p.log.Warn().Err(err).Msg("reclaim expired leases failed")
	}
	for _, id := range ids {
		telemetry.WorkerReclaimed.Inc()
		p.log.Warn().Str("record_id", id).Msg("reclaiming expired lease")
		p.transitions.Fail(ctx, id, errLeaseExpired)
		p.deadLetter(ctx, id)
	}
}

func (p *Processor) deadLetter(ctx context.Context, jobID string) {
	if err := p.queue.Ack(ctx, jobID); err != nil {
		p.log.Warn().Err(err).Str("record_id", jobID).Msg("ack failed")
	}
	if err := p.queue.DLQPush(ctx, jobID); err != nil {
		p.log.Error().Err(err).Str("record_id", jobID).Msg("dead-letter push failed")
		return
	}
	telemetry.WorkerDeadLetter.Inc()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
