package generation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"og-image-service/internal/cache"
	"og-image-service/internal/models"
	"og-image-service/internal/store"
)

type fakeRenderer struct {
	calls atomic.Int32
	err   error
	panic bool
	hook  func()
}

func (r *fakeRenderer) Render(ctx context.Context, url string, width, height int) ([]byte, error) {
	r.calls.Add(1)
	if r.hook != nil {
		r.hook()
	}
	if r.panic {
		panic("renderer exploded")
	}
	if r.err != nil {
		return nil, r.err
	}
	return []byte("png"), nil
}

type fakePublisher struct {
	calls atomic.Int32
	err   error
}

func (p *fakePublisher) Publish(ctx context.Context, data []byte, key string) (string, error) {
	p.calls.Add(1)
	if p.err != nil {
		return "", p.err
	}
	return "https://cdn.test/" + key, nil
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []Job
	err  error
}

func (q *fakeQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) first() Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs[0]
}

func (q *fakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

type harness struct {
	orch      *Orchestrator
	store     *store.SQLite
	mr        *miniredis.Miniredis
	keys      Keys
	renderer  *fakeRenderer
	publisher *fakePublisher
	queue     *fakeQueue
	populator *Populator
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	deferred bool
	allowed  []string
	opts     Options
	poll     time.Duration
	timeout  time.Duration
}

func deferred() harnessOption {
	return func(c *harnessConfig) { c.deferred = true }
}

func allowList(domains ...string) harnessOption {
	return func(c *harnessConfig) { c.allowed = domains }
}

func leaseWait(d time.Duration) harnessOption {
	return func(c *harnessConfig) { c.opts.LeaseWait = d }
}

func newHarness(t *testing.T, options ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{poll: 5 * time.Millisecond, timeout: 200 * time.Millisecond}
	for _, opt := range options {
		opt(&cfg)
	}

	st, err := store.NewSQLite("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(st.Close)

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rc := cache.NewRedis(client, zerolog.Nop())

	log := zerolog.Nop()
	keys := Keys{Prefix: "og_image"}
	pop := NewPopulator(rc, keys, log)
	transitions := NewTransitions(st, log)
	h := &harness{store: st, mr: mr, keys: keys, renderer: &fakeRenderer{}, publisher: &fakePublisher{}, queue: &fakeQueue{}, populator: pop}

	var dispatcher Dispatcher
	if cfg.deferred {
		dispatcher, err = NewDeferredDispatcher(h.queue, transitions, log)
	} else {
		var exec *Executor
		exec, err = NewExecutor(transitions, h.renderer, h.publisher, pop, log)
		if err == nil {
			dispatcher, err = NewInlineDispatcher(exec)
		}
	}
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}

	h.orch, err = NewOrchestrator(Deps{
		Store:      st,
		Cache:      pop,
		Leaser:     rc,
		Keys:       keys,
		Dispatcher: dispatcher,
		Poller:     NewPoller(st, pop, cfg.poll, cfg.timeout, log),
		Validator:  URLValidator{Allowed: cfg.allowed, Contact: "ops@example.com"},
		Log:        log,
	}, cfg.opts)
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	return h
}

// plant inserts a record for url and walks it to status.
func (h *harness) plant(t *testing.T, url string, status models.Status, expiresAt time.Time) models.Record {
	t.Helper()
	ctx := context.Background()
	rec, err := h.store.Create(ctx, models.NewRecord{SourceURL: url, ExpiresAt: expiresAt})
	if err != nil {
		t.Fatalf("plant create: %v", err)
	}
	steps := map[models.Status][]func() (models.State, error){
		models.StatusPending:    nil,
		models.StatusProcessing: {ok(models.Processing())},
		models.StatusCompleted:  {ok(models.Processing()), func() (models.State, error) { return models.Completed("https://cdn.test/old.png") }},
		models.StatusFailed:     {ok(models.Failed("boom"))},
	}
	for _, step := range steps[status] {
		next, err := step()
		if err != nil {
			t.Fatalf("plant state: %v", err)
		}
		if err := h.store.Transition(ctx, rec.ID, next); err != nil {
			t.Fatalf("plant transition: %v", err)
		}
	}
	rec, err = h.store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("plant get: %v", err)
	}
	return rec
}

func ok(s models.State) func() (models.State, error) {
	return func() (models.State, error) { return s, nil }
}

func (h *harness) latest(t *testing.T, url string) (models.Record, bool) {
	t.Helper()
	rec, err := h.store.LatestForURL(context.Background(), url)
	if errors.Is(err, models.ErrNotFound) {
		return models.Record{}, false
	}
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	return rec, true
}

func requireKind(t *testing.T, err error, want Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	var ge *Error
	if !errors.As(err, &ge) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if ge.Kind != want {
		t.Fatalf("expected kind %s, got %s (%v)", want, ge.Kind, err)
	}
}
