package generation

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"og-image-service/internal/models"
	"og-image-service/internal/telemetry"
)

func TestAwaitTimesOutWhileProcessing(t *testing.T) {
	h := newHarness(t)
	rec := h.plant(t, exampleURL, models.StatusProcessing, time.Now().Add(time.Hour))
	poller := NewPoller(h.store, h.populator, 2*time.Millisecond, 60*time.Millisecond, zerolog.Nop())
	before := testutil.ToFloat64(telemetry.PollTimeouts)

	start := time.Now()
	_, err := poller.Await(context.Background(), rec.ID, Fingerprint{URL: exampleURL, Width: 1200, Height: 630})
	requireKind(t, err, KindTimeout)
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("gave up after %s, before the deadline", elapsed)
	}
	if got := testutil.ToFloat64(telemetry.PollTimeouts) - before; got != 1 {
		t.Fatalf("poll timeouts counted %v times", got)
	}
}

func TestAwaitCompletedPopulatesCache(t *testing.T) {
	h := newHarness(t)
	rec := h.plant(t, exampleURL, models.StatusCompleted, time.Now().Add(time.Hour))
	fp := Fingerprint{URL: exampleURL, Width: 640, Height: 320}

	ref, err := h.orch.poller.Await(context.Background(), rec.ID, fp)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if ref != rec.State.ArtifactRef() {
		t.Fatalf("ref %q", ref)
	}
	if v, err := h.mr.Get(h.keys.Cache(fp)); err != nil || v != ref {
		t.Fatalf("cache not populated: %q %v", v, err)
	}
}

func TestAwaitFailedCarriesDetail(t *testing.T) {
	h := newHarness(t)
	rec := h.plant(t, exampleURL, models.StatusFailed, time.Now().Add(time.Hour))

	_, err := h.orch.poller.Await(context.Background(), rec.ID, Fingerprint{URL: exampleURL})
	requireKind(t, err, KindGeneration)
	if got := err.(*Error).Message; got != "image generation failed: boom" {
		t.Fatalf("message %q", got)
	}
}

func TestAwaitMissingRecordIsInternal(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.poller.Await(context.Background(), "00000000-0000-0000-0000-000000000000", Fingerprint{URL: exampleURL})
	requireKind(t, err, KindInternal)
}

func TestAwaitObservesLateCompletion(t *testing.T) {
	h := newHarness(t)
	rec := h.plant(t, exampleURL, models.StatusProcessing, time.Now().Add(time.Hour))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = NewTransitions(h.store, zerolog.Nop()).Complete(context.Background(), rec.ID, "https://cdn.test/late.png")
	}()

	ref, err := h.orch.poller.Await(context.Background(), rec.ID, Fingerprint{URL: exampleURL, Width: 1200, Height: 630})
	if err != nil || ref != "https://cdn.test/late.png" {
		t.Fatalf("await: %q %v", ref, err)
	}
}

func TestAwaitStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	rec := h.plant(t, exampleURL, models.StatusPending, time.Now().Add(time.Hour))
	poller := NewPoller(h.store, h.populator, time.Second, time.Minute, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := poller.Await(ctx, rec.ID, Fingerprint{URL: exampleURL})
	requireKind(t, err, KindTimeout)
}
