package models

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCompletedRequiresReference(t *testing.T) {
	if _, err := Completed(""); !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("expected ErrCorruptRecord, got %v", err)
	}
	st, err := Completed("https://cdn.example.com/a.png")
	if err != nil {
		t.Fatalf("completed: %v", err)
	}
	if st.Status() != StatusCompleted || st.ArtifactRef() == "" || st.ErrorDetail() != "" {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestFailedTruncatesDetail(t *testing.T) {
	st := Failed(strings.Repeat("x", 2000))
	if got := len(st.ErrorDetail()); got != MaxErrorDetail {
		t.Fatalf("expected %d chars, got %d", MaxErrorDetail, got)
	}
	if st.ArtifactRef() != "" {
		t.Fatalf("failed state must not carry a reference")
	}
	if Failed("").ErrorDetail() == "" {
		t.Fatalf("failed state must carry a detail")
	}
}

func TestTruncateCountsRunes(t *testing.T) {
	if got := Truncate("héllo", 2); got != "hé" {
		t.Fatalf("got %q", got)
	}
	if got := Truncate("abc", 10); got != "abc" {
		t.Fatalf("got %q", got)
	}
}

func TestRestoreState(t *testing.T) {
	ref := "https://x/y.png"
	detail := "boom"
	cases := []struct {
		name    string
		status  string
		ref     *string
		detail  *string
		want    Status
		wantErr bool
	}{
		{"pending", "pending", nil, nil, StatusPending, false},
		{"processing", "processing", nil, nil, StatusProcessing, false},
		{"completed", "completed", &ref, nil, StatusCompleted, false},
		{"completed without ref", "completed", nil, nil, "", true},
		{"failed", "failed", nil, &detail, StatusFailed, false},
		{"failed without detail", "failed", nil, nil, StatusFailed, false},
		{"unknown", "exploded", nil, nil, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st, err := RestoreState(tc.status, tc.ref, tc.detail)
			if tc.wantErr {
				if !errors.Is(err, ErrCorruptRecord) {
					t.Fatalf("expected corrupt record error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("restore: %v", err)
			}
			if st.Status() != tc.want {
				t.Fatalf("expected %s got %s", tc.want, st.Status())
			}
		})
	}
}

func TestFreshness(t *testing.T) {
	now := time.Now()
	done, _ := Completed("ref")
	rec := Record{State: done, ExpiresAt: now.Add(time.Minute)}
	if !rec.Fresh(now) || rec.InFlight(now) {
		t.Fatalf("expected fresh record")
	}
	rec.ExpiresAt = now
	if rec.Fresh(now) {
		t.Fatalf("record at expiry must not be fresh")
	}
	rec = Record{State: Processing(), ExpiresAt: now.Add(time.Minute)}
	if !rec.InFlight(now) {
		t.Fatalf("expected in-flight record")
	}
	rec.ExpiresAt = now.Add(-time.Second)
	if rec.InFlight(now) {
		t.Fatalf("expired processing record is not in flight")
	}
}

func TestPredecessorsAreForwardOnly(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed} {
		for _, p := range s.Predecessors() {
			if p.Terminal() {
				t.Fatalf("%s must not be reachable from terminal %s", s, p)
			}
		}
	}
	if len(StatusPending.Predecessors()) != 0 {
		t.Fatalf("nothing transitions into pending")
	}
}
