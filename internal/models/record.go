package models

import (
	"fmt"
	"time"
)

// Status enumerates lifecycle states persisted for a generation record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// MaxErrorDetail bounds the persisted failure detail, in characters.
const MaxErrorDetail = 500

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Predecessors lists the statuses a record may be in immediately before moving to s.
func (s Status) Predecessors() []Status {
	switch s {
	case StatusProcessing:
		return []Status{StatusPending}
	case StatusCompleted:
		return []Status{StatusProcessing}
	case StatusFailed:
		return []Status{StatusPending, StatusProcessing}
	default:
		return nil
	}
}

// State is the closed status variant of a record. The artifact reference only
// exists on Completed and the error detail only on Failed; the constructors are
// the only way to build one.
type State struct {
	status      Status
	artifactRef string
	errorDetail string
}

// Pending is the state every record is created in.
func Pending() State { return State{status: StatusPending} }

// Processing marks a record picked up by an execution attempt.
func Processing() State { return State{status: StatusProcessing} }

// Completed builds a terminal success state. ref must be non-empty.
func Completed(ref string) (State, error) {
	if ref == "" {
		return State{}, fmt.Errorf("%w: completed without artifact reference", ErrCorruptRecord)
	}
	return State{status: StatusCompleted, artifactRef: ref}, nil
}

// Failed builds a terminal failure state with a truncated, non-empty detail.
func Failed(detail string) State {
	if detail == "" {
		detail = "unknown error"
	}
	return State{status: StatusFailed, errorDetail: Truncate(detail, MaxErrorDetail)}
}

// RestoreState rebuilds a State from persisted columns, rejecting combinations
// that cannot be represented.
func RestoreState(status string, artifactRef, errorDetail *string) (State, error) {
	s := Status(status)
	switch s {
	case StatusPending, StatusProcessing:
		return State{status: s}, nil
	case StatusCompleted:
		if artifactRef == nil {
			return State{}, fmt.Errorf("%w: completed without artifact reference", ErrCorruptRecord)
		}
		return Completed(*artifactRef)
	case StatusFailed:
		if errorDetail == nil {
			return Failed(""), nil
		}
		return Failed(*errorDetail), nil
	default:
		return State{}, fmt.Errorf("%w: unknown status %q", ErrCorruptRecord, status)
	}
}

func (s State) Status() Status      { return s.status }
func (s State) ArtifactRef() string { return s.artifactRef }
func (s State) ErrorDetail() string { return s.errorDetail }

// Record is the durable unit of work, persisted in the screenshots table.
type Record struct {
	ID        string
	SourceURL string
	State     State
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Status is shorthand for r.State.Status().
func (r Record) Status() Status { return r.State.status }

// Expired reports whether the record is past its reuse window at now.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Fresh reports whether the record can be reused to answer a new request.
func (r Record) Fresh(now time.Time) bool {
	return r.State.status == StatusCompleted && !r.Expired(now)
}

// InFlight reports whether unexpired work is still pending for the record.
func (r Record) InFlight(now time.Time) bool {
	return (r.State.status == StatusPending || r.State.status == StatusProcessing) && !r.Expired(now)
}

// Truncate cuts s to at most max runes.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}

// NewRecord collects inputs required to insert a record. ID may be empty, in
// which case the store assigns one.
type NewRecord struct {
	ID        string
	SourceURL string
	ExpiresAt time.Time
}
