package models

import "errors"

var (
	// ErrNotFound is returned by record stores when no record matches.
	ErrNotFound = errors.New("record not found")

	// ErrIllegalTransition is returned when a status change would move a record
	// backwards or out of a terminal state.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrCorruptRecord marks persisted rows that violate the record invariants,
	// such as a completed record without an artifact reference.
	ErrCorruptRecord = errors.New("corrupt generation record")
)
