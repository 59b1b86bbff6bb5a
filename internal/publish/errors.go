// Package publish stores rendered images and derives their public URLs.
package publish

import "errors"

var (
	// ErrUnauthenticated means the storage backend rejected our credentials.
	ErrUnauthenticated = errors.New("storage credentials rejected")

	// ErrUnavailable means the storage backend could not accept the object.
	ErrUnavailable = errors.New("storage unavailable")
)

// ContentType of every published artifact.
const ContentType = "image/png"
