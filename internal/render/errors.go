// Package render turns web pages into PNG previews of an exact size.
package render

import "errors"

var (
	// ErrTimeout means the page did not load or settle in time.
	ErrTimeout = errors.New("render timed out")

	// ErrInvalid means the page or its screenshot cannot produce an image.
	ErrInvalid = errors.New("page cannot be rendered")

	// ErrUnavailable means the rendering backend could not be reached.
	ErrUnavailable = errors.New("renderer unavailable")
)
