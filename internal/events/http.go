package events

import "time"

// HTTPStart is emitted when an HTTP request is received.
// Context carries the request context.
type HTTPStart struct {
	Method string
	Path   string
}

// HTTPFinish is emitted after the handler completes.
type HTTPFinish struct {
	Method   string
	Path     string
	Status   int
	Duration time.Duration
}
