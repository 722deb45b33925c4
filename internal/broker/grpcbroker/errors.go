package grpcbroker

import "errors"

var (
	// ErrNoEndpoints indicates the provider returned no endpoints for a service.
	ErrNoEndpoints = errors.New("grpcbroker: no endpoints available")
	// ErrClosed is returned by calls on a closed client.
	ErrClosed = errors.New("grpcbroker: closed")
	// ErrNoProvider is returned when no EndpointProvider is configured.
	ErrNoProvider = errors.New("grpcbroker: provider not configured")
)
