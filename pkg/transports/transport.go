// Package transports hosts the client-facing connection layers. A
// transport owns its own network lifecycle and hands each authorized
// connection to the orchestrator as a session.
package transports

import "context"

// Transport is a client connection acceptor.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

// ReadyReporter allows transports to expose readiness metadata (e.g., connect URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
