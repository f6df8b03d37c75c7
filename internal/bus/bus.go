// Package bus implements the transport shim (spec §4.F): an abstract
// datagram send/receive contract with deadlines, leaving bus direction
// control and the physical UART driver as external collaborators (spec
// §1 Non-goals). Flip-Flop frames are self-delimited by their length
// byte, so no additional framing is added here.
package bus

import (
	"errors"
	"time"
)

// ErrTimeout is returned by Recv when no frame arrives before deadline.
var ErrTimeout = errors.New("bus: receive deadline exceeded")

// Transport is the abstract half-duplex datagram contract every bus
// backend (real serial, in-memory loopback) implements.
type Transport interface {
	// Send transmits frame atomically; it does not return until the
	// frame has been handed to the link (no interleaving with another
	// Send).
	Send(frame []byte) error
	// Recv blocks until a complete frame arrives or deadline passes, in
	// which case it returns ErrTimeout.
	Recv(deadline time.Time) ([]byte, error)
	// Close releases any underlying resources.
	Close() error
}
