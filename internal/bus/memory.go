package bus

import (
	"time"
)

// MemoryTransport is an in-process half-duplex transport used by tests
// to exercise the exchange/discovery/update engines
// without real hardware. Two MemoryTransports sharing the same channel
// pair model one end each of the bus.
type MemoryTransport struct {
	out     chan<- []byte
	in      <-chan []byte
	closeCh chan struct{}
}

// NewMemoryBus returns a connected pair of MemoryTransports: writes on a
// emerge as reads on b and vice versa, modeling a shared half-duplex bus.
func NewMemoryBus(buf int) (a, b *MemoryTransport) {
	ab := make(chan []byte, buf)
	ba := make(chan []byte, buf)
	a = &MemoryTransport{out: ab, in: ba, closeCh: make(chan struct{})}
	b = &MemoryTransport{out: ba, in: ab, closeCh: make(chan struct{})}
	return a, b
}

// Send enqueues frame for the peer transport. It never blocks more than
// the channel buffer allows, matching the non-blocking intent of the
// F transport contract.
func (m *MemoryTransport) Send(fr []byte) error {
	cp := make([]byte, len(fr))
	copy(cp, fr)
	select {
	case m.out <- cp:
		return nil
	case <-m.closeCh:
		return ErrClosed
	}
}

// Recv blocks until a frame arrives from the peer or deadline passes.
func (m *MemoryTransport) Recv(deadline time.Time) ([]byte, error) {
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if d := time.Until(deadline); d > 0 {
		timer = time.NewTimer(d)
		timeoutCh = timer.C
	} else {
		timeoutCh = closedTimeCh
	}
	if timer != nil {
		defer timer.Stop()
	}
	select {
	case fr := <-m.in:
		return fr, nil
	case <-timeoutCh:
		return nil, ErrTimeout
	case <-m.closeCh:
		return nil, ErrClosed
	}
}

// Close marks the transport closed; pending Recv/Send calls unblock.
func (m *MemoryTransport) Close() error {
	select {
	case <-m.closeCh:
	default:
		close(m.closeCh)
	}
	return nil
}

var closedTimeCh = func() <-chan time.Time {
	ch := make(chan time.Time)
	close(ch)
	return ch
}()

// ErrClosed is returned by Send/Recv once Close has been called.
var ErrClosed = errClosed{}

type errClosed struct{}

func (errClosed) Error() string { return "bus: transport closed" }
