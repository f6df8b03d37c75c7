package bus

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/titanclass/flip-flop-protocol/internal/frame"
	"github.com/titanclass/flip-flop-protocol/internal/serial"
)

// pollInterval is how long SerialTransport.Recv sleeps after a Port.Read
// that returned no bytes before polling again toward its caller-supplied
// deadline (how long each Read itself blocks is the port's own read
// timeout).
const pollInterval = 10 * time.Millisecond

// SerialTransport implements Transport over a tarm/serial port. Bus
// direction switching (RS-485 driver-enable) is assumed handled by the
// port/hardware underneath Port, per spec §1/§4.F: this shim only
// guarantees atomic framed writes and deadline-bounded reads.
type SerialTransport struct {
	mu   sync.Mutex // serializes Send so a frame is never interleaved
	port serial.Port
	acc  *bytes.Buffer
}

// NewSerialTransport wraps an already-open serial.Port.
func NewSerialTransport(p serial.Port) *SerialTransport {
	return &SerialTransport{port: p, acc: bytes.NewBuffer(nil)}
}

// Send writes frameBytes as a single atomic write.
func (t *SerialTransport) Send(frameBytes []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.port.Write(frameBytes)
	if err != nil {
		return fmt.Errorf("bus: serial write: %w", err)
	}
	return nil
}

// Recv polls the port until a complete self-delimited frame has
// accumulated or deadline passes.
func (t *SerialTransport) Recv(deadline time.Time) ([]byte, error) {
	buf := make([]byte, 256)
	for {
		if fr, ok := tryExtractFrame(t.acc); ok {
			return fr, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrTimeout
		}
		n, err := t.port.Read(buf)
		if n > 0 {
			t.acc.Write(buf[:n])
			continue
		}
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("bus: serial read: %w", err)
		}
		if time.Now().Add(pollInterval).After(deadline) {
			time.Sleep(time.Until(deadline))
		} else {
			time.Sleep(pollInterval)
		}
	}
}

// Close closes the underlying port.
func (t *SerialTransport) Close() error { return t.port.Close() }

// tryExtractFrame looks for one complete Flip-Flop frame at the front of
// acc (self-delimited by the header's len byte, spec §6) and, if found,
// removes and returns it.
func tryExtractFrame(acc *bytes.Buffer) ([]byte, bool) {
	data := acc.Bytes()
	if len(data) < frame.HeaderSize {
		return nil, false
	}
	declaredLen := int(data[2])
	total := frame.HeaderSize + declaredLen + frame.MICSize
	if len(data) < total {
		return nil, false
	}
	out := make([]byte, total)
	copy(out, data[:total])
	acc.Next(total)
	return out, true
}
