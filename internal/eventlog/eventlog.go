// Package eventlog implements the bounded per-server event log (spec
// §4.B): a ring of the last H emitted events keyed by a monotonically
// assigned 32-bit offset, with the nearest-successor selection rule used
// by the exchange engine to decide what to reply with.
//
// The ring arithmetic is adapted from samsamfire/gocanopen's
// internal/fifo read/write cursor shape, generalized from a byte ring to
// a ring of Event slots.
package eventlog

import (
	"errors"
	"time"
)

// MaxPayload bounds an event's body to what one sealed frame can carry
// alongside the 4-byte offset and 4-byte t_delta (spec §6).
const MaxPayload = 247 - 8

// Event is one emitted server event (spec §3).
type Event struct {
	Offset  uint32
	Payload []byte

	// emittedAt is recorded at Append time so Select can compute
	// age-at-egress for t_delta (spec §4.B: "t_delta is computed at
	// selection time... so it reflects age-at-egress, not age-at-emission").
	emittedAt time.Time
}

// ErrPayloadTooLarge is returned by Append when payload exceeds MaxPayload.
var ErrPayloadTooLarge = errors.New("eventlog: payload exceeds MaxPayload")

// ErrDoubleWrap is returned by Append when the next offset would wrap past
// 2^32-1 a second time. The log records its first wrap and refuses every
// later one for its whole lifetime, so it never represents two wraps
// (spec §3).
var ErrDoubleWrap = errors.New("eventlog: offset would need a second wrap within the window")

// Log is a bounded FIFO ring of the last H events for one server.
// Not safe for concurrent use; callers owning a server must serialize
// Append calls themselves (spec §5: "it must serialize appends via a
// mutex or message queue with FIFO semantics").
type Log struct {
	cap        int
	events     []Event
	head       int // index of the oldest event
	count      int
	nextOffset uint32
	wrapped    bool // true once nextOffset has wrapped past 2^32-1 at least once
}

// New creates a Log with ring capacity h (spec §6 default H=16; must be >= 2).
// The first appended event gets offset 1, so a client whose tracked offset
// starts at 0 receives it as the successor rather than being told it is
// caught up.
func New(h int) *Log {
	if h < 2 {
		h = 2
	}
	return &Log{cap: h, events: make([]Event, h), nextOffset: 1}
}

// NextOffset reports the offset that will be assigned to the next Append.
func (l *Log) NextOffset() uint32 { return l.nextOffset }

// Len reports how many events are currently stored.
func (l *Log) Len() int { return l.count }

// Append assigns the next offset to payload, evicting the oldest entry if
// the ring is full, and returns the assigned offset.
func (l *Log) Append(payload []byte) (uint32, error) {
	if len(payload) > MaxPayload {
		return 0, ErrPayloadTooLarge
	}
	offset := l.nextOffset
	newNext := offset + 1 // wraps modulo 2^32 by uint32 arithmetic
	if newNext == 0 {
		if l.wrapped {
			return 0, ErrDoubleWrap
		}
		l.wrapped = true
	}
	l.nextOffset = newNext

	body := append([]byte(nil), payload...)
	ev := Event{Offset: offset, Payload: body, emittedAt: time.Now()}
	idx := (l.head + l.count) % l.cap
	if l.count == l.cap {
		l.head = (l.head + 1) % l.cap
	} else {
		l.count++
	}
	l.events[idx] = ev
	return offset, nil
}

// Selected is the outcome of Select: either an event to reply with, or
// ok=false meaning the client is already caught up (spec §4.B rule 2).
type Selected struct {
	Event Event
	// TDelta is the age-at-egress in milliseconds, computed at selection
	// time per spec §4.B.
	TDelta int32
}

// successorOf reports whether b is the modular successor of a (spec
// GLOSSARY: b = a+1 mod 2^32).
func successorOf(a, b uint32) bool { return b == a+1 }

// Select implements the 3-step nearest-successor rule (spec §4.B):
//  1. if an event has offset == clientLast+1, return it.
//  2. else if an event has offset == clientLast, return ok=false (caught up).
//  3. else return the oldest stored event (resynchronization).
func (l *Log) Select(clientLast uint32) (Selected, bool) {
	if l.count == 0 {
		return Selected{}, false
	}
	var caughtUp bool
	for i := 0; i < l.count; i++ {
		ev := l.events[(l.head+i)%l.cap]
		if successorOf(clientLast, ev.Offset) {
			return Selected{Event: ev, TDelta: ageMillis(ev.emittedAt)}, true
		}
		if ev.Offset == clientLast {
			caughtUp = true
		}
	}
	if caughtUp {
		return Selected{}, false
	}
	oldest := l.events[l.head]
	return Selected{Event: oldest, TDelta: ageMillis(oldest.emittedAt)}, true
}

func ageMillis(t time.Time) int32 {
	return int32(time.Since(t).Milliseconds())
}
