package exchange

import (
	"encoding/binary"
	"fmt"
)

// Command is the application-layer command/poll payload (spec §6):
// id 0 ("Event") means poll-with-no-action; non-zero ids are
// application-defined and opaque to this package.
type Command struct {
	ID         uint8
	LastOffset uint32
	Body       []byte
}

// Event is the application-layer event/empty reply payload (spec §6).
type Event struct {
	Offset uint32
	TDelta int32
	Body   []byte
}

// PollCommandID is the reserved command id meaning "poll, no action".
const PollCommandID = 0

func encodeCommand(c Command) []byte {
	buf := make([]byte, 1+4+len(c.Body))
	buf[0] = c.ID
	binary.BigEndian.PutUint32(buf[1:5], c.LastOffset)
	copy(buf[5:], c.Body)
	return buf
}

func decodeCommand(b []byte) (Command, error) {
	if len(b) < 5 {
		return Command{}, fmt.Errorf("exchange: command payload too short (%d bytes)", len(b))
	}
	return Command{
		ID:         b[0],
		LastOffset: binary.BigEndian.Uint32(b[1:5]),
		Body:       append([]byte(nil), b[5:]...),
	}, nil
}

func encodeEvent(e Event) []byte {
	buf := make([]byte, 4+4+len(e.Body))
	binary.BigEndian.PutUint32(buf[0:4], e.Offset)
	binary.BigEndian.PutUint32(buf[4:8], uint32(e.TDelta))
	copy(buf[8:], e.Body)
	return buf
}

func decodeEvent(b []byte) (Event, error) {
	if len(b) < 8 {
		return Event{}, fmt.Errorf("exchange: event payload too short (%d bytes)", len(b))
	}
	return Event{
		Offset: binary.BigEndian.Uint32(b[0:4]),
		TDelta: int32(binary.BigEndian.Uint32(b[4:8])),
		Body:   append([]byte(nil), b[8:]...),
	}, nil
}
