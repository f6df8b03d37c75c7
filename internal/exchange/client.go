package exchange

import (
	"fmt"
	"sync"
	"time"

	"github.com/titanclass/flip-flop-protocol/internal/bus"
	"github.com/titanclass/flip-flop-protocol/internal/frame"
	"github.com/titanclass/flip-flop-protocol/internal/metrics"
)

// DefaultTResp is the default round-trip budget a client waits for a
// server's reply before declaring a timeout (spec §4.C / §7).
const DefaultTResp = 50 * time.Millisecond

// ServerRecord tracks per-server exchange state on the client: its key,
// last-known event offset, and any outstanding LossOfSync awaiting host
// acknowledgement (spec §8, Open Question resolution in SPEC_FULL.md §5).
type ServerRecord struct {
	Addr        uint8
	Key         frame.Key
	LastOffset  uint32
	LastSeen    time.Time
	PendingLoss *LossOfSync
}

// ExchangeResult is the outcome of one client-initiated command/event
// round with a single server.
type ExchangeResult struct {
	Addr       uint8
	Delivered  *Event
	LossOfSync *LossOfSync
	Timeout    bool
	Err        error
}

// Client is the single-client scheduler described in spec §4.C: it
// holds the server table, round-robins across servers, and carries out
// one seal/send/await-reply/classify round per call to ExchangeNext.
type Client struct {
	mu      sync.Mutex
	servers []*ServerRecord
	cursor  int
	codec   frame.Codec
	nonces  *frame.NonceTracker
	port    uint8
}

// NewClient constructs an empty client scheduler. port is the wire
// port field (spec §6) this client uses for ordinary command/event
// exchanges.
func NewClient(port uint8) *Client {
	return &Client{nonces: frame.NewNonceTracker(), port: port}
}

// AddServer registers a server discovered out-of-band (e.g. via
// internal/discovery) for polling.
func (c *Client) AddServer(addr uint8, key frame.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.servers {
		if s.Addr == addr {
			s.Key = key
			return
		}
	}
	c.servers = append(c.servers, &ServerRecord{Addr: addr, Key: key})
}

// RemoveServer forgets a server, e.g. after repeated timeouts.
func (c *Client) RemoveServer(addr uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.servers {
		if s.Addr == addr {
			c.servers = append(c.servers[:i], c.servers[i+1:]...)
			if c.cursor >= len(c.servers) {
				c.cursor = 0
			}
			return
		}
	}
}

// Servers returns a snapshot of the current server table.
func (c *Client) Servers() []ServerRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ServerRecord, len(c.servers))
	for i, s := range c.servers {
		out[i] = *s
	}
	return out
}

// AckLossOfSync accepts the host's resolution of a pending LossOfSync
// for addr: the client resumes normal tracking from got (spec §8 /
// SPEC_FULL.md Open Question resolution #4).
func (c *Client) AckLossOfSync(addr uint8, got uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.servers {
		if s.Addr == addr {
			s.LastOffset = got
			s.PendingLoss = nil
			return
		}
	}
}

// ExchangeNext advances the round-robin cursor and performs one
// command/event round with the next server in the table (spec §4.C
// steps 1-5). id/body form the application command; tResp bounds how
// long the client waits for the reply.
func (c *Client) ExchangeNext(tr bus.Transport, id uint8, body []byte, tResp time.Duration) (ExchangeResult, error) {
	c.mu.Lock()
	if len(c.servers) == 0 {
		c.mu.Unlock()
		return ExchangeResult{}, ErrNoServers
	}
	rec := c.servers[c.cursor]
	c.cursor = (c.cursor + 1) % len(c.servers)
	addr, key, lastOffset := rec.Addr, rec.Key, rec.LastOffset
	c.mu.Unlock()

	result := ExchangeResult{Addr: addr}

	ctr, err := c.nonces.Next(frame.SourceClient, addr, c.port)
	if err != nil {
		metrics.IncError(metrics.ErrCounterLimit)
		result.Err = err
		return result, err
	}
	cmd := Command{ID: id, LastOffset: lastOffset, Body: body}
	sealed, err := c.codec.Seal(key, frame.Header{Src: frame.SourceClient, Addr: addr, Port: c.port, Ctr: ctr}, encodeCommand(cmd))
	if err != nil {
		result.Err = fmt.Errorf("exchange: seal command: %w", err)
		return result, result.Err
	}
	if err := tr.Send(sealed); err != nil {
		metrics.IncError(metrics.ErrBusWrite)
		result.Err = fmt.Errorf("exchange: send command: %w", err)
		return result, result.Err
	}

	replySealed, err := tr.Recv(time.Now().Add(tResp))
	if err != nil {
		if err == bus.ErrTimeout {
			metrics.IncTimeout()
			result.Timeout = true
			return result, nil
		}
		metrics.IncError(metrics.ErrBusRead)
		result.Err = fmt.Errorf("exchange: recv reply: %w", err)
		return result, result.Err
	}

	opened, err := c.codec.Open(replySealed, func(a uint8) (frame.Key, bool) {
		if a == addr {
			return key, true
		}
		return frame.Key{}, false
	})
	if err != nil {
		result.Err = fmt.Errorf("exchange: open reply: %w", err)
		return result, result.Err
	}
	if opened.Src != frame.SourceServer || opened.Addr != addr {
		result.Err = ErrMisdirected
		return result, result.Err
	}
	ev, err := decodeEvent(opened.Payload)
	if err != nil {
		result.Err = err
		return result, result.Err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	rec.LastSeen = time.Now()

	switch {
	case ev.Offset < lastOffset:
		// Regression, including the legitimate 32-bit wrap case: the
		// client cannot tell the two apart, so both are surfaced as
		// LossOfSync pending host acknowledgement (spec §8).
		loss := &LossOfSync{Addr: addr, Expected: lastOffset + 1, Got: ev.Offset}
		rec.PendingLoss = loss
		result.LossOfSync = loss
		metrics.IncLossOfSync()
	case ev.Offset == lastOffset+1:
		rec.LastOffset = ev.Offset
		result.Delivered = &ev
	case ev.Offset == lastOffset:
		// caught up, nothing new
	default:
		loss := &LossOfSync{Addr: addr, Expected: lastOffset + 1, Got: ev.Offset}
		rec.PendingLoss = loss
		result.LossOfSync = loss
		metrics.IncLossOfSync()
	}

	metrics.IncExchange()
	return result, nil
}
