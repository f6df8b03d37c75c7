package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/titanclass/flip-flop-protocol/internal/bus"
	"github.com/titanclass/flip-flop-protocol/internal/eventlog"
	"github.com/titanclass/flip-flop-protocol/internal/frame"
	"github.com/titanclass/flip-flop-protocol/internal/logging"
	"github.com/titanclass/flip-flop-protocol/internal/metrics"
)

// DefaultTRespMax is the default budget a server allows itself, from
// receiving a command to having the reply handed to the transport
// (spec §4.C / §7). It must stay comfortably under the client's
// DefaultTResp.
const DefaultTRespMax = 40 * time.Millisecond

// Handler is invoked for a non-zero command id (spec §4.D Dispatching
// state) before the server selects the reply event. Implementations
// apply the command's effect and may append new events to log.
type Handler func(cmd Command, log *eventlog.Log)

// ServerConfig configures a single Server instance.
type ServerConfig struct {
	Addr      uint8
	Port      uint8
	Key       frame.Key
	Log       *eventlog.Log
	Handler   Handler
	RespMax   time.Duration
	RecvDelay time.Duration // how long one Serve iteration waits for a frame
}

// Server is the server-side half of one exchange: Idle -> Receiving ->
// Dispatching -> Replying -> Idle (spec §4.D). It never initiates; it
// only answers frames addressed to its own address.
type Server struct {
	cfg    ServerConfig
	codec  frame.Codec
	nonces *frame.NonceTracker
}

// NewServer builds a Server bound to cfg. cfg.Log must be non-nil;
// cfg.Handler may be nil if this server never accepts application
// commands (pure event source).
func NewServer(cfg ServerConfig) *Server {
	if cfg.RespMax == 0 {
		cfg.RespMax = DefaultTRespMax
	}
	if cfg.RecvDelay == 0 {
		cfg.RecvDelay = 200 * time.Millisecond
	}
	return &Server{cfg: cfg, nonces: frame.NewNonceTracker()}
}

// Addr reports the address this server answers to.
func (s *Server) Addr() uint8 { return s.cfg.Addr }

// Serve loops HandleOnce until ctx is cancelled or tr is closed. Frames
// not addressed to this server, and malformed frames, are dropped
// silently and the loop returns to Idle, matching spec §4.D.
func (s *Server) Serve(ctx context.Context, tr bus.Transport) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		err := s.HandleOnce(tr, time.Now().Add(s.cfg.RecvDelay))
		switch {
		case err == nil, err == bus.ErrTimeout:
		case err == ErrNotAddressedToUs:
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.L().Warn("exchange: serve iteration error", "error", err)
		}
	}
}

// HandleOnce waits for and answers at most one command frame, or
// returns bus.ErrTimeout if recvDeadline passes first.
func (s *Server) HandleOnce(tr bus.Transport, recvDeadline time.Time) error {
	sealed, err := tr.Recv(recvDeadline)
	if err != nil {
		return err
	}
	return s.HandleFrame(tr, sealed, time.Now())
}

// HandleFrame runs the Dispatching/Replying half of one exchange on a
// frame already taken off the transport, so a caller that must demux
// several keyed protocols sharing one transport (ordinary exchange,
// discovery, update — see internal/frame.PeekHeader) can hand this
// Server only the frames addressed to it. start is the instant the
// frame was received, used to enforce RespMax.
func (s *Server) HandleFrame(tr bus.Transport, sealed []byte, start time.Time) error {
	opened, err := s.codec.Open(sealed, func(a uint8) (frame.Key, bool) {
		if a == s.cfg.Addr {
			return s.cfg.Key, true
		}
		return frame.Key{}, false
	})
	if err != nil {
		// Malformed or addressed to another server; drop and return
		// to Idle without replying.
		return nil
	}
	if opened.Src != frame.SourceClient || opened.Addr != s.cfg.Addr {
		return ErrNotAddressedToUs
	}

	cmd, err := decodeCommand(opened.Payload)
	if err != nil {
		return nil
	}

	if cmd.ID != PollCommandID && s.cfg.Handler != nil {
		s.cfg.Handler(cmd, s.cfg.Log)
	}

	sel, ok := s.cfg.Log.Select(cmd.LastOffset)
	var ev Event
	if ok {
		ev = Event{Offset: sel.Event.Offset, TDelta: sel.TDelta, Body: sel.Event.Payload}
	} else {
		ev = Event{Offset: cmd.LastOffset, TDelta: 0, Body: nil}
	}

	deadline := start.Add(s.cfg.RespMax)
	if time.Now().After(deadline) {
		metrics.IncError(metrics.ErrTimeout)
		return ErrRespDeadlineMissed
	}

	ctr, err := s.nonces.Next(frame.SourceServer, s.cfg.Addr, opened.Port)
	if err != nil {
		metrics.IncError(metrics.ErrCounterLimit)
		return err
	}
	replySealed, err := s.codec.Seal(s.cfg.Key, frame.Header{
		Src: frame.SourceServer, Addr: s.cfg.Addr, Port: opened.Port, Ctr: ctr,
	}, encodeEvent(ev))
	if err != nil {
		return fmt.Errorf("exchange: seal reply: %w", err)
	}

	if err := tr.Send(replySealed); err != nil {
		metrics.IncError(metrics.ErrBusWrite)
		return fmt.Errorf("exchange: send reply: %w", err)
	}

	metrics.IncExchange()
	return nil
}
