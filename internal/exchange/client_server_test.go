package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/titanclass/flip-flop-protocol/internal/bus"
	"github.com/titanclass/flip-flop-protocol/internal/eventlog"
	"github.com/titanclass/flip-flop-protocol/internal/frame"
)

func newPair(t *testing.T, addr uint8, key frame.Key) (*Client, *Server, bus.Transport, bus.Transport) {
	t.Helper()
	clientSide, serverSide := bus.NewMemoryBus(4)
	c := NewClient(0)
	c.AddServer(addr, key)
	s := NewServer(ServerConfig{
		Addr:    addr,
		Port:    0,
		Key:     key,
		Log:     eventlog.New(16),
		RespMax: time.Second,
	})
	return c, s, clientSide, serverSide
}

func TestExchangeEmptyPoll(t *testing.T) {
	key := frame.Key{1, 2, 3}
	c, s, clientTr, serverTr := newPair(t, 5, key)

	errCh := make(chan error, 1)
	go func() { errCh <- s.HandleOnce(serverTr, time.Now().Add(time.Second)) }()

	res, err := c.ExchangeNext(clientTr, PollCommandID, nil, time.Second)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("server handle: %v", err)
	}
	if res.Delivered != nil || res.LossOfSync != nil || res.Timeout {
		t.Fatalf("expected no-new-event result, got %+v", res)
	}
}

func TestExchangeDeliversAppendedEvent(t *testing.T) {
	key := frame.Key{1, 2, 3}
	c, s, clientTr, serverTr := newPair(t, 5, key)
	if _, err := s.cfg.Log.Append([]byte("hello")); err != nil {
		t.Fatalf("append: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.HandleOnce(serverTr, time.Now().Add(time.Second)) }()

	res, err := c.ExchangeNext(clientTr, PollCommandID, nil, time.Second)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("server handle: %v", err)
	}
	if res.Delivered == nil {
		t.Fatalf("expected delivered event, got %+v", res)
	}
	if string(res.Delivered.Body) != "hello" {
		t.Fatalf("got body %q", res.Delivered.Body)
	}
	if got := c.Servers()[0].LastOffset; got != 1 {
		t.Fatalf("expected LastOffset 1 after first delivery, got %d", got)
	}
}

func TestExchangeTimeoutWhenServerSilent(t *testing.T) {
	key := frame.Key{1, 2, 3}
	c, _, clientTr, _ := newPair(t, 5, key)
	res, err := c.ExchangeNext(clientTr, PollCommandID, nil, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if !res.Timeout {
		t.Fatalf("expected timeout, got %+v", res)
	}
}

func TestExchangeDetectsLossOfSync(t *testing.T) {
	key := frame.Key{1, 2, 3}
	c, s, clientTr, serverTr := newPair(t, 5, key)
	// Jump the server's log ahead without the client ever observing the
	// intermediate offsets, forcing a gap.
	for i := 0; i < 5; i++ {
		if _, err := s.cfg.Log.Append([]byte{byte(i)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	c.servers[0].LastOffset = 10 // far ahead of anything in the log

	errCh := make(chan error, 1)
	go func() { errCh <- s.HandleOnce(serverTr, time.Now().Add(time.Second)) }()

	res, err := c.ExchangeNext(clientTr, PollCommandID, nil, time.Second)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("server handle: %v", err)
	}
	if res.LossOfSync == nil {
		t.Fatalf("expected LossOfSync, got %+v", res)
	}

	c.AckLossOfSync(5, res.LossOfSync.Got)
	if got := c.Servers()[0].LastOffset; got != res.LossOfSync.Got {
		t.Fatalf("ack did not update LastOffset: %d", got)
	}
	if c.Servers()[0].PendingLoss != nil {
		t.Fatalf("expected PendingLoss cleared after ack")
	}
}

func TestExchangeHandlerInvokedForNonZeroCommand(t *testing.T) {
	key := frame.Key{1, 2, 3}
	clientSide, serverSide := bus.NewMemoryBus(4)
	c := NewClient(0)
	c.AddServer(9, key)
	invoked := make(chan Command, 1)
	s := NewServer(ServerConfig{
		Addr: 9,
		Key:  key,
		Log:  eventlog.New(16),
		Handler: func(cmd Command, log *eventlog.Log) {
			invoked <- cmd
			log.Append([]byte("ack"))
		},
		RespMax: time.Second,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- s.HandleOnce(serverSide, time.Now().Add(time.Second)) }()

	res, err := c.ExchangeNext(clientSide, 7, []byte("do-it"), time.Second)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("server handle: %v", err)
	}
	select {
	case cmd := <-invoked:
		if cmd.ID != 7 || string(cmd.Body) != "do-it" {
			t.Fatalf("unexpected command observed by handler: %+v", cmd)
		}
	default:
		t.Fatalf("handler was not invoked")
	}
	if res.Delivered == nil || string(res.Delivered.Body) != "ack" {
		t.Fatalf("expected ack event delivered, got %+v", res)
	}
}

// TestServeStopsOnContextCancel exercises the Serve loop shape end to
// end over the in-memory bus.
func TestServeStopsOnContextCancel(t *testing.T) {
	key := frame.Key{1, 2, 3}
	_, serverSide := bus.NewMemoryBus(4)
	s := NewServer(ServerConfig{Addr: 1, Key: key, Log: eventlog.New(4), RecvDelay: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, serverSide) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not stop after cancel")
	}
}
