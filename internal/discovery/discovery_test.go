package discovery

import (
	"testing"
	"time"

	"github.com/titanclass/flip-flop-protocol/internal/bus"
	"github.com/titanclass/flip-flop-protocol/internal/frame"
)

func TestBitfieldSetIsSet(t *testing.T) {
	var b Bitfield
	if b.IsSet(5) {
		t.Fatal("expected unset initially")
	}
	b.Set(5)
	if !b.IsSet(5) {
		t.Fatal("expected set after Set")
	}
	if b.IsSet(6) {
		t.Fatal("unrelated bit must stay clear")
	}
}

func TestSingleServerCommitsInOneRound(t *testing.T) {
	k0 := frame.Key{9, 9, 9}
	clientTr, serverTr := bus.NewMemoryBus(4)
	c := NewClient(k0)
	r := NewReplier(k0)
	r.sleep = func(time.Duration) {} // deterministic in tests

	done := make(chan error, 1)
	go func() {
		sealed, err := serverTr.Recv(time.Now().Add(time.Second))
		if err != nil {
			done <- err
			return
		}
		done <- r.HandleFrame(serverTr, sealed, 50*time.Millisecond)
	}()

	res, err := c.Round(clientTr, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("round: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("replier: %v", err)
	}
	if len(res.Committed) != 1 {
		t.Fatalf("expected exactly one committed address, got %+v", res)
	}
	if !res.Clean() {
		t.Fatalf("expected a clean round, got %+v", res)
	}
	addr, ok := r.CommittedAddr()
	if !ok {
		t.Fatalf("replier should have proposed a candidate")
	}
	if res.Committed[0] != addr {
		t.Fatalf("client committed %d but replier proposed %d", res.Committed[0], addr)
	}
}

func TestReplierStaysSilentOnceBitConfirmed(t *testing.T) {
	k0 := frame.Key{1}
	r := NewReplier(k0)
	r.sleep = func(time.Duration) {}
	claimed := uint8(42)
	r.claimed = &claimed

	codec := frame.Codec{}
	var b Bitfield
	b.Set(42)
	hdr := frame.Header{Src: frame.SourceClient, Addr: 0, Port: 0, Ctr: 0}
	sealed, err := codec.Seal(k0, hdr, b[:])
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	serverSide, clientSide := bus.NewMemoryBus(1)
	if err := r.HandleFrame(serverSide, sealed, 50*time.Millisecond); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, err := clientSide.Recv(time.Now().Add(50 * time.Millisecond)); err == nil {
		t.Fatalf("replier should not have sent a reply once confirmed")
	}
}
