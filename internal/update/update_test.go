package update

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/titanclass/flip-flop-protocol/internal/bus"
	"github.com/titanclass/flip-flop-protocol/internal/frame"
)

func TestPrepareUnicastPerTarget(t *testing.T) {
	keyA := frame.Key{1}
	keyB := frame.Key{2}
	clientTr, serverTr := bus.NewMemoryBus(4)
	b := NewBroadcaster()
	targets := []Target{{Addr: 5, Key: keyA}, {Addr: 6, Key: keyB}}
	p := Prepare{Major: 1, TotalBytes: 10, UpdateKey: frame.Key{9}}

	errCh := make(chan error, 1)
	go func() { errCh <- b.Prepare(clientTr, targets, p, Config{TPrepProc: time.Millisecond}) }()

	codec := frame.Codec{}
	for _, target := range targets {
		sealed, err := serverTr.Recv(time.Now().Add(time.Second))
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		opened, err := codec.Open(sealed, func(a uint8) (frame.Key, bool) {
			if a == target.Addr {
				return target.Key, true
			}
			return frame.Key{}, false
		})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if opened.Addr != target.Addr || opened.Port != 1 {
			t.Fatalf("unexpected header: %+v", opened)
		}
		got, ok := decodePrepare(opened.Payload)
		if !ok || got.TotalBytes != 10 {
			t.Fatalf("decode prepare: %+v ok=%v", got, ok)
		}
	}
	if err := <-errCh; err != nil {
		t.Fatalf("prepare: %v", err)
	}
}

func TestBroadcastAndServerReassembly(t *testing.T) {
	updateKey := frame.Key{7, 7, 7}
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	data := bytes.Repeat([]byte{0xAB}, 500)

	clientTr, serverTr := bus.NewMemoryBus(64)
	b := NewBroadcaster()
	codec := frame.Codec{}

	prep := Prepare{TotalBytes: uint32(len(data)), UpdateKey: updateKey, SignedLen: ed25519.SignatureSize}
	session := NewSession(1, prep, pub)

	doneCh := make(chan error, 1)
	go func() {
		for {
			sealed, err := serverTr.Recv(time.Now().Add(2 * time.Second))
			if err != nil {
				doneCh <- err
				return
			}
			opened, err := codec.Open(sealed, func(uint8) (frame.Key, bool) { return updateKey, true })
			if err != nil {
				doneCh <- err
				return
			}
			offset, chunk, ok := decodeChunk(opened.Payload)
			if !ok {
				doneCh <- errGapMarker{}
				return
			}
			done, err := session.ReceiveChunk(offset, chunk)
			if err != nil {
				doneCh <- err
				return
			}
			if done {
				doneCh <- nil
				return
			}
		}
	}()

	cfg := Config{FlushQuantum: 100, FlushDelay: time.Millisecond}
	if err := b.Broadcast(context.Background(), clientTr, updateKey, data, priv, cfg); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	if err := <-doneCh; err != nil {
		t.Fatalf("server reassembly: %v", err)
	}
	if !bytes.Equal(session.Image(), data) {
		t.Fatalf("reassembled image mismatch")
	}
}

type errGapMarker struct{}

func (errGapMarker) Error() string { return "bad chunk payload" }

func TestSessionDetectsGap(t *testing.T) {
	p := Prepare{TotalBytes: 10}
	s := NewSession(1, p, nil)
	if _, err := s.ReceiveChunk(0, []byte{1, 2, 3}); err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	if _, err := s.ReceiveChunk(5, []byte{4, 5}); err != ErrGap {
		t.Fatalf("expected ErrGap, got %v", err)
	}
}

func TestSessionRejectsBadSignature(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	data := []byte("firmware-image")
	p := Prepare{TotalBytes: uint32(len(data)), SignedLen: ed25519.SignatureSize}
	s := NewSession(1, p, pub)
	if _, err := s.ReceiveChunk(0, data); err != nil {
		t.Fatalf("image chunk: %v", err)
	}
	badSig := make([]byte, ed25519.SignatureSize)
	if _, err := s.ReceiveChunk(uint32(len(data)), badSig); err != ErrSignatureInvalid {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}
