package update

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/titanclass/flip-flop-protocol/internal/bus"
	"github.com/titanclass/flip-flop-protocol/internal/frame"
	"github.com/titanclass/flip-flop-protocol/internal/metrics"
	"github.com/titanclass/flip-flop-protocol/internal/transport"
)

// Defaults per spec §6/§7.
const (
	DefaultTPrepProc   = 10 * time.Millisecond
	DefaultFlushQuantum = 4096
	DefaultFlushDelay  = 100 * time.Millisecond
)

// Target is one server the update is prepared on: its address and its
// per-server key (for the unicast Prepare, which is always sent on
// port 1).
type Target struct {
	Addr uint8
	Key  frame.Key
}

// Config tunes the broadcaster's pacing.
type Config struct {
	TPrepProc   time.Duration
	FlushQuantum int
	FlushDelay  time.Duration
}

func (c Config) withDefaults() Config {
	if c.TPrepProc == 0 {
		c.TPrepProc = DefaultTPrepProc
	}
	if c.FlushQuantum == 0 {
		c.FlushQuantum = DefaultFlushQuantum
	}
	if c.FlushDelay == 0 {
		c.FlushDelay = DefaultFlushDelay
	}
	return c
}

// Broadcaster drives one update session (spec §4.E).
type Broadcaster struct {
	codec  frame.Codec
	nonces *frame.NonceTracker
}

// NewBroadcaster returns a ready-to-use Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{nonces: frame.NewNonceTracker()}
}

// Prepare sends the unicast PrepareUpdate to every target, waiting
// cfg.TPrepProc between sends (spec §4.E step 1).
func (b *Broadcaster) Prepare(tr bus.Transport, targets []Target, p Prepare, cfg Config) error {
	cfg = cfg.withDefaults()
	for i, t := range targets {
		ctr, err := b.nonces.Next(frame.SourceClient, t.Addr, 1)
		if err != nil {
			return err
		}
		hdr := frame.Header{Src: frame.SourceClient, Addr: t.Addr, Port: 1, Ctr: ctr}
		sealed, err := b.codec.Seal(t.Key, hdr, encodePrepare(p))
		if err != nil {
			return fmt.Errorf("update: seal prepare for addr %d: %w", t.Addr, err)
		}
		if err := tr.Send(sealed); err != nil {
			return fmt.Errorf("update: send prepare for addr %d: %w", t.Addr, err)
		}
		if i < len(targets)-1 {
			time.Sleep(cfg.TPrepProc)
		}
	}
	return nil
}

// GenerateUpdateKey produces a fresh ephemeral update_key (spec §4.E
// step 1).
func GenerateUpdateKey() (frame.Key, error) {
	var k frame.Key
	if _, err := rand.Read(k[:]); err != nil {
		return k, fmt.Errorf("update: generate update_key: %w", err)
	}
	return k, nil
}

type chunkJob struct {
	offset uint32
	data   []byte
	last   bool
}

// Broadcast sends data as paced, offset-addressed broadcast chunks
// sealed with updateKey (spec §4.E steps 2-4). If signer is non-nil,
// its signature over data is appended as the trailer the server
// verifies once all bytes have arrived (spec §4.E / §6 signed_len).
func (b *Broadcaster) Broadcast(ctx context.Context, tr bus.Transport, updateKey frame.Key, data []byte, signer ed25519.PrivateKey, cfg Config) error {
	cfg = cfg.withDefaults()
	payload := data
	if signer != nil {
		sig := ed25519.Sign(signer, data)
		payload = append(append([]byte(nil), data...), sig...)
	}

	chunkSize := frame.MaxPayload - chunkHeaderSize
	var jobs []chunkJob
	for off := 0; off < len(payload); off += chunkSize {
		end := off + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		jobs = append(jobs, chunkJob{offset: uint32(off), data: payload[off:end], last: end == len(payload)})
	}
	if len(jobs) == 0 {
		jobs = []chunkJob{{offset: 0, data: nil, last: true}}
	}

	var sentBytes, flushMark int
	var sendErr error
	var closeOnce sync.Once
	done := make(chan struct{})
	finish := func() { closeOnce.Do(func() { close(done) }) }

	send := func(j chunkJob) error {
		ctr, err := b.nonces.Next(frame.SourceClient, 0, 1)
		if err != nil {
			return err
		}
		hdr := frame.Header{Src: frame.SourceClient, Addr: 0, Port: 1, Ctr: ctr}
		sealed, err := b.codec.Seal(updateKey, hdr, encodeChunk(j.offset, j.data))
		if err != nil {
			return err
		}
		if err := tr.Send(sealed); err != nil {
			return err
		}
		sentBytes += len(j.data)
		metrics.AddUpdateBytes(len(j.data))
		if sentBytes-flushMark >= cfg.FlushQuantum {
			flushMark = sentBytes
			time.Sleep(cfg.FlushDelay)
		}
		if j.last {
			finish()
		}
		return nil
	}

	tx := transport.NewAsyncTx(ctx, len(jobs), send, transport.Hooks{
		OnError: func(err error) { sendErr = err; finish() },
		OnDrop: func() error {
			err := fmt.Errorf("update: chunk dropped, buffer full")
			sendErr = err
			finish()
			return err
		},
	})
	defer tx.Close()

	for _, j := range jobs {
		if err := tx.SendFrame(j); err != nil {
			return err
		}
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if sendErr != nil {
		return sendErr
	}

	// Unconditional final pause after the last chunk (spec §4.E step 4).
	time.Sleep(cfg.FlushDelay)
	return nil
}
