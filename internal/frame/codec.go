package frame

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"sync"

	"github.com/aead/ccm"

	"github.com/titanclass/flip-flop-protocol/internal/metrics"
)

// Key is a 128-bit AES-CCM key.
type Key [16]byte

// Codec seals and opens Flip-Flop frames. Stateless and safe for
// concurrent use; nonce uniqueness across a key's lifetime is the
// caller's responsibility (see NonceTracker).
type Codec struct{}

func newAEAD(key Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("frame: aes cipher: %w", err)
	}
	aead, err := ccm.NewCCMWithNonceAndTagSize(block, NonceSize, MICSize)
	if err != nil {
		return nil, fmt.Errorf("frame: ccm construct: %w", err)
	}
	return aead, nil
}

// Seal packs hdr (Src/Addr/Port/Ctr; Len is overwritten) and plaintext into
// a sealed wire frame: header(4) || ciphertext(len) || mic(4).
func (Codec) Seal(key Key, hdr Header, plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	hdr.Len = uint8(len(plaintext))
	headerBytes, err := encodeHeader(hdr)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	n := nonce(headerBytes)
	out := make([]byte, HeaderSize, HeaderSize+len(plaintext)+MICSize)
	copy(out, headerBytes[:])
	out = aead.Seal(out, n[:], plaintext, headerBytes[:])
	metrics.IncSealed()
	return out, nil
}

// Opened is the result of a successful Open.
type Opened struct {
	Src     Source
	Addr    uint8
	Port    uint8
	Ctr     uint8
	Payload []byte
}

// KeyLookup resolves the per-server key for addr. ok is false if no key is
// registered (UnknownAddr).
type KeyLookup func(addr uint8) (key Key, ok bool)

// Open parses and authenticates a sealed wire frame. Declared-length
// validation happens before MIC verification, per spec §4.A.
func (Codec) Open(data []byte, lookup KeyLookup) (Opened, error) {
	if len(data) < Overhead {
		metrics.IncMalformed()
		return Opened{}, ErrTooShort
	}
	var headerBytes [HeaderSize]byte
	copy(headerBytes[:], data[:HeaderSize])
	hdr := decodeHeader(headerBytes[:])

	want := HeaderSize + int(hdr.Len) + MICSize
	if want != len(data) {
		metrics.IncMalformed()
		return Opened{}, ErrBadLen
	}

	key, ok := lookup(hdr.Addr)
	if !ok {
		return Opened{}, ErrUnknownAddr
	}
	aead, err := newAEAD(key)
	if err != nil {
		return Opened{}, err
	}
	n := nonce(headerBytes)
	sealed := data[HeaderSize:]
	plaintext, err := aead.Open(sealed[:0], n[:], sealed, headerBytes[:])
	if err != nil {
		metrics.IncMalformed()
		return Opened{}, ErrBadMic
	}
	metrics.IncOpened()
	return Opened{
		Src:     hdr.Src,
		Addr:    hdr.Addr,
		Port:    hdr.Port,
		Ctr:     hdr.Ctr,
		Payload: plaintext,
	}, nil
}

// ErrCounterExhausted is returned once a (src,addr,port) tuple has used all
// 256 representable nonce counter values under the current key; the spec's
// open question on nonce width (SPEC_FULL.md §5.1) is resolved by refusing
// to wrap rather than silently reusing a nonce.
var ErrCounterExhausted = errors.New("frame: nonce counter exhausted for this key; rekey required")

type ctrKey struct {
	src  Source
	addr uint8
	port uint8
}

// NonceTracker hands out strictly increasing ctr values per (src,addr,port)
// tuple, enforcing invariant 3 (nonce uniqueness) for the lifetime of a key.
// Callers must construct a fresh NonceTracker whenever a key changes.
type NonceTracker struct {
	mu   sync.Mutex
	next map[ctrKey]uint32
}

// NewNonceTracker returns a ready-to-use tracker.
func NewNonceTracker() *NonceTracker {
	return &NonceTracker{next: make(map[ctrKey]uint32)}
}

// Next returns the next ctr value to use for the given tuple, or
// ErrCounterExhausted if all 256 values have already been issued.
func (t *NonceTracker) Next(src Source, addr, port uint8) (uint8, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := ctrKey{src: src, addr: addr, port: port}
	n := t.next[k]
	if n > MaxCounter {
		return 0, ErrCounterExhausted
	}
	t.next[k] = n + 1
	return uint8(n), nil
}
