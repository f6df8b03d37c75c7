package update

import (
	"crypto/ed25519"
	"errors"

	"github.com/titanclass/flip-flop-protocol/internal/frame"
	"github.com/titanclass/flip-flop-protocol/internal/metrics"
)

// ErrGap is returned when a chunk's offset does not extend the
// received run contiguously; the session is aborted (spec §4.E:
// "Missing any chunk (gap in offsets) => drop update_key").
var ErrGap = errors.New("update: gap in chunk offsets, session aborted")

// ErrSignatureInvalid is returned when the trailer fails verification.
var ErrSignatureInvalid = errors.New("update: signature trailer verification failed")

// Session tracks one in-progress update on a server (spec §3 server
// state: update_key, update_pending).
type Session struct {
	Addr       uint8
	UpdateKey  frame.Key
	TotalBytes uint32
	SignedLen  uint16
	SignerPub  ed25519.PublicKey // out-of-band signing key, nil if unsigned

	buf      []byte
	complete bool
}

// NewSession starts tracking an update announced by p, using p.UpdateKey
// for broadcast chunk authentication (already sealed/opened by the
// caller with the per-server key for the Prepare frame itself).
func NewSession(addr uint8, p Prepare, signerPub ed25519.PublicKey) *Session {
	return &Session{
		Addr:       addr,
		UpdateKey:  p.UpdateKey,
		TotalBytes: p.TotalBytes,
		SignedLen:  p.SignedLen,
		SignerPub:  signerPub,
		buf:        make([]byte, 0, p.TotalBytes),
	}
}

// ReceiveChunk authenticates and appends one broadcast chunk (already
// opened by the caller's frame.Codec against s.UpdateKey). It returns
// (true, nil) once the full image plus any signature trailer has
// arrived and verified; ErrGap aborts the session (caller must discard
// it and stop accepting further chunks under this update_key).
func (s *Session) ReceiveChunk(offset uint32, data []byte) (done bool, err error) {
	if s.complete {
		return true, nil
	}
	if offset != uint32(len(s.buf)) {
		metrics.IncUpdateGap()
		return false, ErrGap
	}
	s.buf = append(s.buf, data...)

	dataLen := int(s.TotalBytes)
	if len(s.buf) < dataLen {
		return false, nil
	}
	if len(s.buf) > dataLen+int(s.SignedLen) {
		metrics.IncUpdateGap()
		return false, ErrGap // overrun past the expected trailer length
	}
	if len(s.buf) < dataLen+int(s.SignedLen) {
		return false, nil // still waiting on trailer bytes
	}

	image := s.buf[:dataLen]
	if s.SignedLen > 0 {
		sig := s.buf[dataLen : dataLen+int(s.SignedLen)]
		if s.SignerPub == nil || !ed25519.Verify(s.SignerPub, image, sig) {
			metrics.IncUpdateSignatureFailure()
			return false, ErrSignatureInvalid
		}
	}
	s.complete = true
	return true, nil
}

// Image returns the verified update payload once ReceiveChunk has
// reported done=true.
func (s *Session) Image() []byte {
	if !s.complete {
		return nil
	}
	return s.buf[:s.TotalBytes]
}
