package discovery

import (
	"math/rand/v2"
	"time"

	"github.com/titanclass/flip-flop-protocol/internal/bus"
	"github.com/titanclass/flip-flop-protocol/internal/frame"
)

// TxBudget is the minimum time reserved at the end of the listen
// window for a reply to actually transmit (spec §4.D step 3: "tx_budget
// >= 2ms at 115200 baud").
const TxBudget = 2 * time.Millisecond

// Replier is the server side of discovery (spec §4.D): it answers
// identify broadcasts from a randomly chosen candidate address at a
// randomly chosen slot within the listen window, until it observes its
// own proposed address committed in a later round's bit-field.
type Replier struct {
	K0      frame.Key
	claimed *uint8

	nonces *frame.NonceTracker
	codec  frame.Codec
	sleep  func(time.Duration) // overridable for tests
}

// NewReplier constructs a Replier for the given well-known key.
func NewReplier(k0 frame.Key) *Replier {
	return &Replier{K0: k0, nonces: frame.NewNonceTracker(), sleep: time.Sleep}
}

// CommittedAddr reports the candidate address this server most recently
// proposed in a reply, or (0, false) if it has not proposed one yet. The
// address is not checked against a later identify's bit-field, so it may
// not have been committed by the client.
func (r *Replier) CommittedAddr() (uint8, bool) {
	if r.claimed == nil {
		return 0, false
	}
	return *r.claimed, true
}

// HandleFrame inspects one received frame; if it is an identify
// broadcast addressed to this round, it may (after a random delay
// within window) transmit a candidate-address reply on tr. Any other
// frame, or a malformed/foreign one, is ignored.
func (r *Replier) HandleFrame(tr bus.Transport, sealed []byte, window time.Duration) error {
	opened, err := r.codec.Open(sealed, func(uint8) (frame.Key, bool) { return r.K0, true })
	if err != nil {
		return nil
	}
	if opened.Src != frame.SourceClient || opened.Addr != 0 {
		return nil
	}
	var b Bitfield
	copy(b[:], opened.Payload)

	if r.claimed != nil && b.IsSet(*r.claimed) {
		return nil // already committed and confirmed; stay silent
	}

	free := b.unclaimed()
	if len(free) == 0 {
		return nil
	}
	candidate := free[rand.IntN(len(free))]
	r.claimed = &candidate

	maxDelay := window - TxBudget
	if maxDelay < 0 {
		maxDelay = 0
	}
	delay := time.Duration(rand.Int64N(int64(maxDelay) + 1))
	r.sleep(delay)

	ctr, err := r.nonces.Next(frame.SourceServer, candidate, 0)
	if err != nil {
		return err
	}
	hdr := frame.Header{Src: frame.SourceServer, Addr: candidate, Port: 0, Ctr: ctr}
	replySealed, err := r.codec.Seal(r.K0, hdr, []byte{candidate})
	if err != nil {
		return err
	}
	return tr.Send(replySealed)
}
