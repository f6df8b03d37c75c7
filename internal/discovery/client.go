package discovery

import (
	"errors"
	"time"

	"github.com/titanclass/flip-flop-protocol/internal/bus"
	"github.com/titanclass/flip-flop-protocol/internal/frame"
	"github.com/titanclass/flip-flop-protocol/internal/metrics"
)

// DefaultWindow is the listen window W a client opens after broadcasting
// an identify frame (spec §4.D).
const DefaultWindow = 900 * time.Millisecond

// DefaultMaxRounds is how many rounds the client retries before giving
// up and notifying the host (spec §7, DiscoveryConflict row).
const DefaultMaxRounds = 20

// ErrGaveUp is returned by Run once MaxRounds have elapsed without a
// collision/conflict-free round.
var ErrGaveUp = errors.New("discovery: gave up after max rounds without a clean round")

// Client runs the iterative identify broadcast described in spec §4.D.
type Client struct {
	K0     frame.Key
	B      Bitfield
	nonces *frame.NonceTracker
	codec  frame.Codec
}

// NewClient constructs a discovery client seeded with K0 and an empty
// bit-field (no addresses known yet).
func NewClient(k0 frame.Key) *Client {
	return &Client{K0: k0, nonces: frame.NewNonceTracker()}
}

// RoundResult reports one round's classification (spec §4.D step 4).
type RoundResult struct {
	Committed  []uint8
	Conflicts  []uint8
	Collisions bool
}

// Clean reports whether the round needs no retry.
func (r RoundResult) Clean() bool {
	return !r.Collisions && len(r.Conflicts) == 0
}

// Round performs one broadcast/listen/classify cycle and mutates c.B in
// place with any newly committed addresses.
func (c *Client) Round(tr bus.Transport, window time.Duration) (RoundResult, error) {
	sealed, err := c.sealIdentify()
	if err != nil {
		return RoundResult{}, err
	}
	if err := tr.Send(sealed); err != nil {
		return RoundResult{}, err
	}
	metrics.IncDiscoveryRound()

	deadline := time.Now().Add(window)
	counts := make(map[uint8]int)
	var badMic bool
	for {
		reply, err := tr.Recv(deadline)
		if err != nil {
			break // timeout: window closed
		}
		opened, err := c.codec.Open(reply, func(uint8) (frame.Key, bool) { return c.K0, true })
		if err != nil {
			if errors.Is(err, frame.ErrBadMic) {
				badMic = true
			}
			continue
		}
		if opened.Src != frame.SourceServer || len(opened.Payload) < 1 {
			continue
		}
		counts[opened.Payload[0]]++
	}

	var res RoundResult
	res.Collisions = badMic
	for addr, n := range counts {
		switch {
		case n > 1:
			res.Conflicts = append(res.Conflicts, addr)
			metrics.IncDiscoveryConflict()
		case n == 1 && !c.B.IsSet(addr):
			c.B.Set(addr)
			res.Committed = append(res.Committed, addr)
		}
	}
	metrics.SetDiscoveryCommitted(len(committedAddrs(c.B)))
	return res, nil
}

// Run repeats Round until a round is Clean() or maxRounds is exhausted.
func (c *Client) Run(tr bus.Transport, window time.Duration, maxRounds int) ([]uint8, error) {
	var allCommitted []uint8
	for i := 0; i < maxRounds; i++ {
		res, err := c.Round(tr, window)
		if err != nil {
			return allCommitted, err
		}
		allCommitted = append(allCommitted, res.Committed...)
		if res.Clean() {
			return allCommitted, nil
		}
	}
	return allCommitted, ErrGaveUp
}

func (c *Client) sealIdentify() ([]byte, error) {
	ctr, err := c.nonces.Next(frame.SourceClient, 0, 0)
	if err != nil {
		return nil, err
	}
	hdr := frame.Header{Src: frame.SourceClient, Addr: 0, Port: 0, Ctr: ctr}
	return c.codec.Seal(c.K0, hdr, c.B[:])
}

func committedAddrs(b Bitfield) []uint8 {
	var out []uint8
	for a := uint8(1); a <= 127; a++ {
		if b.IsSet(a) {
			out = append(out, a)
		}
	}
	return out
}
