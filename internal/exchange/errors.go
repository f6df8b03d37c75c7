package exchange

import "errors"

// LossOfSync reports that a server's event offset moved in a way the
// client cannot reconcile with its own tracking (spec §8): either a
// gap in the sequence or an apparent regression (including the
// unsigned-wrap case called out in spec §8, which this package treats
// identically to a regression since the client cannot distinguish the
// two without host help).
type LossOfSync struct {
	Addr     uint8
	Expected uint32
	Got      uint32
}

func (l LossOfSync) Error() string {
	return "exchange: loss of sync"
}

var (
	// ErrNoServers is returned by ExchangeNext when the client has no
	// servers registered to poll.
	ErrNoServers = errors.New("exchange: no servers registered")
	// ErrUnknownServer names a reply from an address the client does not
	// have a record (and key) for. ExchangeNext does not return it: such
	// a reply fails to open and is reported wrapping frame.ErrUnknownAddr.
	ErrUnknownServer = errors.New("exchange: reply from unregistered server address")
	// ErrMisdirected is returned when a reply's source/address does not
	// match the server that was just polled.
	ErrMisdirected = errors.New("exchange: reply misdirected")
	// ErrNotAddressedToUs is returned by the server when a frame opens
	// under its key but was not sent by a client; the server drops it
	// and returns to idle without replying (spec §4.D Idle state). A frame
	// naming another address fails to open and is dropped with a nil
	// error instead.
	ErrNotAddressedToUs = errors.New("exchange: frame not addressed to this server")
	// ErrRespDeadlineMissed is returned when the server could not form
	// and send a reply before its own T_resp_max budget expired.
	ErrRespDeadlineMissed = errors.New("exchange: response deadline missed")
)
