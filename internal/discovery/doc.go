// Package discovery implements stochastic address allocation (spec
// §4.D): a client-driven iterative identify broadcast sealed under a
// well-known key K0, with servers replying from a random candidate
// address at a random slot within the listen window. There is no
// teacher precedent for the randomized slot/candidate selection (the
// teacher's CAN/cannelloni stack is fully deterministic); the round
// and retry shape is adapted from cmd/can-server's exponential-backoff
// RX loop, substituting a fixed-window retry for backoff since the
// spec defines a fixed W rather than a growing one.
package discovery
