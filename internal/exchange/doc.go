// Package exchange implements the client scheduler and server dispatch
// described in spec §4.C/§4.D: the round-robin command/event round a
// client runs against each registered server, and the
// Idle/Receiving/Dispatching/Replying loop a server runs to answer
// exactly one command per received frame.
package exchange
