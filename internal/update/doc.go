// Package update implements the broadcast software-update protocol
// (spec §4.E): a unicast PrepareUpdate per targeted server, followed by
// a paced, chunked broadcast of the update image under an ephemeral
// key, and an optional Ed25519 signature trailer the server verifies
// once every byte has arrived.
package update
