package main

import (
	"crypto/ed25519"
	"fmt"
	"log/slog"

	"github.com/titanclass/flip-flop-protocol/internal/eventlog"
	"github.com/titanclass/flip-flop-protocol/internal/frame"
	"github.com/titanclass/flip-flop-protocol/internal/update"
)

// updateState tracks the single in-flight update session a server may
// hold (spec §3 server state: update_key, update_pending). Only one
// update runs at a time per server.
type updateState struct {
	signerPub ed25519.PublicKey
	updateKey frame.Key
	haveKey   bool
	session   *update.Session
}

func newUpdateState(signerPub []byte) *updateState {
	var pub ed25519.PublicKey
	if len(signerPub) > 0 {
		pub = ed25519.PublicKey(signerPub)
	}
	return &updateState{signerPub: pub}
}

// handlePrepare starts tracking a new update announced over the
// unicast Prepare frame (already opened with the server's own key).
func (u *updateState) handlePrepare(payload []byte, l *slog.Logger) {
	p, ok := update.DecodePrepare(payload)
	if !ok {
		l.Warn("update_prepare_decode_failed")
		return
	}
	l.Info("update_prepare",
		"version", fmt.Sprintf("%d.%d.%d", p.Major, p.Minor, p.Patch),
		"total_bytes", p.TotalBytes,
		"signed_len", p.SignedLen,
	)
	u.updateKey = frame.Key(p.UpdateKey)
	u.haveKey = true
	u.session = update.NewSession(0, p, u.signerPub)
}

// key returns the currently held update_key, if any, for use by the
// server's frame demux when deciding which key to try opening a
// broadcast chunk with.
func (u *updateState) key() (frame.Key, bool) {
	if !u.haveKey || u.session == nil {
		return frame.Key{}, false
	}
	return u.updateKey, true
}

// handleChunk authenticates and appends one broadcast chunk (already
// opened against the session's update_key by the caller). log is the
// server's event log: on successful completion it emits a
// version-change event for the next exchange (spec §4.E: "on receiving
// exactly total_bytes authenticated bytes ... emit an application-level
// version-change event on its next exchange").
func (u *updateState) handleChunk(offset uint32, data []byte, log *eventlog.Log, l *slog.Logger) {
	if u.session == nil {
		return
	}
	done, err := u.session.ReceiveChunk(offset, data)
	if err != nil {
		l.Warn("update_chunk_rejected", "error", err)
		u.session = nil
		u.haveKey = false
		return
	}
	if !done {
		return
	}
	l.Info("update_complete", "bytes", len(u.session.Image()))
	if _, err := log.Append([]byte("update-applied")); err != nil {
		l.Warn("update_event_append_failed", "error", err)
	}
	u.session = nil
	u.haveKey = false
}
