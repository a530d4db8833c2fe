// Package session implements the session engine (E): it ties the wire
// codec, crypto layer, key registry, rate limiter, stats accumulator,
// and hook runtime together for one in-flight request, and owns the
// request's refcounted lifetime across the asynchronous backend call
// (spec §4.6, §5).
package session

import (
	"net"
	"sync/atomic"
	"time"

	"fuzzystore/internal/fcrypto"
	"fuzzystore/internal/keyring"
	"fuzzystore/internal/wire"
)

// Session is a single in-flight request (spec §3 Session). It is
// created on datagram receive and released when its reply is sent or
// its write is fully drained; refcount is retained above 1 while an
// asynchronous backend continuation or a deferred write is outstanding.
type Session struct {
	Addr      *net.UDPAddr
	Timestamp time.Time
	Cmd       *wire.Command
	Epoch     wire.Epoch
	Type      wire.CmdType

	Encrypted    bool
	Key          *keyring.Key
	SharedSecret [fcrypto.XKeySize]byte

	refcount atomic.Int32
	released atomic.Bool
}

// New constructs a session with an initial refcount of 1 (spec §3).
func New(addr *net.UDPAddr, cmd *wire.Command, now time.Time) *Session {
	s := &Session{Addr: addr, Cmd: cmd, Timestamp: now, Epoch: cmd.Epoch, Type: cmd.Type}
	s.refcount.Store(1)
	return s
}

// Retain bumps the refcount; call before scheduling an asynchronous
// continuation (a backend call or a deferred write) that will call
// Release when it completes.
func (s *Session) Retain() {
	s.refcount.Add(1)
}

// Release drops the refcount. When it reaches zero the session's shared
// secret is wiped (spec §3 invariant: "shared_secret zeroed before its
// memory is freed") and the session is marked released.
func (s *Session) Release() {
	if s.refcount.Add(-1) > 0 {
		return
	}
	if s.released.CompareAndSwap(false, true) {
		fcrypto.Zero(s.SharedSecret[:])
	}
}

// Released reports whether the session has reached refcount zero.
func (s *Session) Released() bool {
	return s.released.Load()
}

// RefCount reports the current refcount, for tests.
func (s *Session) RefCount() int32 {
	return s.refcount.Load()
}
