// Package hooks defines the scriptable hook runtime collaborator (H):
// pre-handler, post-handler, and blacklist-notification callback slots
// (spec §1, §4.6, §4.9). Core only specifies the values passed in and
// the shape of returned overrides — the actual scripting runtime (e.g.
// a Lua VM) is out of scope.
package hooks

import (
	"net"
	"sync"
	"sync/atomic"

	"fuzzystore/internal/wire"
)

// PreResult is what a pre-handler may return to short-circuit a CHECK
// before the backend is consulted (spec §4.6 step 3). Applied is false
// when the hook declined to override.
type PreResult struct {
	Applied bool
	Value   uint32
	Prob    float32
	Flag    uint32
	HasFlag bool
}

// PostResult is what a post-handler may return to override the reply
// after the backend has answered (spec §4.6 step 6).
type PostResult struct {
	Applied bool
	Value   uint32
	Prob    float32
	Flag    uint32
	TS      uint64
}

// PreHandler inspects an inbound CHECK before the backend runs. The
// argument order — ip, cmd, digest, isShingle, extensions — and the
// returned {bool, value, prob, flag?} shape follow the documented order
// spec §9 open question 3 adopts, resolving the original's ambiguous
// Lua-stack argument positions.
type PreHandler func(ip net.IP, cmd wire.CmdKind, digest [wire.DigestSize]byte, isShingle bool, ext []wire.Extension) PreResult

// PostHandler inspects a CHECK's backend result before it's sent.
type PostHandler func(ip net.IP, cmd wire.CmdKind, digest [wire.DigestSize]byte, isShingle bool, ext []wire.Extension, value uint32, prob float32, flag uint32, ts uint64) PostResult

// BlacklistHandler is notified whenever a source is blacklisted, e.g. by
// the rate limiter (reason="ratelimit") or the receive loop's IP block
// list (reason="blacklisted"). Non-fatal regardless of any return value.
type BlacklistHandler func(addr net.IP, reason string)

// Registry holds one replaceable slot per hook kind (spec §4.9: "each
// replace the prior reference (with release) and store a new one").
// atomic.Pointer gives replace-and-snapshot semantics without a mutex on
// the hot invocation path.
type Registry struct {
	pre        atomic.Pointer[PreHandler]
	post       atomic.Pointer[PostHandler]
	blacklist  atomic.Pointer[BlacklistHandler]
	replaceMu  sync.Mutex
}

func New() *Registry { return &Registry{} }

func (r *Registry) SetPre(h PreHandler) {
	r.replaceMu.Lock()
	defer r.replaceMu.Unlock()
	if h == nil {
		r.pre.Store(nil)
		return
	}
	r.pre.Store(&h)
}

func (r *Registry) SetPost(h PostHandler) {
	r.replaceMu.Lock()
	defer r.replaceMu.Unlock()
	if h == nil {
		r.post.Store(nil)
		return
	}
	r.post.Store(&h)
}

func (r *Registry) SetBlacklist(h BlacklistHandler) {
	r.replaceMu.Lock()
	defer r.replaceMu.Unlock()
	if h == nil {
		r.blacklist.Store(nil)
		return
	}
	r.blacklist.Store(&h)
}

// InvokePre takes a snapshot of the current pre-handler before calling
// it, guarding against the handler re-entrantly replacing itself
// mid-call (spec §9 design note on re-entry).
func (r *Registry) InvokePre(ip net.IP, cmd wire.CmdKind, digest [wire.DigestSize]byte, isShingle bool, ext []wire.Extension) PreResult {
	p := r.pre.Load()
	if p == nil {
		return PreResult{}
	}
	return (*p)(ip, cmd, digest, isShingle, ext)
}

func (r *Registry) InvokePost(ip net.IP, cmd wire.CmdKind, digest [wire.DigestSize]byte, isShingle bool, ext []wire.Extension, value uint32, prob float32, flag uint32, ts uint64) PostResult {
	p := r.post.Load()
	if p == nil {
		return PostResult{}
	}
	return (*p)(ip, cmd, digest, isShingle, ext, value, prob, flag, ts)
}

func (r *Registry) InvokeBlacklist(addr net.IP, reason string) {
	p := r.blacklist.Load()
	if p == nil {
		return
	}
	(*p)(addr, reason)
}
