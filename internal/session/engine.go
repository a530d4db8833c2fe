package session

import (
	"context"
	"net"
	"time"

	"fuzzystore/internal/acl"
	"fuzzystore/internal/backend"
	"fuzzystore/internal/hooks"
	"fuzzystore/internal/keyring"
	"fuzzystore/internal/ratelimit"
	"fuzzystore/internal/stats"
	"fuzzystore/internal/wire"
)

// Config carries the session engine's operator-facing knobs, the
// subset of spec §6 Configuration that governs request handling rather
// than process/transport setup.
type Config struct {
	EncryptedOnly bool
	ReadOnly      bool
	Delay         time.Duration
	MatchThreshold float32 // prob above which a CHECK triggers a REFRESH, spec §4.6 step 8

	UpdatesAllowed *acl.IPSet
	UpdateKeys     *acl.KeySet
	DelayWhitelist *acl.IPSet
	Blocked        *acl.IPSet
	SkipHashes     *acl.HashSet
}

// Enqueuer hands a WRITE/DEL/REFRESH to the update pipeline (U) rather
// than committing it inline, decoupling session handling from backend
// I/O per spec §4.7.
type Enqueuer interface {
	Enqueue(source string, isShingle bool, cmd wire.Command)
}

// Engine is the session engine (E): the shared, long-lived state one
// worker's session handling runs against (spec §4.6). A daemon with
// multiple workers (SPEC_FULL.md's worker pool) constructs one Engine
// per worker, all pointing at the same Keys/Backend/Global.
type Engine struct {
	Cfg     Config
	Keys    *keyring.Registry
	Limiter *ratelimit.Limiter
	Hooks   *hooks.Registry
	Backend backend.Backend
	Global  *stats.Global
	Updates Enqueuer

	// Anonymous accumulates stats for plaintext sessions against no
	// particular key, mirroring spec §3's key stats shape for requests
	// that never resolve a key (spec §4.5, encrypted_only=false path).
	Anonymous *stats.KeyStats
}

func NewEngine(cfg Config, keys *keyring.Registry, limiter *ratelimit.Limiter, h *hooks.Registry, be backend.Backend, global *stats.Global, updates Enqueuer) *Engine {
	return &Engine{
		Cfg:       cfg,
		Keys:      keys,
		Limiter:   limiter,
		Hooks:     h,
		Backend:   be,
		Global:    global,
		Updates:   updates,
		Anonymous: stats.NewKeyStats(),
	}
}

// keyStatsFor returns the per-key stats bucket a session should record
// against: the resolved key's own stats for encrypted sessions, or the
// engine-wide anonymous bucket for plaintext ones.
func (e *Engine) keyStatsFor(s *Session) *stats.KeyStats {
	if s.Encrypted && s.Key != nil {
		return s.Key.Stats
	}
	return e.Anonymous
}

// HandleDatagram is the common entry point both CHECK and the
// mutating commands funnel through: decode, resolve policy, and
// dispatch by command kind (spec §4.6 umbrella, §4.1).
func (e *Engine) HandleDatagram(ctx context.Context, buf []byte, addr *net.UDPAddr, now time.Time) ([]byte, error) {
	if e.Cfg.Blocked != nil && e.Cfg.Blocked.Contains(addr.IP) {
		e.Global.RecordInvalid()
		return nil, ErrBlocked
	}

	dec, err := DecodeDatagram(buf, e.Keys)
	if err != nil {
		e.Global.RecordInvalid()
		return nil, err
	}
	if e.Cfg.EncryptedOnly && !dec.Encrypted {
		e.Global.RecordInvalid()
		reply := wire.Reply{Value: wire.ValueForbidden, Tag: dec.Cmd.Tag}
		return wire.EncodeReply(dec.Cmd.Epoch, reply), nil
	}

	s := New(addr, dec.Cmd, now)
	s.Encrypted = dec.Encrypted
	s.Key = dec.Key
	s.SharedSecret = dec.SharedSecret
	defer s.Release()

	switch dec.Cmd.Cmd {
	case wire.CmdCheck:
		return e.check(ctx, s)
	case wire.CmdWrite, wire.CmdDel, wire.CmdRefresh:
		return e.mutate(ctx, s)
	case wire.CmdStat:
		return e.stat(ctx, s)
	default:
		e.Global.RecordInvalid()
		return nil, ErrBackendUnavailable
	}
}

func (e *Engine) sealIfNeeded(s *Session, plain []byte) []byte {
	if !s.Encrypted {
		return plain
	}
	sealed, err := EncryptReply(s.SharedSecret[:], plain, s.Cmd.KeyID)
	if err != nil {
		return plain
	}
	return sealed
}
