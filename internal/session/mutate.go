package session

import (
	"context"

	"fuzzystore/internal/wire"
)

// mutate handles WRITE, DEL, and REFRESH (spec §4.6's mutating branch):
// ACL-gate the source, optionally skip configured hashes, then enqueue
// onto the update pipeline (U) rather than committing inline.
func (e *Engine) mutate(ctx context.Context, s *Session) ([]byte, error) {
	cmd := s.Cmd
	keyStats := e.keyStatsFor(s)

	if !e.updateAllowed(s) {
		e.Global.RecordInvalid()
		keyStats.RecordBoth(s.Timestamp, s.Addr.IP.String(), cmd.Cmd, false, wire.ValueForbidden)
		reply := wire.Reply{Tag: cmd.Tag, Value: wire.ValueForbidden}
		return e.sealIfNeeded(s, wire.EncodeReply(cmd.Epoch, reply)), nil
	}

	if e.Cfg.ReadOnly {
		reply := wire.Reply{Tag: cmd.Tag, Value: wire.ValueForbidden}
		return e.sealIfNeeded(s, wire.EncodeReply(cmd.Epoch, reply)), nil
	}

	if cmd.Cmd == wire.CmdWrite && e.Cfg.SkipHashes != nil && e.Cfg.SkipHashes.Contains(cmd.Digest) {
		keyStats.RecordBoth(s.Timestamp, s.Addr.IP.String(), cmd.Cmd, false, wire.ValueSkip)
		reply := wire.Reply{Tag: cmd.Tag, Value: wire.ValueSkip}
		return e.sealIfNeeded(s, wire.EncodeReply(cmd.Epoch, reply)), nil
	}

	if e.Updates == nil {
		e.Global.RecordInvalid()
		return nil, ErrBackendUnavailable
	}
	e.Updates.Enqueue(s.Addr.String(), cmd.Shingles != nil, *cmd)
	keyStats.RecordBoth(s.Timestamp, s.Addr.IP.String(), cmd.Cmd, false, wire.ValueOK)

	reply := wire.Reply{Tag: cmd.Tag, Value: wire.ValueOK}
	return e.sealIfNeeded(s, wire.EncodeReply(cmd.Epoch, reply)), nil
}

// updateAllowed applies spec §4.6's check_write rule: the source
// address must be in allow_update, OR (for an encrypted session) the
// resolved key's id must be in allow_update_keys.
func (e *Engine) updateAllowed(s *Session) bool {
	if e.Cfg.UpdatesAllowed != nil && e.Cfg.UpdatesAllowed.Contains(s.Addr.IP) {
		return true
	}
	if s.Encrypted && e.Cfg.UpdateKeys != nil && e.Cfg.UpdateKeys.Contains(s.Cmd.KeyID) {
		return true
	}
	return false
}
