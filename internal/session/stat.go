package session

import (
	"context"

	"fuzzystore/internal/wire"
)

// stat implements the UDP STAT pipeline of spec §4.6: a fixed reply
// carrying the global stored-hash count in the flag field. The richer
// per-key JSON breakdown is served by the control socket (A), not the
// UDP protocol.
func (e *Engine) stat(ctx context.Context, s *Session) ([]byte, error) {
	cmd := s.Cmd
	reply := wire.Reply{
		Tag:   cmd.Tag,
		Value: wire.ValueOK,
		Prob:  1,
		Flag:  uint32(e.Global.HashesStored.Load()),
	}
	return e.sealIfNeeded(s, wire.EncodeReply(cmd.Epoch, reply)), nil
}
