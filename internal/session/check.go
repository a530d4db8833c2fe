package session

import (
	"context"
	"math/rand"
	"time"

	"fuzzystore/internal/wire"
)

// check implements the ten-step CHECK pipeline of spec §4.6.
func (e *Engine) check(ctx context.Context, s *Session) ([]byte, error) {
	cmd := s.Cmd

	// Step 2: ensure the per-source-address stats bucket exists before
	// anything else touches it.
	keyStats := e.keyStatsFor(s)
	keyStats.ForIP(s.Addr.IP.String())

	// Step 3: pre-handler may short-circuit before the backend runs.
	pre := e.Hooks.InvokePre(s.Addr.IP, cmd.Cmd, cmd.Digest, cmd.Shingles != nil, cmd.Extensions)
	if pre.Applied {
		reply := wire.Reply{Tag: cmd.Tag, Value: pre.Value, Prob: pre.Prob}
		if pre.HasFlag {
			reply.Flag = pre.Flag
		}
		matched := pre.Value == wire.ValueOK && pre.Prob > 0
		keyStats.RecordBoth(s.Timestamp, s.Addr.IP.String(), wire.CmdCheck, matched, pre.Value)
		return e.sealIfNeeded(s, wire.EncodeReply(cmd.Epoch, reply)), nil
	}

	// Step 4: rate limit applies to CHECK only.
	if e.Limiter != nil && !e.Limiter.Allow(s.Addr.IP, s.Timestamp) {
		e.Global.RecordInvalid()
		reply := wire.Reply{Tag: cmd.Tag, Value: wire.ValueSkip}
		return e.sealIfNeeded(s, wire.EncodeReply(cmd.Epoch, reply)), nil
	}

	// Step 5: retain across the (possibly asynchronous) backend call.
	s.Retain()
	defer s.Release()
	res, err := e.Backend.Check(ctx, *cmd)
	if err != nil {
		e.Global.RecordInvalid()
		keyStats.RecordBoth(s.Timestamp, s.Addr.IP.String(), wire.CmdCheck, false, wire.ValueMalformed)
		return nil, err
	}

	// Step 6: post-handler may override the backend's answer.
	value, prob, flag, ts := wire.ValueOK, res.Prob, res.Flag, uint64(res.TS.Unix())
	if !res.Matched {
		value, prob, flag = wire.ValueOK, 0, 0
	}
	post := e.Hooks.InvokePost(s.Addr.IP, cmd.Cmd, cmd.Digest, cmd.Shingles != nil, cmd.Extensions, value, prob, flag, ts)
	if post.Applied {
		value, prob, flag, ts = post.Value, post.Prob, post.Flag, post.TS
	}

	// Step 7: a recently-stored hash gets a blanked reply for
	// non-whitelisted sources, without suppressing the underlying match
	// bookkeeping. A hash is delayed only while its age is under a
	// jittered window around the configured delay, so old matches stop
	// being delayed on their own as hash_age grows past jittered_age.
	delayed := false
	if e.Cfg.Delay > 0 && !e.Cfg.DelayWhitelist.Contains(s.Addr.IP) {
		hashAge := s.Timestamp.Sub(res.TS)
		delayed = hashAge < delayJitter(e.Cfg.Delay)
	}
	matched := res.Matched

	// Step 8: a strong match schedules a REFRESH to bump its TTL,
	// unless the store is read-only.
	if matched && !e.Cfg.ReadOnly && prob > e.matchThreshold() && e.Updates != nil {
		refreshCmd := *cmd
		refreshCmd.Cmd = wire.CmdRefresh
		e.Updates.Enqueue(s.Addr.String(), cmd.Shingles != nil, refreshCmd)
	}

	e.Global.RecordRequest(cmd.Epoch, matched, cmd.Shingles != nil, delayed)
	keyStats.RecordBoth(s.Timestamp, s.Addr.IP.String(), wire.CmdCheck, matched, value)

	reply := wire.Reply{Tag: cmd.Tag}
	switch {
	case delayed:
		reply = wire.Blank(cmd.Tag)
	case matched && s.Key != nil && s.Key.IsForbidden(flag):
		// Step 9: forbidden-flag masking blanks out a match this key
		// is not permitted to see.
		reply = wire.Blank(cmd.Tag)
	default:
		reply.Value = value
		reply.Prob = prob
		reply.Flag = flag
		reply.TS = ts
	}

	return e.sealIfNeeded(s, wire.EncodeReply(cmd.Epoch, reply)), nil
}

// matchThreshold defaults to 0.9 (spec §4.6 step 8) when unconfigured.
func (e *Engine) matchThreshold() float32 {
	if e.Cfg.MatchThreshold > 0 {
		return e.Cfg.MatchThreshold
	}
	return 0.9
}

// delayJitter returns delay perturbed by a uniform +/-50% jitter, so a
// population of sources checking the same hash doesn't all cross the
// delay threshold at exactly the same instant.
func delayJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	half := float64(delay) / 2
	return time.Duration(half + rand.Float64()*half*2)
}
