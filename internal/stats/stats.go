// Package stats implements the statistics accumulator (S): per-epoch
// checked/matched/shingle/delayed counters, per-key exponential moving
// averages, and per-key per-IP sub-statistics (spec §4.5).
package stats

import (
	"sync"
	"time"

	"fuzzystore/internal/lru"
	"fuzzystore/internal/wire"
)

// KeyStatInterval bounds how often the per-key EMA is refreshed.
const KeyStatInterval = time.Hour

// EMAAlpha is the smoothing factor for the checked/matched EMAs.
const EMAAlpha = 0.5

// PerIPCapacity is the bound on a key's per-source-address sub-stats
// table (spec §3 Key stats).
const PerIPCapacity = 1024

// Generic holds the counters common to a key and to each of its
// per-IP sub-statistics entries (spec §3 Generic stats).
type Generic struct {
	mu sync.Mutex

	Checked uint64
	Matched uint64
	Added   uint64
	Deleted uint64
	Errors  uint64

	CheckedEMA float64
	MatchedEMA float64

	LastCheckedTS    time.Time
	LastCheckedCount uint64
	LastMatchedCount uint64
}

// Record applies one completed request's outcome to g, following spec
// §4.5's dispatch: a non-matching, non-ok reply counts as an error
// regardless of command kind; otherwise CHECK/WRITE/DEL each bump their
// own counter, and CHECK additionally drives the EMA refresh.
//
// The corrected EMA contract (spec §9 open question 2) updates
// CheckedEMA from Δchecked and MatchedEMA from Δmatched — not both from
// Δmatched, which is what the original source's apparent typo did.
func (g *Generic) Record(now time.Time, cmd wire.CmdKind, matched bool, replyValue uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !matched && replyValue != wire.ValueOK {
		g.Errors++
		return
	}

	switch cmd {
	case wire.CmdCheck:
		if g.LastCheckedTS.IsZero() {
			g.LastCheckedTS = now
		}
		g.Checked++
		if matched {
			g.Matched++
		}
		if now.Sub(g.LastCheckedTS) > KeyStatInterval {
			dChecked := g.Checked - g.LastCheckedCount
			dMatched := g.Matched - g.LastMatchedCount
			g.CheckedEMA = ema(g.CheckedEMA, float64(dChecked))
			g.MatchedEMA = ema(g.MatchedEMA, float64(dMatched))
			g.LastCheckedCount = g.Checked
			g.LastMatchedCount = g.Matched
			g.LastCheckedTS = now
		}
	case wire.CmdWrite:
		g.Added++
	case wire.CmdDel:
		g.Deleted++
	}
}

func ema(prev, sample float64) float64 {
	if prev == 0 {
		return sample
	}
	return EMAAlpha*sample + (1-EMAAlpha)*prev
}

// Snapshot is an immutable read of Generic's counters, for STAT dumps.
type Snapshot struct {
	Checked         uint64
	Matched         uint64
	Added           uint64
	Deleted         uint64
	Errors          uint64
	CheckedPerHour  float64
	MatchedPerHour  float64
}

func (g *Generic) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		Checked:        g.Checked,
		Matched:        g.Matched,
		Added:          g.Added,
		Deleted:        g.Deleted,
		Errors:         g.Errors,
		CheckedPerHour: g.CheckedEMA,
		MatchedPerHour: g.MatchedEMA,
	}
}

// KeyStats extends Generic with a bounded per-source-address table
// (spec §3 Key stats).
type KeyStats struct {
	Generic
	ips *lru.Cache[string, *Generic]
}

func NewKeyStats() *KeyStats {
	return &KeyStats{ips: lru.New[string, *Generic](PerIPCapacity, nil)}
}

// ForIP returns (creating on miss) the per-source sub-statistics for
// addr, bounded to PerIPCapacity entries with LRU eviction.
func (k *KeyStats) ForIP(addr string) *Generic {
	return k.ips.GetOrInsert(addr, func() *Generic { return &Generic{} })
}

// IPSnapshots returns a name->Snapshot map of every tracked source
// address, for STAT dumps that include per-IP breakdowns.
func (k *KeyStats) IPSnapshots() map[string]Snapshot {
	out := make(map[string]Snapshot)
	k.ips.Each(func(addr string, g *Generic) {
		out[addr] = g.Snapshot()
	})
	return out
}

// RecordBoth applies the same outcome to both the key-level stats and
// the corresponding per-IP sub-stats, matching spec §4.5's "mirror for
// per-IP substats".
func (k *KeyStats) RecordBoth(now time.Time, addr string, cmd wire.CmdKind, matched bool, replyValue uint32) {
	k.Record(now, cmd, matched, replyValue)
	k.ForIP(addr).Record(now, cmd, matched, replyValue)
}
