package stats

import (
	"sync/atomic"

	"fuzzystore/internal/wire"
)

// perEpoch holds the three counters spec §3 Global stats tracks for
// each protocol epoch.
type perEpoch struct {
	checked        atomic.Uint64
	shingleChecked atomic.Uint64
	found          atomic.Uint64
}

// Global accumulates process-wide counters across all sessions (spec §3
// Global stats, §4.5).
type Global struct {
	HashesStored  atomic.Uint64
	HashesExpired atomic.Uint64

	epochs [wire.EpochMax]perEpoch

	InvalidRequests atomic.Uint64
	DelayedHashes   atomic.Uint64
}

func NewGlobal() *Global {
	return &Global{}
}

// RecordRequest applies one completed request's outcome to the global
// per-epoch counters (spec §4.5): checked always increments; found and
// shingleChecked increment conditionally; delayed is tracked separately.
func (g *Global) RecordRequest(epoch wire.Epoch, matched, isShingle, delayed bool) {
	if epoch < 0 || int(epoch) >= len(g.epochs) {
		return
	}
	e := &g.epochs[epoch]
	e.checked.Add(1)
	if matched {
		e.found.Add(1)
	}
	if isShingle {
		e.shingleChecked.Add(1)
	}
	if delayed {
		g.DelayedHashes.Add(1)
	}
}

// RecordInvalid increments the invalid-request counter — spec §8's
// quantified invariant "either a reply is sent, or invalid_requests is
// incremented exactly once" per datagram.
func (g *Global) RecordInvalid() {
	g.InvalidRequests.Add(1)
}

// EpochCounters is a read-only snapshot of one epoch's counters.
type EpochCounters struct {
	Checked        uint64
	ShingleChecked uint64
	Found          uint64
}

func (g *Global) EpochSnapshot(epoch wire.Epoch) EpochCounters {
	if epoch < 0 || int(epoch) >= len(g.epochs) {
		return EpochCounters{}
	}
	e := &g.epochs[epoch]
	return EpochCounters{
		Checked:        e.checked.Load(),
		ShingleChecked: e.shingleChecked.Load(),
		Found:          e.found.Load(),
	}
}

// AllEpochSnapshots returns every tracked epoch's counters, in epoch
// order, for the control surface's STAT dump (spec §4.9, §6).
func (g *Global) AllEpochSnapshots() []EpochCounters {
	out := make([]EpochCounters, len(g.epochs))
	for i := range g.epochs {
		out[i] = g.EpochSnapshot(wire.Epoch(i))
	}
	return out
}
