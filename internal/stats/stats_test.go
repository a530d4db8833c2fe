package stats

import (
	"testing"
	"time"

	"fuzzystore/internal/wire"
)

func TestRecordMatchedCheckIncrements(t *testing.T) {
	g := &Generic{}
	now := time.Now()
	g.Record(now, wire.CmdCheck, true, wire.ValueOK)
	snap := g.Snapshot()
	if snap.Checked != 1 || snap.Matched != 1 {
		t.Fatalf("expected checked=1 matched=1, got %+v", snap)
	}
}

func TestRecordErrorPath(t *testing.T) {
	g := &Generic{}
	now := time.Now()
	g.Record(now, wire.CmdCheck, false, wire.ValueForbidden)
	snap := g.Snapshot()
	if snap.Errors != 1 || snap.Checked != 0 {
		t.Fatalf("expected errors=1 checked=0, got %+v", snap)
	}
}

func TestMatchedNeverExceedsChecked(t *testing.T) {
	g := &Generic{}
	now := time.Now()
	for i := 0; i < 10; i++ {
		g.Record(now, wire.CmdCheck, i%2 == 0, wire.ValueOK)
	}
	snap := g.Snapshot()
	if snap.Matched > snap.Checked {
		t.Fatalf("invariant violated: matched=%d > checked=%d", snap.Matched, snap.Checked)
	}
}

func TestEMAUpdatesSeparateCounters(t *testing.T) {
	g := &Generic{}
	base := time.Now()
	g.Record(base, wire.CmdCheck, true, wire.ValueOK)
	later := base.Add(2 * KeyStatInterval)
	g.Record(later, wire.CmdCheck, false, wire.ValueOK)
	snap := g.Snapshot()
	// Both records fall in the first interval: Δchecked=2, Δmatched=1.
	if snap.CheckedPerHour != 2 {
		t.Fatalf("expected checked EMA seeded from Δchecked=2, got %v", snap.CheckedPerHour)
	}
	if snap.MatchedPerHour != 1 {
		t.Fatalf("expected matched EMA seeded from Δmatched=1, got %v", snap.MatchedPerHour)
	}
}

func TestKeyStatsForIPBoundedAndIsolated(t *testing.T) {
	ks := NewKeyStats()
	now := time.Now()
	ks.RecordBoth(now, "1.2.3.4", wire.CmdCheck, true, wire.ValueOK)
	ks.RecordBoth(now, "5.6.7.8", wire.CmdCheck, false, wire.ValueOK)

	snaps := ks.IPSnapshots()
	if snaps["1.2.3.4"].Matched != 1 {
		t.Fatalf("expected ip 1.2.3.4 matched=1, got %+v", snaps["1.2.3.4"])
	}
	if snaps["5.6.7.8"].Matched != 0 || snaps["5.6.7.8"].Checked != 1 {
		t.Fatalf("expected ip 5.6.7.8 checked=1 matched=0, got %+v", snaps["5.6.7.8"])
	}
	if ks.Snapshot().Checked != 2 {
		t.Fatalf("expected key-level checked=2, got %+v", ks.Snapshot())
	}
}

func TestGlobalRecordRequest(t *testing.T) {
	g := NewGlobal()
	g.RecordRequest(wire.Epoch11, true, true, true)
	g.RecordRequest(wire.Epoch11, false, false, false)

	snap := g.EpochSnapshot(wire.Epoch11)
	if snap.Checked != 2 || snap.Found != 1 || snap.ShingleChecked != 1 {
		t.Fatalf("unexpected epoch snapshot: %+v", snap)
	}
	if g.DelayedHashes.Load() != 1 {
		t.Fatalf("expected delayed=1, got %d", g.DelayedHashes.Load())
	}
}

func TestGlobalRecordInvalid(t *testing.T) {
	g := NewGlobal()
	g.RecordInvalid()
	g.RecordInvalid()
	if g.InvalidRequests.Load() != 2 {
		t.Fatalf("expected invalid_requests=2, got %d", g.InvalidRequests.Load())
	}
}
