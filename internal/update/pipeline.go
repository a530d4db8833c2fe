// Package update implements the write-update batching pipeline (U):
// worker-0's pending-mutation queue, its periodic drain into the
// backend, and the retry/backoff semantics around a failed commit
// (spec §4.7).
package update

import (
	"context"
	"sync"

	"fuzzystore/internal/backend"
	"fuzzystore/internal/debuglog"
	"fuzzystore/internal/wire"
)

// DefaultMaxFail is `updates_maxfail`'s default (spec §6).
const DefaultMaxFail = 3

// Pipeline owns the pending-updates queue and drives its drain against
// a Backend. It is intended for exclusive use by a single worker
// goroutine (spec §4.7's "owned by worker-0"); the mutex only guards
// the queue against concurrent Enqueue calls from the receive path.
type Pipeline struct {
	mu      sync.Mutex
	pending []backend.PendingCmd

	be          backend.Backend
	source      string
	maxFail     int
	failCount   int
	shuttingDown bool

	onCount func(uint64) // called with refreshed stored count after a successful commit
}

// New constructs a Pipeline draining into be, tagging every transaction
// with source (spec §3 Update transaction), with maxFail<=0 defaulting
// to DefaultMaxFail.
func New(be backend.Backend, source string, maxFail int, onCount func(uint64)) *Pipeline {
	if maxFail <= 0 {
		maxFail = DefaultMaxFail
	}
	return &Pipeline{be: be, source: source, maxFail: maxFail, onCount: onCount}
}

// Enqueue appends a mutation to the pending queue (spec §4.6/§4.8's
// destination for WRITE/DEL/REFRESH commands and forwarded peer
// commands alike).
func (p *Pipeline) Enqueue(source string, isShingle bool, cmd wire.Command) {
	p.mu.Lock()
	p.pending = append(p.pending, backend.PendingCmd{IsShingle: isShingle, Cmd: cmd})
	p.mu.Unlock()
}

// Pending reports the current queue length, for admin STAT output.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// RequestShutdown marks the pipeline as draining for the last time:
// from then on a successful commit reports "exit" even from a non-final
// drain. An empty drain still reports "exit" only when final is set.
func (p *Pipeline) RequestShutdown() {
	p.mu.Lock()
	p.shuttingDown = true
	p.mu.Unlock()
}

// swapPending atomically takes ownership of the current queue and
// leaves an empty one in its place, so concurrent Enqueue calls are
// never blocked by an in-flight commit (spec §4.7 "swap").
func (p *Pipeline) swapPending() []backend.PendingCmd {
	p.mu.Lock()
	defer p.mu.Unlock()
	batch := p.pending
	p.pending = nil
	return batch
}

// requeueTail reinserts a failed batch's updates behind whatever has
// been enqueued meanwhile. Spec §9 resolves the pipeline's stated
// ambiguity in favor of appending failures at the tail rather than the
// head, so newly arrived mutations are not starved behind a batch that
// has already failed once.
func (p *Pipeline) requeueTail(batch []backend.PendingCmd) {
	p.mu.Lock()
	p.pending = append(p.pending, batch...)
	p.mu.Unlock()
}

func (p *Pipeline) isShuttingDown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shuttingDown
}

// Drain implements one pass of the drain/commit cycle described in
// spec §4.7. It returns exit=true when the caller's event loop should
// stop: on an empty queue when final is set, after a successful commit
// when final is set or shutdown was requested, and when a final drain's
// batch is dropped after exceeding maxFail.
func (p *Pipeline) Drain(ctx context.Context, final bool) (exit bool) {
	batch := p.swapPending()
	if len(batch) == 0 {
		if final {
			return true
		}
		return false
	}

	txn := backend.Transaction{Updates: batch, Source: p.source, Final: final}
	res, err := p.be.ProcessUpdates(ctx, txn)
	if err != nil || !res.OK {
		return p.onFailure(ctx, batch, final)
	}
	return p.onSuccess(ctx, final)
}

func (p *Pipeline) onSuccess(ctx context.Context, final bool) bool {
	p.mu.Lock()
	p.failCount = 0
	shuttingDown := p.shuttingDown
	p.mu.Unlock()

	if count, err := p.be.Count(ctx); err == nil && p.onCount != nil {
		p.onCount(count)
	}
	return final || shuttingDown
}

func (p *Pipeline) onFailure(ctx context.Context, batch []backend.PendingCmd, final bool) bool {
	p.mu.Lock()
	p.failCount++
	exceeded := p.failCount > p.maxFail
	if exceeded {
		p.failCount = 0
	}
	p.mu.Unlock()

	if exceeded {
		debuglog.Logf("update: dropping batch of %d after exceeding updates_maxfail", len(batch))
		return final
	}

	p.requeueTail(batch)
	if final {
		return p.Drain(ctx, final)
	}
	return false
}
