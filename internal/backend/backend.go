// Package backend defines the durable hash store collaborator (B) as an
// interface — spec.md §1 treats it as an opaque on-disk hash store out
// of scope for this module — and ships an in-memory fake satisfying it,
// so every operation in SPEC_FULL.md can be exercised end to end without
// a real on-disk backend.
package backend

import (
	"context"
	"time"

	"fuzzystore/internal/wire"
)

// Result is what a CHECK against the backend reports back.
type Result struct {
	Matched bool
	Flag    uint32
	Prob    float32
	TS      time.Time
	Value   uint32 // backend-reported error code, 0 on success
}

// PendingCmd is one queued mutation (spec §3 Pending-updates queue
// entry).
type PendingCmd struct {
	IsShingle bool
	Cmd       wire.Command
}

// Transaction is an in-flight batch of mutations handed to the backend
// by the update pipeline (spec §3 Update transaction).
type Transaction struct {
	Updates []PendingCmd
	Source  string
	Final   bool
}

// CommitResult is the backend's report on a processed Transaction (spec
// §4.7's `process_updates` callback signature).
type CommitResult struct {
	OK      bool
	Added   int
	Deleted int
	Extended int
	Ignored int
}

// Backend is the durable hash store's interface, as seen by the update
// pipeline (U) and session engine (E). Every method may block, and
// callers invoke them synchronously: the session engine calls Check
// inline on the worker goroutine that received the datagram, which is
// this module's rendition of the original's asynchronous callback API
// (spec §9 design note on suspension points).
type Backend interface {
	Count(ctx context.Context) (uint64, error)
	Check(ctx context.Context, cmd wire.Command) (Result, error)
	ProcessUpdates(ctx context.Context, txn Transaction) (CommitResult, error)
	Version(ctx context.Context, source string) (uint32, error)
	StartUpdate(ctx context.Context, period time.Duration, periodic func()) error
	Close() error
	ID() string
}
