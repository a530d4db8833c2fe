package backend

import (
	"context"
	"sync"
	"time"

	"fuzzystore/internal/wire"
)

type memEntry struct {
	flag uint32
	ts   time.Time
}

// MemStore is an in-memory Backend used by tests and the shipped daemon
// binary's demo mode. It is not the durable backend spec.md §1 excludes
// from scope — no on-disk schema is implemented here — only a fake
// satisfying the interface so the rest of the module can be driven.
type MemStore struct {
	mu       sync.RWMutex
	entries  map[[wire.DigestSize]byte]memEntry
	version  uint32
	periodic func()
	period   time.Duration
	stopCh   chan struct{}
}

func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[[wire.DigestSize]byte]memEntry)}
}

func (m *MemStore) Count(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.entries)), nil
}

func (m *MemStore) Check(ctx context.Context, cmd wire.Command) (Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[cmd.Digest]
	if !ok {
		return Result{Matched: false}, nil
	}
	return Result{Matched: true, Flag: e.flag, Prob: 1.0, TS: e.ts}, nil
}

func (m *MemStore) ProcessUpdates(ctx context.Context, txn Transaction) (CommitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := CommitResult{OK: true}
	now := time.Now()
	for _, u := range txn.Updates {
		switch u.Cmd.Cmd {
		case wire.CmdWrite:
			m.entries[u.Cmd.Digest] = memEntry{flag: u.Cmd.Flag, ts: now}
			res.Added++
		case wire.CmdDel:
			if _, ok := m.entries[u.Cmd.Digest]; ok {
				delete(m.entries, u.Cmd.Digest)
				res.Deleted++
			} else {
				res.Ignored++
			}
		case wire.CmdRefresh:
			if e, ok := m.entries[u.Cmd.Digest]; ok {
				e.ts = now
				m.entries[u.Cmd.Digest] = e
				res.Extended++
			} else {
				res.Ignored++
			}
		default:
			res.Ignored++
		}
	}
	return res, nil
}

func (m *MemStore) Version(ctx context.Context, source string) (uint32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version, nil
}

func (m *MemStore) StartUpdate(ctx context.Context, period time.Duration, periodic func()) error {
	m.mu.Lock()
	m.periodic = periodic
	m.period = period
	if m.stopCh != nil {
		close(m.stopCh)
	}
	m.stopCh = make(chan struct{})
	stop := m.stopCh
	m.mu.Unlock()

	if period <= 0 || periodic == nil {
		return nil
	}
	go func() {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-t.C:
				periodic()
			}
		}
	}()
	return nil
}

func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
	return nil
}

func (m *MemStore) ID() string { return "memstore" }

// Preload directly inserts a digest, for test fixtures that need
// backend state seeded before a session runs.
func (m *MemStore) Preload(digest [wire.DigestSize]byte, flag uint32, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[digest] = memEntry{flag: flag, ts: ts}
}
