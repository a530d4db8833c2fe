package backend

import (
	"context"
	"testing"
	"time"

	"fuzzystore/internal/wire"
)

func TestMemStoreCheckHitAndMiss(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	var digest [wire.DigestSize]byte
	digest[0] = 1
	m.Preload(digest, 7, time.Now())

	res, err := m.Check(ctx, wire.Command{Digest: digest})
	if err != nil || !res.Matched || res.Flag != 7 {
		t.Fatalf("expected hit flag=7, got %+v err=%v", res, err)
	}

	var miss [wire.DigestSize]byte
	miss[0] = 2
	res, err = m.Check(ctx, wire.Command{Digest: miss})
	if err != nil || res.Matched {
		t.Fatalf("expected miss, got %+v err=%v", res, err)
	}
}

func TestMemStoreProcessUpdatesWriteDelRefresh(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	var d1, d2 [wire.DigestSize]byte
	d1[0], d2[0] = 1, 2

	txn := Transaction{Updates: []PendingCmd{
		{Cmd: wire.Command{Cmd: wire.CmdWrite, Digest: d1}},
		{Cmd: wire.Command{Cmd: wire.CmdWrite, Digest: d2}},
	}}
	res, err := m.ProcessUpdates(ctx, txn)
	if err != nil || !res.OK || res.Added != 2 {
		t.Fatalf("expected 2 added, got %+v err=%v", res, err)
	}

	txn = Transaction{Updates: []PendingCmd{
		{Cmd: wire.Command{Cmd: wire.CmdDel, Digest: d1}},
		{Cmd: wire.Command{Cmd: wire.CmdRefresh, Digest: d2}},
		{Cmd: wire.Command{Cmd: wire.CmdDel, Digest: d1}}, // already gone
	}}
	res, err = m.ProcessUpdates(ctx, txn)
	if err != nil || res.Deleted != 1 || res.Extended != 1 || res.Ignored != 1 {
		t.Fatalf("unexpected commit result: %+v err=%v", res, err)
	}

	count, _ := m.Count(ctx)
	if count != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", count)
	}
}

func TestMemStoreStartUpdateInvokesPeriodic(t *testing.T) {
	m := NewMemStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	var once bool
	err := m.StartUpdate(ctx, 5*time.Millisecond, func() {
		if !once {
			once = true
			close(done)
		}
	})
	if err != nil {
		t.Fatalf("start update: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("periodic callback never fired")
	}
	m.Close()
}
