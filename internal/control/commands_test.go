package control

import (
	"context"
	"encoding/json"
	"testing"

	"fuzzystore/internal/backend"
	"fuzzystore/internal/hooks"
	"fuzzystore/internal/keyring"
	"fuzzystore/internal/stats"
)

type fakeDrainer struct {
	drainCalls int
	pending    int
}

func (f *fakeDrainer) Drain(ctx context.Context, final bool) bool {
	f.drainCalls++
	return false
}
func (f *fakeDrainer) Pending() int { return f.pending }

func TestHandleSyncDrainsAndRestarts(t *testing.T) {
	drainer := &fakeDrainer{pending: 3}
	restarted := false
	h := &Handler{Updates: drainer, RestartDrain: func() { restarted = true }}

	req, _ := json.Marshal(Request{Type: CmdSync})
	resp, fd, err := h.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fd != nil {
		t.Fatalf("SYNC should not return an fd")
	}
	var r Response
	if err := json.Unmarshal(resp, &r); err != nil {
		t.Fatalf("bad response json: %v", err)
	}
	if !r.OK || r.Pending != 3 {
		t.Fatalf("unexpected response: %+v", r)
	}
	if drainer.drainCalls != 1 || !restarted {
		t.Fatalf("expected drain + restart invoked, got calls=%d restarted=%v", drainer.drainCalls, restarted)
	}
}

func TestHandleReloadSwapsBackend(t *testing.T) {
	old := backend.NewMemStore()
	fresh := backend.NewMemStore()
	drainer := &fakeDrainer{}
	h := &Handler{Backend: old, NewBackend: func() (backend.Backend, error) { return fresh, nil }, Updates: drainer}

	req, _ := json.Marshal(Request{Type: CmdReload})
	resp, _, err := h.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var r Response
	json.Unmarshal(resp, &r)
	if !r.OK {
		t.Fatalf("expected reload ok, got %+v", r)
	}
	if h.Backend != fresh {
		t.Fatalf("expected backend swapped to the fresh instance")
	}
	if drainer.drainCalls != 1 {
		t.Fatalf("expected pending updates drained before backend close, got %d calls", drainer.drainCalls)
	}
}

func TestHandleStatReturnsFDAndUnlinksTempFile(t *testing.T) {
	keys := keyring.New()
	keys.Add([32]byte{1}, [32]byte{2}, "mainkey", true)
	global := stats.NewGlobal()
	global.HashesStored.Store(7)

	h := &Handler{Keys: keys, Global: global, Backend: backend.NewMemStore()}
	req, _ := json.Marshal(Request{Type: CmdStat})
	resp, fd, err := h.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fd == nil {
		t.Fatalf("expected a temp-file fd for STAT")
	}
	defer fd.Close()

	var doc statDocument
	dec := json.NewDecoder(fd)
	if err := dec.Decode(&doc); err != nil {
		t.Fatalf("decode stat document: %v", err)
	}
	if doc.FuzzyStored != 7 {
		t.Fatalf("expected fuzzy_stored=7, got %+v", doc)
	}
	if _, ok := doc.Keys["mainkey"]; !ok {
		t.Fatalf("expected mainkey entry in stat document, got %+v", doc.Keys)
	}

	var r Response
	json.Unmarshal(resp, &r)
	if !r.OK {
		t.Fatalf("expected ok response alongside fd, got %+v", r)
	}
}

func TestHandleHookRegistrationAcknowledgesWithRegistry(t *testing.T) {
	h := &Handler{Hooks: hooks.New()}
	req, _ := json.Marshal(Request{Type: CmdAddPre})
	resp, _, err := h.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var r Response
	json.Unmarshal(resp, &r)
	if !r.OK {
		t.Fatalf("expected ok with hooks registry present, got %+v", r)
	}
}
