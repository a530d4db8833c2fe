package session

import (
	"net"
	"testing"
	"time"

	"fuzzystore/internal/wire"
)

func TestNewSessionRefcountStartsAtOne(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1234}
	cmd := &wire.Command{Tag: 1, Epoch: wire.Epoch11, Type: wire.Normal}
	s := New(addr, cmd, time.Now())
	if s.RefCount() != 1 {
		t.Fatalf("expected refcount 1, got %d", s.RefCount())
	}
}

func TestRetainReleaseWipesSecretAtZero(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1234}
	cmd := &wire.Command{Tag: 1, Epoch: wire.Epoch11}
	s := New(addr, cmd, time.Now())
	for i := range s.SharedSecret {
		s.SharedSecret[i] = 0xAA
	}

	s.Retain()
	if s.RefCount() != 2 {
		t.Fatalf("expected refcount 2 after retain, got %d", s.RefCount())
	}

	s.Release()
	if s.Released() {
		t.Fatalf("session released too early")
	}
	for _, b := range s.SharedSecret {
		if b != 0xAA {
			t.Fatalf("secret wiped before refcount reached zero")
		}
	}

	s.Release()
	if !s.Released() {
		t.Fatalf("expected session released after final release")
	}
	for _, b := range s.SharedSecret {
		if b != 0 {
			t.Fatalf("expected secret zeroed after final release")
		}
	}
}

func TestReleaseIsIdempotentPastZero(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1}
	s := New(addr, &wire.Command{}, time.Now())
	s.Release()
	s.Release() // must not panic or double-wipe
	if s.RefCount() != -1 {
		t.Fatalf("expected refcount to go negative on double release, got %d", s.RefCount())
	}
}
