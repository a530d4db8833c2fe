package hooks

import (
	"net"
	"testing"

	"fuzzystore/internal/wire"
)

func TestInvokePreNoHandlerReturnsUnapplied(t *testing.T) {
	r := New()
	res := r.InvokePre(net.ParseIP("1.2.3.4"), wire.CmdCheck, [wire.DigestSize]byte{}, false, nil)
	if res.Applied {
		t.Fatalf("expected no override with no handler registered")
	}
}

func TestSetPreOverridesAndReplace(t *testing.T) {
	r := New()
	r.SetPre(func(ip net.IP, cmd wire.CmdKind, digest [wire.DigestSize]byte, isShingle bool, ext []wire.Extension) PreResult {
		return PreResult{Applied: true, Value: wire.ValueOK, Prob: 1}
	})
	res := r.InvokePre(net.ParseIP("1.2.3.4"), wire.CmdCheck, [wire.DigestSize]byte{}, false, nil)
	if !res.Applied || res.Prob != 1 {
		t.Fatalf("expected override applied, got %+v", res)
	}

	r.SetPre(nil)
	res = r.InvokePre(net.ParseIP("1.2.3.4"), wire.CmdCheck, [wire.DigestSize]byte{}, false, nil)
	if res.Applied {
		t.Fatalf("expected handler cleared")
	}
}

func TestInvokeBlacklistCallsHandler(t *testing.T) {
	r := New()
	var got string
	r.SetBlacklist(func(addr net.IP, reason string) { got = reason })
	r.InvokeBlacklist(net.ParseIP("1.2.3.4"), "ratelimit")
	if got != "ratelimit" {
		t.Fatalf("expected ratelimit reason, got %q", got)
	}
}
