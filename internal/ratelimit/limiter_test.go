package ratelimit

import (
	"net"
	"testing"
	"time"
)

func TestAllowTripsAfterBurst(t *testing.T) {
	var blacklisted []string
	l := New(Config{
		Rate:        0,
		Burst:       2,
		MaxBuckets:  10,
		NetworkMask: 32,
		OnBlacklist: func(addr, reason string) { blacklisted = append(blacklisted, reason) },
	})
	ip := net.ParseIP("10.0.0.1")
	now := time.Now()

	if !l.Allow(ip, now) {
		t.Fatalf("expected first request allowed")
	}
	if !l.Allow(ip, now) {
		t.Fatalf("expected second request allowed")
	}
	if l.Allow(ip, now) {
		t.Fatalf("expected third request denied")
	}
	if len(blacklisted) != 1 || blacklisted[0] != "ratelimit" {
		t.Fatalf("expected one ratelimit blacklist call, got %v", blacklisted)
	}
}

func TestAllowWhitelistBypasses(t *testing.T) {
	l := New(Config{
		Rate: 0, Burst: 1, NetworkMask: 32,
		IsWhitelisted: func(ip net.IP) bool { return true },
	})
	ip := net.ParseIP("10.0.0.2")
	now := time.Now()
	for i := 0; i < 5; i++ {
		if !l.Allow(ip, now) {
			t.Fatalf("expected whitelisted source always allowed")
		}
	}
}

func TestAllowDisabledWhenRateNaN(t *testing.T) {
	l := New(Config{Rate: nan(), Burst: 1, NetworkMask: 32})
	ip := net.ParseIP("10.0.0.3")
	now := time.Now()
	for i := 0; i < 5; i++ {
		if !l.Allow(ip, now) {
			t.Fatalf("expected disabled limiter to always allow")
		}
	}
}

func TestLogOnlyAlwaysAllows(t *testing.T) {
	l := New(Config{Rate: 0, Burst: 1, NetworkMask: 32, LogOnly: true})
	ip := net.ParseIP("10.0.0.4")
	now := time.Now()
	for i := 0; i < 5; i++ {
		if !l.Allow(ip, now) {
			t.Fatalf("expected log-only limiter to always allow")
		}
	}
}

func TestDecayReducesLevel(t *testing.T) {
	l := New(Config{Rate: 10, Burst: 3, NetworkMask: 32})
	ip := net.ParseIP("10.0.0.5")
	now := time.Now()
	l.Allow(ip, now)
	l.Allow(ip, now)
	// After a long enough gap the level should have decayed back down,
	// so a further burst of two more is allowed again.
	later := now.Add(time.Second)
	if !l.Allow(ip, later) {
		t.Fatalf("expected allow after decay")
	}
}

func TestMaskAddrIPv4ClampsTo32(t *testing.T) {
	a := maskAddr(net.ParseIP("203.0.113.7"), 48)
	b := maskAddr(net.ParseIP("203.0.113.7"), 32)
	if a != b {
		t.Fatalf("expected IPv4 mask to clamp at /32, got %q vs %q", a, b)
	}
}

func TestMaskAddrIPv6ClampRange(t *testing.T) {
	ip := net.ParseIP("2001:db8::1")
	lo := maskAddr(ip, 1) // mask*4=4, clamps up to 64
	hi := maskAddr(ip, 40) // mask*4=160, clamps down to 128
	if lo == "" || hi == "" {
		t.Fatalf("expected non-empty masked addresses")
	}
	if lo != "2001:db8::" || hi != "2001:db8::1" {
		t.Fatalf("expected /64 and /128 masks, got %q and %q", lo, hi)
	}
}

func nan() float64 {
	var zero float64
	return zero / zero
}
