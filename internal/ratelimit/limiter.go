// Package ratelimit implements the leaky-bucket rate limiter (R): a
// per-masked-source decision engine with LRU eviction and whitelist
// bypass, applied to CHECK requests only (spec §4.4).
package ratelimit

import (
	"container/list"
	"math"
	"net"
	"sync"
	"time"
)

// Config mirrors the `ratelimit_*` fields of spec §6.
type Config struct {
	Rate          float64
	Burst         float64
	MaxBuckets    int
	NetworkMask   int // prefix bits before the IPv4/IPv6 clamp below
	BucketTTL     time.Duration
	LogOnly       bool
	IsWhitelisted func(net.IP) bool
	OnBlacklist   func(addr string, reason string)
}

const (
	DefaultMaxBuckets = 2000
	DefaultMask       = 24
	DefaultBucketTTL  = time.Hour
)

// bucket is a single leaky-bucket entry (spec §3 Leaky bucket entry).
// CurrentLevel == NaN means the source is latched rate-limited until
// eviction, per spec's stated invariant.
type bucket struct {
	maskedAddr   string
	lastTS       time.Time
	currentLevel float64
}

type entry struct {
	key       string
	b         bucket
	expiresAt time.Time
}

// Limiter is the rate limiter's mutable state. The daemon shares one
// Limiter across every worker's session engine; the mutex guards the
// bucket table against those concurrent callers.
type Limiter struct {
	mu    sync.Mutex
	cfg   Config
	hot   map[string]*list.Element
	order *list.List
}

func New(cfg Config) *Limiter {
	if cfg.MaxBuckets <= 0 {
		cfg.MaxBuckets = DefaultMaxBuckets
	}
	if cfg.NetworkMask <= 0 {
		cfg.NetworkMask = DefaultMask
	}
	if cfg.BucketTTL <= 0 {
		cfg.BucketTTL = DefaultBucketTTL
	}
	return &Limiter{
		cfg:   cfg,
		hot:   make(map[string]*list.Element),
		order: list.New(),
	}
}

// disabled reports whether the limiter should let everything through
// unconditionally: burst or rate configured as NaN (spec §4.4).
func (l *Limiter) disabled() bool {
	return math.IsNaN(l.cfg.Rate) || math.IsNaN(l.cfg.Burst)
}

// Allow applies the leaky-bucket decision for a CHECK from addr at time
// now. When LogOnly is set the real decision is still computed (so
// telemetry reflects what would have happened) but Allow always returns
// true.
func (l *Limiter) Allow(addr net.IP, now time.Time) bool {
	if l.disabled() || (l.cfg.IsWhitelisted != nil && l.cfg.IsWhitelisted(addr)) {
		return true
	}
	allowed := l.decide(addr, now)
	if l.cfg.LogOnly {
		return true
	}
	return allowed
}

func (l *Limiter) decide(addr net.IP, now time.Time) bool {
	masked := maskAddr(addr, l.cfg.NetworkMask)

	l.mu.Lock()
	defer l.mu.Unlock()

	el, ok := l.hot[masked]
	if !ok {
		l.insertLocked(masked, bucket{maskedAddr: masked, lastTS: now, currentLevel: 1}, now)
		return true
	}
	e := el.Value.(*entry)
	l.order.MoveToFront(el)
	e.expiresAt = now.Add(l.cfg.BucketTTL)

	if math.IsNaN(e.b.currentLevel) {
		return false
	}

	if e.b.lastTS.Before(now) {
		e.b.currentLevel -= l.cfg.Rate * now.Sub(e.b.lastTS).Seconds()
		if e.b.currentLevel < 0 {
			e.b.currentLevel = 0
		}
		e.b.lastTS = now
	}

	if e.b.currentLevel >= l.cfg.Burst {
		e.b.currentLevel = math.NaN()
		if l.cfg.OnBlacklist != nil {
			l.cfg.OnBlacklist(masked, "ratelimit")
		}
		return false
	}

	e.b.currentLevel++
	return true
}

func (l *Limiter) insertLocked(key string, b bucket, now time.Time) {
	l.evictExpiredLocked(now)
	if l.order.Len() >= l.cfg.MaxBuckets {
		l.evictOldestLocked()
	}
	e := &entry{key: key, b: b, expiresAt: now.Add(l.cfg.BucketTTL)}
	el := l.order.PushFront(e)
	l.hot[key] = el
}

func (l *Limiter) evictExpiredLocked(now time.Time) {
	for el := l.order.Back(); el != nil; {
		e := el.Value.(*entry)
		if now.Before(e.expiresAt) {
			return
		}
		prev := el.Prev()
		l.order.Remove(el)
		delete(l.hot, e.key)
		el = prev
	}
}

func (l *Limiter) evictOldestLocked() {
	el := l.order.Back()
	if el == nil {
		return
	}
	e := el.Value.(*entry)
	l.order.Remove(el)
	delete(l.hot, e.key)
}

// Len reports the current number of tracked buckets, for tests and
// admin stats.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

// maskAddr masks addr to the configured prefix length, applying the
// IPv4/IPv6 clamp of spec §4.4: IPv4 uses min(mask,32) bits; IPv6 uses
// min(max(mask*4,64),128) bits.
func maskAddr(addr net.IP, mask int) string {
	if v4 := addr.To4(); v4 != nil {
		bits := mask
		if bits > 32 {
			bits = 32
		}
		if bits < 0 {
			bits = 0
		}
		return v4.Mask(net.CIDRMask(bits, 32)).String()
	}
	v6 := addr.To16()
	if v6 == nil {
		return addr.String()
	}
	bits := mask * 4
	if bits < 64 {
		bits = 64
	}
	if bits > 128 {
		bits = 128
	}
	return v6.Mask(net.CIDRMask(bits, 128)).String()
}
