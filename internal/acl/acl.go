// Package acl implements the allow/block list collaborator (M): "does
// this address/key/hash match?" boolean lookups over IP-CIDR maps,
// base32 key lists, and hex digest lists (spec §1, §6 Configuration).
package acl

import (
	"encoding/base32"
	"encoding/hex"
	"net"
	"strings"
	"sync"
)

// IPSet answers membership queries against a list of individual IPs and
// CIDR networks (`allow_update`, `delay_whitelist`, `blocked`,
// `ratelimit_whitelist` in spec §6).
type IPSet struct {
	mu   sync.RWMutex
	nets []*net.IPNet
	ips  map[string]struct{}
}

// NewIPSet parses a list of dotted addresses and/or CIDR strings.
// Malformed entries are skipped rather than failing the whole set,
// matching a permissive config-loader stance for operator-supplied
// allow/deny lists.
func NewIPSet(entries []string) *IPSet {
	s := &IPSet{ips: make(map[string]struct{})}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			if _, n, err := net.ParseCIDR(e); err == nil {
				s.nets = append(s.nets, n)
			}
			continue
		}
		if ip := net.ParseIP(e); ip != nil {
			s.ips[ip.String()] = struct{}{}
		}
	}
	return s
}

// Contains reports whether addr matches any entry in the set.
func (s *IPSet) Contains(addr net.IP) bool {
	if s == nil || addr == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.ips[addr.String()]; ok {
		return true
	}
	for _, n := range s.nets {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}

// KeySet answers membership for `allow_update_keys`: public keys
// compared after base32-encoding their raw id, matching spec §4.6's
// "client public key is in update_keys after base32-encoding its id".
type KeySet struct {
	encoded map[string]struct{}
}

func NewKeySet(base32Keys []string) *KeySet {
	ks := &KeySet{encoded: make(map[string]struct{}, len(base32Keys))}
	for _, k := range base32Keys {
		ks.encoded[strings.TrimSpace(k)] = struct{}{}
	}
	return ks
}

// Contains reports whether the raw 32-byte key id, base32-encoded,
// appears in the configured key list.
func (ks *KeySet) Contains(keyID [32]byte) bool {
	if ks == nil {
		return false
	}
	enc := base32.StdEncoding.EncodeToString(keyID[:])
	_, ok := ks.encoded[enc]
	return ok
}

// HashSet answers membership for `skip_hashes`: hex-encoded digests
// that a WRITE should silently no-op against (spec §4.6).
type HashSet struct {
	hex map[string]struct{}
}

func NewHashSet(hexDigests []string) *HashSet {
	hs := &HashSet{hex: make(map[string]struct{}, len(hexDigests))}
	for _, h := range hexDigests {
		hs.hex[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}
	return hs
}

// Contains reports whether digest's hex encoding is in the skip list.
func (hs *HashSet) Contains(digest [64]byte) bool {
	if hs == nil {
		return false
	}
	_, ok := hs.hex[hex.EncodeToString(digest[:])]
	return ok
}
