// Package keyring implements the key registry (K): the set of all
// locally configured keypairs, indexed by public key, each carrying a
// small forbidden-flag set and per-key statistics ownership.
package keyring

import (
	"crypto/subtle"
	"errors"
	"sync"

	"fuzzystore/internal/stats"
)

// MaxInlineForbiddenFlags is the small-vector-optimization threshold of
// spec §4.3/§9: linear scan beats a hash set for sets this small. A key
// that exceeds this bound spills into a map (see forbiddenSet below) so
// is_forbidden stays correct for arbitrarily large configurations, just
// without the fast path.
const MaxInlineForbiddenFlags = 16

var ErrUnknownKey = errors.New("keyring: unknown key")

// Key is a single locally configured keypair (spec §3 Key).
type Key struct {
	Public [32]byte
	Secret [32]byte // held for the key's lifetime; the registry never removes or zeroes it
	Stats  *stats.KeyStats

	name      string
	forbidden forbiddenSet
}

// Name is an operator-assigned label (used in admin/STAT output), empty
// if the key was registered anonymously.
func (k *Key) Name() string { return k.name }

// IsForbidden reports whether flag is in this key's forbidden set (spec
// §4.3): applied only to encrypted replies, blanking a matched hash
// whose flag this key is not permitted to see.
func (k *Key) IsForbidden(flag uint32) bool {
	return k.forbidden.contains(flag)
}

// AddForbidden registers flag as forbidden for this key.
func (k *Key) AddForbidden(flag uint32) {
	k.forbidden.add(flag)
}

// forbiddenSet is inline for up to MaxInlineForbiddenFlags entries
// (linear scan, no allocation beyond the backing array) and spills into
// a map beyond that bound.
type forbiddenSet struct {
	inline [MaxInlineForbiddenFlags]uint32
	n      int
	spill  map[uint32]struct{}
}

func (s *forbiddenSet) contains(flag uint32) bool {
	for i := 0; i < s.n; i++ {
		if s.inline[i] == flag {
			return true
		}
	}
	if s.spill != nil {
		_, ok := s.spill[flag]
		return ok
	}
	return false
}

func (s *forbiddenSet) add(flag uint32) {
	if s.contains(flag) {
		return
	}
	if s.n < MaxInlineForbiddenFlags {
		s.inline[s.n] = flag
		s.n++
		return
	}
	if s.spill == nil {
		s.spill = make(map[uint32]struct{})
	}
	s.spill[flag] = struct{}{}
}

// Registry holds every locally configured keypair. Lookup by public key
// (or by a bare 32-byte key id lifted straight off the wire, which is
// the same underlying type) is a single Go map access — the heterogeneous
// lookup trick other languages need to avoid constructing a temporary
// owning key is moot here, since [32]byte is a plain comparable value
// type shared by both the wire key id and the registry key (spec §9
// design note on heterogeneous hashing).
type Registry struct {
	mu      sync.RWMutex
	keys    map[[32]byte]*Key
	byName  map[string]*Key
	Default *Key // used when an encrypted datagram names an unknown key id
}

func New() *Registry {
	return &Registry{
		keys:   make(map[[32]byte]*Key),
		byName: make(map[string]*Key),
	}
}

// Add registers a keypair. If setDefault is true it becomes the
// registry's fallback key for unknown key ids, whether or not it has a
// name.
func (r *Registry) Add(public, secret [32]byte, name string, setDefault bool) *Key {
	k := &Key{Public: public, Secret: secret, name: name, Stats: stats.NewKeyStats()}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[public] = k
	if name != "" {
		r.byName[name] = k
	}
	if setDefault {
		r.Default = k
	}
	return k
}

// Lookup finds a key by its raw 32-byte id, exactly as it appears in an
// encrypted datagram's key_id field. Equality is constant-time to avoid
// timing side channels on key material comparison, even though the map
// index itself is a plain hash of the bytes.
func (r *Registry) Lookup(keyID [32]byte) (*Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[keyID]
	if !ok {
		return nil, false
	}
	if subtle.ConstantTimeCompare(k.Public[:], keyID[:]) != 1 {
		return nil, false
	}
	return k, true
}

// Resolve returns the key for keyID, or the registry's default key if
// none matches and a default is configured (spec §4.2).
func (r *Registry) Resolve(keyID [32]byte) (*Key, error) {
	if k, ok := r.Lookup(keyID); ok {
		return k, nil
	}
	r.mu.RLock()
	def := r.Default
	r.mu.RUnlock()
	if def != nil {
		return def, nil
	}
	return nil, ErrUnknownKey
}

// ByName returns a previously registered key by its configured name.
func (r *Registry) ByName(name string) (*Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.byName[name]
	return k, ok
}

// All returns a snapshot slice of every registered key, for stats dump
// (§4.9 STAT).
func (r *Registry) All() []*Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Key, 0, len(r.keys))
	seen := make(map[*Key]struct{}, len(r.keys))
	for _, k := range r.keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
