// Package label caches string identifiers as 32-bit hashes so each unique
// name crosses the wire once per connection.
package label

import (
	"sync"
	"sync/atomic"
)

// MaxNameLen is the longest name a Label packet can carry.
const MaxNameLen = 0xff

// Label is a long-lived named identifier. Declare labels once (package
// level or struct field) and reuse them; the cached hash makes repeat
// lookups within a connection a single atomic load.
type Label struct {
	name    string
	hash    atomic.Uint32
	version atomic.Uint32
}

func New(name string) *Label { return &Label{name: name} }

func (l *Label) Name() string { return l.name }

// WireName is the name as carried by the Label packet payload.
func (l *Label) WireName() []byte {
	if len(l.name) > MaxNameLen {
		return []byte(l.name[:MaxNameLen])
	}
	return []byte(l.name)
}

// Cached returns the hash stored for generation, if any.
func (l *Label) Cached(generation uint32) (uint32, bool) {
	if l.version.Load() != generation {
		return 0, false
	}
	return l.hash.Load(), true
}

func (l *Label) store(hash, generation uint32) {
	// hash before version: a reader that sees the new version sees the hash
	l.hash.Store(hash)
	l.version.Store(generation)
}

// KnownSet records hashes already announced on the current connection.
type KnownSet struct {
	mu   sync.RWMutex
	set  map[uint32]struct{}
	max  int
	full int // times the set was cleared because it hit max
}

// NewKnownSet returns a set bounded to max entries; 0 means unbounded.
func NewKnownSet(max int) *KnownSet {
	return &KnownSet{set: map[uint32]struct{}{}, max: max}
}

func (k *KnownSet) Contains(h uint32) bool {
	k.mu.RLock()
	_, ok := k.set[h]
	k.mu.RUnlock()
	return ok
}

// Add reports whether h was newly inserted.
func (k *KnownSet) Add(h uint32) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.set[h]; ok {
		return false
	}
	if k.max > 0 && len(k.set) >= k.max {
		// forget everything; names are simply announced again
		k.set = map[uint32]struct{}{}
		k.full++
	}
	k.set[h] = struct{}{}
	return true
}

func (k *KnownSet) Reset() {
	k.mu.Lock()
	k.set = map[uint32]struct{}{}
	k.mu.Unlock()
}

func (k *KnownSet) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.set)
}

// Overflows returns how many times the bound forced a reset.
func (k *KnownSet) Overflows() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.full
}

// Resolve returns the hash of l for the given connection generation. When
// the hash has not been announced on this connection, announce is called
// with it before Resolve returns. Concurrent first uses of the same name
// may announce it more than once.
//
// Callers must hold the connection (see capture.Session.TryLockConnection)
// so that generation cannot change during the call.
func (k *KnownSet) Resolve(l *Label, generation uint32, announce func(hash uint32, l *Label)) uint32 {
	if h, ok := l.Cached(generation); ok {
		return h
	}
	h := Hash(l.name)
	if !k.Contains(h) && k.Add(h) {
		announce(h, l)
	}
	l.store(h, generation)
	return h
}
