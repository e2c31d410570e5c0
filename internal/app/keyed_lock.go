package app

import "sync"

const lockShards = 64

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

type lockShard struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

// KeyedLock serializes state transitions per conversation/meeting id.
// Operations on different ids run fully in parallel; a single global
// mutex would serialize unrelated conversations. Entries are
// ref-counted and removed once the last holder releases, so the map does
// not grow with the id space.
type KeyedLock struct {
	shards [lockShards]lockShard
}

func NewKeyedLock() *KeyedLock {
	kl := &KeyedLock{}
	for i := range kl.shards {
		kl.shards[i].entries = make(map[string]*lockEntry)
	}
	return kl
}

// Lock blocks until the key is held and returns the release func.
func (kl *KeyedLock) Lock(key string) func() {
	shard := &kl.shards[fnv32(key)%lockShards]

	shard.mu.Lock()
	e, ok := shard.entries[key]
	if !ok {
		e = &lockEntry{}
		shard.entries[key] = e
	}
	e.refs++
	shard.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		shard.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(shard.entries, key)
		}
		shard.mu.Unlock()
	}
}

func fnv32(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
