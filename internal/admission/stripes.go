package admission

import (
	"hash/fnv"
	"sync"
)

// lockStripes controls how many independent mutexes back a keyLocks set.
// Distinct keys rarely share a stripe, so unrelated users register in
// parallel while the same key is always serialized.
const lockStripes = 64

// keyLocks is a fixed array of mutexes indexed by FNV hash of the key.
type keyLocks struct {
	stripes [lockStripes]sync.Mutex
}

// lock acquires the stripe for key and returns its unlock function.
func (l *keyLocks) lock(key string) func() {
	mu := &l.stripes[stripeIndex(key)]
	mu.Lock()
	return mu.Unlock
}

func stripeIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % lockStripes)
}
