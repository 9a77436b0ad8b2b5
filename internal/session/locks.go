package session

import (
	"hash/fnv"
	"sync"
)

// defaultStripes is the number of mutexes shared by all keys.
const defaultStripes = 64

// stripedLocks serialises work per key with a fixed pool of mutexes, so
// memory stays bounded no matter how many tokens or users exist. Two keys
// may share a stripe; callers must therefore never hold one stripe while
// acquiring another.
type stripedLocks struct {
	mu []sync.Mutex
}

func newStripedLocks(n int) *stripedLocks {
	if n <= 0 {
		n = defaultStripes
	}
	return &stripedLocks{mu: make([]sync.Mutex, n)}
}

func (l *stripedLocks) get(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &l.mu[h.Sum32()%uint32(len(l.mu))]
}
