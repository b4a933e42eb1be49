package proxypool

import (
	"sync"

	"github.com/golang/groupcache/lru"
)

const defaultFailureCapacity = 10000

// failureCounter tracks consecutive failures per proxy address in this
// process only. The least recently touched entries are dropped once capacity
// is reached.
type failureCounter struct {
	mu    sync.Mutex
	cache *lru.Cache
}

func newFailureCounter(capacity int) *failureCounter {
	if capacity <= 0 {
		capacity = defaultFailureCapacity
	}
	return &failureCounter{cache: lru.New(capacity)}
}

// incr bumps the counter and returns the new value.
func (f *failureCounter) incr(address string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 1
	if v, ok := f.cache.Get(address); ok {
		n = v.(int) + 1
	}
	f.cache.Add(address, n)
	return n
}

func (f *failureCounter) get(address string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.cache.Get(address); ok {
		return v.(int)
	}
	return 0
}

func (f *failureCounter) reset(address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache.Remove(address)
}

func (f *failureCounter) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cache.Len()
}
