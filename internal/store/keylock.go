package store

import (
	"sync"

	"github.com/flashreport/flashreport/internal/models"
)

// KeyLocker hands out one mutex per match key. Entries are reference counted
// and dropped once no goroutine holds or waits on them.
type KeyLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyLocker creates an empty locker.
func NewKeyLocker() *KeyLocker {
	return &KeyLocker{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free and returns the function that releases it.
func (k *KeyLocker) Lock(key models.MatchKey) func() {
	name := key.String()

	k.mu.Lock()
	l, ok := k.locks[name]
	if !ok {
		l = &keyLock{}
		k.locks[name] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, name)
		}
		k.mu.Unlock()
	}
}

// Len returns the number of keys currently tracked.
func (k *KeyLocker) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
