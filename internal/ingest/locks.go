package ingest

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

// PoolLocks serializes writers of the same pool. Pools never contend with each other.
type PoolLocks struct {
	locks *xsync.Map[string, *sync.Mutex]
}

func NewPoolLocks() *PoolLocks {
	return &PoolLocks{locks: xsync.NewMap[string, *sync.Mutex]()}
}

// Lock acquires the pool's lock and returns its release function.
func (l *PoolLocks) Lock(poolID string) func() {
	mu, _ := l.locks.LoadOrStore(poolID, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}
