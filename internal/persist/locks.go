package persist

import (
	"hash/fnv"
	"sync"
)

// DefaultLockStripes is the stripe count backends use unless configured.
const DefaultLockStripes = 64

// LockTable is a fixed set of mutexes selected by key hash. Operations on
// different keys usually take different stripes; when two keys collide they
// merely serialize. An operation must hold at most one stripe at a time.
type LockTable struct {
	stripes []sync.Mutex
}

// NewLockTable creates a table with n stripes (DefaultLockStripes if n <= 0).
func NewLockTable(n int) *LockTable {
	if n <= 0 {
		n = DefaultLockStripes
	}
	return &LockTable{stripes: make([]sync.Mutex, n)}
}

// Lock acquires the stripe for key and returns its release function.
func (t *LockTable) Lock(key string) func() {
	m := &t.stripes[t.stripe(key)]
	m.Lock()
	return m.Unlock
}

func (t *LockTable) stripe(key string) int {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int(h.Sum64() % uint64(len(t.stripes)))
}

// RefLockKey and ObjLockKey keep reference names and object ids in
// separate key spaces of a shared table.
func RefLockKey(name string) string { return "r:" + name }
func ObjLockKey(id ObjID) string    { return "o:" + id.mh }
