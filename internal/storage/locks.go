package storage

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// idLocks serializes read-modify-write cycles on the same document id
// for backends without native atomic updates. Striping keeps the lock
// table bounded regardless of how many ids pass through.
type idLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *idLocks) lock(collection, id string) func() {
	h := fnv.New32a()
	h.Write([]byte(collection))
	h.Write([]byte{0})
	h.Write([]byte(id))
	stripe := &l.stripes[h.Sum32()%lockStripes]
	stripe.Lock()
	return stripe.Unlock
}
