package ingress

import (
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
)

const lockStripes = 64

// keyedMutex serializes handling per activity id by hashing ids onto a fixed
// set of stripes. Kafka partitioning already orders events for one activity
// across processes; the stripes close the gap for events of the same
// activity arriving via different topics within one process.
type keyedMutex struct {
	stripes [lockStripes]sync.Mutex
}

// Lock acquires the stripe for the id and returns the unlock func.
func (k *keyedMutex) Lock(id uuid.UUID) func() {
	h := fnv.New32a()
	h.Write(id[:])
	stripe := &k.stripes[h.Sum32()%lockStripes]
	stripe.Lock()
	return stripe.Unlock
}
