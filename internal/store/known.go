package store

import (
	"sync"

	"knowledge-base/collab-ingester/internal/model"
)

// KnownSet tracks item ids that have already been through the pipeline.
// It is monotonic: ids are only ever added. One KnownSet per monitored
// source; the poll loop is its single writer.
type KnownSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func NewKnownSet() *KnownSet {
	return &KnownSet{ids: make(map[string]struct{})}
}

// Seed marks ids as known without counting as a processing attempt.
// Used for the startup baseline and for catalog-backed restarts.
func (k *KnownSet) Seed(ids []string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, id := range ids {
		k.ids[id] = struct{}{}
	}
}

// Observe partitions a complete current listing into new and known items.
// Order within each partition follows the adapter's reported order.
// Observe does not mark anything; call Commit once an item's ingestion
// attempt has been recorded.
func (k *KnownSet) Observe(items []model.Item) (fresh, known []model.Item) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, it := range items {
		if _, ok := k.ids[it.ID]; ok {
			known = append(known, it)
		} else {
			fresh = append(fresh, it)
		}
	}
	return fresh, known
}

// Commit marks an id as known. Idempotent.
func (k *KnownSet) Commit(id string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.ids[id] = struct{}{}
}

// Contains reports whether id has been committed or seeded.
func (k *KnownSet) Contains(id string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.ids[id]
	return ok
}

// Len returns the number of known ids.
func (k *KnownSet) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.ids)
}
