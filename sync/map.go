package sync

import (
	"sync"

	"golang.org/x/exp/maps"
)

// Map is a map guarded by a read write lock.
type Map[K comparable, V any] struct {
	data   map[K]V
	rwLock sync.RWMutex
}

func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{
		data: make(map[K]V),
	}
}

func (s *Map[K, V]) Set(key K, data V) {
	s.rwLock.Lock()
	defer s.rwLock.Unlock()
	s.data[key] = data
}

func (s *Map[K, V]) Get(key K) (data V, ok bool) {
	s.rwLock.RLock()
	defer s.rwLock.RUnlock()
	data, ok = s.data[key]
	return
}

func (s *Map[K, V]) Delete(key K) {
	s.rwLock.Lock()
	defer s.rwLock.Unlock()
	delete(s.data, key)
}

func (s *Map[K, V]) Len() int {
	s.rwLock.RLock()
	defer s.rwLock.RUnlock()
	return len(s.data)
}

// GetMap returns a copy of the content.
func (s *Map[K, V]) GetMap() map[K]V {
	s.rwLock.RLock()
	defer s.rwLock.RUnlock()
	return maps.Clone(s.data)
}

// CompareAndSwap stores val when the key is missing or swap approves of the
// stored value. The check and the store happen under the same write lock.
func (s *Map[K, V]) CompareAndSwap(
	key K,
	val V,
	swap func(stored V) bool,
) (swapped bool) {
	stored, ok := s.Get(key)
	if ok && !swap(stored) {
		return
	}
	s.rwLock.Lock()
	defer s.rwLock.Unlock()
	stored, ok = s.data[key]
	if !ok || swap(stored) {
		s.data[key] = val
		return true
	}
	return
}

// EvictAbove removes arbitrary keys other than keep until at most limit remain.
func (s *Map[K, V]) EvictAbove(limit int, keep K) (evicted int) {
	s.rwLock.Lock()
	defer s.rwLock.Unlock()
	for k := range s.data {
		if len(s.data) <= limit {
			return
		}
		if k == keep {
			continue
		}
		delete(s.data, k)
		evicted++
	}
	return
}
