package cache

import (
	"sync"

	"github.com/objectfs/tiercache/pkg/types"
)

// subscribers fans results out to per-key listeners. Listeners run on the
// goroutine that produced the result and must not block.
type subscribers struct {
	mu     sync.RWMutex
	nextID uint64
	byKey  map[string]map[uint64]func(types.Result)
}

func newSubscribers() *subscribers {
	return &subscribers{byKey: make(map[string]map[uint64]func(types.Result))}
}

func (s *subscribers) add(key string, fn func(types.Result)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	if s.byKey[key] == nil {
		s.byKey[key] = make(map[uint64]func(types.Result))
	}
	s.byKey[key][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.byKey[key], id)
			if len(s.byKey[key]) == 0 {
				delete(s.byKey, key)
			}
		})
	}
}

func (s *subscribers) notify(key string, res types.Result) {
	s.mu.RLock()
	listeners := make([]func(types.Result), 0, len(s.byKey[key]))
	for _, fn := range s.byKey[key] {
		listeners = append(listeners, fn)
	}
	s.mu.RUnlock()

	for _, fn := range listeners {
		fn(res)
	}
}

func (s *subscribers) count(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey[key])
}
