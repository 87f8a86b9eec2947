package h2

import "sync"

// streamsMap хранит открытые стримы соединения по их id.
type streamsMap struct {
	mu sync.RWMutex
	m  map[uint32]*stream
}

func newStreamsMap() *streamsMap {
	return &streamsMap{m: make(map[uint32]*stream)}
}

func (s *streamsMap) Set(id uint32, st *stream) {
	s.mu.Lock()
	s.m[id] = st
	s.mu.Unlock()
}

func (s *streamsMap) Get(id uint32) *stream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m[id]
}

// Delete сообщает, был ли стрим в мапе.
func (s *streamsMap) Delete(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[id]
	delete(s.m, id)
	return ok
}

func (s *streamsMap) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// Each обходит снимок мапы, поэтому fn может удалять стримы.
func (s *streamsMap) Each(fn func(*stream)) {
	s.mu.RLock()
	streams := make([]*stream, 0, len(s.m))
	for _, st := range s.m {
		streams = append(streams, st)
	}
	s.mu.RUnlock()

	for _, st := range streams {
		fn(st)
	}
}
