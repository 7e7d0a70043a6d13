package channel

import "sync"

// Serial runs work for one key at a time, in arrival order, while
// different keys run concurrently. Channels use it so a user's messages
// are handled in the order they were sent.
type Serial struct {
	mu     sync.Mutex
	queues map[string][]func()
	wg     sync.WaitGroup
}

// NewSerial creates an empty Serial.
func NewSerial() *Serial {
	return &Serial{queues: make(map[string][]func())}
}

// Do schedules fn for key and returns immediately.
func (s *Serial) Do(key string, fn func()) {
	s.mu.Lock()
	if q, busy := s.queues[key]; busy {
		s.queues[key] = append(q, fn)
		s.mu.Unlock()
		return
	}
	s.queues[key] = nil
	s.wg.Add(1)
	s.mu.Unlock()
	go s.run(key, fn)
}

func (s *Serial) run(key string, fn func()) {
	defer s.wg.Done()
	for {
		fn()
		s.mu.Lock()
		q := s.queues[key]
		if len(q) == 0 {
			delete(s.queues, key)
			s.mu.Unlock()
			return
		}
		fn, s.queues[key] = q[0], q[1:]
		s.mu.Unlock()
	}
}

// Wait blocks until all scheduled work has finished.
func (s *Serial) Wait() {
	s.wg.Wait()
}
