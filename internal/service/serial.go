package service

import "sync"

// serial runs tasks one at a time per key while different keys run
// concurrently. A key's goroutine exits once its backlog is drained.
type serial struct {
	mu    sync.Mutex
	lanes map[int64][]func()
	wg    sync.WaitGroup
}

func newSerial() *serial {
	return &serial{lanes: make(map[int64][]func())}
}

// Submit queues fn behind every earlier task for key.
func (s *serial) Submit(key int64, fn func()) {
	s.mu.Lock()
	backlog, running := s.lanes[key]
	s.lanes[key] = append(backlog, fn)
	s.mu.Unlock()

	if running {
		return
	}
	s.wg.Add(1)
	go s.drain(key)
}

func (s *serial) drain(key int64) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		backlog := s.lanes[key]
		if len(backlog) == 0 {
			delete(s.lanes, key)
			s.mu.Unlock()
			return
		}
		fn := backlog[0]
		s.lanes[key] = backlog[1:]
		s.mu.Unlock()

		fn()
	}
}

// Pending returns the number of keys with queued or running work.
func (s *serial) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lanes)
}

// Wait blocks until every submitted task has run.
func (s *serial) Wait() { s.wg.Wait() }
