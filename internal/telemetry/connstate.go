package telemetry

import "sync"

// ConnState holds the connect/ready bookkeeping shared by Channel
// implementations.
type ConnState struct {
	mu        sync.Mutex
	started   bool
	ready     bool
	waiting   []func()
	listeners map[int]func(bool)
	nextID    int
}

// Begin registers onReady and reports whether the caller has to open the
// connection. When the connection is already up onReady runs immediately.
// While a connection attempt is in flight onReady is queued.
func (s *ConnState) Begin(onReady func()) bool {
	s.mu.Lock()
	if s.ready {
		s.mu.Unlock()
		if onReady != nil {
			onReady()
		}
		return false
	}
	if onReady != nil {
		s.waiting = append(s.waiting, onReady)
	}
	open := !s.started
	s.started = true
	s.mu.Unlock()
	return open
}

// SetConnected records a transport transition and notifies listeners. Queued
// ready callbacks run on the first transition to connected.
func (s *ConnState) SetConnected(connected bool) {
	s.mu.Lock()
	s.ready = connected
	var waiting []func()
	if connected {
		waiting = s.waiting
		s.waiting = nil
	}
	listeners := make([]func(bool), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(connected)
	}
	for _, fn := range waiting {
		fn()
	}
}

func (s *ConnState) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Reset returns to the never-connected state. Queued callbacks are dropped.
func (s *ConnState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	s.ready = false
	s.waiting = nil
}

func (s *ConnState) OnStatus(fn func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners == nil {
		s.listeners = make(map[int]func(bool))
	}
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}
