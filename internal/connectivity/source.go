// Package connectivity mirrors the agent's network status and triggers queue
// drains when it comes back online.
package connectivity

import "sync"

// Source is a process-wide online/offline signal.
type Source interface {
	// Online returns the current state without blocking.
	Online() bool
	// Subscribe registers fn for state changes. The returned function removes
	// the subscription and is safe to call more than once.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// listeners is the subscription registry shared by the sources.
type listeners struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func(bool)
}

func (l *listeners) add(fn func(bool)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(bool))
	}
	id := l.nextID
	l.nextID++
	l.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners) snapshot() []func(bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fns := make([]func(bool), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	return fns
}

func (l *listeners) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}

// Signal is a Source driven by explicit Set calls.
type Signal struct {
	mu     sync.Mutex
	online bool
	subs   listeners
}

func NewSignal(online bool) *Signal {
	return &Signal{online: online}
}

func (s *Signal) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set updates the state and notifies subscribers synchronously when it
// changed.
func (s *Signal) Set(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	s.mu.Unlock()
	if !changed {
		return
	}
	for _, fn := range s.subs.snapshot() {
		fn(online)
	}
}

func (s *Signal) Subscribe(fn func(bool)) func() {
	return s.subs.add(fn)
}

// Subscribers reports the number of live subscriptions.
func (s *Signal) Subscribers() int {
	return s.subs.count()
}
