package lotdetail

import "sync"

// Store holds the page state. Every change goes through Dispatch, and
// subscribers see each resulting snapshot in dispatch order.
type Store struct {
	mu    sync.Mutex
	state State
	subs  map[int]func(State)
	next  int
	// notify serializes subscriber calls without holding mu.
	notify sync.Mutex
}

// NewStore returns a store starting at initial.
func NewStore(initial State) *Store {
	return &Store{state: initial.clone(), subs: make(map[int]func(State))}
}

// State returns a copy of the current state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Dispatch applies r and notifies subscribers. It returns the new state.
func (s *Store) Dispatch(r Reducer) State {
	s.notify.Lock()
	defer s.notify.Unlock()

	s.mu.Lock()
	s.state = r(s.state.clone())
	snap := s.state.clone()
	fns := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(snap.clone())
	}
	return snap
}

// Subscribe calls fn after every dispatch until cancel is called. fn must
// not call Dispatch.
func (s *Store) Subscribe(fn func(State)) (cancel func()) {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}
