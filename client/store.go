package client

import (
	"slices"
	"sync"

	"github.com/Dethon/switchboard"
)

// Store owns the client state. Dispatch is synchronous: the action reduces
// to the next state and every subscriber runs before Dispatch returns, so
// callers observe a fully settled store. The dispatcher is non-reentrant at
// the reducer level: a reducer that tries to dispatch gets ErrProtocol back
// instead of a recursive reduction. Subscribers may dispatch follow-up
// actions; those queue behind the current one and apply in order.
type Store struct {
	mu       sync.Mutex
	state    State
	reduce   func(State, Action) State
	reducing bool
	queue    []Action
	draining bool

	subMu  sync.Mutex
	subs   map[int]func(State)
	nextID int
}

func NewStore() *Store {
	return &Store{
		state:  initialState(),
		reduce: reduce,
		subs:   make(map[int]func(State)),
	}
}

// Dispatch applies one action. It returns ErrProtocol when called from
// inside a reducer; every other path returns nil.
func (s *Store) Dispatch(a Action) error {
	s.mu.Lock()
	if s.reducing {
		s.mu.Unlock()
		return &switchboard.ErrProtocol{Reason: "dispatch from reducer"}
	}
	s.queue = append(s.queue, a)
	if s.draining {
		// A subscriber dispatched a follow-up; the outer Dispatch drains it.
		s.mu.Unlock()
		return nil
	}
	s.draining = true

	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]

		s.reducing = true
		st := s.reduce(s.state, next)
		s.reducing = false
		s.state = st
		s.mu.Unlock()

		s.notify(st)

		s.mu.Lock()
	}
	s.draining = false
	s.mu.Unlock()
	return nil
}

// State returns the current state snapshot. Reducers never mutate a
// published state, so the caller may hold it as long as it likes.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Store) notify(st State) {
	s.subMu.Lock()
	fns := make([]func(State), 0, len(s.subs))
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	// Stable order keeps subscriber side effects deterministic.
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func (s *Store) subscribe(fn func(State)) func() {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Subscribe registers fn on a selected slice of the state. fn fires once
// immediately with the current selection and then only when the selection
// changes, compared by ==; renders and effects keyed on a selector never
// see redundant notifications. The returned function unsubscribes.
func Subscribe[T comparable](s *Store, sel func(State) T, fn func(T)) func() {
	s.mu.Lock()
	last := sel(s.state)
	s.mu.Unlock()
	fn(last)

	var mu sync.Mutex
	return s.subscribe(func(st State) {
		v := sel(st)
		mu.Lock()
		changed := v != last
		if changed {
			last = v
		}
		mu.Unlock()
		if changed {
			fn(v)
		}
	})
}
