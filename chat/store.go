package chat

import (
	"sync"

	livechat "github.com/qahhor/FREE-SERICE-DESK-sub000"
)

// store is the single source of truth the UI reads from: the current
// session, in-flight flags and the watchers notified on every change.
// Fields other than the watcher list are guarded by Controller.mu.
type store struct {
	session      *livechat.ChatSession
	isStarting   bool
	isSubmitting bool
	isEnding     bool
	lastErr      error
	version      uint64

	watchMu  sync.Mutex
	watchers []watcher
	nextID   int

	// deliverMu guards the fields below. One caller at a time dispatches;
	// snapshots committed meanwhile (including from inside a watcher) queue in
	// pending, and only the newest is kept.
	deliverMu   sync.Mutex
	delivered   uint64
	pending     *State
	dispatching bool
}

type watcher struct {
	id int
	fn func(State)
}

func (s *store) bump() uint64 {
	s.version++
	return s.version
}

func (s *store) watch(fn func(State)) (cancel func()) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	s.nextID++
	id := s.nextID
	s.watchers = append(s.watchers, watcher{id: id, fn: fn})
	return func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		for i, w := range s.watchers {
			if w.id == id {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				return
			}
		}
	}
}

// notify hands st to every watcher. It must be called without Controller.mu
// held. Watchers run without any store lock, so they may commit again; such a
// nested notify returns at once and its snapshot is delivered once the
// current round of watchers returns.
func (s *store) notify(st State) {
	s.deliverMu.Lock()
	if st.Version <= s.delivered {
		s.deliverMu.Unlock()
		return
	}
	s.delivered = st.Version
	s.pending = &st
	if s.dispatching {
		s.deliverMu.Unlock()
		return
	}
	s.dispatching = true
	for s.pending != nil {
		next := *s.pending
		s.pending = nil
		s.deliverMu.Unlock()

		for _, fn := range s.watcherFuncs() {
			fn(next)
		}

		s.deliverMu.Lock()
	}
	s.dispatching = false
	s.deliverMu.Unlock()
}

func (s *store) watcherFuncs() []func(State) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	fns := make([]func(State), 0, len(s.watchers))
	for _, w := range s.watchers {
		fns = append(fns, w.fn)
	}
	return fns
}
