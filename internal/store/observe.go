package store

import "sync"

// watcherSet fans out change notifications per entity type. Notifications are
// edge-triggered and coalesced: a watcher channel holds at most one pending
// signal, and the observer re-reads the store when it fires.
type watcherSet struct {
	mu       sync.Mutex
	closed   bool
	watchers map[string][]chan struct{}
}

func newWatcherSet() *watcherSet {
	return &watcherSet{watchers: make(map[string][]chan struct{})}
}

func (w *watcherSet) add(entityType string) chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan struct{}, 1)
	w.watchers[entityType] = append(w.watchers[entityType], ch)
	return ch
}

func (w *watcherSet) remove(entityType string, ch chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	list := w.watchers[entityType]
	for i, c := range list {
		if c == ch {
			w.watchers[entityType] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

func (w *watcherSet) notify(entityType string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	for _, ch := range w.watchers[entityType] {
		select {
		case ch <- struct{}{}:
		default: // a signal is already queued
		}
	}
}

func (w *watcherSet) closeAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	for _, list := range w.watchers {
		for _, ch := range list {
			close(ch)
		}
	}
	w.watchers = make(map[string][]chan struct{})
}

// Observe returns a channel that fires whenever records of the given entity
// type change. The caller re-queries the store on each signal. Cancel releases
// the watcher.
func (s *Store) Observe(entityType string) (ch <-chan struct{}, cancel func()) {
	c := s.watchers.add(entityType)
	return c, func() { s.watchers.remove(entityType, c) }
}
