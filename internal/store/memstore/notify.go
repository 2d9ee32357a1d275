package memstore

import (
	"context"
	"errors"
	"sync"

	"github.com/jensholdgaard/cricket-auction/internal/store"
)

// ErrOffline is returned by Subscribe while the store simulates a lost
// transport.
var ErrOffline = errors.New("memstore: transport offline")

type subscription struct {
	s    *Store
	c    store.Collection
	ch   chan struct{}
	once sync.Once
}

func (sub *subscription) Notifications() <-chan struct{} { return sub.ch }

func (sub *subscription) Close() error {
	sub.s.subsMu.Lock()
	delete(sub.s.subs[sub.c], sub)
	sub.s.subsMu.Unlock()
	sub.shut()
	return nil
}

func (sub *subscription) shut() {
	sub.once.Do(func() { close(sub.ch) })
}

// Subscribe implements store.Notifier. Notifications are coalesced: a
// subscriber that has not drained its channel receives at most one pending
// signal.
func (s *Store) Subscribe(ctx context.Context, c store.Collection) (store.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if s.offline {
		return nil, ErrOffline
	}
	sub := &subscription{s: s, c: c, ch: make(chan struct{}, 1)}
	if s.subs[c] == nil {
		s.subs[c] = make(map[*subscription]struct{})
	}
	s.subs[c][sub] = struct{}{}
	return sub, nil
}

func (s *Store) publish(c store.Collection) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for sub := range s.subs[c] {
		select {
		case sub.ch <- struct{}{}:
		default:
		}
	}
}

// Notify signals every subscriber of c without changing any data.
func (s *Store) Notify(c store.Collection) {
	s.publish(c)
}

// Disconnect closes every open subscription, as if the transport dropped.
// New subscriptions are accepted immediately afterwards.
func (s *Store) Disconnect() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.dropLocked()
}

func (s *Store) dropLocked() {
	for c, subs := range s.subs {
		for sub := range subs {
			sub.shut()
		}
		delete(s.subs, c)
	}
}

// SetOffline makes Subscribe fail with ErrOffline until called with false.
// Going offline also closes the open subscriptions.
func (s *Store) SetOffline(offline bool) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if offline {
		s.dropLocked()
	}
	s.offline = offline
}

// Subscribers returns the number of open subscriptions for c.
func (s *Store) Subscribers(c store.Collection) int {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	return len(s.subs[c])
}
