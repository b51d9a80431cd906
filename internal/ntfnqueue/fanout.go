// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ntfnqueue

import "sync"

// Subscription is one consumer's view of a Fanout. The channel returned by
// Notifications must be drained or the subscription cancelled; items are
// queued without bound in between.
type Subscription[T any] struct {
	queue  *Queue[T]
	cancel func()
}

// Notifications returns the delivery channel. It is closed after Cancel.
func (s *Subscription[T]) Notifications() <-chan T {
	return s.queue.ChanOut()
}

// Cancel ends the subscription. It is safe to call more than once.
func (s *Subscription[T]) Cancel() {
	s.cancel()
}

// Fanout delivers every item to all current subscriptions.
type Fanout[T any] struct {
	mtx    sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription[T]
	closed bool
}

// NewFanout creates a fanout without subscribers.
func NewFanout[T any]() *Fanout[T] {
	return &Fanout[T]{subs: make(map[uint64]*Subscription[T])}
}

// Subscribe registers a new subscription. Subscribing to a closed fanout
// returns an already cancelled subscription.
func (f *Fanout[T]) Subscribe() *Subscription[T] {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	q := New[T]()
	q.Start()

	id := f.nextID
	f.nextID++

	var once sync.Once
	sub := &Subscription[T]{queue: q}
	sub.cancel = func() {
		once.Do(func() {
			f.mtx.Lock()
			delete(f.subs, id)
			f.mtx.Unlock()

			q.Stop()
		})
	}

	if f.closed {
		q.Stop()
		return sub
	}
	f.subs[id] = sub

	return sub
}

// Notify delivers an item to every current subscriber.
func (f *Fanout[T]) Notify(item T) {
	f.mtx.Lock()
	subs := make([]*Subscription[T], 0, len(f.subs))
	for _, sub := range f.subs {
		subs = append(subs, sub)
	}
	f.mtx.Unlock()

	for _, sub := range subs {
		sub.queue.Enqueue(item)
	}
}

// Close cancels all subscriptions and refuses new ones.
func (f *Fanout[T]) Close() {
	f.mtx.Lock()
	f.closed = true
	subs := make([]*Subscription[T], 0, len(f.subs))
	for _, sub := range f.subs {
		subs = append(subs, sub)
	}
	f.mtx.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}
