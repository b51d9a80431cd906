// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ntfnqueue implements the unbounded notification queue shared by the
// chain client subscriptions, settlement containers and signer results.
// Producers never block on a slow consumer; items are buffered in memory and
// delivered in order.
package ntfnqueue

import "sync"

// Queue is an unbounded FIFO between any number of producers and a single
// consumer reading ChanOut.
type Queue[T any] struct {
	enqueue chan T
	dequeue chan T

	closing   chan struct{}
	closeOnce sync.Once

	quit    chan struct{}
	wg      sync.WaitGroup
	started bool
	quitMtx sync.Mutex
}

// New creates a stopped queue. Start must be called before items are
// delivered.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		enqueue: make(chan T),
		dequeue: make(chan T),
		closing: make(chan struct{}),
		quit:    make(chan struct{}),
	}
}

// Start launches the queue goroutine.
func (q *Queue[T]) Start() {
	q.quitMtx.Lock()
	defer q.quitMtx.Unlock()

	select {
	case <-q.quit:
		return
	default:
	}
	if q.started {
		return
	}
	q.started = true

	q.wg.Add(1)
	go q.handler()
}

// Stop shuts the queue down, dropping undelivered items, and closes the
// output channel. It is safe to call more than once.
func (q *Queue[T]) Stop() {
	q.quitMtx.Lock()
	select {
	case <-q.quit:
	default:
		close(q.quit)
		if !q.started {
			close(q.dequeue)
		}
	}
	q.quitMtx.Unlock()

	q.wg.Wait()
}

// Close stops accepting items and closes the output channel once the
// buffered items have been delivered. Unlike Stop it does not wait.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() {
		close(q.closing)
	})

	q.quitMtx.Lock()
	defer q.quitMtx.Unlock()

	select {
	case <-q.quit:
	default:
		if !q.started {
			close(q.quit)
			close(q.dequeue)
		}
	}
}

// Enqueue appends an item. It returns false once the queue has been stopped
// or closed.
func (q *Queue[T]) Enqueue(item T) bool {
	select {
	case <-q.closing:
		return false
	default:
	}

	select {
	case q.enqueue <- item:
		return true
	case <-q.closing:
		return false
	case <-q.quit:
		return false
	}
}

// ChanOut returns the channel items are delivered on. It is closed when the
// queue stops.
func (q *Queue[T]) ChanOut() <-chan T {
	return q.dequeue
}

func (q *Queue[T]) handler() {
	defer q.wg.Done()

	var (
		items   []T
		next    T
		dequeue chan T
		closing = q.closing
	)

out:
	for {
		if closing == nil && len(items) == 0 {
			break out
		}

		select {
		case n := <-q.enqueue:
			if len(items) == 0 {
				next = n
				dequeue = q.dequeue
			}
			items = append(items, n)

		case dequeue <- next:
			var zero T
			items[0] = zero
			items = items[1:]
			if len(items) != 0 {
				next = items[0]
			} else {
				next = zero
				dequeue = nil
			}

		case <-closing:
			closing = nil

		case <-q.quit:
			break out
		}
	}

	close(q.dequeue)
}
