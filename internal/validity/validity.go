// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package validity provides a liveness token that asynchronous callbacks
// capture instead of a pointer to their owner. The owner invalidates its flag
// when it shuts down; callbacks delivered afterwards become no-ops.
package validity

import "sync"

type state struct {
	mtx   sync.RWMutex
	valid bool
}

// Flag is held by the object whose lifetime callbacks must respect.
type Flag struct {
	mtx   sync.Mutex
	state *state
}

// NewFlag returns a valid flag.
func NewFlag() *Flag {
	return &Flag{state: &state{valid: true}}
}

// Handle returns a token sharing the flag's current generation.
func (f *Flag) Handle() Handle {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	return Handle{s: f.state}
}

// Invalidate marks every handle of the current generation dead. It blocks
// until callbacks currently running under Handle.Run return, so once it
// returns no such callback touches the owner again. It must not be called
// from inside a callback guarded by the same flag.
func (f *Flag) Invalidate() {
	f.mtx.Lock()
	s := f.state
	f.mtx.Unlock()

	s.mtx.Lock()
	s.valid = false
	s.mtx.Unlock()
}

// Reset starts a new generation. Handles taken before the reset stay invalid.
func (f *Flag) Reset() {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	f.state = &state{valid: true}
}

// Handle is a copyable liveness token.
type Handle struct {
	s *state
}

// Valid reports whether the owner is still alive. The zero Handle is never
// valid.
func (h Handle) Valid() bool {
	if h.s == nil {
		return false
	}

	h.s.mtx.RLock()
	defer h.s.mtx.RUnlock()

	return h.s.valid
}

// Run executes fn if the owner is alive, holding off Invalidate until fn
// returns. It reports whether fn ran.
func (h Handle) Run(fn func()) bool {
	if h.s == nil {
		return false
	}

	h.s.mtx.RLock()
	defer h.s.mtx.RUnlock()

	if !h.s.valid {
		return false
	}
	fn()

	return true
}
