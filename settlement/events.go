// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package settlement

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Event is a notification from a container. Consumers switch on the
// concrete type; Name returns the stable event name.
type Event interface {
	Name() string
}

// Info carries a human-readable progress message.
type Info struct {
	Text string
}

// Error reports a failure. The container may or may not continue; a
// terminal failure is followed by a StateChanged event.
type Error struct {
	Err error
}

// TimerStarted is sent whenever a phase timer (re)starts.
type TimerStarted struct {
	Duration time.Duration
}

// TimerTick reports the time left in the current phase.
type TimerTick struct {
	Remaining time.Duration
}

// TimerExpired is sent when the current phase timed out.
type TimerExpired struct{}

// ReadyToAccept is sent once the container is acceptable.
type ReadyToAccept struct{}

// SettlementAccepted is sent when the pay-out reached the confirmation
// threshold and the settlement completed.
type SettlementAccepted struct {
	PayoutHash chainhash.Hash
}

// SettlementCancelled is sent when the container was cancelled.
type SettlementCancelled struct {
	Reason error
}

// GenAddressVerified carries the outcome of the counterparty auth address
// check.
type GenAddressVerified struct {
	Verified bool
}

// Retry is sent after a failed sign request. Accept may be called again.
type Retry struct {
	Err error
}

// StateChanged is sent after every state transition.
type StateChanged struct {
	From State
	To   State
}

func (Info) Name() string               { return "info" }
func (Error) Name() string              { return "error" }
func (TimerStarted) Name() string       { return "timerStarted" }
func (TimerTick) Name() string          { return "timerTick" }
func (TimerExpired) Name() string       { return "timerExpired" }
func (ReadyToAccept) Name() string      { return "readyToAccept" }
func (SettlementAccepted) Name() string { return "settlementAccepted" }
func (SettlementCancelled) Name() string {
	return "settlementCancelled"
}
func (GenAddressVerified) Name() string { return "genAddressVerified" }
func (Retry) Name() string              { return "retry" }
func (StateChanged) Name() string       { return "stateChanged" }
