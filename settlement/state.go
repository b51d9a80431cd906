// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package settlement

import (
	"fmt"

	"github.com/looplab/fsm"
)

// Role selects which side of the settlement a container plays.
type Role uint8

const (
	// RoleDeliverer sells XBT: it funds the settlement address with the
	// pay-in and may revoke it.
	RoleDeliverer Role = iota

	// RoleReceiver buys XBT: it validates the counterparty's pay-in and
	// spends the settlement address with the pay-out.
	RoleReceiver
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleDeliverer:
		return "deliverer"
	case RoleReceiver:
		return "receiver"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// State is a settlement state.
type State string

const (
	StateCreated                       State = "Created"
	StateActivating                    State = "Activating"
	StateAwaitingSignature             State = "AwaitingSignature"
	StateAwaitingCounterparty          State = "AwaitingCounterparty"
	StateAwaitingBroadcastConfirmation State = "AwaitingBroadcastConfirmation"
	StateCompleted                     State = "Completed"
	StateCancelled                     State = "Cancelled"
	StateFailed                        State = "Failed"
)

// Terminal reports whether no further transition leaves s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed:
		return true
	}

	return false
}

const (
	evActivate  = "activate"
	evReady     = "ready"
	evSigned    = "signed"
	evBroadcast = "broadcast"
	evComplete  = "complete"
	evCancel    = "cancel"
	evFail      = "fail"

	// evRevoke is journaled only; it does not change the state.
	evRevoke = "revoke"
)

func newFSM() *fsm.FSM {
	live := []string{
		string(StateCreated),
		string(StateActivating),
		string(StateAwaitingSignature),
		string(StateAwaitingCounterparty),
		string(StateAwaitingBroadcastConfirmation),
	}

	return fsm.NewFSM(
		string(StateCreated),
		fsm.Events{
			{
				Name: evActivate,
				Src:  []string{string(StateCreated)},
				Dst:  string(StateActivating),
			},
			{
				Name: evReady,
				Src:  []string{string(StateActivating)},
				Dst:  string(StateAwaitingSignature),
			},
			{
				Name: evSigned,
				Src:  []string{string(StateAwaitingSignature)},
				Dst:  string(StateAwaitingCounterparty),
			},
			{
				Name: evBroadcast,
				Src:  []string{string(StateAwaitingCounterparty)},
				Dst:  string(StateAwaitingBroadcastConfirmation),
			},
			{
				Name: evComplete,
				Src: []string{
					string(StateAwaitingBroadcastConfirmation),
				},
				Dst: string(StateCompleted),
			},
			{
				Name: evCancel,
				Src:  live,
				Dst:  string(StateCancelled),
			},
			{
				Name: evFail,
				Src:  live,
				Dst:  string(StateFailed),
			},
		},
		fsm.Callbacks{},
	)
}
