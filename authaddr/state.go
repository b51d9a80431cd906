// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package authaddr

import "fmt"

// State is the verification state of an auth address.
type State uint8

const (
	// StateInProgress is held while the state is first derived.
	StateInProgress State = iota

	// StateNotSubmitted is an address known locally only.
	StateNotSubmitted

	// StateSubmitted is an address handed to the authority for
	// verification.
	StateSubmitted

	// StatePendingVerification has a mined verification transaction not
	// yet buried deep enough.
	StatePendingVerification

	// StateVerificationSubmitted has a verification transaction in the
	// mempool.
	StateVerificationSubmitted

	// StateVerified may trade.
	StateVerified

	// StateRevoked had its verification output spent by the owner.
	StateRevoked

	// StateRevokedByBS was revoked by the authority.
	StateRevokedByBS

	// StateBlacklisted was refused by the authority. It is never left.
	StateBlacklisted
)

var stateNames = map[State]string{
	StateInProgress:            "InProgress",
	StateNotSubmitted:          "NotSubmitted",
	StateSubmitted:             "Submitted",
	StatePendingVerification:   "PendingVerification",
	StateVerificationSubmitted: "VerificationSubmitted",
	StateVerified:              "Verified",
	StateRevoked:               "Revoked",
	StateRevokedByBS:           "RevokedByBS",
	StateBlacklisted:           "Blacklisted",
}

// String returns the state name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}

	return fmt.Sprintf("State(%d)", uint8(s))
}

// rank orders states along the verification path. Chain derived states
// only move forward; the two revoked states share a rank.
func (s State) rank() int {
	switch s {
	case StateInProgress:
		return 0
	case StateNotSubmitted:
		return 1
	case StateSubmitted:
		return 2
	case StateVerificationSubmitted:
		return 3
	case StatePendingVerification:
		return 4
	case StateVerified:
		return 5
	case StateRevoked, StateRevokedByBS:
		return 6
	default:
		return 7
	}
}

// facts is what the chain says about an address.
type facts struct {
	verified      bool // a verification transaction exists
	verifyConfs   int32
	spent         bool // the verification output was spent
	revokedByRoot bool
}

// derive computes the next state from the current one and chain facts.
// Blacklisted is sticky and chain derived states never move backwards.
func derive(cur State, f facts, threshold int32) State {
	if cur == StateBlacklisted {
		return cur
	}

	var next State
	switch {
	case f.revokedByRoot:
		next = StateRevokedByBS

	case f.verified && f.spent:
		next = StateRevoked

	case f.verified && f.verifyConfs >= threshold:
		next = StateVerified

	case f.verified && f.verifyConfs > 0:
		next = StatePendingVerification

	case f.verified:
		next = StateVerificationSubmitted

	case cur == StateSubmitted:
		next = StateSubmitted

	default:
		next = StateNotSubmitted
	}

	if next.rank() < cur.rank() {
		return cur
	}

	return next
}
