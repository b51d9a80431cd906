// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package authaddr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcsettle/internal/chaintest"
	"github.com/btcsuite/btcsettle/verify"
	"github.com/stretchr/testify/require"
)

var params = &chaincfg.RegressionNetParams

const lotSize = btcutil.Amount(1_000_000)

type transition struct {
	addr     string
	from, to State
}

type harness struct {
	t       *testing.T
	chain   *chaintest.Chain
	root    btcutil.Address
	manager *Manager

	mtx     sync.Mutex
	changes []transition
}

func newAddr(t *testing.T) btcutil.Address {
	t.Helper()

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(key.PubKey().SerializeCompressed()), params,
	)
	require.NoError(t, err)

	return addr
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	c := chaintest.New(100)
	t.Cleanup(c.Close)

	h := &harness{t: t, chain: c, root: newAddr(t)}

	m, err := New(Config{
		Chain:       c,
		Engine:      verify.NewEngine(verify.Config{Chain: c}),
		ChainParams: params,
		Roots:       []btcutil.Address{h.root},
		LotSize:     lotSize,
		OnChange: func(addr btcutil.Address, from, to State) {
			h.mtx.Lock()
			defer h.mtx.Unlock()

			h.changes = append(h.changes, transition{
				addr: addr.EncodeAddress(), from: from, to: to,
			})
		},
	})
	require.NoError(t, err)
	h.manager = m

	return h
}

func (h *harness) transitions() []transition {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	return append([]transition(nil), h.changes...)
}

func payTo(t *testing.T, addr btcutil.Address,
	amt btcutil.Amount) *wire.TxOut {

	t.Helper()

	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return wire.NewTxOut(int64(amt), pkScript)
}

func spend(prev *wire.MsgTx, idx uint32, outs ...*wire.TxOut) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{
		Hash: prev.TxHash(), Index: idx,
	}, nil, nil))
	for _, out := range outs {
		tx.AddTxOut(out)
	}

	return tx
}

func (h *harness) requireState(addr btcutil.Address, want State) {
	h.t.Helper()

	require.NoError(h.t, h.manager.Refresh(context.Background()))
	state, err := h.manager.State(addr)
	require.NoError(h.t, err)
	require.Equal(h.t, want, state, "got %v want %v", state, want)
}

// TestVerificationLifecycle drives an address from unknown through
// verification, revocation by its owner, resubmission, revocation by the
// authority and blacklisting.
func TestVerificationLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	addr := newAddr(t)

	require.NoError(t, h.manager.Add(ctx, addr))
	require.ErrorIs(t, h.manager.Add(ctx, addr), ErrAddressExists)
	h.requireState(addr, StateNotSubmitted)

	require.NoError(t, h.manager.Submit(addr))
	require.ErrorIs(t, h.manager.Submit(addr), ErrInvalidTransition)
	h.requireState(addr, StateSubmitted)

	rootFund, err := h.chain.Fund(h.root, 10*btcutil.SatoshiPerBitcoin)
	require.NoError(t, err)

	verification := spend(rootFund, 0,
		payTo(t, addr, btcutil.SatoshiPerBitcoin),
		payTo(t, h.root, 899_000_000),
	)
	h.chain.AddTx(verification)
	h.requireState(addr, StateVerificationSubmitted)

	h.chain.MineBlock()
	h.requireState(addr, StatePendingVerification)
	require.False(t, h.manager.IsVerified(addr))

	h.chain.MineBlocks(4)
	h.requireState(addr, StatePendingVerification)

	h.chain.MineBlock()
	h.requireState(addr, StateVerified)
	require.True(t, h.manager.IsVerified(addr))

	ok, err := h.manager.Verify(ctx, addr)
	require.NoError(t, err)
	require.True(t, ok)

	// The owner spends the verification output.
	h.chain.AddTx(spend(verification, 0,
		payTo(t, newAddr(t), 99_000_000)))
	h.requireState(addr, StateRevoked)
	require.False(t, h.manager.IsVerified(addr))

	require.NoError(t, h.manager.Resubmit(ctx, addr))
	h.chain.MineBlock()
	h.requireState(addr, StateSubmitted)

	second := spend(verification, 1,
		payTo(t, addr, 2*btcutil.SatoshiPerBitcoin),
		payTo(t, h.root, 698_000_000),
	)
	h.chain.AddConfirmedTx(second)
	h.chain.MineBlocks(5)
	h.requireState(addr, StateVerified)

	marker, err := RevocationScript()
	require.NoError(t, err)
	h.chain.AddTx(spend(second, 1,
		payTo(t, addr, lotSize),
		wire.NewTxOut(0, marker),
		payTo(t, h.root, 696_000_000),
	))
	h.requireState(addr, StateRevokedByBS)

	require.NoError(t, h.manager.Blacklist(addr))
	h.requireState(addr, StateBlacklisted)
	require.ErrorIs(t, h.manager.Blacklist(addr), ErrInvalidTransition)
	require.ErrorIs(t, h.manager.Resubmit(ctx, addr), ErrInvalidTransition)

	want := []State{
		StateNotSubmitted, StateSubmitted, StateVerificationSubmitted,
		StatePendingVerification, StateVerified, StateRevoked,
		StateSubmitted, StateVerified, StateRevokedByBS,
		StateBlacklisted,
	}
	changes := h.transitions()
	require.Len(t, changes, len(want))
	from := StateInProgress
	for i, change := range changes {
		require.Equal(t, from, change.from, "transition %d", i)
		require.Equal(t, want[i], change.to, "transition %d", i)
		from = change.to
	}

	h.manager.Remove(addr)
	_, err = h.manager.State(addr)
	require.ErrorIs(t, err, ErrUnknownAddress)
}

// TestRevocationRequiresRoot checks a revocation marker only counts when
// a root spends into it directly. A holder of coins that descend from a
// root cannot revoke someone else's address.
func TestRevocationRequiresRoot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	victim := newAddr(t)
	require.NoError(t, h.manager.Add(ctx, victim))

	rootFund, err := h.chain.Fund(h.root, 10*btcutil.SatoshiPerBitcoin)
	require.NoError(t, err)
	stranger := newAddr(t)
	verification := spend(rootFund, 0,
		payTo(t, victim, btcutil.SatoshiPerBitcoin),
		payTo(t, stranger, 5*btcutil.SatoshiPerBitcoin),
		payTo(t, h.root, 399_000_000),
	)
	h.chain.AddConfirmedTx(verification)
	h.chain.MineBlocks(DefaultConfirmations)
	h.requireState(victim, StateVerified)

	marker, err := RevocationScript()
	require.NoError(t, err)

	// The stranger's coin came from the root one hop back.
	h.chain.AddTx(spend(verification, 1,
		payTo(t, victim, lotSize),
		wire.NewTxOut(0, marker),
		payTo(t, stranger, 498_000_000),
	))
	h.requireState(victim, StateVerified)
	require.True(t, h.manager.IsVerified(victim))

	// The root itself can.
	h.chain.AddTx(spend(verification, 2,
		payTo(t, victim, lotSize),
		wire.NewTxOut(0, marker),
		payTo(t, h.root, 397_000_000),
	))
	h.requireState(victim, StateRevokedByBS)
}

// TestUnauthorizedPayments checks payments that do not come from a root,
// or come from one in a value that breaks the lot size, never verify.
func TestUnauthorizedPayments(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	tests := []struct {
		name   string
		source func() btcutil.Address
		amount btcutil.Amount
	}{{
		name:   "stranger",
		source: func() btcutil.Address { return newAddr(t) },
		amount: btcutil.SatoshiPerBitcoin,
	}, {
		name:   "indivisible",
		source: func() btcutil.Address { return h.root },
		amount: btcutil.SatoshiPerBitcoin + lotSize/2,
	}}

	for _, test := range tests {
		addr := newAddr(t)
		require.NoError(t, h.manager.Add(ctx, addr), test.name)

		fund, err := h.chain.Fund(
			test.source(), 5*btcutil.SatoshiPerBitcoin,
		)
		require.NoError(t, err, test.name)
		h.chain.AddConfirmedTx(
			spend(fund, 0, payTo(t, addr, test.amount)),
		)
		h.chain.MineBlocks(DefaultConfirmations)

		h.requireState(addr, StateNotSubmitted)

		ok, err := h.manager.Verify(ctx, addr)
		require.NoError(t, err, test.name)
		require.False(t, ok, test.name)
	}
}

// TestVerifyUnmanaged checks one-off verification of addresses the manager
// does not track, and that answers are reused.
func TestVerifyUnmanaged(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	addr := newAddr(t)

	ok, err := h.manager.Verify(ctx, addr)
	require.NoError(t, err)
	require.False(t, ok)

	rootFund, err := h.chain.Fund(h.root, 10*btcutil.SatoshiPerBitcoin,
		10*btcutil.SatoshiPerBitcoin)
	require.NoError(t, err)
	h.chain.AddConfirmedTx(spend(rootFund, 0,
		payTo(t, addr, btcutil.SatoshiPerBitcoin)))
	h.chain.MineBlocks(DefaultConfirmations)

	// The negative answer is still cached.
	ok, err = h.manager.Verify(ctx, addr)
	require.NoError(t, err)
	require.False(t, ok)

	other := newAddr(t)
	h.chain.AddConfirmedTx(spend(rootFund, 1,
		payTo(t, other, btcutil.SatoshiPerBitcoin)))
	h.chain.MineBlocks(DefaultConfirmations)

	ok, err = h.manager.Verify(ctx, other)
	require.NoError(t, err)
	require.True(t, ok)
}

// TestVerifyLookupFailure checks a failed ancestor lookup does not verify.
func TestVerifyLookupFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	addr := newAddr(t)

	rootFund, err := h.chain.Fund(h.root, 10*btcutil.SatoshiPerBitcoin)
	require.NoError(t, err)
	h.chain.AddConfirmedTx(spend(rootFund, 0,
		payTo(t, addr, btcutil.SatoshiPerBitcoin)))
	h.chain.MineBlocks(DefaultConfirmations)
	h.chain.FailLookup(rootFund.TxHash())

	ok, err := h.manager.Verify(ctx, addr)
	require.ErrorIs(t, err, verify.ErrLookupFailed)
	require.False(t, ok)
}

func TestRun(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t)
	addr := newAddr(t)
	require.NoError(t, h.manager.Add(ctx, addr))

	done := make(chan error, 1)
	go func() { done <- h.manager.Run(ctx) }()

	rootFund, err := h.chain.Fund(h.root, 10*btcutil.SatoshiPerBitcoin)
	require.NoError(t, err)
	h.chain.AddTx(spend(rootFund, 0,
		payTo(t, addr, btcutil.SatoshiPerBitcoin)))

	// Run may subscribe after the first blocks, so keep mining until it
	// has seen enough of them.
	require.Eventually(t, func() bool {
		if h.manager.IsVerified(addr) {
			return true
		}
		h.chain.MineBlock()

		return false
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestDerive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		cur   State
		facts facts
		want  State
	}{{
		name: "nothing on chain",
		cur:  StateInProgress,
		want: StateNotSubmitted,
	}, {
		name: "submitted kept",
		cur:  StateSubmitted,
		want: StateSubmitted,
	}, {
		name:  "mempool verification",
		cur:   StateSubmitted,
		facts: facts{verified: true},
		want:  StateVerificationSubmitted,
	}, {
		name:  "buried",
		cur:   StatePendingVerification,
		facts: facts{verified: true, verifyConfs: 6},
		want:  StateVerified,
	}, {
		name:  "reorg never downgrades",
		cur:   StateVerified,
		facts: facts{verified: true, verifyConfs: 2},
		want:  StateVerified,
	}, {
		name:  "spent",
		cur:   StateVerified,
		facts: facts{verified: true, verifyConfs: 9, spent: true},
		want:  StateRevoked,
	}, {
		name:  "authority revocation",
		cur:   StateVerified,
		facts: facts{verified: true, revokedByRoot: true},
		want:  StateRevokedByBS,
	}, {
		name:  "blacklist sticky",
		cur:   StateBlacklisted,
		facts: facts{verified: true, verifyConfs: 9},
		want:  StateBlacklisted,
	}}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			got := derive(test.cur, test.facts, DefaultConfirmations)
			require.Equal(t, test.want, got)
		})
	}
}

func TestNewRequiresRoots(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.ErrorIs(t, err, ErrNoRoots)
	require.Equal(t, "RevokedByBS", StateRevokedByBS.String())
}
