// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/stretchr/testify/require"
)

func newTestAddr(t *testing.T) (btcutil.Address, []byte) {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(priv.PubKey().SerializeCompressed()),
		&chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return addr, pkScript
}

func newTestTx(prevOut wire.OutPoint, outputs ...*wire.TxOut) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&prevOut, nil, nil))
	for _, out := range outputs {
		tx.AddTxOut(out)
	}

	return tx
}

// TestRegistrationsMatch checks that payments to a registered address and
// later spends of those outputs are both scoped to the registration.
func TestRegistrationsMatch(t *testing.T) {
	t.Parallel()

	addrA, scriptA := newTestAddr(t)
	_, scriptB := newTestAddr(t)

	regs := NewRegistrations()
	regA, err := regs.Register("walletA", []btcutil.Address{addrA})
	require.NoError(t, err)

	// A transaction paying someone else is not relevant.
	other := newTestTx(
		wire.OutPoint{Hash: chainhash.Hash{1}},
		wire.NewTxOut(1000, scriptB),
	)
	ids, newOps := regs.Match(other)
	require.Empty(t, ids)
	require.Empty(t, newOps)

	// Paying addrA is relevant and starts tracking the outpoint.
	pay := newTestTx(
		wire.OutPoint{Hash: chainhash.Hash{2}},
		wire.NewTxOut(5000, scriptB), wire.NewTxOut(7000, scriptA),
	)
	ids, newOps = regs.Match(pay)
	require.Equal(t, []string{regA}, ids)
	require.Equal(t, []wire.OutPoint{{Hash: pay.TxHash(), Index: 1}},
		newOps)

	// Matching the same transaction again adds nothing new.
	_, newOps = regs.Match(pay)
	require.Empty(t, newOps)

	// Spending the tracked output to a foreign script is relevant.
	spend := newTestTx(
		wire.OutPoint{Hash: pay.TxHash(), Index: 1},
		wire.NewTxOut(6000, scriptB),
	)
	ids, _ = regs.Match(spend)
	require.Equal(t, []string{regA}, ids)

	addrs, ops := regs.Watched()
	require.Len(t, addrs, 1)
	require.Len(t, ops, 1)

	require.True(t, regs.Unregister(regA))
	require.False(t, regs.Unregister(regA))
	ids, _ = regs.Match(spend)
	require.Empty(t, ids)

	_, err = regs.WalletAddrs("walletA")
	require.ErrorIs(t, err, ErrUnknownWallet)
}

// TestWalletAddrsUnion checks that several registrations of one wallet are
// merged without duplicates.
func TestWalletAddrsUnion(t *testing.T) {
	t.Parallel()

	addrA, _ := newTestAddr(t)
	addrB, _ := newTestAddr(t)

	regs := NewRegistrations()
	_, err := regs.Register("w", []btcutil.Address{addrA})
	require.NoError(t, err)
	_, err = regs.Register("w", []btcutil.Address{addrA, addrB})
	require.NoError(t, err)

	addrs, err := regs.WalletAddrs("w")
	require.NoError(t, err)
	require.Len(t, addrs, 2)

	scripts, err := regs.WalletScripts("w")
	require.NoError(t, err)
	require.Len(t, scripts, 2)
}

// TestSpendableCredits derives the unspent set from a small history with a
// mined payment, a mempool payment and a spent output.
func TestSpendableCredits(t *testing.T) {
	t.Parallel()

	_, script := newTestAddr(t)
	_, foreign := newTestAddr(t)

	block := &wtxmgr.BlockMeta{
		Block: wtxmgr.Block{Hash: chainhash.Hash{9}, Height: 100},
		Time:  time.Unix(1700000000, 0),
	}

	mined := newTestTx(
		wire.OutPoint{Hash: chainhash.Hash{3}},
		wire.NewTxOut(1000, script), wire.NewTxOut(2000, script),
		wire.NewTxOut(3000, foreign),
	)
	spend := newTestTx(
		wire.OutPoint{Hash: mined.TxHash(), Index: 0},
		wire.NewTxOut(900, foreign),
	)
	pending := newTestTx(
		wire.OutPoint{Hash: chainhash.Hash{4}},
		wire.NewTxOut(4000, script),
	)

	history := []*TxEntry{
		NewTxEntry(mined, block),
		NewTxEntry(spend, nil),
		NewTxEntry(pending, nil),
		NewTxEntry(mined, block),
	}

	confirmed, unconfirmed := SpendableCredits(history, [][]byte{script})
	require.Len(t, confirmed, 1)
	require.Equal(t, wire.OutPoint{Hash: mined.TxHash(), Index: 1},
		confirmed[0].OutPoint)
	require.Equal(t, btcutil.Amount(2000), confirmed[0].Amount)
	require.Equal(t, int32(100), confirmed[0].Height)

	require.Len(t, unconfirmed, 1)
	require.Equal(t, btcutil.Amount(4000), unconfirmed[0].Amount)
	require.Equal(t, int32(-1), unconfirmed[0].Height)
}

func TestTxEntryConfirmations(t *testing.T) {
	t.Parallel()

	tx := newTestTx(wire.OutPoint{})
	require.Zero(t, NewTxEntry(tx, nil).Confirmations(10))

	entry := NewTxEntry(tx, &wtxmgr.BlockMeta{
		Block: wtxmgr.Block{Height: 8},
	})
	require.Equal(t, int32(3), entry.Confirmations(10))
	require.Zero(t, entry.Confirmations(7))
}
