// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaintest

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcsettle/chain"
	"github.com/stretchr/testify/require"
)

// TestChainLifecycle funds a registered wallet, spends from it and checks the
// spendable sets and notifications along the way.
func TestChainLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := New(100)
	defer c.Close()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(priv.PubKey().SerializeCompressed()),
		&chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)
	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	regID, err := c.RegisterWallet(ctx, "w", []btcutil.Address{addr})
	require.NoError(t, err)

	sub := c.Subscribe()
	defer sub.Cancel()

	fund, err := c.Fund(addr, 5000, 7000)
	require.NoError(t, err)

	// The relevant tx arrives from the mempool, then again when mined,
	// and its block follows.
	n := <-sub.Notifications()
	rel, ok := n.(chain.RelevantTx)
	require.True(t, ok)
	require.True(t, rel.HasRegistration(regID))
	require.Nil(t, rel.Block)

	n = <-sub.Notifications()
	rel, ok = n.(chain.RelevantTx)
	require.True(t, ok)
	require.Equal(t, fund.TxHash(), rel.TxRecord.Hash)
	require.NotNil(t, rel.Block)
	require.Equal(t, int32(101), rel.Block.Height)

	n = <-sub.Notifications()
	require.Equal(t, int32(101), n.(chain.BlockConnected).Height)

	credits, err := c.SpendableOutputs(ctx, "w")
	require.NoError(t, err)
	require.Len(t, credits, 2)

	spend := wire.NewMsgTx(wire.TxVersion)
	spend.AddTxIn(wire.NewTxIn(
		&wire.OutPoint{Hash: fund.TxHash(), Index: 0}, nil, nil,
	))
	spend.AddTxOut(wire.NewTxOut(4000, pkScript))

	ok, err = c.BroadcastZC(ctx, spend)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, c.Broadcasts(), 1)

	select {
	case n = <-sub.Notifications():
		require.Nil(t, n.(chain.RelevantTx).Block)
	case <-time.After(time.Second):
		t.Fatal("no mempool notification")
	}

	credits, err = c.SpendableOutputs(ctx, "w")
	require.NoError(t, err)
	require.Len(t, credits, 1)

	zc, err := c.SpendableZC(ctx, "w")
	require.NoError(t, err)
	require.Len(t, zc, 1)
	require.Equal(t, btcutil.Amount(4000), zc[0].Amount)

	entry, err := c.GetTx(ctx, fund.TxHash())
	require.NoError(t, err)
	require.Equal(t, int32(1), entry.Confirmations(101))

	c.FailLookup(fund.TxHash())
	_, err = c.GetTx(ctx, fund.TxHash())
	require.Error(t, err)
	require.NotErrorIs(t, err, chain.ErrTxNotFound)

	_, err = c.GetTx(ctx, spend.TxIn[0].PreviousOutPoint.Hash)
	require.Error(t, err)

	c.RejectBroadcasts(true)
	ok, err = c.BroadcastZC(ctx, spend)
	require.ErrorIs(t, err, ErrBroadcastRejected)
	require.False(t, ok)
}
