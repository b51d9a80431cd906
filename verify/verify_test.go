// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package verify

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcsettle/internal/chaintest"
	"github.com/stretchr/testify/require"
)

var testParams = &chaincfg.RegressionNetParams

func newTestKey(t *testing.T) (*btcec.PrivateKey, btcutil.Address) {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(priv.PubKey().SerializeCompressed()),
		testParams,
	)
	require.NoError(t, err)

	return priv, addr
}

func newTestAddr(t *testing.T) btcutil.Address {
	_, addr := newTestKey(t)
	return addr
}

// spendTx returns a transaction spending the given outputs and paying each
// value to its address.
func spendTx(t *testing.T, prevs []wire.OutPoint, values []int64,
	addrs []btcutil.Address) *wire.MsgTx {

	t.Helper()

	tx := wire.NewMsgTx(wire.TxVersion)
	for i := range prevs {
		tx.AddTxIn(wire.NewTxIn(&prevs[i], nil, nil))
	}
	for i, value := range values {
		pkScript, err := txscript.PayToAddrScript(addrs[i])
		require.NoError(t, err)
		tx.AddTxOut(wire.NewTxOut(value, pkScript))
	}

	return tx
}

func outPoint(tx *wire.MsgTx, idx uint32) wire.OutPoint {
	return wire.OutPoint{Hash: tx.TxHash(), Index: idx}
}

// TestFindRecipAddress checks the value split reported for an address.
func TestFindRecipAddress(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := chaintest.New(100)
	defer c.Close()

	funder := newTestAddr(t)
	fund, err := c.Fund(funder, 7000, 3000)
	require.NoError(t, err)

	target, other := newTestAddr(t), newTestAddr(t)
	tx := spendTx(t,
		[]wire.OutPoint{outPoint(fund, 0), outPoint(fund, 1)},
		[]int64{4000, 2000, 3500},
		[]btcutil.Address{target, other, target},
	)

	e := NewEngine(Config{Chain: c})
	res, err := e.FindRecipAddress(ctx, tx, target)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(7500), res.ValueToAddress)
	require.Equal(t, btcutil.Amount(2000), res.ValueToOthers)
	require.Equal(t, btcutil.Amount(10000), res.TotalInputValue)
	require.Equal(t, btcutil.Amount(500), res.Fee())

	_, err = e.FindRecipAddress(ctx, tx, funder)
	require.ErrorIs(t, err, ErrRecipNotFound)

	ok, err := PaysAtLeast(tx, target, 7500)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = PaysAtLeast(tx, target, 7501)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = PaysAtLeast(tx, funder, 1)
	require.NoError(t, err)
	require.False(t, ok)

	// Inputs that cannot be fetched fail the lookup.
	c.FailLookup(fund.TxHash())
	_, err = NewEngine(Config{Chain: c}).FindRecipAddress(ctx, tx, target)
	require.ErrorIs(t, err, ErrLookupFailed)
}

// authChain is root -> a -> b -> c -> spend, each hop paying the next
// address.
type authChain struct {
	root, a, b, c btcutil.Address
	txs           []*wire.MsgTx
	spend         *wire.MsgTx
}

func newAuthChain(t *testing.T, ch *chaintest.Chain,
	values [4]int64) *authChain {

	t.Helper()

	ac := &authChain{
		root: newTestAddr(t),
		a:    newTestAddr(t),
		b:    newTestAddr(t),
		c:    newTestAddr(t),
	}

	fund, err := ch.Fund(ac.root, btcutil.Amount(values[0]))
	require.NoError(t, err)

	prev := fund
	ac.txs = append(ac.txs, fund)
	for i, addr := range []btcutil.Address{ac.a, ac.b, ac.c} {
		tx := spendTx(t, []wire.OutPoint{outPoint(prev, 0)},
			[]int64{values[i+1]}, []btcutil.Address{addr})
		ch.AddConfirmedTx(tx)
		ac.txs = append(ac.txs, tx)
		prev = tx
	}

	ac.spend = spendTx(t, []wire.OutPoint{outPoint(prev, 0)},
		[]int64{values[3] - 100}, []btcutil.Address{newTestAddr(t)})

	return ac
}

// TestHasInputAddress walks lot-preserving chains back to a root address.
func TestHasInputAddress(t *testing.T) {
	t.Parallel()

	const lot = 1000

	tests := []struct {
		name    string
		values  [4]int64
		lot     btcutil.Amount
		target  func(ac *authChain) btcutil.Address
		found   bool
		failIdx int
		wantErr error
	}{
		{
			name:    "value preserved",
			values:  [4]int64{5000, 5000, 4000, 3000},
			lot:     lot,
			target:  func(ac *authChain) btcutil.Address { return ac.root },
			found:   true,
			failIdx: -1,
		},
		{
			name:    "intermediate address",
			values:  [4]int64{5000, 5000, 4000, 3000},
			lot:     lot,
			target:  func(ac *authChain) btcutil.Address { return ac.b },
			found:   true,
			failIdx: -1,
		},
		{
			name:    "divisibility broken",
			values:  [4]int64{5000, 5000, 4500, 3000},
			lot:     lot,
			target:  func(ac *authChain) btcutil.Address { return ac.root },
			failIdx: -1,
		},
		{
			name:    "no lot size",
			values:  [4]int64{5000, 5000, 4500, 3001},
			target:  func(ac *authChain) btcutil.Address { return ac.root },
			found:   true,
			failIdx: -1,
		},
		{
			name:    "unrelated address",
			values:  [4]int64{5000, 5000, 4000, 3000},
			lot:     lot,
			target:  func(*authChain) btcutil.Address { return nil },
			failIdx: -1,
		},
		{
			name:    "lookup failure",
			values:  [4]int64{5000, 5000, 4000, 3000},
			lot:     lot,
			target:  func(ac *authChain) btcutil.Address { return ac.root },
			failIdx: 1,
			wantErr: ErrLookupFailed,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			ch := chaintest.New(100)
			defer ch.Close()

			ac := newAuthChain(t, ch, test.values)
			if test.failIdx >= 0 {
				ch.FailLookup(ac.txs[test.failIdx].TxHash())
			}

			target := test.target(ac)
			if target == nil {
				target = newTestAddr(t)
			}

			e := NewEngine(Config{Chain: ch})
			found, err := e.HasInputAddress(
				context.Background(), ac.spend, target, test.lot,
			)
			require.Equal(t, test.found, found)
			if test.wantErr != nil {
				require.ErrorIs(t, err, test.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

// TestHasInputAddressBranches checks that a failed branch does not hide a
// successful one. It also checks the depth limit, down to direct spends.
func TestHasInputAddressBranches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ch := chaintest.New(100)
	defer ch.Close()

	ac := newAuthChain(t, ch, [4]int64{5000, 5000, 4000, 3000})

	broken, err := ch.Fund(newTestAddr(t), 1000)
	require.NoError(t, err)
	ch.FailLookup(broken.TxHash())

	spend := spendTx(t,
		[]wire.OutPoint{outPoint(broken, 0), outPoint(ac.txs[3], 0)},
		[]int64{3900}, []btcutil.Address{newTestAddr(t)},
	)

	e := NewEngine(Config{Chain: ch})
	found, err := e.HasInputAddress(ctx, spend, ac.root, 1000)
	require.NoError(t, err)
	require.True(t, found)

	addr, err := e.HasAnyInputAddress(
		ctx, spend, []btcutil.Address{newTestAddr(t), ac.root}, 1000,
	)
	require.NoError(t, err)
	require.Equal(t, ac.root, addr)

	shallow := NewEngine(Config{Chain: ch, MaxWalkDepth: 2})
	found, err = shallow.HasInputAddress(ctx, ac.spend, ac.root, 1000)
	require.NoError(t, err)
	require.False(t, found)

	found, err = shallow.HasInputAddress(ctx, ac.spend, ac.b, 1000)
	require.NoError(t, err)
	require.True(t, found)

	// Only the spend's own inputs count for a direct spend.
	addr, err = e.SpendsFromAny(
		ctx, ac.spend, []btcutil.Address{ac.root, ac.b},
	)
	require.NoError(t, err)
	require.Nil(t, addr)

	addr, err = e.SpendsFromAny(
		ctx, ac.spend, []btcutil.Address{ac.root, ac.c},
	)
	require.NoError(t, err)
	require.Equal(t, ac.c, addr)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = e.HasInputAddress(cancelled, ac.spend, ac.root, 1000)
	require.ErrorIs(t, err, context.Canceled)
}

// TestTxCache checks that confirmed transactions are served from cache.
func TestTxCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ch := chaintest.New(100)
	defer ch.Close()

	fund, err := ch.Fund(newTestAddr(t), 1000)
	require.NoError(t, err)

	e := NewEngine(Config{Chain: ch})
	_, err = e.fetchTx(ctx, fund.TxHash())
	require.NoError(t, err)

	ch.FailLookup(fund.TxHash())
	tx, err := e.fetchTx(ctx, fund.TxHash())
	require.NoError(t, err)
	require.Equal(t, fund.TxHash(), tx.TxHash())

	_, err = e.fetchTx(ctx, chainhash.Hash{1})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrLookupFailed)
}
