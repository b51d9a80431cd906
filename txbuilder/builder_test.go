// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txbuilder

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
	"github.com/btcsuite/btcsettle/reservation"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/stretchr/testify/require"
)

var testParams = &chaincfg.RegressionNetParams

func newTestAddr(t *testing.T) btcutil.Address {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(priv.PubKey().SerializeCompressed()),
		testParams,
	)
	require.NoError(t, err)

	return addr
}

type testHarness struct {
	chain    *chaintest.Chain
	registry *reservation.Registry
	builder  *Builder
	addr     btcutil.Address
	funding  *wire.MsgTx
}

// newTestHarness funds a fresh wallet with one output per amount and
// returns a builder loaded with it.
func newTestHarness(t *testing.T, cfg Config,
	amounts ...btcutil.Amount) *testHarness {

	t.Helper()

	ctx := context.Background()
	c := chaintest.New(100)
	t.Cleanup(c.Close)

	addr := newTestAddr(t)
	_, err := c.RegisterWallet(ctx, "w", []btcutil.Address{addr})
	require.NoError(t, err)

	funding, err := c.Fund(addr, amounts...)
	require.NoError(t, err)

	registry := reservation.NewRegistry(nil)
	cfg.Chain = c
	cfg.Reservations = registry
	cfg.ChainParams = testParams

	b := New(cfg)
	require.NoError(t, b.SetWallet(ctx, "w"))

	return &testHarness{
		chain:    c,
		registry: registry,
		builder:  b,
		addr:     addr,
		funding:  funding,
	}
}

// TestCoinSelection spends 4 BTC at 1 sat/vB from outputs of 5, 3 and 2 BTC.
func TestCoinSelection(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, Config{}, 5e8, 3e8, 2e8)
	b := h.builder

	id := b.RegisterRecipient()
	require.NoError(t, b.UpdateRecipient(id, 4e8, newTestAddr(t)))
	require.NoError(t, b.SetFeePerByte(1))

	summary, err := b.Summary()
	require.NoError(t, err)
	require.True(t, summary.Initialized)
	require.True(t, summary.IsAutoSelected)
	require.Equal(t, btcutil.Amount(10e8), summary.AvailableBalance)
	require.Equal(t, btcutil.Amount(4e8), summary.BalanceToSpend)
	require.Equal(t, 1, summary.UsedTransactions)
	require.Equal(t, btcutil.Amount(5e8), summary.SelectedBalance)
	require.GreaterOrEqual(t, summary.SelectedBalance,
		summary.BalanceToSpend+summary.TotalFee)
	require.GreaterOrEqual(t, summary.TotalFee,
		btcutil.Amount(summary.TxVirtSize))
	require.True(t, summary.HasChange)
	require.Equal(t, 2, summary.OutputsCount)
	require.LessOrEqual(t, summary.BalanceToSpend+summary.TotalFee,
		summary.AvailableBalance)

	changeAddr := newTestAddr(t)
	req, err := b.CreateUnsignedTransaction(true, changeAddr)
	require.NoError(t, err)
	require.NoError(t, req.Valid())
	require.Len(t, req.Inputs, 1)
	require.Len(t, req.Tx().TxOut, 2)
	require.GreaterOrEqual(t, req.ChangeIndex, 0)
	require.Equal(t, uint32(rbfSequence), req.Tx().TxIn[0].Sequence)

	changeScript, err := txscript.PayToAddrScript(changeAddr)
	require.NoError(t, err)
	require.Equal(t, changeScript, req.Tx().TxOut[req.ChangeIndex].PkScript)
}

// TestMaxAmount spends everything to one recipient without change.
func TestMaxAmount(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, Config{}, 5e8, 3e8, 2e8)
	b := h.builder

	id := b.RegisterRecipient()
	require.NoError(t, b.UpdateRecipientMax(id, newTestAddr(t)))
	require.NoError(t, b.SetFeePerByte(2))

	summary, err := b.Summary()
	require.NoError(t, err)
	require.False(t, summary.HasChange)
	require.Equal(t, 3, summary.UsedTransactions)
	require.Equal(t, summary.AvailableBalance,
		summary.BalanceToSpend+summary.TotalFee)
	require.Equal(t, btcutil.Amount(2*summary.TxVirtSize),
		summary.TotalFee)

	req, err := b.CreateUnsignedTransaction(false, nil)
	require.NoError(t, err)
	require.Equal(t, -1, req.ChangeIndex)
	require.Len(t, req.Tx().TxOut, 1)

	second := b.RegisterRecipient()
	require.NoError(t, b.UpdateRecipientMax(second, newTestAddr(t)))
	_, err = b.Summary()
	require.ErrorIs(t, err, ErrMultipleMaxRecipients)
}

// TestSummaryConsistency checks that spend plus fee never exceeds the
// available balance and that building a request succeeds exactly when
// recipients are ready and inputs exist.
func TestSummaryConsistency(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		amounts []btcutil.Amount
		spend   btcutil.Amount
		rate    btcutil.Amount
		noAddr  bool
		wantErr error
	}{
		{
			name:    "single input covers",
			amounts: []btcutil.Amount{1e6},
			spend:   5e5,
			rate:    5,
		},
		{
			name:    "needs all inputs",
			amounts: []btcutil.Amount{4e5, 4e5, 4e5},
			spend:   1e6,
			rate:    10,
		},
		{
			name:    "fee pushes over balance",
			amounts: []btcutil.Amount{1e5},
			spend:   99900,
			rate:    10,
			wantErr: ErrInsufficientFunds,
		},
		{
			name:    "recipient without address",
			amounts: []btcutil.Amount{1e6},
			spend:   1e5,
			rate:    1,
			noAddr:  true,
			wantErr: ErrRecipientsNotReady,
		},
		{
			name:    "empty wallet",
			spend:   1e5,
			rate:    1,
			wantErr: ErrNoInputs,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			h := newTestHarness(t, Config{}, test.amounts...)
			b := h.builder

			var addr btcutil.Address
			if !test.noAddr {
				addr = newTestAddr(t)
			}
			id := b.RegisterRecipient()
			require.NoError(t, b.UpdateRecipient(
				id, test.spend, addr,
			))
			require.NoError(t, b.SetFeePerByte(test.rate))

			summary, err := b.Summary()
			_, reqErr := b.CreateUnsignedTransaction(
				false, newTestAddr(t),
			)
			if test.wantErr != nil {
				require.ErrorIs(t, err, test.wantErr)
				require.ErrorIs(t, reqErr, test.wantErr)
				require.False(t, summary.Initialized)
				return
			}

			require.NoError(t, err)
			require.NoError(t, reqErr)
			require.LessOrEqual(t,
				summary.BalanceToSpend+summary.TotalFee,
				summary.AvailableBalance)
			require.GreaterOrEqual(t, summary.TotalFee,
				test.rate*btcutil.Amount(summary.TxVirtSize))
		})
	}
}

// TestReservedInputsExcluded checks that reserved outputs are never
// selected and that releasing them makes them available again.
func TestReservedInputsExcluded(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, Config{}, 5e8, 3e8)
	b := h.builder

	all := b.SpendableInputs()
	require.Len(t, all, 2)

	var big wtxmgr.Credit
	for _, in := range all {
		if in.Amount == 5e8 {
			big = in.Credit
		}
	}
	require.NoError(t, h.registry.Reserve(
		"w", "other-trade", []wtxmgr.Credit{big},
	))

	id := b.RegisterRecipient()
	require.NoError(t, b.UpdateRecipient(id, 1e8, newTestAddr(t)))
	require.NoError(t, b.SetFeePerByte(1))

	summary, err := b.Summary()
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(3e8), summary.AvailableBalance)
	require.Equal(t, btcutil.Amount(3e8), summary.SelectedBalance)
	for _, c := range b.SelectedInputs() {
		require.NotEqual(t, big.OutPoint, c.OutPoint)
	}

	h.registry.Unreserve("other-trade")
	require.Len(t, b.SpendableInputs(), 2)
}

// TestDisableUpdates checks that bulk edits recompute once at the end.
func TestDisableUpdates(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, Config{}, 5e8)
	b := h.builder
	require.NoError(t, b.SetFeePerByte(1))

	b.DisableUpdates()
	b.DisableUpdates()
	for i := 0; i < 5; i++ {
		id := b.RegisterRecipient()
		require.NoError(t, b.UpdateRecipient(
			id, 1e7, newTestAddr(t),
		))
	}

	summary, _ := b.Summary()
	require.False(t, summary.Initialized)

	b.EnableUpdates()
	summary, _ = b.Summary()
	require.False(t, summary.Initialized)

	b.EnableUpdates()
	summary, err := b.Summary()
	require.NoError(t, err)
	require.True(t, summary.Initialized)
	require.Equal(t, btcutil.Amount(5e7), summary.BalanceToSpend)
	require.Equal(t, 6, summary.OutputsCount)
}

// TestTotalFeeAndManualSelection covers the absolute fee mode and manual
// input selection.
func TestTotalFeeAndManualSelection(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, Config{}, 5e8, 3e8, 2e8)
	b := h.builder

	id := b.RegisterRecipient()
	require.NoError(t, b.UpdateRecipient(id, 4e8, newTestAddr(t)))
	require.NoError(t, b.SetTotalFee(5000))

	summary, err := b.Summary()
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(5000), summary.TotalFee)
	require.True(t, summary.HasChange)

	// Setting a rate clears the absolute fee.
	require.NoError(t, b.SetFeePerByte(3))
	summary, err = b.Summary()
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(3), summary.FeePerByte)
	require.NotEqual(t, btcutil.Amount(5000), summary.TotalFee)

	small := []wire.OutPoint{
		{Hash: h.funding.TxHash(), Index: 1},
		{Hash: h.funding.TxHash(), Index: 2},
	}
	b.SelectInputs(small)
	summary, err = b.Summary()
	require.NoError(t, err)
	require.False(t, summary.IsAutoSelected)
	require.Equal(t, 2, summary.UsedTransactions)
	require.Equal(t, btcutil.Amount(5e8), summary.SelectedBalance)

	b.SelectInputs(small[:1])
	summary, err = b.Summary()
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.False(t, summary.Initialized)

	b.SelectInputs([]wire.OutPoint{{Hash: chainhash.Hash{1}}})
	_, err = b.Summary()
	require.ErrorIs(t, err, ErrUnknownInput)

	b.UseAutoSelection()
	summary, err = b.Summary()
	require.NoError(t, err)
	require.True(t, summary.IsAutoSelected)
}

// TestSegWitOnly checks that legacy outputs are ignored by segwit-only
// builders.
func TestSegWitOnly(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, Config{SegWitOnly: true}, 1e8)

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	legacy, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(priv.PubKey().SerializeCompressed()),
		testParams,
	)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = h.chain.RegisterWallet(ctx, "w", []btcutil.Address{legacy})
	require.NoError(t, err)
	_, err = h.chain.Fund(legacy, 2e8)
	require.NoError(t, err)
	require.NoError(t, h.builder.Reload(ctx))

	inputs := h.builder.SpendableInputs()
	require.Len(t, inputs, 1)
	require.Equal(t, KindP2WPKH, inputs[0].Kind)
}

// TestSizeGuard checks the fallback estimator and the size ceiling.
func TestSizeGuard(t *testing.T) {
	t.Parallel()

	newBuilder := func(n int) *Builder {
		b := New(Config{ChainParams: testParams})
		b.walletID = "w"
		pkScript := append([]byte{0x00, 0x14}, make([]byte, 20)...)
		for i := 0; i < n; i++ {
			b.listing = append(b.listing, wtxmgr.Credit{
				OutPoint: wire.OutPoint{
					Hash:  chainhash.Hash{byte(i), byte(i >> 8)},
					Index: uint32(i),
				},
				Amount:   1e5,
				PkScript: pkScript,
			})
		}
		return b
	}

	// A broken primary estimator falls back to the independent one.
	b := newBuilder(3)
	b.sizer = func([]Input, []*wire.TxOut, int) int {
		return MaxStandardVirtualSize + 1
	}
	id := b.RegisterRecipient()
	require.NoError(t, b.UpdateRecipientMax(id, newTestAddr(t)))
	require.NoError(t, b.SetFeePerByte(1))

	summary, err := b.Summary()
	require.NoError(t, err)
	require.Less(t, summary.TxVirtSize, MaxStandardVirtualSize)

	// Too many inputs fail under both estimators.
	b = newBuilder(2000)
	b.sizer = func([]Input, []*wire.TxOut, int) int {
		return MaxStandardVirtualSize + 1
	}
	id = b.RegisterRecipient()
	require.NoError(t, b.UpdateRecipientMax(id, newTestAddr(t)))
	require.NoError(t, b.SetFeePerByte(1))

	_, err = b.Summary()
	require.ErrorIs(t, err, ErrTxTooLarge)
}

// TestFeeRateLimits checks fee validation.
func TestFeeRateLimits(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, Config{MaxFeeRate: 50}, 1e8)
	b := h.builder

	require.ErrorIs(t, b.SetFeePerByte(51), ErrFeeRateTooLarge)
	require.ErrorIs(t, b.SetFeePerByte(-1), ErrInvalidAmount)

	id := b.RegisterRecipient()
	require.NoError(t, b.UpdateRecipient(id, 1e7, newTestAddr(t)))
	_, err := b.Summary()
	require.ErrorIs(t, err, ErrMissingFeeRate)

	h.chain.SetFeeRate(7)
	require.NoError(t, b.EstimateFeeRate(context.Background(),
		DefaultFeeTarget))
	summary, err := b.Summary()
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(7), summary.FeePerByte)

	require.ErrorIs(t, b.UpdateRecipient(99, 1, nil), ErrUnknownRecipient)
}
