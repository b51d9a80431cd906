// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcsettle/internal/chaintest"
	"github.com/btcsuite/btcsettle/settleaddr"
	"github.com/btcsuite/btcsettle/signer"
	"github.com/btcsuite/btcsettle/txbuilder"
	"github.com/btcsuite/btcsettle/verify"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/stretchr/testify/require"
)

var params = &chaincfg.RegressionNetParams

type harness struct {
	t       *testing.T
	chain   *chaintest.Chain
	signer  *signer.Local
	addr    *settleaddr.Address
	monitor *Monitor

	payins    chan Payin
	payouts   chan Payout
	confirmed chan Payout
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	c := chaintest.New(100)
	t.Cleanup(c.Close)

	l := signer.NewLocal(params)
	t.Cleanup(l.Stop)

	keys := make(map[string]*btcec.PrivateKey)
	for _, walletID := range []string{"buyer", "seller"} {
		key, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		require.NoError(t, l.AddWallet(walletID, key, nil, false))
		keys[walletID] = key
	}

	addr, err := settleaddr.New(
		"trade-"+t.Name(), keys["buyer"].PubKey(),
		keys["seller"].PubKey(), params,
	)
	require.NoError(t, err)

	for _, walletID := range []string{"buyer", "seller"} {
		err := l.SyncAddresses(context.Background(),
			[]signer.AddressPair{{
				WalletID: walletID,
				Address:  addr.Address(),
			}})
		require.NoError(t, err)
	}

	m := New(Config{
		Chain:   c,
		Engine:  verify.NewEngine(verify.Config{Chain: c}),
		Address: addr,
	})
	t.Cleanup(m.Stop)

	return &harness{
		t:         t,
		chain:     c,
		signer:    l,
		addr:      addr,
		monitor:   m,
		payins:    make(chan Payin, 100),
		payouts:   make(chan Payout, 100),
		confirmed: make(chan Payout, 100),
	}
}

func (h *harness) start() {
	h.t.Helper()

	err := h.monitor.Start(context.Background(),
		func(p Payin) { h.payins <- p },
		func(p Payout) { h.payouts <- p },
		func(p Payout) { h.confirmed <- p },
	)
	require.NoError(h.t, err)
}

// payout signs a transaction spending the pay-in's settlement output with
// the given wallet's key.
func (h *harness) payout(payin *wire.MsgTx, walletID string) *wire.MsgTx {
	h.t.Helper()

	recv, err := h.signer.Address(walletID)
	require.NoError(h.t, err)

	req, err := txbuilder.CreatePayoutRequest(walletID, wtxmgr.Credit{
		OutPoint: wire.OutPoint{Hash: payin.TxHash(), Index: 0},
		Amount:   btcutil.Amount(payin.TxOut[0].Value),
		PkScript: payin.TxOut[0].PkScript,
	}, h.addr.WitnessScript, recv, 2)
	require.NoError(h.t, err)
	req.SettlementID = h.addr.SettlementID

	sub := h.signer.Subscribe()
	defer sub.Cancel()

	id, err := h.signer.SignPartialTXRequest(
		context.Background(), req, false, nil,
	)
	require.NoError(h.t, err)

	select {
	case res := <-sub.Notifications():
		require.Equal(h.t, id, res.RequestID)
		require.NoError(h.t, res.Err())
		return res.SignedTx
	case <-time.After(5 * time.Second):
		h.t.Fatal("timeout waiting for signature")
	}

	return nil
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for callback")
	}

	var zero T
	return zero
}

func requireQuiet[T any](t *testing.T, ch <-chan T) {
	t.Helper()

	select {
	case v := <-ch:
		t.Fatalf("unexpected callback %v", v)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestMonitorLifecycle walks a monitor through pay-in, pay-out and final
// confirmation.
func TestMonitorLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.Equal(t, StateIdle, h.monitor.State())
	require.EqualValues(t, 6, h.monitor.ConfirmationsThreshold())

	h.start()
	require.Equal(t, StateWatchingForPayin, h.monitor.State())

	payin, err := h.chain.Fund(h.addr.Address(), btcutil.SatoshiPerBitcoin)
	require.NoError(t, err)

	// Seen in the mempool, then mined.
	p := recv(t, h.payins)
	require.Equal(t, payin.TxHash(), p.Hash)
	require.Equal(t, btcutil.Amount(btcutil.SatoshiPerBitcoin), p.Value)
	require.Equal(t, []uint32{0}, p.Outputs)
	require.Zero(t, p.Confirmations)

	p = recv(t, h.payins)
	require.EqualValues(t, 1, p.Confirmations)
	require.Equal(t, StateWatchingForPayout, h.monitor.State())

	payout := h.payout(payin, "seller")
	h.chain.AddTx(payout)

	po := recv(t, h.payouts)
	require.Equal(t, payout.TxHash(), po.Hash)
	require.Equal(t, verify.SignedBySeller, po.Signer)
	require.NoError(t, po.SignerErr)
	require.Zero(t, po.Confirmations)
	require.Equal(t, StatePayoutSeen, h.monitor.State())

	for i := int32(1); i < h.monitor.ConfirmationsThreshold(); i++ {
		h.chain.MineBlock()
		require.Equal(t, i, recv(t, h.payouts).Confirmations)
	}
	requireQuiet(t, h.confirmed)

	h.chain.MineBlock()
	final := recv(t, h.confirmed)
	require.EqualValues(t, 6, final.Confirmations)
	require.Equal(t, verify.SignedBySeller, final.Signer)
	require.Equal(t, StatePayoutConfirmed, h.monitor.State())

	h.monitor.Stop()
	h.monitor.Stop()
	require.Equal(t, StateIdle, h.monitor.State())

	// Drain what was delivered before Stop, then expect silence.
	for len(h.payins) > 0 || len(h.payouts) > 0 {
		select {
		case <-h.payins:
		case <-h.payouts:
		}
	}
	h.chain.MineBlock()
	requireQuiet(t, h.payouts)
	requireQuiet(t, h.confirmed)
}

// TestMonitorConfirmationsMonotonic checks the reported depth of a
// transaction never decreases, and that history found at start is
// reported.
func TestMonitorConfirmationsMonotonic(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	payin, err := h.chain.Fund(h.addr.Address(), 50_000_000)
	require.NoError(t, err)
	h.chain.MineBlocks(2)

	h.start()
	p := recv(t, h.payins)
	require.Equal(t, payin.TxHash(), p.Hash)
	require.EqualValues(t, 3, p.Confirmations)

	last := p.Confirmations
	for i := 0; i < 5; i++ {
		h.chain.MineBlock()
		p := recv(t, h.payins)
		require.Greater(t, p.Confirmations, last)
		last = p.Confirmations
	}
}

func TestMonitorPayoutByBuyer(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start()

	payin, err := h.chain.Fund(h.addr.Address(), 20_000_000)
	require.NoError(t, err)
	recv(t, h.payins)
	recv(t, h.payins)

	h.chain.AddConfirmedTx(h.payout(payin, "buyer"))

	po := recv(t, h.payouts)
	require.Equal(t, verify.SignedByBuyer, po.Signer)
}

func TestMonitorStartStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	err := h.monitor.Start(context.Background(), nil, nil, nil)
	require.ErrorIs(t, err, ErrNoCallback)

	h.start()
	err = h.monitor.Start(context.Background(),
		func(Payin) {}, func(Payout) {}, func(Payout) {})
	require.ErrorIs(t, err, ErrAlreadyStarted)

	// Stop on a monitor that never started is a no-op, and it cannot be
	// started afterwards.
	idle := New(Config{Chain: h.chain, Address: h.addr})
	idle.Stop()
	err = idle.Start(context.Background(),
		func(Payin) {}, func(Payout) {}, func(Payout) {})
	require.ErrorIs(t, err, ErrAlreadyStarted)
}

// gatedChain holds RegisterWallet until released and tracks registrations
// that were never unregistered.
type gatedChain struct {
	*chaintest.Chain

	entered chan struct{}
	release chan struct{}

	mtx  sync.Mutex
	live map[string]struct{}
}

func (g *gatedChain) RegisterWallet(ctx context.Context, walletID string,
	addrs []btcutil.Address) (string, error) {

	close(g.entered)
	<-g.release

	regID, err := g.Chain.RegisterWallet(ctx, walletID, addrs)
	if err == nil {
		g.mtx.Lock()
		g.live[regID] = struct{}{}
		g.mtx.Unlock()
	}

	return regID, err
}

func (g *gatedChain) UnregisterWallet(regID string) {
	g.mtx.Lock()
	delete(g.live, regID)
	g.mtx.Unlock()

	g.Chain.UnregisterWallet(regID)
}

// TestMonitorStopDuringStart checks a Stop that overtakes a registering
// Start leaves no registration behind.
func TestMonitorStopDuringStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	gc := &gatedChain{
		Chain:   h.chain,
		entered: make(chan struct{}),
		release: make(chan struct{}),
		live:    make(map[string]struct{}),
	}
	m := New(Config{
		Chain:   gc,
		Engine:  verify.NewEngine(verify.Config{Chain: h.chain}),
		Address: h.addr,
	})

	errs := make(chan error, 1)
	go func() {
		errs <- m.Start(context.Background(),
			func(Payin) {}, func(Payout) {}, func(Payout) {})
	}()

	recv(t, gc.entered)
	m.Stop()
	close(gc.release)

	require.ErrorIs(t, recv(t, errs), ErrStopped)
	require.Equal(t, StateIdle, m.State())

	gc.mtx.Lock()
	defer gc.mtx.Unlock()
	require.Empty(t, gc.live)
}
