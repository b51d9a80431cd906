// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chaintest provides an in-memory chain data provider. Tests add
// transactions to its mempool, mine blocks and receive the same notifications
// a node backed provider would deliver.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcsettle/chain"
	"github.com/btcsuite/btcwallet/wtxmgr"
)

// ErrBroadcastRejected is returned by BroadcastZC when rejection is enabled.
var ErrBroadcastRejected = errors.New("broadcast rejected")

// Chain is an in-memory implementation of chain.Interface.
type Chain struct {
	mtx sync.Mutex

	height int32
	tip    chainhash.Hash

	txs     map[chainhash.Hash]*chain.TxEntry
	order   []chainhash.Hash
	mempool []chainhash.Hash

	failLookups map[chainhash.Hash]struct{}
	broadcasts  []*wire.MsgTx
	rejectBcast bool
	feeRate     btcutil.Amount

	regs     *chain.Registrations
	notifier *chain.Notifier
}

// A compile-time check to ensure that Chain satisfies the chain.Interface
// interface.
var _ chain.Interface = (*Chain)(nil)

// New creates a chain whose tip sits at the given height.
func New(height int32) *Chain {
	return &Chain{
		height:      height,
		txs:         make(map[chainhash.Hash]*chain.TxEntry),
		failLookups: make(map[chainhash.Hash]struct{}),
		feeRate:     1,
		regs:        chain.NewRegistrations(),
		notifier:    chain.NewNotifier(),
	}
}

// Close cancels all subscriptions.
func (c *Chain) Close() {
	c.notifier.Close()
}

// SetFeeRate sets the rate returned by EstimateFee.
func (c *Chain) SetFeeRate(rate btcutil.Amount) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.feeRate = rate
}

// FailLookup makes every later GetTx for hash fail with a transport error.
func (c *Chain) FailLookup(hash chainhash.Hash) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.failLookups[hash] = struct{}{}
}

// RejectBroadcasts toggles broadcast rejection.
func (c *Chain) RejectBroadcasts(reject bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.rejectBcast = reject
}

// Broadcasts returns the transactions accepted through BroadcastZC.
func (c *Chain) Broadcasts() []*wire.MsgTx {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return append([]*wire.MsgTx(nil), c.broadcasts...)
}

// AddTx puts a transaction into the mempool and notifies subscribers.
func (c *Chain) AddTx(tx *wire.MsgTx) *chain.TxEntry {
	c.mtx.Lock()
	entry := chain.NewTxEntry(tx, nil)
	if _, ok := c.txs[entry.Hash]; ok {
		c.mtx.Unlock()
		return entry
	}
	c.txs[entry.Hash] = entry
	c.order = append(c.order, entry.Hash)
	c.mempool = append(c.mempool, entry.Hash)
	c.mtx.Unlock()

	c.notifyRelevant(tx, nil)

	return entry
}

// AddConfirmedTx adds a transaction and mines it in a new block.
func (c *Chain) AddConfirmedTx(tx *wire.MsgTx) *chain.TxEntry {
	c.AddTx(tx)
	c.MineBlock()

	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.txs[tx.TxHash()]
}

// MineBlock mines the mempool into a new block, notifying each relevant
// transaction followed by the block itself. It returns the new height.
func (c *Chain) MineBlock() int32 {
	c.mtx.Lock()
	c.height++
	c.tip = chainhash.DoubleHashH([]byte(fmt.Sprintf("block-%d",
		c.height)))

	block := &wtxmgr.BlockMeta{
		Block: wtxmgr.Block{Hash: c.tip, Height: c.height},
		Time:  time.Unix(1700000000+int64(c.height)*600, 0),
	}

	mined := make([]*wire.MsgTx, 0, len(c.mempool))
	for _, hash := range c.mempool {
		entry := c.txs[hash]
		entry.Block = block
		mined = append(mined, entry.Tx)
	}
	c.mempool = nil
	c.mtx.Unlock()

	for _, tx := range mined {
		c.notifyRelevant(tx, block)
	}
	c.notifier.Notify(chain.BlockConnected(*block))

	return block.Height
}

// MineBlocks mines n blocks.
func (c *Chain) MineBlocks(n int) {
	for i := 0; i < n; i++ {
		c.MineBlock()
	}
}

func (c *Chain) notifyRelevant(tx *wire.MsgTx, block *wtxmgr.BlockMeta) {
	regIDs, _ := c.regs.Match(tx)
	if len(regIDs) == 0 {
		return
	}

	rec, err := wtxmgr.NewTxRecordFromMsgTx(tx, time.Now())
	if err != nil {
		return
	}

	c.notifier.Notify(chain.RelevantTx{
		RegIDs:   regIDs,
		TxRecord: rec,
		Block:    block,
	})
}

// BestBlock returns the current tip.
func (c *Chain) BestBlock(context.Context) (int32, *chainhash.Hash, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	tip := c.tip
	return c.height, &tip, nil
}

// SpendableOutputs returns the confirmed unspent outputs of a wallet.
func (c *Chain) SpendableOutputs(ctx context.Context,
	walletID string) ([]wtxmgr.Credit, error) {

	confirmed, _, err := c.credits(ctx, walletID)
	return confirmed, err
}

// SpendableZC returns the unconfirmed unspent outputs of a wallet.
func (c *Chain) SpendableZC(ctx context.Context,
	walletID string) ([]wtxmgr.Credit, error) {

	_, unconfirmed, err := c.credits(ctx, walletID)
	return unconfirmed, err
}

func (c *Chain) credits(ctx context.Context,
	walletID string) ([]wtxmgr.Credit, []wtxmgr.Credit, error) {

	scripts, err := c.regs.WalletScripts(walletID)
	if err != nil {
		return nil, nil, err
	}

	history, err := c.TxHistory(ctx, walletID)
	if err != nil {
		return nil, nil, err
	}

	confirmed, unconfirmed := chain.SpendableCredits(history, scripts)

	return confirmed, unconfirmed, nil
}

// GetTx looks up a transaction.
func (c *Chain) GetTx(ctx context.Context,
	hash chainhash.Hash) (*chain.TxEntry, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if _, ok := c.failLookups[hash]; ok {
		return nil, fmt.Errorf("lookup of %v failed: connection reset",
			hash)
	}

	entry, ok := c.txs[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %v", chain.ErrTxNotFound, hash)
	}

	return copyEntry(entry), nil
}

// GetTxs looks up several transactions.
func (c *Chain) GetTxs(ctx context.Context,
	hashes []chainhash.Hash) ([]*chain.TxEntry, error) {

	entries := make([]*chain.TxEntry, 0, len(hashes))
	for _, hash := range hashes {
		entry, err := c.GetTx(ctx, hash)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// TxHistory returns every transaction paying or spending from the wallet's
// addresses, in insertion order.
func (c *Chain) TxHistory(_ context.Context,
	walletID string) ([]*chain.TxEntry, error) {

	scripts, err := c.regs.WalletScripts(walletID)
	if err != nil {
		return nil, err
	}
	watched := make(map[string]struct{}, len(scripts))
	for _, script := range scripts {
		watched[string(script)] = struct{}{}
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	// Two passes: outputs paying the wallet first, then transactions
	// spending any of them.
	owned := make(map[wire.OutPoint]struct{})
	for _, hash := range c.order {
		entry := c.txs[hash]
		for i, txOut := range entry.Tx.TxOut {
			if _, ok := watched[string(txOut.PkScript)]; ok {
				owned[wire.OutPoint{Hash: hash, Index: uint32(i)}] =
					struct{}{}
			}
		}
	}

	var history []*chain.TxEntry
	for _, hash := range c.order {
		entry := c.txs[hash]
		relevant := false
		for _, txOut := range entry.Tx.TxOut {
			if _, ok := watched[string(txOut.PkScript)]; ok {
				relevant = true
				break
			}
		}
		for _, txIn := range entry.Tx.TxIn {
			if _, ok := owned[txIn.PreviousOutPoint]; ok {
				relevant = true
				break
			}
		}
		if relevant {
			history = append(history, copyEntry(entry))
		}
	}

	return history, nil
}

// BroadcastZC adds the transaction to the mempool unless broadcasts are
// being rejected.
func (c *Chain) BroadcastZC(_ context.Context, tx *wire.MsgTx) (bool, error) {
	c.mtx.Lock()
	if c.rejectBcast {
		c.mtx.Unlock()
		return false, ErrBroadcastRejected
	}
	c.broadcasts = append(c.broadcasts, tx.Copy())
	c.mtx.Unlock()

	c.AddTx(tx.Copy())

	return true, nil
}

// RegisterWallet watches the addresses and primes the registration with the
// outputs already known for them.
func (c *Chain) RegisterWallet(ctx context.Context, walletID string,
	addrs []btcutil.Address) (string, error) {

	regID, err := c.regs.Register(walletID, addrs)
	if err != nil {
		return "", err
	}

	history, err := c.TxHistory(ctx, walletID)
	if err != nil {
		return "", err
	}
	for _, entry := range history {
		c.regs.Match(entry.Tx)
	}

	return regID, nil
}

// UnregisterWallet drops a registration.
func (c *Chain) UnregisterWallet(regID string) {
	c.regs.Unregister(regID)
}

// Subscribe returns a new notification subscription.
func (c *Chain) Subscribe() *chain.Subscription {
	return c.notifier.Subscribe()
}

// EstimateFee returns the configured fee rate.
func (c *Chain) EstimateFee(context.Context, uint32) (btcutil.Amount, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.feeRate, nil
}

func copyEntry(entry *chain.TxEntry) *chain.TxEntry {
	cpy := *entry
	if entry.Block != nil {
		block := *entry.Block
		cpy.Block = &block
	}

	return &cpy
}
