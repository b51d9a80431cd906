// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wtxmgr"
)

var (
	// ErrTxNotFound is returned when the backend has no record of a
	// transaction.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrUnknownWallet is returned for queries about a wallet id that was
	// never registered.
	ErrUnknownWallet = errors.New("unknown wallet")

	// ErrFeeEstimateUnavailable is returned when the backend cannot
	// produce a fee estimate for the requested target.
	ErrFeeEstimateUnavailable = errors.New("fee estimate unavailable")
)

// Interface is the chain data provider consumed by the settlement packages.
// Every method may block on network I/O and honours the passed context.
type Interface interface {
	// BestBlock returns the height and hash of the current chain tip.
	BestBlock(ctx context.Context) (int32, *chainhash.Hash, error)

	// SpendableOutputs returns the confirmed unspent outputs of a
	// registered wallet.
	SpendableOutputs(ctx context.Context,
		walletID string) ([]wtxmgr.Credit, error)

	// SpendableZC returns the unconfirmed (zero-conf) unspent outputs of a
	// registered wallet.
	SpendableZC(ctx context.Context,
		walletID string) ([]wtxmgr.Credit, error)

	// GetTx looks up a single transaction by hash. ErrTxNotFound is
	// returned when the backend does not know it.
	GetTx(ctx context.Context, hash chainhash.Hash) (*TxEntry, error)

	// GetTxs looks up a set of transactions. The result is in request
	// order; the call fails if any lookup fails.
	GetTxs(ctx context.Context, hashes []chainhash.Hash) ([]*TxEntry, error)

	// TxHistory returns every known transaction touching a registered
	// wallet's addresses, mined or not.
	TxHistory(ctx context.Context, walletID string) ([]*TxEntry, error)

	// BroadcastZC relays a signed transaction. The boolean reports
	// whether the backend accepted it for relay; it says nothing about
	// confirmation.
	BroadcastZC(ctx context.Context, tx *wire.MsgTx) (bool, error)

	// RegisterWallet starts watching the addresses under walletID and
	// returns the registration id RelevantTx notifications are scoped
	// by.
	RegisterWallet(ctx context.Context, walletID string,
		addrs []btcutil.Address) (string, error)

	// UnregisterWallet stops notifications for a registration id.
	UnregisterWallet(regID string)

	// Subscribe returns a new notification subscription delivering
	// BlockConnected and RelevantTx values.
	Subscribe() *Subscription

	// EstimateFee returns a fee rate in satoshis per virtual byte that
	// should confirm within the given number of blocks.
	EstimateFee(ctx context.Context, blocks uint32) (btcutil.Amount, error)
}

// TxEntry is a transaction together with its position in the chain.
type TxEntry struct {
	// Tx is the full transaction.
	Tx *wire.MsgTx

	// Hash is the transaction id.
	Hash chainhash.Hash

	// Block is the block the transaction was mined in, nil while it sits
	// in the mempool.
	Block *wtxmgr.BlockMeta
}

// NewTxEntry wraps a transaction and an optional block.
func NewTxEntry(tx *wire.MsgTx, block *wtxmgr.BlockMeta) *TxEntry {
	return &TxEntry{
		Tx:    tx,
		Hash:  tx.TxHash(),
		Block: block,
	}
}

// Confirmations returns how many blocks deep the entry is given the current
// tip height. Unmined entries have zero confirmations.
func (e *TxEntry) Confirmations(bestHeight int32) int32 {
	if e.Block == nil || e.Block.Height < 0 || bestHeight < e.Block.Height {
		return 0
	}

	return bestHeight - e.Block.Height + 1
}

// Notification types. They are delivered on a Subscription rather than
// through rpcclient callbacks, so consumers may block and issue further
// requests while handling them.
type (
	// BlockConnected is a notification for a newly-attached block to the
	// best chain.
	BlockConnected wtxmgr.BlockMeta

	// RelevantTx is a notification for a transaction which spends a
	// watched outpoint or pays to a watched address.
	RelevantTx struct {
		// RegIDs lists the registrations the transaction touches.
		RegIDs []string

		TxRecord *wtxmgr.TxRecord
		Block    *wtxmgr.BlockMeta // nil if unmined
	}
)

// HasRegistration reports whether the notification is scoped to regID.
func (r RelevantTx) HasRegistration(regID string) bool {
	for _, id := range r.RegIDs {
		if id == regID {
			return true
		}
	}

	return false
}

// newRelevantTx builds a RelevantTx notification for a matched transaction.
func newRelevantTx(regIDs []string, tx *wire.MsgTx,
	block *wtxmgr.BlockMeta) (RelevantTx, error) {

	rec, err := wtxmgr.NewTxRecordFromMsgTx(tx, time.Now())
	if err != nil {
		return RelevantTx{}, err
	}

	return RelevantTx{RegIDs: regIDs, TxRecord: rec, Block: block}, nil
}
