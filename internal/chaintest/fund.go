// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaintest

import (
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var fundingNonce atomic.Uint32

// FundingTx returns a transaction paying each amount to pkScript. Its single
// input spends a unique outpoint unknown to any chain, so backward walks stop
// there.
func FundingTx(pkScript []byte, amounts ...btcutil.Amount) *wire.MsgTx {
	nonce := fundingNonce.Add(1)

	var prev chainhash.Hash
	prev[0] = 0xfe
	prev[1] = byte(nonce)
	prev[2] = byte(nonce >> 8)
	prev[3] = byte(nonce >> 16)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: prev}, nil, nil))
	for _, amt := range amounts {
		tx.AddTxOut(wire.NewTxOut(int64(amt), pkScript))
	}

	return tx
}

// Fund mines a transaction paying the amounts to addr and returns it.
func (c *Chain) Fund(addr btcutil.Address,
	amounts ...btcutil.Amount) (*wire.MsgTx, error) {

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	tx := FundingTx(pkScript, amounts...)
	c.AddConfirmedTx(tx)

	return tx, nil
}
