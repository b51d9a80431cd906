// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcsettle/signer"
	"github.com/btcsuite/btcsettle/txbuilder"
	"github.com/btcsuite/btcwallet/wtxmgr"
)

// settlementOutput returns the first output of tx paying at least amount to
// pkScript, or -1.
func settlementOutput(tx *wire.MsgTx, pkScript []byte,
	amount btcutil.Amount) int {

	for i, out := range tx.TxOut {
		if string(out.PkScript) == string(pkScript) &&
			btcutil.Amount(out.Value) >= amount {

			return i
		}
	}

	return -1
}

// settlementCredit describes output idx of tx as a spendable credit.
func settlementCredit(tx *wire.MsgTx, idx int) *wtxmgr.Credit {
	return &wtxmgr.Credit{
		OutPoint: wire.OutPoint{
			Hash:  tx.TxHash(),
			Index: uint32(idx),
		},
		Amount:   btcutil.Amount(tx.TxOut[idx].Value),
		PkScript: tx.TxOut[idx].PkScript,
	}
}

// preparePayin builds the pay-in from confirmed SegWit outputs of the
// funding wallet, reserves its inputs and sends it to the counterparty.
func (c *Container) preparePayin(ctx context.Context) error {
	rate, err := c.feeRate(ctx)
	if err != nil {
		return err
	}

	b := txbuilder.New(txbuilder.Config{
		Chain:         c.cfg.Chain,
		Reservations:  c.cfg.Reservations,
		ChainParams:   c.cfg.ChainParams,
		ConfirmedOnly: true,
		SegWitOnly:    true,
	})
	if err := b.SetWallet(ctx, c.cfg.WalletID); err != nil {
		return err
	}
	spendable := b.SpendableInputs()
	utxos := make([]wtxmgr.Credit, 0, len(spendable))
	for _, in := range spendable {
		utxos = append(utxos, in.Credit)
	}

	// The pay-in has no counterparty part to append to.
	payTo := wire.NewTxOut(int64(c.amount), c.addr.PkScript)
	req, err := b.CreatePartialTXRequest(
		c.amount, rate, []*wire.TxOut{payTo}, nil, utxos,
		c.cfg.ChangeAddress,
	)
	if err != nil {
		return fmt.Errorf("build pay-in: %w", err)
	}
	req.SettlementID = c.cfg.SettlementID

	tx := req.Tx()
	idx := settlementOutput(tx, c.addr.PkScript, c.amount)
	if idx < 0 {
		return fmt.Errorf("pay-in %v does not fund %v", tx.TxHash(),
			c.addr)
	}

	err = c.cfg.Reservations.Reserve(
		c.cfg.WalletID, c.reservationID, req.Inputs,
	)
	if err != nil {
		return fmt.Errorf("reserve pay-in inputs: %w", err)
	}

	raw, err := req.Serialize()
	if err != nil {
		return err
	}

	c.payinReq = req
	c.payinHash = tx.TxHash()
	c.output = settlementCredit(tx, idx)
	c.amountValid = true

	if err := c.cfg.Relay.SendPayin(
		ctx, c.cfg.SettlementID, raw,
	); err != nil {

		return fmt.Errorf("send pay-in: %w", err)
	}

	c.emit(Info{Text: fmt.Sprintf("Pay-in %v sent to the counterparty "+
		"(fee %v)", c.payinHash, req.TotalFee)})

	return nil
}

// payinSigned broadcasts the Deliverer's signed pay-in.
func (c *Container) payinSigned(tx *wire.MsgTx) {
	hash := tx.TxHash()
	if hash != c.payinHash {
		c.fail(fmt.Errorf("signed pay-in %v does not match %v", hash,
			c.payinHash))
		return
	}

	// From here on the signed pay-in may be live, so abandoning the
	// settlement requires a revoke.
	c.ownSignedPayin = tx

	ok, err := c.cfg.Chain.BroadcastZC(c.ctx, tx)
	if err == nil && !ok {
		err = errors.New("rejected")
	}
	if err != nil {
		c.fail(fmt.Errorf("broadcast pay-in %v: %w", hash, err))
		return
	}

	c.transition(evSigned, "pay-in broadcast", &hash)
	c.startTimer()
	c.emit(Info{Text: fmt.Sprintf("Pay-in %v broadcast, waiting for "+
		"the pay-out", hash)})
}

// revoke asks the signer to spend the settlement output back to
// RecvAddress with the seller key.
func (c *Container) revoke() {
	err := c.requestRevoke()
	if err != nil {
		c.countSign("revoke", "error")
		c.emit(Error{Err: fmt.Errorf("revoke pay-in %v: %w",
			c.payinHash, err)})
		return
	}

	c.emit(Info{Text: fmt.Sprintf("Revoking pay-in %v", c.payinHash)})
}

func (c *Container) requestRevoke() error {
	rate, err := c.feeRate(c.ctx)
	if err != nil {
		return err
	}

	req, err := txbuilder.CreatePayoutRequest(
		c.cfg.AuthWalletID, *c.output, c.addr.WitnessScript,
		c.cfg.RecvAddress, rate,
	)
	if err != nil {
		return err
	}
	req.SettlementID = c.cfg.SettlementID

	id, err := c.cfg.Signer.SignPartialTXRequest(c.ctx, req, true, nil)
	switch {
	case err != nil:
		return err

	case id == 0:
		return ErrZeroRequestID
	}

	c.revokeID = id

	return nil
}

func (c *Container) onRevokeSigned(res signer.SignResult) {
	if err := res.Err(); err != nil {
		c.countSign("revoke", "error")
		c.emit(Error{Err: fmt.Errorf("revoke pay-in %v: %w",
			c.payinHash, err)})
		return
	}
	c.countSign("revoke", "ok")

	tx := res.SignedTx
	hash := tx.TxHash()

	ok, err := c.cfg.Chain.BroadcastZC(c.ctx, tx)
	if err == nil && !ok {
		err = errors.New("rejected")
	}
	if err != nil {
		c.emit(Error{Err: fmt.Errorf("broadcast revoke %v: %w", hash,
			err)})
		return
	}

	log.Infof("Settlement %s: revoked pay-in %v with %v",
		c.cfg.SettlementID, c.payinHash, hash)

	c.record(evRevoke, "revoke broadcast", &hash)
	c.emit(Info{Text: fmt.Sprintf("Revoke %v broadcast", hash)})
}
