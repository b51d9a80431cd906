// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package settlement

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcsettle/settleaddr"
	"github.com/btcsuite/btcsettle/txbuilder"
	"github.com/btcsuite/btcsettle/verify"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wtxmgr"
)

func violation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation,
		fmt.Sprintf(format, args...))
}

func (c *Container) counterpartyPayin(ctx context.Context,
	raw []byte) error {

	switch {
	case c.cfg.Role != RoleReceiver:
		return fmt.Errorf("%w: %v does not take a pay-in",
			ErrInvalidState, c.cfg.Role)

	case c.State() != StateActivating || c.payoutReq != nil:
		return fmt.Errorf("%w: pay-in in %v", ErrInvalidState,
			c.State())
	}

	if err := c.acceptPayin(ctx, raw); err != nil {
		c.fail(err)
		return err
	}
	c.checkReady()

	return nil
}

// acceptPayin validates the counterparty pay-in, reserves the settlement
// output and builds the pay-out request.
func (c *Container) acceptPayin(ctx context.Context, raw []byte) error {
	tx, idx, err := c.validatePayin(ctx, raw)
	if err != nil {
		return err
	}

	c.payinHash = tx.TxHash()
	c.output = settlementCredit(tx, idx)
	c.amountValid = true
	if _, ok := c.observed[c.payinHash]; ok {
		c.payinSeen = true
	}

	err = c.cfg.Reservations.Reserve(
		settleaddr.WalletID(c.cfg.SettlementID), c.reservationID,
		[]wtxmgr.Credit{*c.output},
	)
	if err != nil {
		return fmt.Errorf("reserve settlement output: %w", err)
	}

	rate, err := c.feeRate(ctx)
	if err != nil {
		return err
	}
	req, err := txbuilder.CreatePayoutRequest(
		c.cfg.AuthWalletID, *c.output, c.addr.WitnessScript,
		c.cfg.RecvAddress, rate,
	)
	if err != nil {
		return fmt.Errorf("build pay-out: %w", err)
	}
	req.SettlementID = c.cfg.SettlementID
	c.payoutReq = req

	c.emit(Info{Text: fmt.Sprintf("Pay-in %v validated, pay-out of %v "+
		"prepared", c.payinHash, req.Tx().TxOut[0].Value)})

	return nil
}

// validatePayin checks that the pay-in funds the settlement address with
// the trade amount from SegWit inputs that cover its outputs. It returns
// the transaction and the index of the settlement output.
func (c *Container) validatePayin(ctx context.Context,
	raw []byte) (*wire.MsgTx, int, error) {

	packet, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	if err != nil {
		return nil, 0, violation("malformed pay-in: %v", err)
	}
	tx := packet.UnsignedTx

	var declared btcutil.Amount
	for i, in := range packet.Inputs {
		if in.WitnessUtxo == nil {
			return nil, 0, violation("pay-in input %d has no "+
				"previous output", i)
		}
		kind := txbuilder.ClassifyScript(in.WitnessUtxo.PkScript)
		if !kind.IsSegWit() {
			return nil, 0, violation("pay-in input %d is %v",
				i, kind)
		}
		declared += btcutil.Amount(in.WitnessUtxo.Value)
	}

	pays, err := verify.PaysAtLeast(tx, c.addr.Address(), c.amount)
	if err != nil {
		return nil, 0, violation("pay-in outputs: %v", err)
	}
	idx := settlementOutput(tx, c.addr.PkScript, c.amount)
	if !pays || idx < 0 {
		return nil, 0, violation("pay-in does not pay %v to %v",
			c.amount, c.addr)
	}

	res, err := c.engine.FindRecipAddress(ctx, tx, c.addr.Address())
	switch {
	case errors.Is(err, verify.ErrLookupFailed):
		return nil, 0, fmt.Errorf("pay-in inputs: %w", err)

	case err != nil:
		return nil, 0, violation("pay-in inputs: %v", err)
	}

	out := txauthor.SumOutputValues(tx.TxOut)
	switch {
	case res.TotalInputValue < out:
		return nil, 0, violation("pay-in inputs %v do not cover "+
			"outputs %v", res.TotalInputValue, out)

	case res.TotalInputValue != declared:
		return nil, 0, violation("pay-in declares inputs of %v, "+
			"chain has %v", declared, res.TotalInputValue)
	}

	return tx, idx, nil
}

// payoutSigned holds the Receiver's signed pay-out until the pay-in is
// seen on chain.
func (c *Container) payoutSigned(tx *wire.MsgTx) {
	if len(tx.TxIn) != 1 ||
		tx.TxIn[0].PreviousOutPoint != c.output.OutPoint {

		c.fail(fmt.Errorf("signed pay-out %v does not spend %v",
			tx.TxHash(), c.output.OutPoint))
		return
	}

	c.ownSignedPayout = tx
	hash := tx.TxHash()
	c.transition(evSigned, "pay-out signed", &hash)
	c.startTimer()

	if !c.payinSeen {
		c.emit(Info{Text: "Pay-out signed, waiting for the pay-in"})
		return
	}
	c.broadcastPayout()
}

// broadcastPayout broadcasts the held pay-out. A failed broadcast is
// retried on the next pay-in update.
func (c *Container) broadcastPayout() {
	tx := c.ownSignedPayout
	hash := tx.TxHash()

	ok, err := c.cfg.Chain.BroadcastZC(c.ctx, tx)
	if err == nil && !ok {
		err = errors.New("rejected")
	}
	if err != nil {
		c.emit(Error{Err: fmt.Errorf("broadcast pay-out %v: %w", hash,
			err)})
		return
	}

	c.payoutBroadcast = true
	c.transition(evBroadcast, "pay-out broadcast", &hash)
	c.startTimer()
	c.emit(Info{Text: fmt.Sprintf("Pay-out %v broadcast", hash)})
}
