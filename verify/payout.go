// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package verify

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcsettle/settleaddr"
)

// PayoutSigner identifies which settlement party signed a spend of the
// settlement output.
type PayoutSigner uint8

const (
	// SignerUndefined means the signer could not be established. The
	// accompanying error says why.
	SignerUndefined PayoutSigner = iota

	// SignedByBuyer means the buyer's key signed.
	SignedByBuyer

	// SignedBySeller means the seller's key signed.
	SignedBySeller
)

// String returns the signer name.
func (s PayoutSigner) String() string {
	switch s {
	case SignedByBuyer:
		return "SignedByBuyer"
	case SignedBySeller:
		return "SignedBySeller"
	default:
		return "Undefined"
	}
}

var (
	// ErrNoMatchingSigner is returned when the signature is well formed
	// but verifies under neither settlement key.
	ErrNoMatchingSigner = errors.New("signature matches neither " +
		"settlement key")

	// ErrMalformedPayout is returned when the spending input does not
	// carry a settlement witness that can be checked.
	ErrMalformedPayout = errors.New("malformed settlement spend")

	// ErrNotSettlementSpend is returned when no input of a transaction
	// spends the settlement address.
	ErrNotSettlementSpend = errors.New("transaction does not spend the " +
		"settlement address")
)

// CheckPayoutSignature determines which of buyKey and sellKey signed input
// idx of tx, which spends prevOut through a settlement witness script.
// SignerUndefined always comes with an error: ErrMalformedPayout when the
// witness cannot be checked and ErrNoMatchingSigner when it verifies under
// neither key.
func CheckPayoutSignature(tx *wire.MsgTx, idx int, prevOut *wire.TxOut,
	buyKey, sellKey *btcec.PublicKey) (PayoutSigner, error) {

	if idx < 0 || idx >= len(tx.TxIn) {
		return SignerUndefined, fmt.Errorf("%w: no input %d",
			ErrMalformedPayout, idx)
	}

	// 1-of-2 CHECKMULTISIG witness: dummy element, signature, script.
	witness := tx.TxIn[idx].Witness
	if len(witness) != 3 {
		return SignerUndefined, fmt.Errorf("%w: %d witness items",
			ErrMalformedPayout, len(witness))
	}
	sigBytes, witnessScript := witness[1], witness[2]

	scriptHash := chainhash.HashB(witnessScript)
	expected, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).AddData(scriptHash).Script()
	if err != nil {
		return SignerUndefined, err
	}
	if string(expected) != string(prevOut.PkScript) {
		return SignerUndefined, fmt.Errorf("%w: witness script does "+
			"not match spent output", ErrMalformedPayout)
	}

	if len(sigBytes) < 2 {
		return SignerUndefined, fmt.Errorf("%w: empty signature",
			ErrMalformedPayout)
	}
	hashType := txscript.SigHashType(sigBytes[len(sigBytes)-1])
	sig, err := ecdsa.ParseDERSignature(sigBytes[:len(sigBytes)-1])
	if err != nil {
		return SignerUndefined, fmt.Errorf("%w: %v",
			ErrMalformedPayout, err)
	}

	fetcher := txscript.NewCannedPrevOutputFetcher(
		prevOut.PkScript, prevOut.Value,
	)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	hash, err := txscript.CalcWitnessSigHash(
		witnessScript, sigHashes, hashType, tx, idx, prevOut.Value,
	)
	if err != nil {
		return SignerUndefined, fmt.Errorf("%w: %v",
			ErrMalformedPayout, err)
	}

	switch {
	case sig.Verify(hash, buyKey):
		return SignedByBuyer, nil

	case sig.Verify(hash, sellKey):
		return SignedBySeller, nil

	default:
		return SignerUndefined, ErrNoMatchingSigner
	}
}

// FindSettlementInput returns the index of the input of tx spending addr
// and the outpoint it spends.
func FindSettlementInput(tx *wire.MsgTx,
	addr *settleaddr.Address) (int, wire.OutPoint, error) {

	for i, txIn := range tx.TxIn {
		w := txIn.Witness
		if len(w) > 0 && string(w[len(w)-1]) ==
			string(addr.WitnessScript) {

			return i, txIn.PreviousOutPoint, nil
		}
	}

	return -1, wire.OutPoint{}, ErrNotSettlementSpend
}

// PayoutSigner looks up the settlement output spent by tx and determines
// who signed the spend. A failed lookup yields SignerUndefined with an error
// wrapping ErrLookupFailed.
func (e *Engine) PayoutSigner(ctx context.Context, tx *wire.MsgTx,
	addr *settleaddr.Address) (PayoutSigner, error) {

	idx, op, err := FindSettlementInput(tx, addr)
	if err != nil {
		return SignerUndefined, err
	}

	prev, err := e.fetchTx(ctx, op.Hash)
	switch {
	case err == nil:

	case errors.Is(err, ErrLookupFailed):
		return SignerUndefined, err

	default:
		return SignerUndefined, fmt.Errorf("%w: %v", ErrLookupFailed,
			err)
	}
	if int(op.Index) >= len(prev.TxOut) {
		return SignerUndefined, fmt.Errorf("%w: spent output %v "+
			"missing", ErrMalformedPayout, op)
	}

	signer, err := CheckPayoutSignature(
		tx, idx, prev.TxOut[op.Index], addr.BuyKey, addr.SellKey,
	)
	if err != nil {
		log.Warnf("Payout %v of settlement %s: signer %v: %v",
			tx.TxHash(), addr.SettlementID, signer, err)
	}

	return signer, err
}
