// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txbuilder

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
)

const (
	// MaxStandardVirtualSize is the largest virtual size relayed by
	// default, 400k weight units.
	MaxStandardVirtualSize = 400000 / blockchain.WitnessScaleFactor

	// txOverheadSize is version, locktime and the two count varints of
	// a small transaction.
	txOverheadSize = 4 + 4 + 1 + 1

	// segwitMarkerWeight is the segwit marker and flag.
	segwitMarkerWeight = 2

	// p2wshInputSize is the base size of an input with an empty
	// signature script: outpoint, script length and sequence.
	p2wshInputSize = 32 + 4 + 1 + 4

	// maxSigWitnessSize is the largest DER signature plus sighash byte,
	// with its length prefix.
	maxSigWitnessSize = 1 + 73
)

// P2WPKHChangeScriptSize is the size of the change script assumed while
// estimating fees before a change address is known.
const P2WPKHChangeScriptSize = txsizes.P2WPKHPkScriptSize

// sizeFunc estimates the signed virtual size of a transaction spending
// inputs and paying outputs, with an optional change output of the given
// script size.
type sizeFunc func(inputs []Input, outputs []*wire.TxOut,
	changeScriptSize int) int

// estimateVirtualSize is the primary size estimator.
func estimateVirtualSize(inputs []Input, outputs []*wire.TxOut,
	changeScriptSize int) int {

	var p2pkh, p2tr, p2wpkh, nested int
	for _, in := range inputs {
		switch in.Kind {
		case KindP2WPKH:
			p2wpkh++
		case KindP2TR:
			p2tr++
		case KindNestedP2WPKH:
			nested++
		default:
			p2pkh++
		}
	}

	return txsizes.EstimateVirtualSize(
		p2pkh, p2tr, p2wpkh, nested, outputs, changeScriptSize,
	)
}

// fallbackVirtualSize is an independent, pessimistic estimate sizing every
// input as a legacy P2PKH input with no witness discount.
func fallbackVirtualSize(inputs []Input, outputs []*wire.TxOut,
	changeScriptSize int) int {

	size := txsizes.EstimateSerializeSize(len(inputs), outputs, false)
	if changeScriptSize > 0 {
		size += 8 + wire.VarIntSerializeSize(uint64(changeScriptSize)) +
			changeScriptSize
	}

	return size
}

// guardedSize runs the primary estimator and, if the result exceeds the
// standard limit, checks it against the fallback estimator.
func guardedSize(primary sizeFunc, inputs []Input, outputs []*wire.TxOut,
	changeScriptSize int) (int, error) {

	vsize := primary(inputs, outputs, changeScriptSize)
	if vsize <= MaxStandardVirtualSize {
		return vsize, nil
	}

	fallback := fallbackVirtualSize(inputs, outputs, changeScriptSize)
	log.Warnf("Estimated virtual size %d of %d input(s) and %d "+
		"output(s) exceeds %d, fallback estimate is %d", vsize,
		len(inputs), len(outputs), MaxStandardVirtualSize, fallback)

	if fallback > MaxStandardVirtualSize {
		return 0, ErrTxTooLarge
	}

	return fallback, nil
}

// EstimateMultisigSpendSize returns the virtual size of a transaction
// spending one witness script hash output with a single signature and the
// given witness script, paying the outputs.
func EstimateMultisigSpendSize(witnessScriptSize int,
	outputs []*wire.TxOut) int {

	baseSize := txOverheadSize + p2wshInputSize +
		txsizes.SumOutputSerializeSizes(outputs)

	// Items: the empty element required by OP_CHECKMULTISIG, one
	// signature and the witness script.
	witnessWeight := segwitMarkerWeight + 1 + 1 + maxSigWitnessSize +
		wire.VarIntSerializeSize(uint64(witnessScriptSize)) +
		witnessScriptSize

	return baseSize + (witnessWeight+3)/blockchain.WitnessScaleFactor
}

// feeForVSize returns the fee for a virtual size at a rate in sat/vB.
func feeForVSize(feePerByte btcutil.Amount, vsize int) btcutil.Amount {
	return feePerByte * btcutil.Amount(vsize)
}

// isDustChange reports whether a change amount paid to pkScript is
// uneconomical.
func isDustChange(change btcutil.Amount, pkScript []byte) bool {
	if change <= 0 {
		return true
	}

	out := wire.NewTxOut(int64(change), pkScript)
	return txrules.IsDustOutput(out, txrules.DefaultRelayFeePerKb)
}
