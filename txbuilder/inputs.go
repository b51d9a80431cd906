// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txbuilder

import (
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wtxmgr"
)

// InputKind is the script class of a spendable output, which determines the
// weight of the input redeeming it.
type InputKind uint8

const (
	// KindP2PKH is a legacy pay-to-pubkey-hash output. Unknown classes
	// are sized as P2PKH.
	KindP2PKH InputKind = iota

	// KindP2WPKH is a native witness pubkey hash output.
	KindP2WPKH

	// KindNestedP2WPKH is a P2SH output assumed to wrap a P2WPKH script.
	KindNestedP2WPKH

	// KindP2TR is a taproot key spend.
	KindP2TR

	// KindP2WSH is a witness script hash output, e.g. a settlement
	// address.
	KindP2WSH
)

// String returns the name of the input kind.
func (k InputKind) String() string {
	switch k {
	case KindP2PKH:
		return "p2pkh"
	case KindP2WPKH:
		return "p2wpkh"
	case KindNestedP2WPKH:
		return "np2wpkh"
	case KindP2TR:
		return "p2tr"
	case KindP2WSH:
		return "p2wsh"
	default:
		return "unknown"
	}
}

// IsSegWit reports whether inputs of this kind are spent through a native
// witness program.
func (k InputKind) IsSegWit() bool {
	switch k {
	case KindP2WPKH, KindP2TR, KindP2WSH:
		return true
	default:
		return false
	}
}

// Input is a spendable output decorated with its script class.
type Input struct {
	wtxmgr.Credit
	Kind InputKind
}

// ClassifyScript returns the input kind of an output script.
func ClassifyScript(pkScript []byte) InputKind {
	switch {
	case txscript.IsPayToWitnessPubKeyHash(pkScript):
		return KindP2WPKH
	case txscript.IsPayToTaproot(pkScript):
		return KindP2TR
	case txscript.IsPayToWitnessScriptHash(pkScript):
		return KindP2WSH
	case txscript.IsPayToScriptHash(pkScript):
		return KindNestedP2WPKH
	default:
		return KindP2PKH
	}
}

// Decorate classifies every credit.
func Decorate(credits []wtxmgr.Credit) []Input {
	inputs := make([]Input, 0, len(credits))
	for _, credit := range credits {
		inputs = append(inputs, Input{
			Credit: credit,
			Kind:   ClassifyScript(credit.PkScript),
		})
	}

	return inputs
}

func credits(inputs []Input) []wtxmgr.Credit {
	c := make([]wtxmgr.Credit, 0, len(inputs))
	for _, in := range inputs {
		c = append(c, in.Credit)
	}

	return c
}

func sumInputs(inputs []Input) btcutil.Amount {
	var total btcutil.Amount
	for _, in := range inputs {
		total += in.Amount
	}

	return total
}

type byAmount []Input

func (s byAmount) Len() int           { return len(s) }
func (s byAmount) Less(i, j int) bool { return s[i].Amount < s[j].Amount }
func (s byAmount) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// largestFirst returns a copy of inputs sorted by descending value.
func largestFirst(inputs []Input) []Input {
	sorted := append([]Input(nil), inputs...)
	sort.Stable(sort.Reverse(byAmount(sorted)))

	return sorted
}

// makeInputSource returns an input source adding the largest outputs first
// until the requested target is covered.
func makeInputSource(eligible []Input) txauthor.InputSource {
	eligible = largestFirst(eligible)

	currentTotal := btcutil.Amount(0)
	currentInputs := make([]*wire.TxIn, 0, len(eligible))
	currentScripts := make([][]byte, 0, len(eligible))
	currentInputValues := make([]btcutil.Amount, 0, len(eligible))

	return func(target btcutil.Amount) (btcutil.Amount, []*wire.TxIn,
		[]btcutil.Amount, [][]byte, error) {

		for currentTotal < target && len(eligible) != 0 {
			next := &eligible[0]
			eligible = eligible[1:]

			currentTotal += next.Amount
			currentInputs = append(
				currentInputs, wire.NewTxIn(&next.OutPoint, nil, nil),
			)
			currentScripts = append(currentScripts, next.PkScript)
			currentInputValues = append(
				currentInputValues, next.Amount,
			)
		}

		return currentTotal, currentInputs, currentInputValues,
			currentScripts, nil
	}
}

// constantInputSource returns an input source that always yields every
// given input, used for manual selection.
func constantInputSource(eligible []Input) txauthor.InputSource {
	currentTotal := btcutil.Amount(0)
	currentInputs := make([]*wire.TxIn, 0, len(eligible))
	currentScripts := make([][]byte, 0, len(eligible))
	currentInputValues := make([]btcutil.Amount, 0, len(eligible))

	for _, in := range eligible {
		currentTotal += in.Amount
		currentInputs = append(
			currentInputs, wire.NewTxIn(&in.OutPoint, nil, nil),
		)
		currentScripts = append(currentScripts, in.PkScript)
		currentInputValues = append(currentInputValues, in.Amount)
	}

	return func(btcutil.Amount) (btcutil.Amount, []*wire.TxIn,
		[]btcutil.Amount, [][]byte, error) {

		return currentTotal, currentInputs, currentInputValues,
			currentScripts, nil
	}
}

// selectCoins picks the largest inputs first until they cover target plus
// the fee of the transaction they would form. feeFor returns that fee for a
// selection, with or without a change output. The returned change is zero
// when it would be dust, in which case the remainder goes to the fee.
func selectCoins(eligible []Input, target btcutil.Amount,
	feeFor func(selected []Input, withChange bool) btcutil.Amount,
	isDust func(change btcutil.Amount) bool) ([]Input, btcutil.Amount,
	btcutil.Amount, error) {

	var (
		selected []Input
		total    btcutil.Amount
	)
	for _, in := range largestFirst(eligible) {
		selected = append(selected, in)
		total += in.Amount

		// Try with change first. If the leftover would be dust, try
		// without change and let the fee absorb it.
		fee := feeFor(selected, true)
		if total >= target+fee {
			change := total - target - fee
			if !isDust(change) {
				return selected, fee, change, nil
			}
		}

		fee = feeFor(selected, false)
		if total >= target+fee {
			return selected, total - target, 0, nil
		}
	}

	return nil, 0, 0, ErrInsufficientFunds
}
