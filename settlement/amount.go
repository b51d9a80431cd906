// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package settlement

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
)

// ErrInvalidTrade is returned for trades whose amount cannot be settled.
var ErrInvalidTrade = errors.New("invalid trade")

var satoshisPerBitcoin = decimal.NewFromInt(btcutil.SatoshiPerBitcoin)

// Trade holds the matched quantity and price of a settlement.
type Trade struct {
	// Quantity is in XBT unless QuantityInQuote is set, in which case it
	// is in the quote currency and the XBT amount is Quantity / Price.
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	QuantityInQuote bool
}

// Amount returns the XBT amount to settle, truncated to whole satoshis.
func (t Trade) Amount() (btcutil.Amount, error) {
	if !t.Quantity.IsPositive() {
		return 0, fmt.Errorf("%w: quantity %v", ErrInvalidTrade,
			t.Quantity)
	}

	xbt := t.Quantity
	if t.QuantityInQuote {
		if !t.Price.IsPositive() {
			return 0, fmt.Errorf("%w: price %v", ErrInvalidTrade,
				t.Price)
		}
		xbt = t.Quantity.DivRound(t.Price, 16)
	}

	sats := xbt.Mul(satoshisPerBitcoin).Truncate(0)
	if !sats.IsPositive() || sats.GreaterThan(
		decimal.NewFromInt(btcutil.MaxSatoshi),
	) {

		return 0, fmt.Errorf("%w: amount %v XBT out of range",
			ErrInvalidTrade, xbt)
	}

	return btcutil.Amount(sats.IntPart()), nil
}
