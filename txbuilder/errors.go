// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txbuilder

import "errors"

var (
	// ErrNoWallet is returned when no wallet was set.
	ErrNoWallet = errors.New("no wallet set")

	// ErrRecipientsNotReady is returned when a recipient is missing its
	// address or amount.
	ErrRecipientsNotReady = errors.New("recipients not ready")

	// ErrUnknownRecipient is returned for an unregistered recipient id.
	ErrUnknownRecipient = errors.New("unknown recipient")

	// ErrMultipleMaxRecipients is returned when more than one recipient
	// asks for the maximum amount.
	ErrMultipleMaxRecipients = errors.New("only one recipient may " +
		"spend the maximum amount")

	// ErrNoInputs is returned when there is nothing to spend.
	ErrNoInputs = errors.New("no inputs available")

	// ErrInsufficientFunds is returned when the inputs cannot cover the
	// outputs and the fee.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrTxTooLarge is returned when the transaction would exceed the
	// standard size limit.
	ErrTxTooLarge = errors.New("transaction exceeds standard size")

	// ErrMissingFeeRate is returned when neither a fee rate nor a total
	// fee was set.
	ErrMissingFeeRate = errors.New("no fee rate or total fee set")

	// ErrFeeRateTooLarge is returned when the fee rate exceeds the
	// configured maximum.
	ErrFeeRateTooLarge = errors.New("fee rate too large")

	// ErrNoChangeAddress is returned when the transaction needs change
	// but no change address was given.
	ErrNoChangeAddress = errors.New("change address required")

	// ErrInvalidAmount is returned for a negative or inconsistent amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrUnknownInput is returned when a manually selected outpoint is
	// not among the wallet's spendable outputs.
	ErrUnknownInput = errors.New("unknown input")
)
