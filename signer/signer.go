// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package signer defines the signing container the settlement packages
// submit transactions to, and Local, an in-process implementation holding
// keys in memory.
package signer

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcsettle/internal/ntfnqueue"
	"github.com/btcsuite/btcsettle/txbuilder"
)

var (
	// ErrUnknownWallet is returned for a wallet id the signer does not
	// hold.
	ErrUnknownWallet = errors.New("unknown signing wallet")

	// ErrInvalidRequest is returned when a sign request is rejected
	// before it is queued.
	ErrInvalidRequest = errors.New("invalid sign request")

	// ErrSignerStopped is returned once the signer has shut down.
	ErrSignerStopped = errors.New("signer stopped")
)

// EncryptionType describes how a wallet's keys are protected.
type EncryptionType uint8

const (
	EncryptionUnencrypted EncryptionType = iota
	EncryptionPassword
	EncryptionHardware
)

// String returns the encryption type in human-readable form.
func (e EncryptionType) String() string {
	switch e {
	case EncryptionUnencrypted:
		return "unencrypted"
	case EncryptionPassword:
		return "password"
	case EncryptionHardware:
		return "hardware"
	default:
		return fmt.Sprintf("EncryptionType(%d)", uint8(e))
	}
}

// KeyRank is the M-of-N scheme protecting a wallet. Single key wallets
// are 1-of-1.
type KeyRank struct {
	M uint32
	N uint32
}

// WalletInfo is the metadata a caller needs before issuing a sign request,
// e.g. to decide whether a password must be collected.
type WalletInfo struct {
	WalletID        string
	EncryptionTypes []EncryptionType
	EncryptionKeys  [][]byte
	KeyRank         KeyRank
}

// Encrypted reports whether signing requires a password or device.
func (w *WalletInfo) Encrypted() bool {
	for _, t := range w.EncryptionTypes {
		if t != EncryptionUnencrypted {
			return true
		}
	}

	return false
}

// ErrCode classifies a failed signing attempt.
type ErrCode int32

const (
	ErrCodeNone ErrCode = iota
	ErrCodeWrongPassword
	ErrCodeUnknownWallet
	ErrCodeCannotSign
	ErrCodeCancelled
	ErrCodeInternal
)

// String returns the code in human-readable form.
func (c ErrCode) String() string {
	switch c {
	case ErrCodeNone:
		return "none"
	case ErrCodeWrongPassword:
		return "wrong password"
	case ErrCodeUnknownWallet:
		return "unknown wallet"
	case ErrCodeCannotSign:
		return "cannot sign"
	case ErrCodeCancelled:
		return "cancelled"
	case ErrCodeInternal:
		return "internal error"
	default:
		return fmt.Sprintf("ErrCode(%d)", int32(c))
	}
}

// SignResult is the asynchronous answer to SignPartialTXRequest. A result
// is a failure when ErrCode is set or SignedTx is nil.
type SignResult struct {
	RequestID uint32
	SignedTx  *wire.MsgTx
	ErrCode   ErrCode
	ErrText   string
}

// Err returns the failure carried by the result, or nil when the
// transaction was signed.
func (r *SignResult) Err() error {
	switch {
	case r.ErrCode != ErrCodeNone:
		return fmt.Errorf("sign request %d: %v: %s", r.RequestID,
			r.ErrCode, r.ErrText)

	case r.SignedTx == nil:
		return fmt.Errorf("sign request %d: no transaction returned",
			r.RequestID)
	}

	return nil
}

// AddressPair names an address the signer must be able to resolve for a
// wallet, e.g. a settlement address spent by the wallet's auth key.
type AddressPair struct {
	WalletID string
	Address  btcutil.Address
}

// Subscription delivers SignResult values.
type Subscription = ntfnqueue.Subscription[SignResult]

// Container is a signing container. Requests are asynchronous: the
// returned request id is matched against SignResult.RequestID on a
// subscription, so several consumers may share one container and filter by
// their own ids. A zero request id is never issued.
type Container interface {
	// GetInfo returns the protection metadata of a wallet.
	GetInfo(ctx context.Context, walletID string) (*WalletInfo, error)

	// SignPartialTXRequest queues the request for signing. autoSign asks
	// the signer to skip prompting when the wallet allows it; password is
	// used otherwise. The caller keeps ownership of password.
	SignPartialTXRequest(ctx context.Context, req *txbuilder.SignRequest,
		autoSign bool, password []byte) (uint32, error)

	// SyncAddresses announces addresses the signer must be able to
	// resolve when asked to spend from them.
	SyncAddresses(ctx context.Context, pairs []AddressPair) error

	// Subscribe returns a subscription to every sign result.
	Subscribe() *Subscription
}
