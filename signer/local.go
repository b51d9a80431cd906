// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcsettle/internal/ntfnqueue"
	"github.com/btcsuite/btcsettle/internal/zero"
	"github.com/btcsuite/btcsettle/settleaddr"
	"github.com/btcsuite/btcsettle/txbuilder"
)

// errCannotSign is wrapped into results for requests without an input the
// wallet can spend.
var errCannotSign = errors.New("no input spendable by wallet")

type localWallet struct {
	key        *btcec.PrivateKey
	passphrase []byte
	autoSign   bool

	// synced holds the encoded addresses announced with SyncAddresses.
	synced map[string]struct{}
}

// Local is an in-memory signing container. Each wallet holds a single key
// which signs P2WPKH inputs paying to it and, once announced, settlement
// inputs it is a party to.
type Local struct {
	params *chaincfg.Params

	mtx     sync.Mutex
	wallets map[string]*localWallet

	nextID  atomic.Uint32
	results *ntfnqueue.Fanout[SignResult]

	wg      sync.WaitGroup
	quit    chan struct{}
	stopped sync.Once
}

// A compile-time assertion to ensure Local meets the Container interface.
var _ Container = (*Local)(nil)

// NewLocal creates a signer without wallets.
func NewLocal(params *chaincfg.Params) *Local {
	return &Local{
		params:  params,
		wallets: make(map[string]*localWallet),
		results: ntfnqueue.NewFanout[SignResult](),
		quit:    make(chan struct{}),
	}
}

// AddWallet registers key under walletID. A non-empty passphrase must be
// presented for every request unless autoSign is set and the request asks
// for it.
func (l *Local) AddWallet(walletID string, key *btcec.PrivateKey,
	passphrase []byte, autoSign bool) error {

	l.mtx.Lock()
	defer l.mtx.Unlock()

	if _, ok := l.wallets[walletID]; ok {
		return fmt.Errorf("wallet %s already exists", walletID)
	}

	l.wallets[walletID] = &localWallet{
		key:        key,
		passphrase: append([]byte(nil), passphrase...),
		autoSign:   autoSign,
		synced:     make(map[string]struct{}),
	}

	log.Infof("Added signing wallet %s", walletID)

	return nil
}

// PubKey returns the public key of a wallet.
func (l *Local) PubKey(walletID string) (*btcec.PublicKey, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	w, ok := l.wallets[walletID]
	if !ok {
		return nil, ErrUnknownWallet
	}

	return w.key.PubKey(), nil
}

// Address returns the P2WPKH address of a wallet's key.
func (l *Local) Address(walletID string) (btcutil.Address, error) {
	pub, err := l.PubKey(walletID)
	if err != nil {
		return nil, err
	}

	return btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pub.SerializeCompressed()), l.params,
	)
}

// GetInfo implements Container.
func (l *Local) GetInfo(_ context.Context,
	walletID string) (*WalletInfo, error) {

	l.mtx.Lock()
	defer l.mtx.Unlock()

	w, ok := l.wallets[walletID]
	if !ok {
		return nil, ErrUnknownWallet
	}

	info := &WalletInfo{
		WalletID:        walletID,
		EncryptionTypes: []EncryptionType{EncryptionUnencrypted},
		KeyRank:         KeyRank{M: 1, N: 1},
	}
	if len(w.passphrase) != 0 {
		info.EncryptionTypes = []EncryptionType{EncryptionPassword}
	}

	return info, nil
}

// SyncAddresses implements Container.
func (l *Local) SyncAddresses(_ context.Context, pairs []AddressPair) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	for _, p := range pairs {
		if _, ok := l.wallets[p.WalletID]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownWallet, p.WalletID)
		}
	}
	for _, p := range pairs {
		w := l.wallets[p.WalletID]
		w.synced[p.Address.EncodeAddress()] = struct{}{}
	}

	log.Debugf("Synced %d address(es)", len(pairs))

	return nil
}

// Subscribe implements Container.
func (l *Local) Subscribe() *Subscription {
	return l.results.Subscribe()
}

// SignPartialTXRequest implements Container. The request is checked and
// queued; its outcome, including a wrong password, is delivered on every
// subscription.
func (l *Local) SignPartialTXRequest(_ context.Context,
	req *txbuilder.SignRequest, autoSign bool,
	password []byte) (uint32, error) {

	if req == nil || req.Packet == nil || req.Packet.UnsignedTx == nil {
		return 0, fmt.Errorf("%w: no transaction", ErrInvalidRequest)
	}

	l.mtx.Lock()
	select {
	case <-l.quit:
		l.mtx.Unlock()
		return 0, ErrSignerStopped
	default:
	}
	if _, ok := l.wallets[req.WalletID]; !ok {
		l.mtx.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrUnknownWallet, req.WalletID)
	}
	l.wg.Add(1)
	l.mtx.Unlock()

	id := l.nextID.Add(1)
	if id == 0 {
		id = l.nextID.Add(1)
	}

	pass := append([]byte(nil), password...)

	go func() {
		defer l.wg.Done()
		defer zero.Bytes(pass)

		res := l.sign(id, req, autoSign, pass)

		select {
		case <-l.quit:
			return
		default:
		}
		l.results.Notify(res)
	}()

	log.Debugf("Queued sign request %d for wallet %s (settlement %q)",
		id, req.WalletID, req.SettlementID)

	return id, nil
}

// Stop abandons queued requests and closes every subscription.
func (l *Local) Stop() {
	l.stopped.Do(func() {
		l.mtx.Lock()
		close(l.quit)
		l.mtx.Unlock()

		l.wg.Wait()
		l.results.Close()

		l.mtx.Lock()
		for _, w := range l.wallets {
			zero.Bytes(w.passphrase)
			w.key.Zero()
		}
		l.mtx.Unlock()
	})
}

func (l *Local) sign(id uint32, req *txbuilder.SignRequest, autoSign bool,
	password []byte) SignResult {

	fail := func(code ErrCode, err error) SignResult {
		log.Warnf("Sign request %d failed: %v: %v", id, code, err)

		return SignResult{RequestID: id, ErrCode: code,
			ErrText: err.Error()}
	}

	l.mtx.Lock()
	w, ok := l.wallets[req.WalletID]
	if !ok {
		l.mtx.Unlock()
		return fail(ErrCodeUnknownWallet, ErrUnknownWallet)
	}
	key := w.key
	synced := make(map[string]struct{}, len(w.synced))
	for a := range w.synced {
		synced[a] = struct{}{}
	}
	needPass := len(w.passphrase) != 0 && !(autoSign && w.autoSign)
	passOK := subtle.ConstantTimeCompare(w.passphrase, password) == 1
	l.mtx.Unlock()

	if needPass && !passOK {
		return fail(ErrCodeWrongPassword,
			errors.New("invalid passphrase"))
	}

	tx, err := l.signPacket(key, synced, req)
	switch {
	case errors.Is(err, errCannotSign):
		return fail(ErrCodeCannotSign, err)
	case err != nil:
		return fail(ErrCodeInternal, err)
	}

	log.Infof("Signed request %d: tx %v", id, tx.TxHash())

	return SignResult{RequestID: id, SignedTx: tx}
}

// signPacket signs every input of the packet the key can spend and leaves
// the rest untouched.
func (l *Local) signPacket(key *btcec.PrivateKey, synced map[string]struct{},
	req *txbuilder.SignRequest) (*wire.MsgTx, error) {

	packet := req.Packet
	tx := packet.UnsignedTx.Copy()

	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(tx.TxIn))
	for i, pIn := range packet.Inputs {
		if pIn.WitnessUtxo == nil {
			continue
		}
		prevOuts[tx.TxIn[i].PreviousOutPoint] = pIn.WitnessUtxo
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	pkHash := btcutil.Hash160(key.PubKey().SerializeCompressed())

	signed := 0
	for i := range tx.TxIn {
		pIn := packet.Inputs[i]
		if pIn.WitnessUtxo == nil {
			continue
		}
		pkScript := pIn.WitnessUtxo.PkScript
		amt := pIn.WitnessUtxo.Value

		switch {
		case isP2WPKH(pkScript, pkHash):
			witness, err := txscript.WitnessSignature(
				tx, sigHashes, i, amt, pkScript,
				txscript.SigHashAll, key, true,
			)
			if err != nil {
				return nil, fmt.Errorf("input %d: %w", i, err)
			}
			tx.TxIn[i].Witness = witness

		case txscript.IsPayToWitnessScriptHash(pkScript):
			witness, ok, err := l.signSettlementInput(
				tx, sigHashes, i, &pIn, key, synced,
				req.SettlementID,
			)
			if err != nil {
				return nil, fmt.Errorf("input %d: %w", i, err)
			}
			if !ok {
				continue
			}
			tx.TxIn[i].Witness = witness

		default:
			continue
		}

		signed++
	}

	if signed == 0 {
		return nil, errCannotSign
	}

	return tx, nil
}

// signSettlementInput signs a settlement output spend with the key tweaked
// for the settlement. It reports false when the script does not commit to
// the wallet's key or the address was never announced.
func (l *Local) signSettlementInput(tx *wire.MsgTx,
	sigHashes *txscript.TxSigHashes, idx int, pIn *psbt.PInput,
	key *btcec.PrivateKey, synced map[string]struct{},
	settlementID string) (wire.TxWitness, bool, error) {

	script := pIn.WitnessScript
	if len(script) == 0 || settlementID == "" {
		return nil, false, nil
	}

	scriptHash := sha256.Sum256(script)
	if !bytes.Equal(pIn.WitnessUtxo.PkScript[2:], scriptHash[:]) {
		return nil, false, errors.New("witness script does not " +
			"match output")
	}

	addr, err := btcutil.NewAddressWitnessScriptHash(
		scriptHash[:], l.params,
	)
	if err != nil {
		return nil, false, err
	}
	if _, ok := synced[addr.EncodeAddress()]; !ok {
		log.Debugf("Settlement address %v was not synced", addr)
		return nil, false, nil
	}

	buyKey, sellKey, err := settleaddr.ParseWitnessScript(script, l.params)
	if err != nil {
		return nil, false, err
	}

	tweaked := settleaddr.TweakPrivKey(settlementID, key)
	defer tweaked.Zero()

	pub := tweaked.PubKey()
	if !pub.IsEqual(buyKey) && !pub.IsEqual(sellKey) {
		return nil, false, nil
	}

	sig, err := txscript.RawTxInWitnessSignature(
		tx, sigHashes, idx, pIn.WitnessUtxo.Value, script,
		txscript.SigHashAll, tweaked,
	)
	if err != nil {
		return nil, false, err
	}

	// CHECKMULTISIG pops one element more than it uses.
	return wire.TxWitness{nil, sig, script}, true, nil
}

func isP2WPKH(pkScript, pkHash []byte) bool {
	return txscript.IsPayToWitnessPubKeyHash(pkScript) &&
		bytes.Equal(pkScript[2:], pkHash)
}
