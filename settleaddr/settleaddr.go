// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package settleaddr derives settlement addresses. A settlement address is a
// 1-of-2 witness script hash multisig over the buyer's and the seller's auth
// keys, each tweaked by the settlement id so that no two settlements share
// an address.
package settleaddr

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// ErrNotSettlementScript is returned when a witness script is not a 1-of-2
// multisig.
var ErrNotSettlementScript = errors.New("not a settlement script")

// Address is a settlement address with everything needed to watch and spend
// it.
type Address struct {
	SettlementID string

	// BuyAuthKey and SellAuthKey are the parties' untweaked auth keys.
	BuyAuthKey  *btcec.PublicKey
	SellAuthKey *btcec.PublicKey

	// BuyKey and SellKey are the keys committed to by the script.
	BuyKey  *btcec.PublicKey
	SellKey *btcec.PublicKey

	WitnessScript []byte
	PkScript      []byte

	addr *btcutil.AddressWitnessScriptHash
}

// New derives the settlement address of settlementID.
func New(settlementID string, buyAuthKey, sellAuthKey *btcec.PublicKey,
	params *chaincfg.Params) (*Address, error) {

	if settlementID == "" {
		return nil, errors.New("empty settlement id")
	}
	if buyAuthKey == nil || sellAuthKey == nil {
		return nil, errors.New("missing auth key")
	}
	if buyAuthKey.IsEqual(sellAuthKey) {
		return nil, errors.New("buy and sell auth keys are equal")
	}

	buyKey := TweakPubKey(settlementID, buyAuthKey)
	sellKey := TweakPubKey(settlementID, sellAuthKey)

	witnessScript, err := multisigScript(buyKey, sellKey, params)
	if err != nil {
		return nil, err
	}

	scriptHash := sha256.Sum256(witnessScript)
	addr, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], params)
	if err != nil {
		return nil, err
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	return &Address{
		SettlementID:  settlementID,
		BuyAuthKey:    buyAuthKey,
		SellAuthKey:   sellAuthKey,
		BuyKey:        buyKey,
		SellKey:       sellKey,
		WitnessScript: witnessScript,
		PkScript:      pkScript,
		addr:          addr,
	}, nil
}

// Address returns the encoded address.
func (a *Address) Address() btcutil.Address {
	return a.addr
}

// String returns the encoded address.
func (a *Address) String() string {
	return a.addr.EncodeAddress()
}

// WalletID is the chain registration id used to watch the address.
func (a *Address) WalletID() string {
	return WalletID(a.SettlementID)
}

// WalletID returns the wallet id under which a settlement's address and
// outputs are registered and reserved.
func WalletID(settlementID string) string {
	return "settlement:" + settlementID
}

func multisigScript(buyKey, sellKey *btcec.PublicKey,
	params *chaincfg.Params) ([]byte, error) {

	buy, err := btcutil.NewAddressPubKey(buyKey.SerializeCompressed(),
		params)
	if err != nil {
		return nil, err
	}
	sell, err := btcutil.NewAddressPubKey(sellKey.SerializeCompressed(),
		params)
	if err != nil {
		return nil, err
	}

	return txscript.MultiSigScript([]*btcutil.AddressPubKey{buy, sell}, 1)
}

// ParseWitnessScript returns the buy and sell keys of a settlement script.
func ParseWitnessScript(script []byte,
	params *chaincfg.Params) (*btcec.PublicKey, *btcec.PublicKey, error) {

	class, addrs, required, err := txscript.ExtractPkScriptAddrs(
		script, params,
	)
	if err != nil {
		return nil, nil, err
	}
	if class != txscript.MultiSigTy || required != 1 || len(addrs) != 2 {
		return nil, nil, fmt.Errorf("%w: class %v, %d of %d",
			ErrNotSettlementScript, class, required, len(addrs))
	}

	keys := make([]*btcec.PublicKey, 0, 2)
	for _, addr := range addrs {
		pk, ok := addr.(*btcutil.AddressPubKey)
		if !ok {
			return nil, nil, ErrNotSettlementScript
		}
		keys = append(keys, pk.PubKey())
	}

	return keys[0], keys[1], nil
}

// tweak returns sha256(settlementID || compressed key) as a scalar.
func tweak(settlementID string, pub *btcec.PublicKey) *secp256k1.ModNScalar {
	h := sha256.New()
	h.Write([]byte(settlementID))
	h.Write(pub.SerializeCompressed())

	var t secp256k1.ModNScalar
	t.SetByteSlice(h.Sum(nil))

	return &t
}

// TweakPubKey returns pub + tweak*G.
func TweakPubKey(settlementID string, pub *btcec.PublicKey) *btcec.PublicKey {
	var p, tG, sum secp256k1.JacobianPoint
	pub.AsJacobian(&p)
	secp256k1.ScalarBaseMultNonConst(tweak(settlementID, pub), &tG)
	secp256k1.AddNonConst(&p, &tG, &sum)
	sum.ToAffine()

	return secp256k1.NewPublicKey(&sum.X, &sum.Y)
}

// TweakPrivKey returns priv + tweak, the private key of TweakPubKey.
func TweakPrivKey(settlementID string,
	priv *btcec.PrivateKey) *btcec.PrivateKey {

	var k secp256k1.ModNScalar
	k.Set(&priv.Key)
	k.Add(tweak(settlementID, priv.PubKey()))

	return secp256k1.NewPrivateKey(&k)
}
