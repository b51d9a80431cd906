// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package settleaddr

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
)

// TestDerivation checks that addresses are deterministic, unique per
// settlement and spendable by the tweaked private keys.
func TestDerivation(t *testing.T) {
	t.Parallel()

	params := &chaincfg.RegressionNetParams
	buyPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	sellPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	a, err := New("trade-1", buyPriv.PubKey(), sellPriv.PubKey(), params)
	require.NoError(t, err)
	again, err := New("trade-1", buyPriv.PubKey(), sellPriv.PubKey(),
		params)
	require.NoError(t, err)
	other, err := New("trade-2", buyPriv.PubKey(), sellPriv.PubKey(),
		params)
	require.NoError(t, err)

	require.Equal(t, a.String(), again.String())
	require.NotEqual(t, a.String(), other.String())
	require.True(t, txscript.IsPayToWitnessScriptHash(a.PkScript))
	require.Equal(t, "settlement:trade-1", a.WalletID())

	require.True(t, TweakPrivKey("trade-1", buyPriv).PubKey().IsEqual(
		a.BuyKey,
	))
	require.True(t, TweakPrivKey("trade-1", sellPriv).PubKey().IsEqual(
		a.SellKey,
	))

	buy, sell, err := ParseWitnessScript(a.WitnessScript, params)
	require.NoError(t, err)
	require.True(t, buy.IsEqual(a.BuyKey))
	require.True(t, sell.IsEqual(a.SellKey))

	_, _, err = ParseWitnessScript(a.PkScript, params)
	require.ErrorIs(t, err, ErrNotSettlementScript)

	_, err = New("trade-1", buyPriv.PubKey(), buyPriv.PubKey(), params)
	require.Error(t, err)
	_, err = New("", buyPriv.PubKey(), sellPriv.PubKey(), params)
	require.Error(t, err)
}
