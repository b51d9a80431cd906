// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/stretchr/testify/require"
)

func TestRPCClientConfigValidate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		cfg     *RPCClientConfig
		wantErr bool
	}{
		{name: "nil config", cfg: nil, wantErr: true},
		{
			name: "negative reconnect",
			cfg: &RPCClientConfig{
				Conn:              &rpcclient.ConnConfig{},
				Chain:             &chaincfg.RegressionNetParams,
				ReconnectAttempts: -1,
			},
			wantErr: true,
		},
		{
			name: "missing chain",
			cfg: &RPCClientConfig{
				Conn: &rpcclient.ConnConfig{DisableTLS: true},
			},
			wantErr: true,
		},
		{
			name: "tls without certs",
			cfg: &RPCClientConfig{
				Conn:  &rpcclient.ConnConfig{},
				Chain: &chaincfg.RegressionNetParams,
			},
			wantErr: true,
		},
		{
			name: "valid",
			cfg: &RPCClientConfig{
				Conn:  &rpcclient.ConnConfig{DisableTLS: true},
				Chain: &chaincfg.RegressionNetParams,
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.cfg.validate()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestBtcPerKBToSatPerVByte(t *testing.T) {
	t.Parallel()

	rate, err := btcPerKBToSatPerVByte(0.0002)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(20), rate)

	// Rates below one sat/vB are clamped.
	rate, err = btcPerKBToSatPerVByte(0.000001)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(1), rate)
}

func TestIsTxNotFoundErr(t *testing.T) {
	t.Parallel()

	notFound := &btcjson.RPCError{
		Code:    btcjson.ErrRPCNoTxInfo,
		Message: "No information available about transaction",
	}
	require.True(t, isTxNotFoundErr(notFound))
	require.True(t, isTxNotFoundErr(fmt.Errorf("wrapped: %w", notFound)))
	require.False(t, isTxNotFoundErr(&btcjson.RPCError{
		Code: btcjson.ErrRPCMisc,
	}))
	require.False(t, isTxNotFoundErr(fmt.Errorf("boom")))
}
