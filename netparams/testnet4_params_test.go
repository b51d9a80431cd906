// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netparams

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestTestNet4Genesis checks the genesis block against the hash published
// for testnet4.
func TestTestNet4Genesis(t *testing.T) {
	t.Parallel()

	require.Equal(t,
		"00000000da84f2bafbbc53dee25a72ae507ff4914b867c565be350b0da8bf043",
		testNet4GenesisBlock.BlockHash().String())
	require.Equal(t,
		"7aa0a7ae1e223414cb807e40cd57e667b718e42aaf9306db9102fe28912b7b4e",
		testNet4GenesisBlock.Header.MerkleRoot.String())
	require.Equal(t, *TestNet4ChainParams.GenesisHash,
		testNet4GenesisBlock.BlockHash())
}

func TestForName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want *Params
		err  error
	}{
		{name: "mainnet", want: &MainNetParams},
		{name: "testnet3", want: &TestNet3Params},
		{name: "testnet4", want: &TestNet4Params},
		{name: "simnet", want: &SimNetParams},
		{name: "regtest", want: &RegressionNetParams},
		{name: "signet", err: ErrUnknownNetwork},
		{name: "", err: ErrUnknownNetwork},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			params, err := ForName(test.name)
			if test.err != nil {
				require.ErrorIs(t, err, test.err)
				return
			}
			require.NoError(t, err)
			require.Same(t, test.want, params)
		})
	}
}
