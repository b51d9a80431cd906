// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

func TestAmountFlag(t *testing.T) {
	t.Parallel()

	flag := NewAmountFlag(btcutil.Amount(1000))
	require.NoError(t, flag.UnmarshalFlag("0.5 BTC"))
	require.Equal(t, btcutil.Amount(50_000_000), flag.Amount)

	s, err := flag.MarshalFlag()
	require.NoError(t, err)
	require.Equal(t, "0.50000000 BTC", s)

	require.Error(t, flag.UnmarshalFlag("lots"))
}

func TestNormalizeAddress(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		addr    string
		want    string
		wantErr bool
	}{
		{name: "missing port", addr: "localhost", want: "localhost:8334"},
		{name: "explicit port", addr: "127.0.0.1:1", want: "127.0.0.1:1"},
		{name: "ipv6", addr: "::1", want: "[::1]:8334"},
		{name: "garbage", addr: "a:b:c]", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := NormalizeAddress(tc.addr, "8334")
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestFileExists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ok, err := FileExists(dir)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = FileExists(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	require.False(t, ok)
}
