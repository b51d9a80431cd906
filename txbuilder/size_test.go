// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txbuilder

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
)

// TestIsDustChange checks change amounts against the relay dust limit of
// the change script.
func TestIsDustChange(t *testing.T) {
	t.Parallel()

	pkScript, err := txscript.PayToAddrScript(newTestAddr(t))
	require.NoError(t, err)

	tests := []struct {
		name   string
		change btcutil.Amount
		dust   bool
	}{
		{name: "negative", change: -1, dust: true},
		{name: "zero", change: 0, dust: true},
		{name: "below limit", change: 300, dust: true},
		{name: "above limit", change: 1000, dust: false},
		{name: "large", change: 1e6, dust: false},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			dust := isDustChange(test.change, pkScript)
			require.Equal(t, test.dust, dust)
		})
	}
}
