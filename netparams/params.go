// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netparams

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// ErrUnknownNetwork is returned by ForName for unsupported network names.
var ErrUnknownNetwork = errors.New("unknown network")

// Params groups the chain parameters of a network with the default port of
// the btcd RPC server the settlement daemon connects to.
type Params struct {
	*chaincfg.Params
	RPCClientPort string
}

// MainNetParams contains parameters specific to the main network
// (wire.MainNet).
var MainNetParams = Params{
	Params:        &chaincfg.MainNetParams,
	RPCClientPort: "8334",
}

// TestNet3Params contains parameters specific to the test network (version
// 3) (wire.TestNet3).
var TestNet3Params = Params{
	Params:        &chaincfg.TestNet3Params,
	RPCClientPort: "18334",
}

// TestNet4Params contains parameters specific to the test network (version
// 4).
var TestNet4Params = Params{
	Params:        &TestNet4ChainParams,
	RPCClientPort: "48334",
}

// SimNetParams contains parameters specific to the simulation test network
// (wire.SimNet).
var SimNetParams = Params{
	Params:        &chaincfg.SimNetParams,
	RPCClientPort: "18556",
}

// RegressionNetParams contains parameters specific to the regression test
// network (wire.TestNet).
var RegressionNetParams = Params{
	Params:        &chaincfg.RegressionNetParams,
	RPCClientPort: "18334",
}

var byName = map[string]*Params{
	MainNetParams.Name:       &MainNetParams,
	TestNet3Params.Name:      &TestNet3Params,
	TestNet4Params.Name:      &TestNet4Params,
	SimNetParams.Name:        &SimNetParams,
	RegressionNetParams.Name: &RegressionNetParams,
}

// ForName returns the parameters of the network with the given chaincfg
// name, e.g. "mainnet" or "testnet3".
func ForName(name string) (*Params, error) {
	params, ok := byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, name)
	}

	return params, nil
}
