// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wtxmgr"
)

type registration struct {
	id       string
	walletID string
	addrs    []btcutil.Address
	scripts  map[string]struct{}

	// outPoints are outputs paying the registration's scripts. A
	// transaction spending one of them is relevant as well.
	outPoints map[wire.OutPoint]struct{}
}

// Registrations tracks the addresses and outpoints watched per wallet
// registration and matches transactions against them. Backends use it to
// scope RelevantTx notifications.
type Registrations struct {
	mtx    sync.RWMutex
	nextID uint64
	regs   map[string]*registration
}

// NewRegistrations creates an empty registration set.
func NewRegistrations() *Registrations {
	return &Registrations{regs: make(map[string]*registration)}
}

// Register adds a registration for walletID watching addrs and returns its
// id.
func (r *Registrations) Register(walletID string,
	addrs []btcutil.Address) (string, error) {

	scripts := make(map[string]struct{}, len(addrs))
	for _, addr := range addrs {
		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return "", fmt.Errorf("unable to create script for "+
				"%v: %w", addr, err)
		}
		scripts[string(pkScript)] = struct{}{}
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	r.nextID++
	id := fmt.Sprintf("%s#%d", walletID, r.nextID)
	r.regs[id] = &registration{
		id:        id,
		walletID:  walletID,
		addrs:     append([]btcutil.Address(nil), addrs...),
		scripts:   scripts,
		outPoints: make(map[wire.OutPoint]struct{}),
	}

	return id, nil
}

// Unregister removes a registration. It reports whether it existed.
func (r *Registrations) Unregister(regID string) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	_, ok := r.regs[regID]
	delete(r.regs, regID)

	return ok
}

// WalletAddrs returns the union of the addresses registered for walletID.
func (r *Registrations) WalletAddrs(walletID string) ([]btcutil.Address,
	error) {

	r.mtx.RLock()
	defer r.mtx.RUnlock()

	var (
		addrs []btcutil.Address
		seen  = make(map[string]struct{})
		found bool
	)
	for _, reg := range r.regs {
		if reg.walletID != walletID {
			continue
		}
		found = true
		for _, addr := range reg.addrs {
			if _, ok := seen[addr.EncodeAddress()]; ok {
				continue
			}
			seen[addr.EncodeAddress()] = struct{}{}
			addrs = append(addrs, addr)
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWallet, walletID)
	}

	return addrs, nil
}

// WalletScripts returns the output scripts watched for walletID.
func (r *Registrations) WalletScripts(walletID string) ([][]byte, error) {
	addrs, err := r.WalletAddrs(walletID)
	if err != nil {
		return nil, err
	}

	scripts := make([][]byte, 0, len(addrs))
	for _, addr := range addrs {
		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, pkScript)
	}

	return scripts, nil
}

// Match returns the ids of the registrations a transaction is relevant to,
// sorted. Outputs paying a registration's scripts are remembered so later
// spends of them match too. The second return value lists the outpoints that
// were newly added, so backends can extend their node side filters.
func (r *Registrations) Match(tx *wire.MsgTx) ([]string, []wire.OutPoint) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	var (
		ids    []string
		newOps []wire.OutPoint
		hash   = tx.TxHash()
	)
	for id, reg := range r.regs {
		relevant := false
		for _, txIn := range tx.TxIn {
			if _, ok := reg.outPoints[txIn.PreviousOutPoint]; ok {
				relevant = true
				break
			}
		}
		for i, txOut := range tx.TxOut {
			if _, ok := reg.scripts[string(txOut.PkScript)]; !ok {
				continue
			}
			relevant = true

			op := wire.OutPoint{Hash: hash, Index: uint32(i)}
			if _, ok := reg.outPoints[op]; !ok {
				reg.outPoints[op] = struct{}{}
				newOps = append(newOps, op)
			}
		}
		if relevant {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	return ids, newOps
}

// Watched returns every watched address and outpoint, used to reload a node
// side transaction filter after reconnecting.
func (r *Registrations) Watched() ([]btcutil.Address, []wire.OutPoint) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	var (
		addrs []btcutil.Address
		ops   []wire.OutPoint
	)
	for _, reg := range r.regs {
		addrs = append(addrs, reg.addrs...)
		for op := range reg.outPoints {
			ops = append(ops, op)
		}
	}

	return addrs, ops
}

// SpendableCredits derives the unspent outputs paying any of pkScripts from a
// transaction history. Confirmed and unconfirmed outputs are returned
// separately; outputs spent by any transaction in the history, mined or not,
// are excluded.
func SpendableCredits(history []*TxEntry,
	pkScripts [][]byte) ([]wtxmgr.Credit, []wtxmgr.Credit) {

	watched := make(map[string]struct{}, len(pkScripts))
	for _, pkScript := range pkScripts {
		watched[string(pkScript)] = struct{}{}
	}

	spent := make(map[wire.OutPoint]struct{})
	for _, entry := range history {
		for _, txIn := range entry.Tx.TxIn {
			spent[txIn.PreviousOutPoint] = struct{}{}
		}
	}

	var confirmed, unconfirmed []wtxmgr.Credit
	seen := make(map[chainhash.Hash]struct{}, len(history))
	for _, entry := range history {
		if _, ok := seen[entry.Hash]; ok {
			continue
		}
		seen[entry.Hash] = struct{}{}

		coinbase := blockchain.IsCoinBaseTx(entry.Tx)
		for i, txOut := range entry.Tx.TxOut {
			if _, ok := watched[string(txOut.PkScript)]; !ok {
				continue
			}

			op := wire.OutPoint{Hash: entry.Hash, Index: uint32(i)}
			if _, ok := spent[op]; ok {
				continue
			}

			credit := wtxmgr.Credit{
				OutPoint:     op,
				Amount:       btcutil.Amount(txOut.Value),
				PkScript:     txOut.PkScript,
				FromCoinBase: coinbase,
			}
			if entry.Block == nil {
				credit.BlockMeta = wtxmgr.BlockMeta{
					Block: wtxmgr.Block{Height: -1},
				}
				unconfirmed = append(unconfirmed, credit)
				continue
			}

			credit.BlockMeta = *entry.Block
			credit.Received = entry.Block.Time
			confirmed = append(confirmed, credit)
		}
	}

	return confirmed, unconfirmed
}
