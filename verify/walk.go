// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package verify

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcsettle/chain"
)

// walkItem is one pending step of a backward walk: the output spent by some
// input already visited.
type walkItem struct {
	prevOut wire.OutPoint
	depth   int
}

// walker searches the ancestry of a transaction breadth first. Pending
// steps live in an explicit queue, so cancellation and error handling stay
// in one loop.
type walker struct {
	engine   *Engine
	target   []byte
	lotSize  btcutil.Amount
	maxDepth int

	queue   []walkItem
	visited map[chainhash.Hash]struct{}

	// lookupErr is the first failed lookup. It only surfaces if no other
	// branch finds the target.
	lookupErr error
}

func (w *walker) enqueueInputs(tx *wire.MsgTx, depth int) {
	if blockchain.IsCoinBaseTx(tx) {
		return
	}

	for _, txIn := range tx.TxIn {
		w.queue = append(w.queue, walkItem{
			prevOut: txIn.PreviousOutPoint,
			depth:   depth,
		})
	}
}

// run processes the queue until the target is found or the queue is empty.
func (w *walker) run(ctx context.Context) (bool, error) {
	for len(w.queue) > 0 {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		item := w.queue[0]
		w.queue = w.queue[1:]

		prev, err := w.engine.fetchTx(ctx, item.prevOut.Hash)
		switch {
		case err == nil:

		// The ancestry ends at outputs the chain does not know.
		case errors.Is(err, chain.ErrTxNotFound):
			continue

		case errors.Is(err, ErrLookupFailed):
			log.Debugf("Walk branch at %v pruned: %v",
				item.prevOut, err)
			if w.lookupErr == nil {
				w.lookupErr = err
			}
			continue

		default:
			return false, err
		}

		if int(item.prevOut.Index) >= len(prev.TxOut) {
			continue
		}
		out := prev.TxOut[item.prevOut.Index]

		if w.lotSize > 0 && out.Value%int64(w.lotSize) != 0 {
			continue
		}

		if string(out.PkScript) == string(w.target) {
			return true, nil
		}

		if item.depth >= w.maxDepth {
			continue
		}

		hash := prev.TxHash()
		if _, ok := w.visited[hash]; ok {
			continue
		}
		w.visited[hash] = struct{}{}

		w.enqueueInputs(prev, item.depth+1)
	}

	return false, w.lookupErr
}

// HasInputAddress reports whether any ancestor output of tx, reached
// through outputs whose values are multiples of lotSize, pays addr. A lot
// size of zero disables the divisibility check. Lookup failures prune their
// branch; if no branch succeeds the result is false with an error wrapping
// ErrLookupFailed.
func (e *Engine) HasInputAddress(ctx context.Context, tx *wire.MsgTx,
	addr btcutil.Address, lotSize btcutil.Amount) (bool, error) {

	return e.walk(ctx, tx, addr, lotSize, e.cfg.MaxWalkDepth)
}

func (e *Engine) walk(ctx context.Context, tx *wire.MsgTx,
	addr btcutil.Address, lotSize btcutil.Amount,
	maxDepth int) (bool, error) {

	target, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return false, err
	}

	w := &walker{
		engine:   e,
		target:   target,
		lotSize:  lotSize,
		maxDepth: maxDepth,
		visited: map[chainhash.Hash]struct{}{
			tx.TxHash(): {},
		},
	}
	w.enqueueInputs(tx, 1)

	found, err := w.run(ctx)

	log.Tracef("Walk from %v for %v (lot %v, depth %d): found=%v, "+
		"%d visited, err=%v", tx.TxHash(), addr, lotSize, maxDepth,
		found, len(w.visited), err)

	return found, err
}

// HasAnyInputAddress is HasInputAddress over several candidate addresses,
// returning the first one found.
func (e *Engine) HasAnyInputAddress(ctx context.Context, tx *wire.MsgTx,
	addrs []btcutil.Address, lotSize btcutil.Amount) (btcutil.Address,
	error) {

	return e.anyInput(ctx, tx, addrs, lotSize, e.cfg.MaxWalkDepth)
}

// SpendsFromAny returns the first of addrs that one of tx's own inputs
// spends from, looking at no ancestors.
func (e *Engine) SpendsFromAny(ctx context.Context, tx *wire.MsgTx,
	addrs []btcutil.Address) (btcutil.Address, error) {

	return e.anyInput(ctx, tx, addrs, 0, 1)
}

func (e *Engine) anyInput(ctx context.Context, tx *wire.MsgTx,
	addrs []btcutil.Address, lotSize btcutil.Amount,
	maxDepth int) (btcutil.Address, error) {

	var lookupErr error
	for _, addr := range addrs {
		found, err := e.walk(ctx, tx, addr, lotSize, maxDepth)
		if found {
			return addr, nil
		}
		if err != nil {
			if !errors.Is(err, ErrLookupFailed) {
				return nil, err
			}
			lookupErr = err
		}
	}

	return nil, lookupErr
}
