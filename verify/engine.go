// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package verify answers the on-chain questions settlement depends on: does
// a transaction pay an address a given value, is an address reachable from a
// set of root addresses through lot-preserving transfers, and which party
// signed a settlement pay-out.
package verify

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcsettle/chain"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultMaxWalkDepth bounds how many transactions back a walk goes.
	DefaultMaxWalkDepth = 64

	// DefaultCacheSize is the number of confirmed transactions kept.
	DefaultCacheSize = 10000

	// maxConcurrentLookups bounds parallel input lookups.
	maxConcurrentLookups = 8
)

var (
	// ErrRecipNotFound is returned when no output pays the address.
	ErrRecipNotFound = errors.New("no output pays address")

	// ErrLookupFailed is returned when a transaction could not be fetched
	// for a reason other than it not existing.
	ErrLookupFailed = errors.New("transaction lookup failed")
)

// Config configures an Engine.
type Config struct {
	Chain chain.Interface

	// MaxWalkDepth bounds backward walks. Zero means
	// DefaultMaxWalkDepth.
	MaxWalkDepth int

	// CacheSize is the transaction cache capacity. Zero means
	// DefaultCacheSize.
	CacheSize uint64
}

type cachedTx struct {
	tx *wire.MsgTx
}

// Size counts cache capacity in transactions.
func (c *cachedTx) Size() (uint64, error) {
	return 1, nil
}

// Engine runs verifications against a chain provider. It is safe for
// concurrent use.
type Engine struct {
	cfg Config

	txCache *lru.Cache[chainhash.Hash, *cachedTx]
	lookups singleflight.Group
}

// NewEngine creates an engine.
func NewEngine(cfg Config) *Engine {
	if cfg.MaxWalkDepth <= 0 {
		cfg.MaxWalkDepth = DefaultMaxWalkDepth
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = DefaultCacheSize
	}

	return &Engine{
		cfg:     cfg,
		txCache: lru.NewCache[chainhash.Hash, *cachedTx](cfg.CacheSize),
	}
}

// fetchTx returns a transaction by hash. Confirmed transactions are cached;
// concurrent lookups of one hash share a single request. A missing
// transaction yields chain.ErrTxNotFound, any other failure is wrapped in
// ErrLookupFailed.
func (e *Engine) fetchTx(ctx context.Context,
	hash chainhash.Hash) (*wire.MsgTx, error) {

	if cached, err := e.txCache.Get(hash); err == nil {
		return cached.tx, nil
	} else if !errors.Is(err, cache.ErrElementNotFound) {
		log.Warnf("Transaction cache lookup of %v: %v", hash, err)
	}

	v, err, _ := e.lookups.Do(hash.String(), func() (interface{}, error) {
		entry, err := e.cfg.Chain.GetTx(ctx, hash)
		if err != nil {
			return nil, err
		}

		if entry.Block != nil {
			_, err := e.txCache.Put(hash, &cachedTx{tx: entry.Tx})
			if err != nil {
				log.Warnf("Unable to cache %v: %v", hash, err)
			}
		}

		return entry.Tx, nil
	})
	switch {
	case err == nil:
		return v.(*wire.MsgTx), nil

	case errors.Is(err, chain.ErrTxNotFound):
		return nil, err

	case ctx.Err() != nil:
		return nil, ctx.Err()

	default:
		return nil, fmt.Errorf("%w: %v: %v", ErrLookupFailed, hash, err)
	}
}

// RecipResult describes how a transaction's value is split with respect to
// one address.
type RecipResult struct {
	ValueToAddress  btcutil.Amount
	ValueToOthers   btcutil.Amount
	TotalInputValue btcutil.Amount
}

// Fee returns the transaction fee implied by the result.
func (r *RecipResult) Fee() btcutil.Amount {
	return r.TotalInputValue - r.ValueToAddress - r.ValueToOthers
}

// splitOutputs sums the outputs paying addr and the others. found reports
// whether any output pays addr.
func splitOutputs(tx *wire.MsgTx, addr btcutil.Address) (toAddr,
	toOthers btcutil.Amount, found bool, err error) {

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return 0, 0, false, err
	}

	for _, out := range tx.TxOut {
		if string(out.PkScript) == string(pkScript) {
			toAddr += btcutil.Amount(out.Value)
			found = true
			continue
		}
		toOthers += btcutil.Amount(out.Value)
	}

	return toAddr, toOthers, found, nil
}

// FindRecipAddress reports how much tx pays addr, how much it pays others
// and the total value of its inputs. It fails with ErrRecipNotFound when no
// output pays addr.
func (e *Engine) FindRecipAddress(ctx context.Context, tx *wire.MsgTx,
	addr btcutil.Address) (*RecipResult, error) {

	toAddr, toOthers, found, err := splitOutputs(tx, addr)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %v in %v", ErrRecipNotFound,
			addr, tx.TxHash())
	}

	total, err := e.InputValue(ctx, tx)
	if err != nil {
		return nil, err
	}

	return &RecipResult{
		ValueToAddress:  toAddr,
		ValueToOthers:   toOthers,
		TotalInputValue: total,
	}, nil
}

// InputValue returns the summed value of the outputs tx spends.
func (e *Engine) InputValue(ctx context.Context,
	tx *wire.MsgTx) (btcutil.Amount, error) {

	values := make([]btcutil.Amount, len(tx.TxIn))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentLookups)
	for i, txIn := range tx.TxIn {
		i, op := i, txIn.PreviousOutPoint
		g.Go(func() error {
			prev, err := e.fetchTx(gctx, op.Hash)
			if err != nil {
				return err
			}
			if int(op.Index) >= len(prev.TxOut) {
				return fmt.Errorf("input %d spends missing "+
					"output %v", i, op)
			}
			values[i] = btcutil.Amount(prev.TxOut[op.Index].Value)

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var total btcutil.Amount
	for _, v := range values {
		total += v
	}

	return total, nil
}

// PaysAtLeast reports whether tx pays addr at least value.
func PaysAtLeast(tx *wire.MsgTx, addr btcutil.Address,
	value btcutil.Amount) (bool, error) {

	toAddr, _, found, err := splitOutputs(tx, addr)
	if err != nil {
		return false, err
	}

	return found && toAddr >= value, nil
}
