// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package authaddr tracks whether auth addresses are authorized to trade.
// An address is verified by a payment from one of the root (authority)
// addresses, checked by walking its ancestry, and stops being verified when
// that payment is spent or the authority publishes a revocation.
package authaddr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcsettle/chain"
	"github.com/btcsuite/btcsettle/verify"
	"github.com/jellydator/ttlcache/v3"
)

const (
	// DefaultConfirmations is the depth a verification transaction needs.
	DefaultConfirmations = 6

	// DefaultVerifyTTL is how long a one-off Verify result is reused.
	DefaultVerifyTTL = 10 * time.Minute
)

// RevocationMarker is the null data payload an authority transaction
// carries to revoke the addresses it pays.
var RevocationMarker = []byte("REVOKE")

var (
	// ErrUnknownAddress is returned for an address that was never added.
	ErrUnknownAddress = errors.New("unknown auth address")

	// ErrAddressExists is returned by Add for a managed address.
	ErrAddressExists = errors.New("auth address already managed")

	// ErrInvalidTransition is returned when an explicit action does not
	// apply to the address's state.
	ErrInvalidTransition = errors.New("invalid auth address transition")

	// ErrNoRoots is returned by New without root addresses.
	ErrNoRoots = errors.New("no root addresses")
)

// ChangeFunc is called after an address changes state.
type ChangeFunc func(addr btcutil.Address, from, to State)

// Config configures a Manager.
type Config struct {
	Chain       chain.Interface
	Engine      *verify.Engine
	ChainParams *chaincfg.Params

	// Roots are the authority addresses verification originates from.
	Roots []btcutil.Address

	// LotSize constrains the ancestry walk to outputs that are multiples
	// of it. Zero disables the check.
	LotSize btcutil.Amount

	// Confirmations defaults to DefaultConfirmations.
	Confirmations int32

	// VerifyTTL defaults to DefaultVerifyTTL.
	VerifyTTL time.Duration

	OnChange ChangeFunc
}

type entry struct {
	addr  btcutil.Address
	state State
	regID string

	// since hides chain history at or below this height after a
	// resubmission.
	since int32
}

// Manager owns the verification state of a set of auth addresses. Chain
// derived transitions happen only in Refresh and Run.
type Manager struct {
	cfg Config

	mtx     sync.Mutex
	entries map[string]*entry

	// refreshMtx serializes derivations so results land in order.
	refreshMtx sync.Mutex

	verified *ttlcache.Cache[string, bool]
}

// New creates a manager without addresses.
func New(cfg Config) (*Manager, error) {
	if len(cfg.Roots) == 0 {
		return nil, ErrNoRoots
	}
	if cfg.Confirmations <= 0 {
		cfg.Confirmations = DefaultConfirmations
	}
	if cfg.VerifyTTL <= 0 {
		cfg.VerifyTTL = DefaultVerifyTTL
	}

	return &Manager{
		cfg:     cfg,
		entries: make(map[string]*entry),
		verified: ttlcache.New[string, bool](
			ttlcache.WithTTL[string, bool](cfg.VerifyTTL),
			ttlcache.WithDisableTouchOnHit[string, bool](),
		),
	}, nil
}

func walletID(addr btcutil.Address) string {
	return "auth:" + addr.EncodeAddress()
}

// Add starts managing addr and derives its initial state.
func (m *Manager) Add(ctx context.Context, addr btcutil.Address) error {
	key := addr.EncodeAddress()

	m.mtx.Lock()
	if _, ok := m.entries[key]; ok {
		m.mtx.Unlock()
		return ErrAddressExists
	}
	e := &entry{addr: addr, state: StateInProgress}
	m.entries[key] = e
	m.mtx.Unlock()

	regID, err := m.cfg.Chain.RegisterWallet(
		ctx, walletID(addr), []btcutil.Address{addr},
	)
	if err != nil {
		m.mtx.Lock()
		delete(m.entries, key)
		m.mtx.Unlock()

		return fmt.Errorf("register %v: %w", addr, err)
	}

	m.mtx.Lock()
	e.regID = regID
	m.mtx.Unlock()

	log.Infof("Managing auth address %v", addr)

	return m.refresh(ctx, key)
}

// Remove stops managing addr.
func (m *Manager) Remove(addr btcutil.Address) {
	m.mtx.Lock()
	e, ok := m.entries[addr.EncodeAddress()]
	delete(m.entries, addr.EncodeAddress())
	m.mtx.Unlock()

	if !ok {
		return
	}
	if e.regID != "" {
		m.cfg.Chain.UnregisterWallet(e.regID)
	}

	log.Infof("Removed auth address %v", addr)
}

// Addresses returns the managed addresses, sorted.
func (m *Manager) Addresses() []btcutil.Address {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	addrs := make([]btcutil.Address, 0, len(keys))
	for _, key := range keys {
		addrs = append(addrs, m.entries[key].addr)
	}

	return addrs
}

// State returns the state of a managed address.
func (m *Manager) State(addr btcutil.Address) (State, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	e, ok := m.entries[addr.EncodeAddress()]
	if !ok {
		return 0, ErrUnknownAddress
	}

	return e.state, nil
}

// IsVerified reports whether a managed address may trade.
func (m *Manager) IsVerified(addr btcutil.Address) bool {
	state, err := m.State(addr)
	return err == nil && state == StateVerified
}

// Submit records that addr was handed to the authority for verification.
func (m *Manager) Submit(addr btcutil.Address) error {
	return m.transition(addr, StateSubmitted, nil, StateNotSubmitted)
}

// Resubmit submits a revoked or never submitted address again. Chain
// history up to bestHeight no longer counts for it.
func (m *Manager) Resubmit(ctx context.Context, addr btcutil.Address) error {
	best, _, err := m.cfg.Chain.BestBlock(ctx)
	if err != nil {
		return err
	}

	return m.transition(addr, StateSubmitted, func(e *entry) {
		e.since = best
	}, StateNotSubmitted, StateRevoked, StateRevokedByBS)
}

// Blacklist marks addr as refused. It stays blacklisted until removed.
func (m *Manager) Blacklist(addr btcutil.Address) error {
	return m.transition(addr, StateBlacklisted, nil)
}

// transition applies an explicit action. With no from states any state
// but Blacklisted is accepted.
func (m *Manager) transition(addr btcutil.Address, to State,
	apply func(*entry), from ...State) error {

	m.mtx.Lock()
	e, ok := m.entries[addr.EncodeAddress()]
	if !ok {
		m.mtx.Unlock()
		return ErrUnknownAddress
	}

	cur := e.state
	allowed := len(from) == 0 && cur != StateBlacklisted
	for _, s := range from {
		if s == cur {
			allowed = true
		}
	}
	if !allowed {
		m.mtx.Unlock()
		return fmt.Errorf("%w: %v to %v for %v", ErrInvalidTransition,
			cur, to, addr)
	}

	if apply != nil {
		apply(e)
	}
	e.state = to
	m.mtx.Unlock()

	m.changed(addr, cur, to)

	return nil
}

func (m *Manager) changed(addr btcutil.Address, from, to State) {
	if from == to {
		return
	}

	log.Infof("Auth address %v: %v -> %v", addr, from, to)

	m.verified.Delete(addr.EncodeAddress())
	if m.cfg.OnChange != nil {
		m.cfg.OnChange(addr, from, to)
	}
}

// Refresh re-derives the state of every managed address. Addresses whose
// derivation fails keep their state; the first failure is returned.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mtx.Lock()
	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	m.mtx.Unlock()
	sort.Strings(keys)

	var firstErr error
	for _, key := range keys {
		err := m.refresh(ctx, key)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (m *Manager) refresh(ctx context.Context, key string) error {
	m.refreshMtx.Lock()
	defer m.refreshMtx.Unlock()

	m.mtx.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.mtx.Unlock()
		return nil
	}
	addr, since := e.addr, e.since
	m.mtx.Unlock()

	f, err := m.facts(ctx, addr, walletID(addr), since)
	if err != nil {
		log.Warnf("Auth address %v: keeping state: %v", addr, err)
		return err
	}

	m.mtx.Lock()
	e, ok = m.entries[key]
	if !ok {
		m.mtx.Unlock()
		return nil
	}
	cur := e.state
	e.state = derive(cur, f, m.cfg.Confirmations)
	next := e.state
	m.mtx.Unlock()

	m.changed(addr, cur, next)

	return nil
}

// Run refreshes addresses as the chain provider reports activity until ctx
// is done.
func (m *Manager) Run(ctx context.Context) error {
	sub := m.cfg.Chain.Subscribe()
	defer sub.Cancel()

	for {
		select {
		case n, ok := <-sub.Notifications():
			if !ok {
				return nil
			}

			switch n := n.(type) {
			case chain.BlockConnected:
				_ = m.Refresh(ctx)

			case chain.RelevantTx:
				for _, key := range m.keysFor(n) {
					_ = m.refresh(ctx, key)
				}
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) keysFor(n chain.RelevantTx) []string {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	var keys []string
	for key, e := range m.entries {
		if e.regID != "" && n.HasRegistration(e.regID) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	return keys
}

// Verify reports whether addr is verified. Managed addresses answer from
// their state; others are derived from the chain once and the answer is
// reused for the configured TTL. A failed lookup is never a positive
// answer and is not cached.
func (m *Manager) Verify(ctx context.Context, addr btcutil.Address) (bool,
	error) {

	m.mtx.Lock()
	e, ok := m.entries[addr.EncodeAddress()]
	if ok {
		state := e.state
		m.mtx.Unlock()
		return state == StateVerified, nil
	}
	m.mtx.Unlock()

	key := addr.EncodeAddress()
	if item := m.verified.Get(key); item != nil {
		return item.Value(), nil
	}

	id := "verify:" + key
	regID, err := m.cfg.Chain.RegisterWallet(
		ctx, id, []btcutil.Address{addr},
	)
	if err != nil {
		return false, err
	}
	defer m.cfg.Chain.UnregisterWallet(regID)

	f, err := m.facts(ctx, addr, id, 0)
	if err != nil {
		return false, err
	}
	ok = derive(StateInProgress, f, m.cfg.Confirmations) == StateVerified
	m.verified.Set(key, ok, ttlcache.DefaultTTL)

	log.Debugf("Verified %v: %v", addr, ok)

	return ok, nil
}

// facts gathers the chain evidence about addr from its history, ignoring
// transactions mined at or below since.
func (m *Manager) facts(ctx context.Context, addr btcutil.Address,
	walletID string, since int32) (facts, error) {

	var f facts

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return f, err
	}

	best, _, err := m.cfg.Chain.BestBlock(ctx)
	if err != nil {
		return f, err
	}
	history, err := m.cfg.Chain.TxHistory(ctx, walletID)
	if err != nil {
		return f, err
	}

	verifications := make(map[wire.OutPoint]struct{})
	var considered []*chain.TxEntry
	for _, entry := range history {
		if entry.Block != nil && entry.Block.Height <= since {
			continue
		}
		considered = append(considered, entry)
		tx := entry.Tx

		paid := paidOutputs(tx, pkScript, m.cfg.LotSize)
		revocation := hasRevocationMarker(tx)
		if len(paid) == 0 && !revocation {
			continue
		}

		// A revocation must spend a root output directly.
		var root btcutil.Address
		if revocation {
			root, err = m.cfg.Engine.SpendsFromAny(
				ctx, tx, m.cfg.Roots,
			)
		} else {
			root, err = m.cfg.Engine.HasAnyInputAddress(
				ctx, tx, m.cfg.Roots, m.cfg.LotSize,
			)
		}
		if err != nil {
			return f, err
		}
		if root == nil {
			continue
		}

		if revocation {
			log.Debugf("Auth address %v revoked by %v in %v", addr,
				root, entry.Hash)
			f.revokedByRoot = true
			continue
		}

		confs := entry.Confirmations(best)
		if !f.verified || confs > f.verifyConfs {
			f.verifyConfs = confs
		}
		f.verified = true
		for _, idx := range paid {
			verifications[wire.OutPoint{
				Hash:  entry.Hash,
				Index: idx,
			}] = struct{}{}
		}
	}

	for _, entry := range considered {
		for _, txIn := range entry.Tx.TxIn {
			if _, ok := verifications[txIn.PreviousOutPoint]; ok {
				f.spent = true
			}
		}
	}

	return f, nil
}

// paidOutputs returns the indexes of outputs paying pkScript with a value
// that is a multiple of lotSize.
func paidOutputs(tx *wire.MsgTx, pkScript []byte,
	lotSize btcutil.Amount) []uint32 {

	var idxs []uint32
	for i, out := range tx.TxOut {
		if !bytes.Equal(out.PkScript, pkScript) {
			continue
		}
		if lotSize > 0 && out.Value%int64(lotSize) != 0 {
			continue
		}
		idxs = append(idxs, uint32(i))
	}

	return idxs
}

func hasRevocationMarker(tx *wire.MsgTx) bool {
	for _, out := range tx.TxOut {
		if txscript.GetScriptClass(out.PkScript) != txscript.NullDataTy {
			continue
		}
		data, err := txscript.PushedData(out.PkScript)
		if err != nil || len(data) != 1 {
			continue
		}
		if bytes.Equal(data[0], RevocationMarker) {
			return true
		}
	}

	return false
}

// RevocationScript returns the null data output script of a revocation.
func RevocationScript() ([]byte, error) {
	return txscript.NullDataScript(RevocationMarker)
}
