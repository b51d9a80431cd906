// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package reservation keeps the process-wide ledger of unspent outputs that
// are earmarked for an in-flight settlement. Every component computing a
// spendable set must pass fresh listings through Registry.Filter, so two
// concurrent settlements never select the same coin.
package reservation

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wtxmgr"
)

var (
	// ErrAlreadyReserved is returned when a reservation id already holds
	// a different set of outputs.
	ErrAlreadyReserved = errors.New("reservation id already holds " +
		"different outputs")

	// ErrOutputReserved is returned when an output is already held by
	// another reservation.
	ErrOutputReserved = errors.New("output already reserved")

	// ErrEmptyReservation is returned when reserving no outputs.
	ErrEmptyReservation = errors.New("no outputs to reserve")
)

// Reservation is a set of outputs of one wallet held for a settlement.
type Reservation struct {
	ID       string
	WalletID string
	UTXOs    []wtxmgr.Credit
	Created  time.Time
}

// OutPoints returns the outpoints held by the reservation.
func (r *Reservation) OutPoints() []wire.OutPoint {
	ops := make([]wire.OutPoint, 0, len(r.UTXOs))
	for _, utxo := range r.UTXOs {
		ops = append(ops, utxo.OutPoint)
	}

	return ops
}

// Registry is the reservation ledger. It is safe for concurrent use and is
// meant to be created once per process and handed to every builder and
// settlement container through their configs.
type Registry struct {
	mtx sync.RWMutex

	reservations map[string]*Reservation

	// owners maps every reserved outpoint to the reservation holding it.
	owners map[wire.OutPoint]string

	// store, if set, persists every change.
	store *Store

	now func() time.Time
}

// NewRegistry creates an empty registry. A nil store keeps reservations in
// memory only.
func NewRegistry(store *Store) *Registry {
	return &Registry{
		reservations: make(map[string]*Reservation),
		owners:       make(map[wire.OutPoint]string),
		store:        store,
		now:          time.Now,
	}
}

// Restore loads every persisted reservation into the registry and returns
// them. It is called once at startup, before any Reserve.
func (r *Registry) Restore() ([]*Reservation, error) {
	if r.store == nil {
		return nil, nil
	}

	stored, err := r.store.FetchAll()
	if err != nil {
		return nil, err
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	for _, res := range stored {
		r.reservations[res.ID] = res
		for _, utxo := range res.UTXOs {
			r.owners[utxo.OutPoint] = res.ID
		}
	}

	log.Infof("Restored %d reservation(s)", len(stored))

	return stored, nil
}

// Reserve holds utxos of walletID under reservationID. Reserving the same
// set again is a no-op. A reservation id holding a different set must be
// unreserved first; in that case, or when any output belongs to another
// reservation, the registry is left unchanged.
func (r *Registry) Reserve(walletID, reservationID string,
	utxos []wtxmgr.Credit) error {

	if len(utxos) == 0 {
		return ErrEmptyReservation
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	if existing, ok := r.reservations[reservationID]; ok {
		if existing.WalletID == walletID &&
			sameOutPoints(existing.UTXOs, utxos) {

			return nil
		}

		log.Errorf("Reservation %s already holds %d output(s) of "+
			"wallet %s", reservationID, len(existing.UTXOs),
			existing.WalletID)

		return fmt.Errorf("%w: %s", ErrAlreadyReserved, reservationID)
	}

	for _, utxo := range utxos {
		if owner, ok := r.owners[utxo.OutPoint]; ok {
			log.Errorf("Output %v requested by %s is held by %s",
				utxo.OutPoint, reservationID, owner)

			return fmt.Errorf("%w: %v held by %s",
				ErrOutputReserved, utxo.OutPoint, owner)
		}
	}

	res := &Reservation{
		ID:       reservationID,
		WalletID: walletID,
		UTXOs:    append([]wtxmgr.Credit(nil), utxos...),
		Created:  r.now(),
	}

	if r.store != nil {
		if err := r.store.Put(res); err != nil {
			return err
		}
	}

	r.reservations[reservationID] = res
	for _, utxo := range utxos {
		r.owners[utxo.OutPoint] = reservationID
	}

	log.Debugf("Reserved %d output(s) of wallet %s for %s", len(utxos),
		walletID, reservationID)

	return nil
}

// Unreserve releases every output held under reservationID. Releasing an
// unknown id does nothing. It reports whether anything was released.
func (r *Registry) Unreserve(reservationID string) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	res, ok := r.reservations[reservationID]
	if !ok {
		return false
	}

	if r.store != nil {
		if err := r.store.Delete(reservationID); err != nil {
			log.Errorf("Unable to delete stored reservation %s: %v",
				reservationID, err)
		}
	}

	delete(r.reservations, reservationID)
	for _, utxo := range res.UTXOs {
		delete(r.owners, utxo.OutPoint)
	}

	log.Debugf("Released %d output(s) held for %s", len(res.UTXOs),
		reservationID)

	return true
}

// Get returns the outputs held under reservationID, or nil.
func (r *Registry) Get(reservationID string) []wtxmgr.Credit {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	res, ok := r.reservations[reservationID]
	if !ok {
		return nil
	}

	return append([]wtxmgr.Credit(nil), res.UTXOs...)
}

// Filter returns utxos minus those held by any reservation of walletID.
// The input slice is not modified.
func (r *Registry) Filter(walletID string,
	utxos []wtxmgr.Credit) []wtxmgr.Credit {

	r.mtx.RLock()
	defer r.mtx.RUnlock()

	filtered := make([]wtxmgr.Credit, 0, len(utxos))
	for _, utxo := range utxos {
		owner, ok := r.owners[utxo.OutPoint]
		if ok && r.reservations[owner].WalletID == walletID {
			continue
		}
		filtered = append(filtered, utxo)
	}

	return filtered
}

// IsReserved reports whether op is held by any reservation.
func (r *Registry) IsReserved(op wire.OutPoint) bool {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	_, ok := r.owners[op]
	return ok
}

// Reservations returns the ids of all active reservations, sorted.
func (r *Registry) Reservations() []string {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	ids := make([]string, 0, len(r.reservations))
	for id := range r.reservations {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// ReleaseOlderThan releases every reservation created before cutoff and
// returns the released ids. The daemon uses it to clear reservations left
// over by settlements that did not survive a restart.
func (r *Registry) ReleaseOlderThan(cutoff time.Time) []string {
	r.mtx.RLock()
	var stale []string
	for id, res := range r.reservations {
		if res.Created.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mtx.RUnlock()

	sort.Strings(stale)
	for _, id := range stale {
		r.Unreserve(id)
	}

	return stale
}

func sameOutPoints(a, b []wtxmgr.Credit) bool {
	if len(a) != len(b) {
		return false
	}

	set := make(map[wire.OutPoint]struct{}, len(a))
	for _, utxo := range a {
		set[utxo.OutPoint] = struct{}{}
	}
	for _, utxo := range b {
		if _, ok := set[utxo.OutPoint]; !ok {
			return false
		}
	}

	return true
}
