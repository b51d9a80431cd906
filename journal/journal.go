// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package journal records every state transition of settlement containers
// in a SQL database, so a trade's history can be audited after the process
// exits.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrEmptySettlementID is returned when recording an entry without a
// settlement id.
var ErrEmptySettlementID = errors.New("journal entry without settlement id")

// Entry is one recorded transition.
type Entry struct {
	ID           uuid.UUID
	SettlementID string
	Role         string
	State        string

	// Event names what caused the transition.
	Event  string
	Detail string

	// TxHash is the transaction involved, if any.
	TxHash string

	Created time.Time
}

// Store is a journal backed by database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// New wraps an open database, creating the schema when missing.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	for _, stmt := range dialect.schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create %v journal schema: %w",
				dialect, err)
		}
	}

	return &Store{db: db, dialect: dialect, now: time.Now}, nil
}

// Open connects to a database through a registered driver and prepares the
// journal in it. The caller must import the driver.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	dialect, err := DialectForDriver(driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s, err := New(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Infof("Opened %v settlement journal", dialect)

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends an entry, assigning its id and time when unset.
func (s *Store) Record(ctx context.Context, e Entry) (uuid.UUID, error) {
	if e.SettlementID == "" {
		return uuid.Nil, ErrEmptySettlementID
	}
	if e.ID == uuid.Nil {
		id, err := uuid.NewRandom()
		if err != nil {
			return uuid.Nil, err
		}
		e.ID = id
	}
	if e.Created.IsZero() {
		e.Created = s.now()
	}

	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO settlement_journal (id, settlement_id, role,
			state, event, detail, tx_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID.String(), e.SettlementID, e.Role, e.State, e.Event,
		e.Detail, e.TxHash, e.Created.UnixNano(),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("record %s %s: %w", e.SettlementID,
			e.Event, err)
	}

	log.Tracef("Recorded %s: %s -> %s", e.SettlementID, e.Event, e.State)

	return e.ID, nil
}

// History returns the entries of a settlement in the order they were
// recorded.
func (s *Store) History(ctx context.Context,
	settlementID string) ([]Entry, error) {

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT id, settlement_id, role, state, event, detail, tx_hash,
			created_at
		FROM settlement_journal
		WHERE settlement_id = ?
		ORDER BY seq`), settlementID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			id      string
			created int64
		)
		err := rows.Scan(&id, &e.SettlementID, &e.Role, &e.State,
			&e.Event, &e.Detail, &e.TxHash, &created)
		if err != nil {
			return nil, err
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("entry id %q: %w", id, err)
		}
		e.Created = time.Unix(0, created)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Prune deletes entries recorded before cutoff and returns how many were
// removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		DELETE FROM settlement_journal WHERE created_at < ?`),
		cutoff.UnixNano(),
	)
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	if err == nil && n > 0 {
		log.Infof("Pruned %d journal entries older than %v", n, cutoff)
	}

	return n, err
}
