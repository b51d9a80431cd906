// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package journal

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcsettle/internal/sqltest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, dbFactory sqltest.DBFactory) *Store {
	t.Helper()

	db := dbFactory(t)
	dialect, err := DialectForDriver(db.Driver)
	require.NoError(t, err)

	s, err := New(context.Background(), db.DB, dialect)
	require.NoError(t, err)

	// The schema is created idempotently.
	_, err = New(context.Background(), db.DB, dialect)
	require.NoError(t, err)

	return s
}

func TestRecordHistory(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		ctx := context.Background()
		s := newStore(t, dbFactory)

		base := time.Unix(1700000000, 0)
		steps := []string{"Activating", "AwaitingSignature", "Completed"}
		var ids []uuid.UUID
		for i, state := range steps {
			id, err := s.Record(ctx, Entry{
				SettlementID: "trade-1",
				Role:         "Deliverer",
				State:        state,
				Event:        "step",
				Created:      base.Add(time.Duration(i) * time.Second),
			})
			require.NoError(t, err)
			require.NotEqual(t, uuid.Nil, id)
			ids = append(ids, id)
		}

		fixed := uuid.New()
		id, err := s.Record(ctx, Entry{
			ID:           fixed,
			SettlementID: "trade-2",
			State:        "Cancelled",
			TxHash:       "ab",
		})
		require.NoError(t, err)
		require.Equal(t, fixed, id)

		history, err := s.History(ctx, "trade-1")
		require.NoError(t, err)
		require.Len(t, history, len(steps))
		for i, e := range history {
			require.Equal(t, ids[i], e.ID)
			require.Equal(t, steps[i], e.State)
			require.Equal(t, "Deliverer", e.Role)
			require.True(t, e.Created.Equal(
				base.Add(time.Duration(i)*time.Second)))
		}

		other, err := s.History(ctx, "trade-2")
		require.NoError(t, err)
		require.Len(t, other, 1)
		require.Equal(t, "ab", other[0].TxHash)
		require.False(t, other[0].Created.IsZero())

		none, err := s.History(ctx, "unknown")
		require.NoError(t, err)
		require.Empty(t, none)

		_, err = s.Record(ctx, Entry{State: "x"})
		require.ErrorIs(t, err, ErrEmptySettlementID)

		n, err := s.Prune(ctx, base.Add(1500*time.Millisecond))
		require.NoError(t, err)
		require.EqualValues(t, 2, n)

		history, err = s.History(ctx, "trade-1")
		require.NoError(t, err)
		require.Len(t, history, 1)
		require.Equal(t, "Completed", history[0].State)
	})
}

func TestRebind(t *testing.T) {
	t.Parallel()

	q := "SELECT a FROM t WHERE b = ? AND c = ?"
	require.Equal(t, q, DialectSQLite.rebind(q))
	require.Equal(t, "SELECT a FROM t WHERE b = $1 AND c = $2",
		DialectPostgres.rebind(q))

	_, err := DialectForDriver("mysql")
	require.Error(t, err)
}
