// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sqltest

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	createTableSQL = `
		CREATE TABLE IF NOT EXISTS probe (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL
		);`
	insertSQL = `INSERT INTO probe (id, name) VALUES ($1, $2);`
	selectSQL = `SELECT id, name FROM probe ORDER BY id`
	countSQL  = `SELECT COUNT(*) FROM probe`
)

// TestDatabaseIsolation checks every factory call yields an empty database
// of its own.
func TestDatabaseIsolation(t *testing.T) {
	RunDatabaseTest(t, func(t *testing.T, dbFactory DBFactory) {
		for i := range 3 {
			t.Run(fmt.Sprintf("db%d", i), func(t *testing.T) {
				t.Parallel()

				db := dbFactory(t)
				require.NotEmpty(t, db.Driver)

				_, err := db.Exec(createTableSQL)
				require.NoError(t, err)

				err = db.QueryRow(selectSQL).Scan()
				require.ErrorIs(t, err, sql.ErrNoRows)

				for j := range 5 {
					_, err = db.Exec(insertSQL, j, "row")
					require.NoError(t, err)
				}

				var count int
				require.NoError(t, db.QueryRow(countSQL).Scan(&count))
				require.Equal(t, 5, count)
			})
		}
	})
}
