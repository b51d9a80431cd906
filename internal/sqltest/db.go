// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package sqltest provides isolated SQL databases for tests. SQLite is
// always available; PostgreSQL is added by the integration_test build tag
// and runs in a container.
package sqltest

import (
	"database/sql"
	"fmt"
	"hash/fnv"
	"testing"

	"github.com/stretchr/testify/require"
)

// DB is a test database together with the name of the driver it was opened
// with, so callers can pick the matching SQL dialect.
type DB struct {
	*sql.DB

	Driver string
}

// DBFactory creates a new, isolated database for a test. It fails the test
// when the database cannot be created and registers its cleanup.
type DBFactory func(t testing.TB) *DB

// DBTestFunc is a test run against every available database backend.
type DBTestFunc func(t *testing.T, dbFactory DBFactory)

type backend struct {
	name    string
	factory DBFactory
}

// backends lists the database implementations RunDatabaseTest covers.
var backends = []backend{{
	name:    "SQLite",
	factory: NewSQLiteDB,
}}

// RunDatabaseTest runs the same test function against every backend in
// parallel subtests.
func RunDatabaseTest(t *testing.T, testFunc DBTestFunc) {
	t.Helper()

	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			testFunc(t, b.factory)
		})
	}
}

// deterministicTestID hashes the test name into a short identifier, keeping
// database names stable across runs and short enough for every backend.
func deterministicTestID(t testing.TB) string {
	t.Helper()
	h := fnv.New32a()
	_, err := h.Write([]byte(t.Name()))
	require.NoError(t, err)

	hashed := fmt.Sprintf("%08x", h.Sum32())
	t.Logf("db name hash: %s", hashed)
	return hashed
}
