// Package repotest opens throwaway SQLite databases for package tests.
package repotest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/richardliu001/custody-ledger/internal/model"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// OpenSQLite returns an in-memory database private to t with exact decimal
// columns. Callers still run Repository.Migrate.
func OpenSQLite(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, textDecimals(db))
	return db
}

// textDecimals switches numeric(p,s) columns to TEXT in db's schema cache.
// SQLite gives numeric columns NUMERIC affinity and converts the stored text
// to REAL, keeping only 15 significant digits; an 18-digit Ethereum amount
// would not survive a round trip.
func textDecimals(db *gorm.DB) error {
	for _, m := range model.All() {
		stmt := &gorm.Statement{DB: db}
		if err := stmt.Parse(m); err != nil {
			return err
		}
		for _, f := range stmt.Schema.Fields {
			if strings.HasPrefix(strings.ToLower(string(f.DataType)), "numeric") {
				f.DataType = "text"
			}
		}
	}
	return nil
}
