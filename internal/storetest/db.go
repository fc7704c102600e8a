// Package storetest opens throwaway SQLite databases with the service schema
// for repository and service tests.
package storetest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/smallbiznis/tokenledger/internal/migration"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// sqliteTypes maps postgres column types onto ones the sqlite driver scans
// back into Go values.
var sqliteTypes = strings.NewReplacer("TIMESTAMPTZ", "DATETIME")

// NewDB returns an in-memory database holding the migrated schema, check
// constraints included. The pool is pinned to one connection so every
// statement sees the same memory database.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	statements, err := migration.UpStatements()
	require.NoError(t, err)
	for _, stmt := range statements {
		require.NoError(t, db.Exec(sqliteTypes.Replace(stmt)).Error, stmt)
	}
	return db
}
