package storetest

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MySQLStatements returns a dry-run MySQL session and a func reporting the
// insert statements it rendered. Nothing is sent to a server.
func MySQLStatements(t testing.TB) (*gorm.DB, func() []string) {
	t.Helper()

	db, err := gorm.Open(mysql.New(mysql.Config{
		DSN:                       "tokenledger:tokenledger@tcp(127.0.0.1:3306)/tokenledger?parseTime=true",
		SkipInitializeWithVersion: true,
	}), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
		Logger:               logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	var statements []string
	require.NoError(t, db.Callback().Create().After("gorm:create").Register("storetest:capture", func(tx *gorm.DB) {
		statements = append(statements, tx.Statement.SQL.String())
	}))
	return db, func() []string { return statements }
}
