package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	ownerdomain "github.com/smallbiznis/tokenledger/internal/owner/domain"
	subscriptiondomain "github.com/smallbiznis/tokenledger/internal/subscription/domain"
	balancedomain "github.com/smallbiznis/tokenledger/internal/tokenbalance/domain"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/tokenledger/domain"
	webhookdomain "github.com/smallbiznis/tokenledger/internal/webhook/domain"
	"gorm.io/gorm"
)

const migrationsDir = "migrations"

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// RunMigrations applies the embedded postgres migrations and returns the
// resulting schema version.
func RunMigrations(db *sql.DB) (uint, error) {
	if db == nil {
		return 0, errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return 0, fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return 0, fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return 0, fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return 0, fmt.Errorf("create migrator: %w", err)
	}

	// migrator.Close would close the shared *sql.DB.
	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, err := migrator.Version()
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("schema version %d is dirty", version)
	}
	return version, nil
}

// UpStatements returns the statements of every up migration in version
// order, for loading the schema into databases golang-migrate cannot drive.
func UpStatements() ([]string, error) {
	files, err := fs.Glob(embeddedMigrations, migrationsDir+"/*.up.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	var statements []string
	for _, name := range files {
		raw, err := embeddedMigrations.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		for _, stmt := range strings.Split(string(raw), ";") {
			if stmt = strings.TrimSpace(stmt); stmt != "" {
				statements = append(statements, stmt)
			}
		}
	}
	return statements, nil
}

// AutoMigrate creates the tables from the models for local sqlite
// databases. It does not add the CHECK constraints of the SQL migrations.
func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&ownerdomain.Record{},
		&balancedomain.TokenBalance{},
		&ledgerdomain.Entry{},
		&subscriptiondomain.Subscription{},
		&webhookdomain.ProcessedEvent{},
	)
}
