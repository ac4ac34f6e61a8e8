package store

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed migrations/mysql/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

// NewMigrator builds a golang-migrate instance over the embedded SQL for the
// given dialect (mysql or postgres). Sqlite deployments use AutoMigrate.
func NewMigrator(db *gorm.DB, dialect string) (*migrate.Migrate, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sql.DB: %w", err)
	}

	var driver database.Driver
	switch dialect {
	case "mysql":
		driver, err = migratemysql.WithInstance(sqlDB, &migratemysql.Config{})
	case "postgres":
		driver, err = migratepostgres.WithInstance(sqlDB, &migratepostgres.Config{})
	default:
		return nil, fmt.Errorf("unsupported migration dialect %q", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s migration driver: %w", dialect, err)
	}

	src, err := iofs.New(migrationFS, "migrations/"+dialect)
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, dialect, driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// Migrate applies all pending schema migrations.
func Migrate(db *gorm.DB, dialect string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	m, err := NewMigrator(db, dialect)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("schema migrated",
		zap.String("dialect", dialect),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty))
	return nil
}

// MigrateDown rolls back the most recent migration.
func MigrateDown(db *gorm.DB, dialect string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	m, err := NewMigrator(db, dialect)
	if err != nil {
		return err
	}
	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rollback migration: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("schema rolled back",
		zap.String("dialect", dialect),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty))
	return nil
}

// MigrationVersion reports the current schema version and dirty flag. Version
// zero with ok=false means no migration has been applied yet.
func MigrationVersion(db *gorm.DB, dialect string) (version uint, dirty, ok bool, err error) {
	m, err := NewMigrator(db, dialect)
	if err != nil {
		return 0, false, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, fmt.Errorf("read migration version: %w", err)
	}
	return version, dirty, true, nil
}
