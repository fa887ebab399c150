// Package db opens the gateway's persistence layer and keeps its schema
// current. Two backends are supported: SQLite through the modernc pure-Go
// driver (the default, no CGO) and PostgreSQL. The SQL migrations ship
// embedded in the binary and run on every startup before the connection is
// handed out.
//
// The schema is deliberately small — agent first/last-seen bookkeeping and
// the public-to-internal model name mappings. Request state never touches
// the database.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// Registers the pure-Go driver under the name "sqlite".
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config selects and configures a database backend. An empty Driver means
// SQLite.
type Config struct {
	Driver   string // "sqlite" or "postgres"
	DSN      string
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel
}

// New opens the configured backend, brings the schema up to date, and
// returns a *gorm.DB ready for the repositories.
func New(cfg Config) (*gorm.DB, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("db: logger is required")
	}

	gormCfg := &gorm.Config{
		Logger: newZapGORMLogger(cfg.Logger, cfg.LogLevel),
	}

	var (
		database *gorm.DB
		sqlDB    *sql.DB
		drvName  string
		err      error
	)
	switch cfg.Driver {
	case "sqlite", "":
		drvName = "sqlite"
		database, sqlDB, err = openSQLite(cfg.DSN, gormCfg)
	case "postgres":
		drvName = "postgres"
		database, sqlDB, err = openPostgres(cfg.DSN, gormCfg)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q, use \"sqlite\" or \"postgres\"", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := migrateUp(sqlDB, drvName); err != nil {
		return nil, fmt.Errorf("db: migrations failed: %w", err)
	}
	cfg.Logger.Info("database ready", zap.String("driver", drvName))

	return database, nil
}

// openSQLite opens the DSN through database/sql first and hands the pool to
// GORM, so the modernc driver is used instead of GORM's default go-sqlite3.
func openSQLite(dsn string, gormCfg *gorm.Config) (*gorm.DB, *sql.DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("db: failed to open sqlite: %w", err)
	}
	// A single connection: SQLite allows one writer, and a second in-memory
	// connection would see an empty database.
	sqlDB.SetMaxOpenConns(1)

	database, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("db: failed to initialize gorm with sqlite: %w", err)
	}
	return database, sqlDB, nil
}

func openPostgres(dsn string, gormCfg *gorm.Config) (*gorm.DB, *sql.DB, error) {
	database, err := gorm.Open(gormpostgres.Open(dsn), gormCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("db: failed to open postgres: %w", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("db: failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return database, sqlDB, nil
}

// Ping verifies that the database connection is still alive.
func Ping(ctx context.Context, database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("db: failed to get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func Close(database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("db: failed to get sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// migrateUp applies any pending up-migrations from the embedded SQL files.
// An already-current schema is not an error.
func migrateUp(sqlDB *sql.DB, driver string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	var drv migratedb.Driver
	switch driver {
	case "sqlite":
		drv, err = migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	case "postgres":
		drv, err = migratepg.WithInstance(sqlDB, &migratepg.Config{})
	}
	if err != nil {
		return fmt.Errorf("failed to create %s migrate driver: %w", driver, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, driver, drv)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
