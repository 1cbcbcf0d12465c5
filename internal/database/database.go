package database

import (
	"context"
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sdms-suite/sdms-idp/internal/account"
	"github.com/sdms-suite/sdms-idp/internal/config"
	"github.com/sdms-suite/sdms-idp/internal/refresh"
)

const sqliteBusyTimeoutMillis = 5000

// Open connects to the configured database and migrates the schema of
// every repository.
func Open(ctx context.Context, conf *config.DatabaseConfig) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	var dialector gorm.Dialector
	switch conf.Driver {
	case config.DatabaseDriverPostgres:
		dialector = postgres.Open(conf.DSN)
	case config.DatabaseDriverMySQL:
		dialector = mysql.Open(conf.DSN)
	case config.DatabaseDriverSQLite:
		dialector = sqlite.Open(conf.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", conf.Driver)
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", conf.Driver, err)
	}

	if conf.Driver == config.DatabaseDriverSQLite {
		if err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d;", sqliteBusyTimeoutMillis)).Error; err != nil {
			return nil, fmt.Errorf("failed to apply busy_timeout: %w", err)
		}
		// SQLite serializes writers; a single connection avoids lock errors.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(ctx, db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the tables of every repository.
func Migrate(ctx context.Context, db *gorm.DB) error {
	models := append([]any{}, account.Models...)
	models = append(models, refresh.Models...)
	if err := db.WithContext(ctx).AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
