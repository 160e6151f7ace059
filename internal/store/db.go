// Package store opens the relational database and provides the read-side
// repositories of the pipeline: interface context and mapping rules. Every
// query passes through the repository circuit breaker.
package store

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/integrahub/docflow/internal/model"
)

// Open connects to the configured database. sqlite is supported for local
// runs and tests; postgres is the production driver.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres", "":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	return db, nil
}

// Migrate creates or updates the schema for every pipeline entity.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(model.AllEntities()...)
}
