// Package migration creates the billing schema on startup so the service is
// usable out of the box for local and self-hosted environments.
package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	balancedomain "github.com/storesuite/billing/internal/balance/domain"
	ledgerdomain "github.com/storesuite/billing/internal/ledger/domain"
	merchantdomain "github.com/storesuite/billing/internal/merchant/domain"
	subscriptiondomain "github.com/storesuite/billing/internal/subscription/domain"
	voucherdomain "github.com/storesuite/billing/internal/voucher/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migration",
	fx.Invoke(Run),
)

// Run applies the embedded SQL migrations on postgres. Other dialects
// (sqlite in tests and local smoke runs) derive the schema from the models
// instead.
func Run(db *gorm.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	if db.Dialector.Name() != "postgres" {
		return AutoMigrate(db)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("obtain sql handle: %w", err)
	}
	return runPostgres(sqlDB)
}

// AutoMigrate builds the schema from the gorm models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&merchantdomain.Merchant{},
		&balancedomain.Balance{},
		&ledgerdomain.Transaction{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.HistoryEntry{},
		&voucherdomain.Voucher{},
		&voucherdomain.Redemption{},
	)
}

func runPostgres(db *sql.DB) error {
	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not close the migrator; it shares the service's *sql.DB.

	return nil
}
