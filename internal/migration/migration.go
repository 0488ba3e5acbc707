// Package migration creates the schema on startup so the service is
// usable out of the box. Postgres deployments run versioned SQL
// migrations; sqlite and mysql development databases fall back to gorm
// auto-migration.
package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	auditdomain "github.com/vendora-hq/vendora/internal/audit/domain"
	jobdomain "github.com/vendora-hq/vendora/internal/job/domain"
	ledgerdomain "github.com/vendora-hq/vendora/internal/ledger/domain"
	negdomain "github.com/vendora-hq/vendora/internal/negotiation/domain"
	webhookdomain "github.com/vendora-hq/vendora/internal/webhook/domain"
	"gorm.io/gorm"
)

//go:embed sql
var embeddedMigrations embed.FS

const migrationsDir = "sql"

func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

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
	return nil
}

func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&jobdomain.Job{},
		&jobdomain.ActionEntry{},
		&negdomain.Negotiation{},
		&negdomain.PurchaseOrder{},
		&negdomain.PONumberCounter{},
		&webhookdomain.WebhookEvent{},
		&ledgerdomain.UsageRecord{},
		&ledgerdomain.Quota{},
		&auditdomain.AuditRecord{},
	)
}
