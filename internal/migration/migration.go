package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	auditdomain "github.com/smallbiznis/railtab/internal/audit/domain"
	bgdomain "github.com/smallbiznis/railtab/internal/billinggroup/domain"
	paymentdomain "github.com/smallbiznis/railtab/internal/payment/domain"
	"gorm.io/gorm"
)

const migrationsDir = "migrations"

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Source opens the embedded SQL migrations.
func Source() (source.Driver, error) {
	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	src, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}
	return src, nil
}

// RunMigrations applies the embedded SQL migrations to a postgres database.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	src, err := Source()
	if err != nil {
		return err
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// migrator.Close would close the shared *sql.DB.
	return nil
}

// Models lists every table the service owns, in dependency order.
func Models() []any {
	return []any{
		&bgdomain.Tab{},
		&bgdomain.Invoice{},
		&bgdomain.BillingGroup{},
		&bgdomain.LineItem{},
		&bgdomain.InvoiceLineItem{},
		&bgdomain.Payment{},
		&bgdomain.PaymentAllocation{},
		&paymentdomain.EventRecord{},
		&auditdomain.AuditLog{},
	}
}

// AutoMigrate creates the schema from the models on dialects the SQL
// migrations do not target. Row level security has no equivalent there.
func AutoMigrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if conn.Dialector.Name() == "sqlite" {
		return conn.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_billing_groups_default_tab
			ON billing_groups (tab_id) WHERE group_type = 'default'`).Error
	}
	return nil
}
