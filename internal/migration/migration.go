package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	orderdomain "github.com/smallbiznis/warung/internal/order/domain"
	saledomain "github.com/smallbiznis/warung/internal/sale/domain"
	"gorm.io/gorm"
)

//go:embed sql/*.sql
var embeddedMigrations embed.FS

const migrationsDir = "sql"

// openOrderIndex is created separately on engines without migrate support.
// MySQL has no partial indexes and relies on the in-process table lease.
const openOrderIndex = `CREATE UNIQUE INDEX IF NOT EXISTS ux_orders_open_table ON orders (table_id) WHERE status = 'open'`

const legacySaleLabelIndex = "ux_sales_order_label"

// Migrate brings the remote store schema up to date. Postgres runs the
// embedded SQL migrations; the other dialects are created from the models.
func Migrate(conn *gorm.DB, dbType string) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	switch strings.ToLower(strings.TrimSpace(dbType)) {
	case "postgres":
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	case "mysql":
		return autoMigrate(conn)
	default:
		if err := autoMigrate(conn); err != nil {
			return err
		}
		return conn.Exec(openOrderIndex).Error
	}
}

func autoMigrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(
		&orderdomain.Table{},
		&orderdomain.Order{},
		&orderdomain.OrderItem{},
		&saledomain.Sale{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	// sales were once unique per label
	if m := conn.Migrator(); m.HasIndex(&saledomain.Sale{}, legacySaleLabelIndex) {
		if err := m.DropIndex(&saledomain.Sale{}, legacySaleLabelIndex); err != nil {
			return fmt.Errorf("drop %s: %w", legacySaleLabelIndex, err)
		}
	}
	return nil
}

// RunMigrations applies the embedded postgres migrations.
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
	// Closing the migrator would close the shared *sql.DB.

	return nil
}
