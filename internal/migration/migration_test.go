package migration

import (
	"fmt"
	"io/fs"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	orderdomain "github.com/smallbiznis/warung/internal/order/domain"
	saledomain "github.com/smallbiznis/warung/internal/sale/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(embeddedMigrations, migrationsDir+"/*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(embeddedMigrations, migrationsDir+"/*.down.sql")
	require.NoError(t, err)
	assert.NotEmpty(t, ups)
	assert.Len(t, downs, len(ups))
}

func TestMigrateSqliteEnforcesOneOpenOrderPerTable(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, Migrate(conn, "sqlite"))
	require.NoError(t, Migrate(conn, "sqlite"))

	now := time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC)
	open := func(id int64, status orderdomain.OrderStatus) error {
		return conn.Create(&orderdomain.Order{ID: snowflake.ID(id), BusinessID: 1, TableID: 10, Status: status, OpenedAt: now, UpdatedAt: now}).Error
	}
	require.NoError(t, open(1, orderdomain.OrderStatusClosed))
	require.NoError(t, open(2, orderdomain.OrderStatusOpen))
	assert.Error(t, open(3, orderdomain.OrderStatusOpen))
	require.NoError(t, open(4, orderdomain.OrderStatusClosed))
}

func TestMigrateSqliteKeysSalesByAccount(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, Migrate(conn, "sqlite"))
	require.NoError(t, conn.Exec(`CREATE UNIQUE INDEX ux_sales_order_label ON sales (order_id, label)`).Error)
	require.NoError(t, Migrate(conn, "sqlite"))
	assert.False(t, conn.Migrator().HasIndex(&saledomain.Sale{}, "ux_sales_order_label"))

	now := time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC)
	sale := func(id, account int64) error {
		return conn.Create(&saledomain.Sale{
			ID: snowflake.ID(id), BusinessID: 1, OrderID: 20, AccountID: account, TableID: 10,
			Label: "Andi", Method: "cash", Currency: "IDR", OccurredAt: now, CreatedAt: now,
		}).Error
	}
	require.NoError(t, sale(1, 1))
	require.NoError(t, sale(2, 2))
	assert.Error(t, sale(3, 2))
}

func TestMigrateRequiresConnection(t *testing.T) {
	assert.Error(t, Migrate(nil, "sqlite"))
	assert.Error(t, RunMigrations(nil))
}
