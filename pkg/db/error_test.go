package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	assert.True(t, IsDuplicateKeyErr(gorm.ErrDuplicatedKey))
	assert.True(t, IsDuplicateKeyErr(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.True(t, IsDuplicateKeyErr(errors.New("UNIQUE constraint failed: tables.business_id, tables.number")))
	assert.False(t, IsDuplicateKeyErr(&pgconn.PgError{Code: "40001"}))
	assert.False(t, IsDuplicateKeyErr(nil))
}

func TestIsUnavailableErr(t *testing.T) {
	assert.True(t, IsUnavailableErr(&pgconn.PgError{Code: "08006"}))
	assert.True(t, IsUnavailableErr(errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")))
	assert.False(t, IsUnavailableErr(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsUnavailableErr(gorm.ErrRecordNotFound))
	assert.False(t, IsUnavailableErr(nil))
}

func TestDialect(t *testing.T) {
	for _, typ := range []string{"postgres", "mysql", "sqlite", "sqlite3"} {
		d, err := Dialect(Config{Type: typ, Name: "warung"})
		assert.NoError(t, err, typ)
		assert.NotNil(t, d, typ)
	}
	_, err := Dialect(Config{Type: "oracle"})
	assert.Error(t, err)
}
