package database

import (
	"testing"

	"genledger/internal/config"
	"genledger/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMySQLDSN(t *testing.T) {
	dsn := MySQLDSN(&config.DatabaseConfig{
		Host: "db.internal", Port: 3306, User: "ledger", Password: "p@ss", Name: "genledger",
	})
	assert.Contains(t, dsn, "ledger:p@ss@tcp(db.internal:3306)/genledger")
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "charset=utf8mb4")
}

func TestPostgresDSNDefaultsSSLMode(t *testing.T) {
	dsn := PostgresDSN(&config.DatabaseConfig{Host: "pg", Port: 5432, User: "u", Password: "p", Name: "genledger"})
	assert.Equal(t, "host=pg port=5432 user=u password=p dbname=genledger sslmode=disable", dsn)
}

func TestDialectorRejectsUnknownDriver(t *testing.T) {
	_, err := Dialector(&config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}

func TestOpenSQLiteMigrates(t *testing.T) {
	db, err := Open(&config.DatabaseConfig{
		Driver:       DriverSQLite,
		Name:         "file:database_open_test?mode=memory&cache=shared",
		MaxOpenConns: 1,
	})
	require.NoError(t, err)

	for _, table := range []interface{}{
		&model.Account{}, &model.Transaction{}, &model.Generation{}, &model.OutboxMessage{}, &model.WebhookEvent{},
	} {
		assert.True(t, db.Migrator().HasTable(table))
	}
	assert.True(t, db.Migrator().HasIndex(&model.Generation{}, "idx_generation_status_created"))
}
