package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		Ledger:    LedgerConfig{MaxAttempts: 5},
		Reconcile: ReconcileConfig{StaleThreshold: time.Hour, HardCeiling: 24 * time.Hour},
		Provider:  ProviderConfig{SubmitTimeout: 30 * time.Second},
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, validConfig().Validate())

	c := validConfig()
	c.Reconcile.HardCeiling = time.Minute
	assert.Error(t, c.Validate())

	c = validConfig()
	c.Provider.SubmitTimeout = 0
	assert.Error(t, c.Validate())

	c = validConfig()
	c.Reconcile.StaleThreshold = 20 * time.Second
	c.Reconcile.HardCeiling = time.Hour
	assert.Error(t, c.Validate())

	c = validConfig()
	c.Ledger.MaxAttempts = 0
	assert.Error(t, c.Validate())
}
