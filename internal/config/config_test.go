package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/streamgate")
	t.Setenv("AUTH_URL", "http://localhost:9090")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.AppEnv)
	assert.True(t, cfg.AllowAnonymous)
	assert.Equal(t, int64(10000), cfg.MaxConnections)
	assert.Equal(t, 20, cfg.MaxConnectionsPerIP)
	assert.Equal(t, 5*time.Second, cfg.ReconcileInterval)
}

func TestLoad_MissingRequired(t *testing.T) {
	cases := []struct {
		name string
		omit string
	}{
		{"missing redis", "REDIS_URL"},
		{"missing database", "DATABASE_URL"},
		{"missing auth", "AUTH_URL"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tc.omit, "")

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.omit)
		})
	}
}

func TestLoad_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ALLOW_ANONYMOUS", "false")
	t.Setenv("MAX_CONNECTIONS", "500")
	t.Setenv("RECONCILE_INTERVAL_SECONDS", "10")

	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.AllowAnonymous)
	assert.Equal(t, int64(500), cfg.MaxConnections)
	assert.Equal(t, 10*time.Second, cfg.ReconcileInterval)
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"non-numeric max connections", "MAX_CONNECTIONS", "lots"},
		{"non-boolean anonymous flag", "ALLOW_ANONYMOUS", "maybe"},
		{"zero reconcile interval", "RECONCILE_INTERVAL_SECONDS", "0"},
		{"negative per-ip limit", "MAX_CONNECTIONS_PER_IP", "-1"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tc.key, tc.value)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}
