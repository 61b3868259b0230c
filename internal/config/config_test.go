package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"DATABASE_URL", "BASE_RPC_URL", "CONTRACT_ADDRESS", "DEPLOYMENT_BLOCK", "PORT", "MAX_RANGE"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_MissingRequiredVar_Errors(t *testing.T) {
	clearEnv(t)
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "user:pass@tcp(localhost:3306)/sage")
	t.Setenv("BASE_RPC_URL", "https://rpc.example.com")
	t.Setenv("CONTRACT_ADDRESS", "0x0000000000000000000000000000000000000abc")
	t.Setenv("DEPLOYMENT_BLOCK", "12345")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, uint64(500), cfg.MaxRange)
	assert.Equal(t, uint64(12345), cfg.DeploymentBlock)
}

func TestLoad_RejectsMaxRangeOutOfBounds(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "dsn")
	t.Setenv("BASE_RPC_URL", "https://rpc.example.com")
	t.Setenv("CONTRACT_ADDRESS", "0x0000000000000000000000000000000000000abc")
	t.Setenv("DEPLOYMENT_BLOCK", "1")
	t.Setenv("MAX_RANGE", "50")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_RANGE")
}

func TestLoad_RejectsInvalidContractAddress(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "dsn")
	t.Setenv("BASE_RPC_URL", "https://rpc.example.com")
	t.Setenv("CONTRACT_ADDRESS", "not-an-address")
	t.Setenv("DEPLOYMENT_BLOCK", "1")

	_, err := Load("")
	require.Error(t, err)
}
