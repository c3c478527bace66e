package config

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estensen/x402-pipeline/internal/extractor"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "data/blocks.jsonl", cfg.InputFile)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, extractor.PairEarliestIndex, cfg.PairingPolicy)
	assert.Equal(t, common.HexToAddress(DefaultTokenAddress), cfg.TokenAddress)
	assert.Equal(t, common.HexToAddress(DefaultProxyAddress), cfg.ProxyAddress)
	assert.Equal(t, big.NewInt(0), cfg.MinAmount)
	assert.Equal(t, big.NewInt(100_000000), cfg.LargePaymentThreshold)
	assert.False(t, cfg.MinIOEnabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PAIRING_POLICY", string(extractor.PairNearestIndex))
	t.Setenv("MIN_AMOUNT", "1000000")
	t.Setenv("EXTRACT_WORKERS", "8")
	t.Setenv("MINIO_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, extractor.PairNearestIndex, cfg.PairingPolicy)
	assert.Equal(t, big.NewInt(1_000000), cfg.MinAmount)
	assert.Equal(t, 8, cfg.Workers)
	assert.True(t, cfg.MinIOEnabled)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"unknown pairing policy", "PAIRING_POLICY", "latest_index", "unknown PAIRING_POLICY"},
		{"bad token address", "TOKEN_ADDRESS", "not-an-address", "invalid TOKEN_ADDRESS"},
		{"bad proxy address", "PROXY_ADDRESS", "0x12", "invalid PROXY_ADDRESS"},
		{"negative min amount", "MIN_AMOUNT", "-5", "invalid MIN_AMOUNT"},
		{"non-numeric threshold", "LARGE_PAYMENT_THRESHOLD", "lots", "invalid LARGE_PAYMENT_THRESHOLD"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)

			_, err := Load()
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("X402_TEST_STR", "value")
	t.Setenv("X402_TEST_INT", "7")
	t.Setenv("X402_TEST_BAD_INT", "zero")
	t.Setenv("X402_TEST_BOOL", "true")

	assert.Equal(t, "value", Env("X402_TEST_STR", "def"))
	assert.Equal(t, "def", Env("X402_TEST_MISSING", "def"))
	assert.Equal(t, 7, EnvInt("X402_TEST_INT", 3))
	assert.Equal(t, 3, EnvInt("X402_TEST_BAD_INT", 3))
	assert.Equal(t, 3, EnvInt("X402_TEST_MISSING", 3))
	assert.True(t, EnvBool("X402_TEST_BOOL", false))
	assert.False(t, EnvBool("X402_TEST_MISSING", false))
}
