// Package config loads pipeline configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/estensen/x402-pipeline/internal/extractor"
)

// Defaults are the Base-mainnet x402 deployment.
const (
	// x402ExactPermit2Proxy, deterministic across EVM chains via CREATE2.
	DefaultProxyAddress = "0x4020615294c913F045dc10f0a5cdEbd86c280001"
	// USDC on Base mainnet.
	DefaultTokenAddress = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
)

// Config carries every external knob of the pipeline.
type Config struct {
	InputFile string
	Workers   int

	TokenAddress  common.Address
	ProxyAddress  common.Address
	PairingPolicy extractor.PairingPolicy

	// MinAmount filters settlement rows below this value out of the sink.
	MinAmount *big.Int
	// LargePaymentThreshold feeds the large_payments downstream view.
	LargePaymentThreshold *big.Int

	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUser     string
	ClickHousePassword string

	MinIOEnabled   bool
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool

	APIAddr string
}

// Load reads configuration from the environment. A missing .env file is fine.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		InputFile:          Env("INPUT_FILE", "data/blocks.jsonl"),
		Workers:            EnvInt("EXTRACT_WORKERS", 4),
		PairingPolicy:      extractor.PairingPolicy(Env("PAIRING_POLICY", string(extractor.PairEarliestIndex))),
		ClickHouseAddr:     Env("CLICKHOUSE_ADDR", "127.0.0.1:9000"),
		ClickHouseDatabase: Env("CLICKHOUSE_DB", "default"),
		ClickHouseUser:     Env("CLICKHOUSE_USER", "default"),
		ClickHousePassword: Env("CLICKHOUSE_PASSWORD", ""),
		MinIOEnabled:       EnvBool("MINIO_ENABLED", false),
		MinIOEndpoint:      Env("MINIO_ENDPOINT", "localhost:9001"),
		MinIOAccessKey:     Env("MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey:     Env("MINIO_SECRET_KEY", "minioadmin"),
		MinIOBucket:        Env("MINIO_BUCKET", "x402-changesets"),
		MinIOUseSSL:        EnvBool("MINIO_USE_SSL", false),
		APIAddr:            Env("API_ADDR", ":8080"),
	}

	switch cfg.PairingPolicy {
	case extractor.PairEarliestIndex, extractor.PairNearestIndex:
	default:
		return nil, fmt.Errorf("unknown PAIRING_POLICY %q", cfg.PairingPolicy)
	}

	token := Env("TOKEN_ADDRESS", DefaultTokenAddress)
	if !common.IsHexAddress(token) {
		return nil, fmt.Errorf("invalid TOKEN_ADDRESS %q", token)
	}
	cfg.TokenAddress = common.HexToAddress(token)

	proxy := Env("PROXY_ADDRESS", DefaultProxyAddress)
	if !common.IsHexAddress(proxy) {
		return nil, fmt.Errorf("invalid PROXY_ADDRESS %q", proxy)
	}
	cfg.ProxyAddress = common.HexToAddress(proxy)

	var err error
	if cfg.MinAmount, err = envBig("MIN_AMOUNT", "0"); err != nil {
		return nil, err
	}
	// 100 USDC at 6 decimals.
	if cfg.LargePaymentThreshold, err = envBig("LARGE_PAYMENT_THRESHOLD", "100000000"); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Env returns the value of key, or def when unset or empty.
func Env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// EnvInt returns the integer value of key, or def when unset or not positive.
func EnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// EnvBool returns the boolean value of key, or def when unset or unparsable.
func EnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envBig(key, def string) (*big.Int, error) {
	v := Env(key, def)
	n, ok := new(big.Int).SetString(v, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid %s %q", key, v)
	}
	return n, nil
}
