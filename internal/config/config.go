// Package config loads process configuration from the environment, with an
// optional .env file for local/dev runs and an optional YAML overlay for
// deployment-specific contract parameters.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort         = 3000
	defaultMaxRange     = 500
	minMaxRange         = 100
	maxMaxRange         = 10000
	defaultPollInterval = 2 // seconds, matches the upstream indexer's tail-poll cadence
)

// Config holds everything the process needs to start.
type Config struct {
	DatabaseURL     string
	RPCURL          string
	ContractAddress common.Address
	DeploymentBlock uint64
	Port            int
	MaxRange        uint64
	PollIntervalSec int
}

// overlay is the optional YAML file shape: a small set of deployment
// overrides layered under the required env vars.
type overlay struct {
	ContractAddress string `yaml:"contract_address"`
	DeploymentBlock uint64 `yaml:"deployment_block"`
	MaxRange        uint64 `yaml:"max_range"`
}

// Load reads required env vars, optionally loading a .env file first and a
// YAML overlay file if configPath is non-empty. Missing required variables
// return an error; callers treat that as fatal at startup.
func Load(configPath string) (Config, error) {
	_ = godotenv.Load() // best-effort; absent .env is not an error

	var ov overlay
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config overlay %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, &ov); err != nil {
			return Config{}, fmt.Errorf("parse config overlay %s: %w", configPath, err)
		}
	}

	databaseURL, err := requireEnv("DATABASE_URL")
	if err != nil {
		return Config{}, err
	}
	rpcURL, err := requireEnv("BASE_RPC_URL")
	if err != nil {
		return Config{}, err
	}

	contractAddressHex := os.Getenv("CONTRACT_ADDRESS")
	if contractAddressHex == "" {
		contractAddressHex = ov.ContractAddress
	}
	if contractAddressHex == "" {
		return Config{}, fmt.Errorf("missing required configuration: CONTRACT_ADDRESS")
	}
	if !common.IsHexAddress(contractAddressHex) {
		return Config{}, fmt.Errorf("CONTRACT_ADDRESS %q is not a valid address", contractAddressHex)
	}

	deploymentBlock := ov.DeploymentBlock
	if v := os.Getenv("DEPLOYMENT_BLOCK"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("DEPLOYMENT_BLOCK %q is not a valid block number: %w", v, err)
		}
		deploymentBlock = parsed
	}
	if deploymentBlock == 0 {
		return Config{}, fmt.Errorf("missing required configuration: DEPLOYMENT_BLOCK")
	}

	port := defaultPort
	if v := os.Getenv("PORT"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("PORT %q is not a valid integer: %w", v, err)
		}
		port = parsed
	}

	maxRange := ov.MaxRange
	if v := os.Getenv("MAX_RANGE"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("MAX_RANGE %q is not a valid integer: %w", v, err)
		}
		maxRange = parsed
	}
	if maxRange == 0 {
		maxRange = defaultMaxRange
	}
	if maxRange < minMaxRange || maxRange > maxMaxRange {
		return Config{}, fmt.Errorf("MAX_RANGE %d out of allowed range [%d, %d]", maxRange, minMaxRange, maxMaxRange)
	}

	return Config{
		DatabaseURL:     databaseURL,
		RPCURL:          rpcURL,
		ContractAddress: common.HexToAddress(contractAddressHex),
		DeploymentBlock: deploymentBlock,
		Port:            port,
		MaxRange:        maxRange,
		PollIntervalSec: defaultPollInterval,
	}, nil
}

func requireEnv(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("missing required configuration: %s", key)
	}
	return v, nil
}
