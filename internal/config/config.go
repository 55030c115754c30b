// Package config loads the service's environment-variable surface (§6):
// Load reads an optional .env file through godotenv and then the
// environment through os.Getenv. A TOML file of static defaults
// (naoina/toml, the same library the teacher's gen_config.go files
// marshal with) can be parsed by LoadStaticDefaults, but Load does not
// read it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/naoina/toml"
	"github.com/pkg/errors"

	"github.com/l2exodus/recover-state-server/internal/xlog"
)

var logger = xlog.NewModuleLogger(xlog.Config)

// MaxChainID bounds ChainId per spec.md §3.
const MaxChainID = 255

// ChainConfig is the per-chain block in the env surface.
type ChainConfig struct {
	ChainID                  uint8
	ChainType                string
	GasToken                 string
	IsCommitCompressedBlocks bool
	ContractDeploymentBlock  uint64
	ContractAddress          string
	ContractGenesisTxHash    string
	ClientChainID            uint64
	ClientWeb3URL            string
	ClientViewBlockStep      uint64
	ClientRequestRateLimitDelay time.Duration
}

// Config is the fully resolved process configuration.
type Config struct {
	Chains []ChainConfig

	DatabaseURL             string
	DatabasePoolSize        int
	ProverCoreGoneTimeout   time.Duration
	ProverCoreIdleProvers   int
	CleanIntervalMinutes    int
	RuntimeConfigKeyDir     string

	RedisURL  string
	KafkaURL  string
}

// Load reads the .env file (if present), then the environment, validating
// per §6: max(CHAIN_IDS) <= MAX_CHAIN_ID and every referenced chain has
// all required variables.
func Load(dotenvPath string) (*Config, error) {
	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to load .env file", "path", dotenvPath, "err", err)
		}
	}

	chainIDsRaw := os.Getenv("CHAIN_IDS")
	if chainIDsRaw == "" {
		return nil, errors.New("CHAIN_IDS is required")
	}

	var chains []ChainConfig
	for _, idStr := range strings.Split(chainIDsRaw, ",") {
		idStr = strings.TrimSpace(idStr)
		if idStr == "" {
			continue
		}
		id, err := strconv.ParseUint(idStr, 10, 8)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid chain id %q", idStr)
		}
		if id > MaxChainID {
			return nil, errors.Errorf("chain id %d exceeds MAX_CHAIN_ID=%d", id, MaxChainID)
		}
		cc, err := loadChainConfig(uint8(id))
		if err != nil {
			return nil, err
		}
		chains = append(chains, *cc)
	}

	cfg := &Config{
		Chains:                chains,
		DatabaseURL:           mustEnv("DATABASE_URL"),
		RuntimeConfigKeyDir:   mustEnv("RUNTIME_CONFIG_KEY_DIR"),
		DatabasePoolSize:      envInt("DATABASE_POOL_SIZE", 10),
		ProverCoreIdleProvers: envInt("PROVER_CORE_IDLE_PROVERS", 1),
		CleanIntervalMinutes:  envInt("CLEAN_INTERVAL", 60),
		ProverCoreGoneTimeout: envDuration("PROVER_CORE_GONE_TIMEOUT", 10*time.Minute),
		RedisURL:              os.Getenv("REDIS_URL"),
		KafkaURL:              os.Getenv("KAFKA_URL"),
	}
	if cfg.DatabaseURL == "" || cfg.RuntimeConfigKeyDir == "" {
		return nil, errors.New("missing required configuration")
	}
	return cfg, nil
}

func loadChainConfig(id uint8) (*ChainConfig, error) {
	prefix := fmt.Sprintf("CHAIN_%d_", id)
	required := []string{
		"CHAIN_TYPE", "GAS_TOKEN", "CONTRACT_DEPLOYMENT_BLOCK", "CONTRACT_ADDRESS",
		"CLIENT_CHAIN_ID", "CLIENT_WEB3_URL", "CLIENT_VIEW_BLOCK_STEP",
		"CLIENT_REQUEST_RATE_LIMIT_DELAY",
	}
	for _, key := range required {
		if os.Getenv(prefix+key) == "" {
			return nil, errors.Errorf("chain %d: missing required variable %s%s", id, prefix, key)
		}
	}
	deployBlock, err := strconv.ParseUint(os.Getenv(prefix+"CONTRACT_DEPLOYMENT_BLOCK"), 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "chain %d: invalid CONTRACT_DEPLOYMENT_BLOCK", id)
	}
	clientChainID, err := strconv.ParseUint(os.Getenv(prefix+"CLIENT_CHAIN_ID"), 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "chain %d: invalid CLIENT_CHAIN_ID", id)
	}
	viewStep, err := strconv.ParseUint(os.Getenv(prefix+"CLIENT_VIEW_BLOCK_STEP"), 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "chain %d: invalid CLIENT_VIEW_BLOCK_STEP", id)
	}
	delayMs, err := strconv.ParseUint(os.Getenv(prefix+"CLIENT_REQUEST_RATE_LIMIT_DELAY"), 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "chain %d: invalid CLIENT_REQUEST_RATE_LIMIT_DELAY", id)
	}
	return &ChainConfig{
		ChainID:                     id,
		ChainType:                   os.Getenv(prefix + "CHAIN_TYPE"),
		GasToken:                    os.Getenv(prefix + "GAS_TOKEN"),
		IsCommitCompressedBlocks:    os.Getenv(prefix+"IS_COMMIT_COMPRESSED_BLOCKS") == "true",
		ContractDeploymentBlock:     deployBlock,
		ContractAddress:             os.Getenv(prefix + "CONTRACT_ADDRESS"),
		ContractGenesisTxHash:       os.Getenv(prefix + "CONTRACT_GENESIS_TX_HASH"),
		ClientChainID:               clientChainID,
		ClientWeb3URL:               os.Getenv(prefix + "CLIENT_WEB3_URL"),
		ClientViewBlockStep:         viewStep,
		ClientRequestRateLimitDelay: time.Duration(delayMs) * time.Millisecond,
	}, nil
}

func mustEnv(key string) string { return os.Getenv(key) }

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn("invalid integer env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn("invalid duration env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return time.Duration(n) * time.Second
}

// StaticDefaults is an optional TOML file of non-secret defaults, parsed
// by LoadStaticDefaults; Load does not apply it. Mirrors the
// teacher's MarshalTOML/UnmarshalTOML convention on config structs,
// without the gencodec code-generation step.
type StaticDefaults struct {
	DatabasePoolSize      int `toml:"database_pool_size"`
	ProverCoreIdleProvers int `toml:"prover_core_idle_provers"`
	CleanIntervalMinutes  int `toml:"clean_interval_minutes"`
}

// LoadStaticDefaults parses a TOML file of fallback defaults. Absence of
// the file is not an error — env vars are the primary surface.
func LoadStaticDefaults(path string) (*StaticDefaults, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &StaticDefaults{}, nil
		}
		return nil, errors.Wrap(err, "opening static defaults file")
	}
	defer f.Close()

	var sd StaticDefaults
	if err := toml.NewDecoder(f).Decode(&sd); err != nil {
		return nil, errors.Wrap(err, "decoding static defaults")
	}
	return &sd, nil
}
