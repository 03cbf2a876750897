package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/yaml.v3"

	"github.com/thy3368/ethnode/internal/execution"
	"github.com/thy3368/ethnode/internal/fees"
	"github.com/thy3368/ethnode/internal/genesis"
	"github.com/thy3368/ethnode/internal/miner"
	"github.com/thy3368/ethnode/internal/rpc"
	"github.com/thy3368/ethnode/internal/txpool"
)

// Execution engines.
const (
	EngineEVM    = "evm"
	EngineStatic = "static"
)

// Gas target modes.
const (
	GasTargetNone     = "none"
	GasTargetStatic   = "static"
	GasTargetAdaptive = "adaptive"
)

// Log formats.
const (
	FormatTerminal = "terminal"
	FormatJSON     = "json"
)

var (
	ErrInvalidBlockTime = errors.New("block time must be positive")
	ErrInvalidChainID   = errors.New("chain id must be non-zero")
	ErrExtraDataTooLong = errors.New("extra data longer than 32 bytes")
	ErrUnknownEngine    = errors.New("unknown execution engine")
	ErrUnknownGasTarget = errors.New("unknown gas target mode")
	ErrZeroCapacity     = errors.New("capacity must be positive")
	ErrInvalidAddress   = errors.New("invalid address")
	ErrInvalidLogging   = errors.New("invalid logging settings")
	ErrInvalidMiner     = errors.New("invalid miner settings")
)

// Config is the top-level node configuration.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	RPC       rpc.Config      `yaml:"rpc"`
	TxPool    txpool.Config   `yaml:"txpool"`
	Miner     MinerConfig     `yaml:"miner"`
	Fees      fees.Config     `yaml:"fees"`
	Execution ExecutionConfig `yaml:"execution"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// NodeConfig holds the chain identity and block production settings.
type NodeConfig struct {
	ChainID      uint64        `yaml:"chain_id"`
	GenesisPath  string        `yaml:"genesis"` // empty uses the built-in development genesis
	BlockTime    time.Duration `yaml:"block_time"`
	FeeRecipient string        `yaml:"fee_recipient"`
}

// MinerConfig holds the assembly policy and gas target.
type MinerConfig struct {
	MaxCandidates int                           `yaml:"max_candidates"`
	FillPercent   uint64                        `yaml:"fill_percent"`
	ExtraData     string                        `yaml:"extra_data"`
	GasTarget     string                        `yaml:"gas_target"`
	GasCeil       uint64                        `yaml:"gas_ceil"` // desired limit for the static target
	Adaptive      miner.AdaptiveGasTargetConfig `yaml:"adaptive"`
}

// ExecutionConfig selects the execution engine and its storage.
type ExecutionConfig struct {
	Engine string                `yaml:"engine"`
	Store  execution.StoreConfig `yaml:"store"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() *Config {
	assembly := miner.DefaultConfig()
	return &Config{
		Node: NodeConfig{
			ChainID:      genesis.DefaultChainID,
			BlockTime:    2 * time.Second,
			FeeRecipient: "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		},
		RPC:    rpc.DefaultConfig(),
		TxPool: txpool.DefaultConfig(),
		Miner: MinerConfig{
			MaxCandidates: assembly.MaxCandidates,
			FillPercent:   assembly.FillPercent,
			ExtraData:     "ethnode",
			GasTarget:     GasTargetNone,
			Adaptive:      miner.DefaultAdaptiveGasTargetConfig(),
		},
		Fees: fees.DefaultConfig(),
		Execution: ExecutionConfig{
			Engine: EngineEVM,
			Store:  execution.DefaultStoreConfig(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: FormatTerminal,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:6060",
		},
	}
}

// Validate checks the settings that would otherwise fail at runtime.
func (c *Config) Validate() error {
	if c.Node.BlockTime <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidBlockTime, c.Node.BlockTime)
	}
	if c.Node.ChainID == 0 {
		return ErrInvalidChainID
	}
	if c.Node.FeeRecipient != "" && !common.IsHexAddress(c.Node.FeeRecipient) {
		return fmt.Errorf("%w: fee recipient %q", ErrInvalidAddress, c.Node.FeeRecipient)
	}
	if len(c.Miner.ExtraData) > 32 {
		return fmt.Errorf("%w: %d bytes", ErrExtraDataTooLong, len(c.Miner.ExtraData))
	}
	if c.TxPool.MaxPending <= 0 || c.TxPool.MaxQueued < 0 {
		return fmt.Errorf("%w: txpool max_pending %d max_queued %d", ErrZeroCapacity, c.TxPool.MaxPending, c.TxPool.MaxQueued)
	}
	if c.Miner.MaxCandidates <= 0 {
		return fmt.Errorf("%w: miner max_candidates %d", ErrZeroCapacity, c.Miner.MaxCandidates)
	}
	if c.Miner.FillPercent == 0 || c.Miner.FillPercent > 100 {
		return fmt.Errorf("%w: fill_percent %d outside 1-100", ErrInvalidMiner, c.Miner.FillPercent)
	}
	switch c.Miner.GasTarget {
	case GasTargetNone:
	case GasTargetStatic:
		if c.Miner.GasCeil < c.Fees.MinGasLimit {
			return fmt.Errorf("%w: gas_ceil %d below minimum %d", ErrInvalidMiner, c.Miner.GasCeil, c.Fees.MinGasLimit)
		}
	case GasTargetAdaptive:
		a := c.Miner.Adaptive
		if a.MinGasLimit > a.InitialGasLimit || a.InitialGasLimit > a.MaxGasLimit {
			return fmt.Errorf("%w: adaptive limits must satisfy min <= initial <= max", ErrInvalidMiner)
		}
		if a.Alpha <= 0 || a.Alpha > 1 {
			return fmt.Errorf("%w: adaptive alpha %v outside (0, 1]", ErrInvalidMiner, a.Alpha)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownGasTarget, c.Miner.GasTarget)
	}
	switch c.Execution.Engine {
	case EngineEVM, EngineStatic:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEngine, c.Execution.Engine)
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case FormatTerminal, FormatJSON:
	default:
		return fmt.Errorf("%w: format %q", ErrInvalidLogging, c.Logging.Format)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("%w: metrics enabled without an address", ErrInvalidAddress)
	}
	return nil
}

// ParseLevel maps a level name to its geth log level. Names are case
// insensitive; "warning" is accepted for "warn".
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return log.LevelTrace, nil
	case "debug":
		return log.LevelDebug, nil
	case "info":
		return log.LevelInfo, nil
	case "warn", "warning":
		return log.LevelWarn, nil
	case "error":
		return log.LevelError, nil
	case "crit":
		return log.LevelCrit, nil
	}
	return log.LevelInfo, fmt.Errorf("%w: unknown level %q", ErrInvalidLogging, name)
}

// AssemblyConfig returns the miner assembly policy.
func (c *Config) AssemblyConfig() miner.Config {
	return miner.Config{
		MaxCandidates: c.Miner.MaxCandidates,
		FillPercent:   c.Miner.FillPercent,
		ExtraData:     []byte(c.Miner.ExtraData),
	}
}

// FeeRecipient returns the configured coinbase.
func (c *Config) FeeRecipient() common.Address {
	return common.HexToAddress(c.Node.FeeRecipient)
}
