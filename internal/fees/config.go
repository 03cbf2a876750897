package fees

import (
	"math/big"

	"github.com/ethereum/go-ethereum/params"
)

// Config holds the fee market and gas limit parameters. All calculators are
// methods on a Config value so tests can vary the constants freely.
type Config struct {
	ElasticityMultiplier     uint64 `yaml:"elasticity_multiplier"`
	BaseFeeChangeDenominator uint64 `yaml:"base_fee_change_denominator"`
	GasLimitBoundDivisor     uint64 `yaml:"gas_limit_bound_divisor"`
	MinGasLimit              uint64 `yaml:"min_gas_limit"`
	InitialBaseFee           uint64 `yaml:"initial_base_fee"`
}

// DefaultConfig returns the mainnet EIP-1559 parameters.
func DefaultConfig() Config {
	return Config{
		ElasticityMultiplier:     params.DefaultElasticityMultiplier,
		BaseFeeChangeDenominator: params.DefaultBaseFeeChangeDenominator,
		GasLimitBoundDivisor:     params.GasLimitBoundDivisor,
		MinGasLimit:              params.MinGasLimit,
		InitialBaseFee:           params.InitialBaseFee,
	}
}

// EffectiveTip returns min(tipCap, feeCap-baseFee), saturating at zero.
// A nil base fee is treated as zero.
func EffectiveTip(tipCap, feeCap, baseFee *big.Int) *big.Int {
	if baseFee == nil {
		return new(big.Int).Set(tipCap)
	}
	headroom := new(big.Int).Sub(feeCap, baseFee)
	if headroom.Sign() < 0 {
		return new(big.Int)
	}
	if tipCap.Cmp(headroom) < 0 {
		return new(big.Int).Set(tipCap)
	}
	return headroom
}
