package miner

import (
	"math"
	"sync"

	"github.com/ethereum/go-ethereum/log"
)

// GasTarget supplies the operator-desired gas limit handed to the gas limit
// calculator. A nil result lets the limit follow parent usage.
type GasTarget interface {
	DesiredGasLimit() *uint64
}

// StaticGasTarget always asks for the same limit. Zero means no target.
type StaticGasTarget uint64

// DesiredGasLimit implements GasTarget.
func (s StaticGasTarget) DesiredGasLimit() *uint64 {
	if s == 0 {
		return nil
	}
	v := uint64(s)
	return &v
}

// AdaptiveGasTarget moves its desired gas limit with demand. It keeps an
// exponential moving average of block utilisation and steps the target up
// while the average sits above the band around TargetUtilization, and down
// while it sits below.
type AdaptiveGasTarget struct {
	mu sync.RWMutex

	target         uint64
	utilizationEMA float64

	cfg    AdaptiveGasTargetConfig
	logger log.Logger
}

// AdaptiveGasTargetConfig holds the bounds and smoothing of an adaptive target.
type AdaptiveGasTargetConfig struct {
	MinGasLimit       uint64  `yaml:"min_gas_limit"`
	MaxGasLimit       uint64  `yaml:"max_gas_limit"`
	InitialGasLimit   uint64  `yaml:"initial_gas_limit"`
	Alpha             float64 `yaml:"alpha"`              // EMA smoothing, higher reacts faster
	TargetUtilization float64 `yaml:"target_utilization"` // centre of the no-change band
	AdjustStepBps     uint64  `yaml:"adjust_step_bps"`    // step as basis points of the range
}

// DefaultAdaptiveGasTargetConfig returns a 15M-60M band starting at 30M.
func DefaultAdaptiveGasTargetConfig() AdaptiveGasTargetConfig {
	return AdaptiveGasTargetConfig{
		MinGasLimit:       15_000_000,
		MaxGasLimit:       60_000_000,
		InitialGasLimit:   30_000_000,
		Alpha:             0.2,
		TargetUtilization: 0.5,
		AdjustStepBps:     500,
	}
}

// NewAdaptiveGasTarget creates an adaptive target.
func NewAdaptiveGasTarget(cfg AdaptiveGasTargetConfig) *AdaptiveGasTarget {
	return &AdaptiveGasTarget{
		target:         cfg.InitialGasLimit,
		utilizationEMA: cfg.TargetUtilization,
		cfg:            cfg,
		logger:         log.New("module", "gastarget"),
	}
}

// DesiredGasLimit implements GasTarget.
func (a *AdaptiveGasTarget) DesiredGasLimit() *uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v := a.target
	return &v
}

// Utilization returns the current utilisation average.
func (a *AdaptiveGasTarget) Utilization() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.utilizationEMA
}

// ObserveBlock feeds the gas usage of a produced block into the average.
func (a *AdaptiveGasTarget) ObserveBlock(gasUsed, gasLimit uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if gasLimit == 0 {
		return
	}
	utilization := float64(gasUsed) / float64(gasLimit)
	a.utilizationEMA = a.cfg.Alpha*utilization + (1-a.cfg.Alpha)*a.utilizationEMA

	step := (a.cfg.MaxGasLimit - a.cfg.MinGasLimit) * a.cfg.AdjustStepBps / 10000
	switch {
	case a.utilizationEMA > a.cfg.TargetUtilization+0.1:
		a.target = min(a.target+step, a.cfg.MaxGasLimit)
		a.logger.Debug("Gas target raised", "target", a.target, "utilization", math.Round(a.utilizationEMA*100)/100)
	case a.utilizationEMA < a.cfg.TargetUtilization-0.1:
		if a.target < a.cfg.MinGasLimit+step {
			a.target = a.cfg.MinGasLimit
		} else {
			a.target -= step
		}
		a.logger.Debug("Gas target lowered", "target", a.target, "utilization", math.Round(a.utilizationEMA*100)/100)
	}
}

// blockObserver is implemented by targets that learn from produced blocks.
type blockObserver interface {
	ObserveBlock(gasUsed, gasLimit uint64)
}
