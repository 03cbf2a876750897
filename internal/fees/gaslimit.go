package fees

import (
	"errors"
	"fmt"
)

// ErrGasLimitAdjustmentTooLarge is returned when a block gas limit moves
// further from its parent than the bound divisor allows, or drops below the
// minimum gas limit.
var ErrGasLimitAdjustmentTooLarge = errors.New("gas limit adjustment too large")

// GasLimitError reports the offending parent and child gas limits.
type GasLimitError struct {
	Parent  uint64
	Current uint64
}

func (e *GasLimitError) Error() string {
	return fmt.Sprintf("%v: parent %d, current %d", ErrGasLimitAdjustmentTooLarge, e.Parent, e.Current)
}

func (e *GasLimitError) Unwrap() error { return ErrGasLimitAdjustmentTooLarge }

func (c Config) bound(parentGasLimit uint64) uint64 {
	if c.GasLimitBoundDivisor == 0 {
		return 0
	}
	return parentGasLimit / c.GasLimitBoundDivisor
}

// NextGasLimit derives the gas limit of a child block. If desired is set,
// the parent limit moves toward it by at most parent/1024. Otherwise the
// limit grows by the bound when the parent was more than 90% full and
// shrinks by the bound when it was less than 50% full. The result never
// drops below MinGasLimit.
func (c Config) NextGasLimit(parentGasUsed, parentGasLimit uint64, desired *uint64) uint64 {
	var (
		bound = c.bound(parentGasLimit)
		limit = parentGasLimit
	)
	switch {
	case desired != nil && *desired > parentGasLimit:
		limit = parentGasLimit + bound
		if limit > *desired {
			limit = *desired
		}
	case desired != nil && *desired < parentGasLimit:
		limit = subSaturating(parentGasLimit, bound)
		if limit < *desired {
			limit = *desired
		}
	case desired != nil:
	case parentGasUsed*10 > parentGasLimit*9:
		limit = parentGasLimit + bound
	case parentGasUsed*2 < parentGasLimit:
		limit = subSaturating(parentGasLimit, bound)
	}
	if limit < c.MinGasLimit {
		limit = c.MinGasLimit
	}
	return limit
}

// VerifyGasLimit checks that current lies within [parent-bound, parent+bound]
// and is not below MinGasLimit.
func (c Config) VerifyGasLimit(parent, current uint64) error {
	bound := c.bound(parent)
	if current < c.MinGasLimit || current < subSaturating(parent, bound) || current > parent+bound {
		return &GasLimitError{Parent: parent, Current: current}
	}
	return nil
}

func subSaturating(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
