package fees

import (
	"math/big"
)

// NextBaseFee derives the base fee of a child block from its parent's gas
// usage, gas limit and base fee.
//
// With target = parentGasLimit / elasticity:
//
//	used == target: fee
//	used >  target: fee + max(1, fee*(used-target)/target/denominator)
//	used <  target: max(0, fee - fee*(target-used)/target/denominator)
//
// Multiplication happens before each division so rounding matches consensus.
// A nil parent fee yields the initial base fee.
func (c Config) NextBaseFee(parentGasUsed, parentGasLimit uint64, parentBaseFee *big.Int) *big.Int {
	if parentBaseFee == nil {
		return new(big.Int).SetUint64(c.InitialBaseFee)
	}
	fee := new(big.Int).Set(parentBaseFee)
	elasticity := c.ElasticityMultiplier
	if elasticity == 0 {
		elasticity = 1
	}
	target := parentGasLimit / elasticity
	if parentGasUsed == target || target == 0 || c.BaseFeeChangeDenominator == 0 {
		return fee
	}

	var (
		num   = new(big.Int)
		denom = new(big.Int).SetUint64(c.BaseFeeChangeDenominator)
		tgt   = new(big.Int).SetUint64(target)
	)
	if parentGasUsed > target {
		num.SetUint64(parentGasUsed - target)
		num.Mul(num, fee)
		num.Div(num, tgt)
		num.Div(num, denom)
		if num.Cmp(big1) < 0 {
			num.Set(big1)
		}
		return fee.Add(fee, num)
	}

	num.SetUint64(target - parentGasUsed)
	num.Mul(num, fee)
	num.Div(num, tgt)
	num.Div(num, denom)
	fee.Sub(fee, num)
	if fee.Sign() < 0 {
		fee.SetUint64(0)
	}
	return fee
}

var big1 = big.NewInt(1)
