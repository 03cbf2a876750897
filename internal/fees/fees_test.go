package fees

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/consensus/misc/eip1559"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"
)

const gwei = 1_000_000_000

// requireBigEqual compares values; two equal *big.Int can differ in their
// internal representation.
func requireBigEqual(t *testing.T, want, got *big.Int, msgAndArgs ...interface{}) {
	t.Helper()
	require.NotNil(t, got, msgAndArgs...)
	require.Zerof(t, want.Cmp(got), "want %v, got %v %v", want, got, msgAndArgs)
}

func TestNextBaseFee(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		name     string
		used     uint64
		limit    uint64
		fee      int64
		expected int64
	}{
		{"at target", 15_000_000, 30_000_000, gwei, gwei},
		{"two thirds full", 20_000_000, 30_000_000, gwei, 1_041_666_666},
		{"full block", 30_000_000, 30_000_000, gwei, 1_125_000_000},
		{"empty block", 0, 30_000_000, gwei, 875_000_000},
		{"minimum increase is one wei", 15_000_001, 30_000_000, 1, 2},
		{"zero fee stays zero when empty", 0, 30_000_000, 0, 0},
		{"zero fee rises by one when full", 30_000_000, 30_000_000, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cfg.NextBaseFee(tt.used, tt.limit, big.NewInt(tt.fee))
			requireBigEqual(t, big.NewInt(tt.expected), got)
		})
	}
}

func TestNextBaseFeeDirection(t *testing.T) {
	cfg := DefaultConfig()
	parent := big.NewInt(7 * gwei)
	limit := uint64(30_000_000)
	for used := uint64(0); used <= limit; used += 1_250_000 {
		next := cfg.NextBaseFee(used, limit, parent)
		require.GreaterOrEqual(t, next.Sign(), 0)
		switch {
		case used > limit/2:
			require.Equal(t, 1, next.Cmp(parent), "used=%d", used)
		case used < limit/2:
			require.Equal(t, -1, next.Cmp(parent), "used=%d", used)
		default:
			require.Equal(t, 0, next.Cmp(parent), "used=%d", used)
		}
	}
}

func TestNextBaseFeeDoesNotMutateParent(t *testing.T) {
	parent := big.NewInt(gwei)
	DefaultConfig().NextBaseFee(30_000_000, 30_000_000, parent)
	requireBigEqual(t, big.NewInt(gwei), parent)
}

func TestNextBaseFeeNilParent(t *testing.T) {
	got := DefaultConfig().NextBaseFee(0, 30_000_000, nil)
	requireBigEqual(t, big.NewInt(params.InitialBaseFee), got)
}

func TestNextBaseFeeMatchesGeth(t *testing.T) {
	cfg := DefaultConfig()
	for _, used := range []uint64{0, 1, 7_500_000, 14_999_999, 15_000_000, 15_000_001, 22_222_222, 30_000_000} {
		for _, fee := range []int64{0, 1, 7, gwei, 123_456_789_012} {
			parent := &types.Header{
				Number:   big.NewInt(100),
				GasLimit: 30_000_000,
				GasUsed:  used,
				BaseFee:  big.NewInt(fee),
			}
			want := eip1559.CalcBaseFee(params.TestChainConfig, parent)
			got := cfg.NextBaseFee(used, parent.GasLimit, parent.BaseFee)
			requireBigEqual(t, want, got, "used", used, "fee", fee)
		}
	}
}

func TestNextGasLimit(t *testing.T) {
	cfg := DefaultConfig()
	desired := func(v uint64) *uint64 { return &v }
	const parent = 30_000_000
	bound := uint64(parent / 1024)

	tests := []struct {
		name     string
		used     uint64
		limit    uint64
		desired  *uint64
		expected uint64
	}{
		{"busy parent grows", 29_000_000, parent, nil, parent + bound},
		{"idle parent shrinks", 10_000_000, parent, nil, parent - bound},
		{"moderate parent unchanged", 20_000_000, parent, nil, parent},
		{"exactly ninety percent unchanged", 27_000_000, parent, nil, parent},
		{"exactly half unchanged", 15_000_000, parent, nil, parent},
		{"desired far above", 0, parent, desired(60_000_000), parent + bound},
		{"desired within bound above", 0, parent, desired(parent + 10), parent + 10},
		{"desired far below", 0, parent, desired(1_000_000), parent - bound},
		{"desired within bound below", 0, parent, desired(parent - 10), parent - 10},
		{"desired equal", 29_000_000, parent, desired(parent), parent},
		{"floored", 0, 5000, nil, 5000},
		{"zero parent floored", 0, 0, nil, 5000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, cfg.NextGasLimit(tt.used, tt.limit, tt.desired))
		})
	}
}

func TestNextGasLimitBounded(t *testing.T) {
	cfg := DefaultConfig()
	for _, limit := range []uint64{5_120_000, 8_000_000, 30_000_000, 45_000_000} {
		bound := limit / 1024
		for _, used := range []uint64{0, limit / 4, limit / 2, limit * 95 / 100, limit} {
			next := cfg.NextGasLimit(used, limit, nil)
			require.GreaterOrEqual(t, next, limit-bound)
			require.LessOrEqual(t, next, limit+bound)
			require.GreaterOrEqual(t, next, cfg.MinGasLimit)
			require.NoError(t, cfg.VerifyGasLimit(limit, next))
		}
	}
}

func TestVerifyGasLimit(t *testing.T) {
	cfg := DefaultConfig()
	const parent = 30_000_000
	bound := uint64(parent / 1024)

	require.NoError(t, cfg.VerifyGasLimit(parent, parent))
	require.NoError(t, cfg.VerifyGasLimit(parent, parent+bound))
	require.NoError(t, cfg.VerifyGasLimit(parent, parent-bound))

	for _, current := range []uint64{parent + bound + 1, parent - bound - 1, 4999} {
		err := cfg.VerifyGasLimit(parent, current)
		require.ErrorIs(t, err, ErrGasLimitAdjustmentTooLarge)

		var gle *GasLimitError
		require.True(t, errors.As(err, &gle))
		require.Equal(t, uint64(parent), gle.Parent)
		require.Equal(t, current, gle.Current)
	}

	// Within bound of a tiny parent, but under the floor.
	require.ErrorIs(t, cfg.VerifyGasLimit(4000, 4000), ErrGasLimitAdjustmentTooLarge)
}

func TestEffectiveTip(t *testing.T) {
	tests := []struct {
		name                 string
		tip, feeCap, baseFee *big.Int
		expected             *big.Int
	}{
		{"tip below headroom", big.NewInt(2), big.NewInt(10), big.NewInt(5), big.NewInt(2)},
		{"capped by headroom", big.NewInt(9), big.NewInt(10), big.NewInt(5), big.NewInt(5)},
		{"fee cap below base fee", big.NewInt(9), big.NewInt(4), big.NewInt(5), big.NewInt(0)},
		{"nil base fee", big.NewInt(3), big.NewInt(10), nil, big.NewInt(3)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireBigEqual(t, tt.expected, EffectiveTip(tt.tip, tt.feeCap, tt.baseFee))
		})
	}
}

func TestVaryingConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseFeeChangeDenominator = 50
	cfg.ElasticityMultiplier = 4
	// target 7.5M, delta 7.5M: 1e9 * 7.5e6 / 7.5e6 / 50
	requireBigEqual(t, big.NewInt(gwei+20_000_000), cfg.NextBaseFee(15_000_000, 30_000_000, big.NewInt(gwei)))
}
