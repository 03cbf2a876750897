package miner

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/thy3368/ethnode/internal/fees"
	nodeTypes "github.com/thy3368/ethnode/pkg/types"
)

const gwei = 1_000_000_000

var recipient = common.HexToAddress("0x1234")

func makeMeta(sender common.Address, nonce, gas uint64, feeCap, tipCap int64) *nodeTypes.TxMeta {
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(1337),
		Nonce:     nonce,
		GasTipCap: big.NewInt(tipCap),
		GasFeeCap: big.NewInt(feeCap),
		Gas:       gas,
		To:        &recipient,
		Value:     big.NewInt(0),
	})
	return nodeTypes.NewTxMeta(tx, sender)
}

func hashesOf(metas []*nodeTypes.TxMeta) []common.Hash {
	out := make([]common.Hash, len(metas))
	for i, m := range metas {
		out[i] = m.Hash()
	}
	return out
}

func TestSelectSkipsNonFittingAndContinues(t *testing.T) {
	a := common.HexToAddress("0xa")
	big60 := makeMeta(a, 0, 60_000, 10, 3)
	big50 := makeMeta(a, 1, 50_000, 10, 2)
	small := makeMeta(a, 2, 40_000, 10, 1)

	got := SelectTransactions([]*nodeTypes.TxMeta{small, big50, big60}, 100_000, big.NewInt(0), 95)
	require.Equal(t, []common.Hash{big60.Hash(), small.Hash()}, hashesOf(got))
}

func TestSelectStopsAtFillThreshold(t *testing.T) {
	a := common.HexToAddress("0xa")
	first := makeMeta(a, 0, 96_000, 10, 5)
	second := makeMeta(a, 1, 1_000, 10, 4)

	got := SelectTransactions([]*nodeTypes.TxMeta{first, second}, 100_000, nil, 95)
	require.Equal(t, []common.Hash{first.Hash()}, hashesOf(got))

	// A full threshold keeps packing.
	got = SelectTransactions([]*nodeTypes.TxMeta{first, second}, 100_000, nil, 100)
	require.Equal(t, []common.Hash{first.Hash(), second.Hash()}, hashesOf(got))
}

func TestSelectFiltersUnderpriced(t *testing.T) {
	a := common.HexToAddress("0xa")
	cheap := makeMeta(a, 0, 21_000, 9*gwei, gwei)
	ok := makeMeta(a, 1, 21_000, 10*gwei, gwei)

	got := SelectTransactions([]*nodeTypes.TxMeta{cheap, ok}, 30_000_000, big.NewInt(10*gwei), 95)
	require.Equal(t, []common.Hash{ok.Hash()}, hashesOf(got))
}

func TestSelectOrdersByEffectiveTip(t *testing.T) {
	a := common.HexToAddress("0xa")
	baseFee := big.NewInt(10 * gwei)
	// Effective tips: 1, 5 (capped by headroom), 3.
	low := makeMeta(a, 0, 21_000, 20*gwei, 1*gwei)
	capped := makeMeta(a, 1, 21_000, 15*gwei, 9*gwei)
	mid := makeMeta(a, 2, 21_000, 50*gwei, 3*gwei)

	got := SelectTransactions([]*nodeTypes.TxMeta{low, capped, mid}, 30_000_000, baseFee, 95)
	require.Equal(t, []common.Hash{capped.Hash(), mid.Hash(), low.Hash()}, hashesOf(got))
}

func TestSelectStableTies(t *testing.T) {
	var in []*nodeTypes.TxMeta
	for i := 0; i < 6; i++ {
		in = append(in, makeMeta(common.BigToAddress(big.NewInt(int64(i+1))), 0, 21_000, 10, 2))
	}
	got := SelectTransactions(in, 30_000_000, big.NewInt(1), 95)
	require.Equal(t, hashesOf(in), hashesOf(got))
}

func TestSelectDoesNotMutateInput(t *testing.T) {
	a := common.HexToAddress("0xa")
	in := []*nodeTypes.TxMeta{makeMeta(a, 0, 21_000, 10, 1), makeMeta(a, 1, 21_000, 10, 2)}
	before := hashesOf(in)
	SelectTransactions(in, 30_000_000, nil, 95)
	require.Equal(t, before, hashesOf(in))
}

func TestSelectProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		var (
			n        = rng.Intn(60)
			gasLimit = uint64(rng.Intn(3_000_000) + 21_000)
			baseFee  = big.NewInt(rng.Int63n(50) * gwei)
			in       = make([]*nodeTypes.TxMeta, 0, n)
		)
		for i := 0; i < n; i++ {
			feeCap := rng.Int63n(100) * gwei
			tip := rng.Int63n(feeCap/gwei+1) * gwei
			gas := uint64(21_000 + rng.Intn(500_000))
			in = append(in, makeMeta(common.BigToAddress(big.NewInt(int64(i))), 0, gas, feeCap, tip))
		}

		got := SelectTransactions(in, gasLimit, baseFee, 95)

		var total uint64
		var prev *big.Int
		for _, m := range got {
			total += m.Tx.Gas()
			require.GreaterOrEqual(t, m.Tx.GasFeeCap().Cmp(baseFee), 0)
			tip := fees.EffectiveTip(m.Tx.GasTipCap(), m.Tx.GasFeeCap(), baseFee)
			if prev != nil {
				require.LessOrEqual(t, tip.Cmp(prev), 0)
			}
			prev = tip
		}
		require.LessOrEqual(t, total, gasLimit)
	}
}
