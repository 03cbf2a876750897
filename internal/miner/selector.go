package miner

import (
	"math/big"
	"sort"

	"github.com/thy3368/ethnode/internal/fees"
	nodeTypes "github.com/thy3368/ethnode/pkg/types"
)

// DefaultFillPercent is the share of the gas limit after which selection
// stops looking for more transactions.
const DefaultFillPercent = 95

type rankedTx struct {
	meta *nodeTypes.TxMeta
	tip  *big.Int
}

// SelectTransactions picks an ordered, gas-bounded subset of candidates.
//
// Candidates that cannot pay baseFee are dropped. The rest are ordered by
// effective tip, highest first; equal tips keep their input order. The
// greedy pass takes every candidate that still fits in gasLimit, skipping
// ones that do not, and stops once fillPercent of gasLimit is used. A zero
// fillPercent means DefaultFillPercent.
func SelectTransactions(candidates []*nodeTypes.TxMeta, gasLimit uint64, baseFee *big.Int, fillPercent uint64) []*nodeTypes.TxMeta {
	ranked := make([]rankedTx, 0, len(candidates))
	for _, c := range candidates {
		if baseFee != nil && c.Tx.GasFeeCapIntCmp(baseFee) < 0 {
			continue
		}
		ranked = append(ranked, rankedTx{
			meta: c,
			tip:  fees.EffectiveTip(c.Tx.GasTipCap(), c.Tx.GasFeeCap(), baseFee),
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].tip.Cmp(ranked[j].tip) > 0
	})

	if fillPercent == 0 {
		fillPercent = DefaultFillPercent
	}
	threshold := gasLimit
	if fillPercent < 100 {
		// gasLimit*fillPercent/100 without overflowing.
		threshold = gasLimit/100*fillPercent + gasLimit%100*fillPercent/100
	}

	var (
		selected = make([]*nodeTypes.TxMeta, 0, len(ranked))
		total    uint64
	)
	for _, r := range ranked {
		if gas := r.meta.Tx.Gas(); gas <= gasLimit-total {
			selected = append(selected, r.meta)
			total += gas
		}
		if total >= threshold {
			break
		}
	}
	return selected
}
