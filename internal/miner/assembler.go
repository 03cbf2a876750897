package miner

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"

	"github.com/thy3368/ethnode/internal/fees"
	"github.com/thy3368/ethnode/internal/metrics"
	nodeTypes "github.com/thy3368/ethnode/pkg/types"
)

// Config holds the block assembly policy.
type Config struct {
	MaxCandidates int    `yaml:"max_candidates"` // cap on the pool snapshot per block
	FillPercent   uint64 `yaml:"fill_percent"`   // stop selecting once this share of the gas limit is used
	ExtraData     []byte `yaml:"-"`
}

// DefaultConfig returns the default assembly policy.
func DefaultConfig() Config {
	return Config{
		MaxCandidates: 1000,
		FillPercent:   DefaultFillPercent,
	}
}

// Assembler turns a build context and the current pool contents into a
// proof-of-stake block.
type Assembler struct {
	cfg      Config
	fees     fees.Config
	pool     TxSource
	executor Executor
	hasher   Hasher
	target   GasTarget

	metrics *metrics.Metrics
	logger  log.Logger
}

// NewAssembler creates an assembler. The gas target defaults to none.
func NewAssembler(cfg Config, feeCfg fees.Config, pool TxSource, executor Executor, hasher Hasher) *Assembler {
	return &Assembler{
		cfg:      cfg,
		fees:     feeCfg,
		pool:     pool,
		executor: executor,
		hasher:   hasher,
		target:   StaticGasTarget(0),
		logger:   log.New("module", "assembler"),
	}
}

// SetGasTarget installs the source of the desired gas limit.
func (a *Assembler) SetGasTarget(target GasTarget) { a.target = target }

// GasTarget returns the installed gas target.
func (a *Assembler) GasTarget() GasTarget { return a.target }

// SetMetrics attaches a metrics collector.
func (a *Assembler) SetMetrics(m *metrics.Metrics) { a.metrics = m }

// Assemble builds the child block of bctx. The assembler keeps no reference
// to the returned block.
func (a *Assembler) Assemble(ctx context.Context, bctx *nodeTypes.BuildContext) (*nodeTypes.Block, error) {
	start := time.Now()

	baseFee := a.fees.NextBaseFee(bctx.ParentGasUsed, bctx.ParentGasLimit, bctx.ParentBaseFee)
	gasLimit := a.fees.NextGasLimit(bctx.ParentGasUsed, bctx.ParentGasLimit, a.target.DesiredGasLimit())
	if err := a.fees.VerifyGasLimit(bctx.ParentGasLimit, gasLimit); err != nil {
		return nil, err
	}
	if uint64(len(a.cfg.ExtraData)) > params.MaximumExtraDataSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrExtraDataTooLarge, len(a.cfg.ExtraData), params.MaximumExtraDataSize)
	}

	candidates := a.pool.Candidates(a.cfg.MaxCandidates, baseFee)
	selected := SelectTransactions(candidates, gasLimit, baseFee, a.cfg.FillPercent)

	number := bctx.ParentNumber + 1
	session, err := a.executor.Begin(&nodeTypes.ExecutionEnv{
		Number:     number,
		Timestamp:  bctx.Timestamp,
		Coinbase:   bctx.FeeRecipient,
		GasLimit:   gasLimit,
		BaseFee:    new(big.Int).Set(baseFee),
		Random:     bctx.Random,
		ParentHash: bctx.ParentHash,
		ParentRoot: bctx.ParentStateRoot,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: begin session: %w", ErrTransactionExecutionFailed, err)
	}

	var (
		txs      = make([]*types.Transaction, 0, len(selected))
		receipts = make([]*types.Receipt, 0, len(selected))
		gasUsed  uint64
		logIndex uint
		skipped  int
	)
	for _, meta := range selected {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTransactionExecutionFailed, err)
		}
		tx := meta.Tx
		remaining := gasLimit - gasUsed
		if tx.Gas() > remaining {
			break
		}
		outcome, err := session.Execute(ctx, tx, meta.Sender, remaining)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("%w: %w", ErrTransactionExecutionFailed, ctxErr)
			}
			skipped++
			a.logger.Debug("Transaction skipped", "hash", tx.Hash().Hex(), "sender", meta.Sender.Hex(), "err", err)
			continue
		}
		if outcome.GasUsed > remaining {
			return nil, fmt.Errorf("%w: tx %s used %d gas with %d available",
				ErrTransactionExecutionFailed, tx.Hash().Hex(), outcome.GasUsed, remaining)
		}
		gasUsed += outcome.GasUsed

		receipt := newReceipt(tx, outcome, gasUsed, baseFee, number, uint(len(txs)), &logIndex)
		txs = append(txs, tx)
		receipts = append(receipts, receipt)
	}

	stateRoot, err := session.Finalize()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidStateRoot, err)
	}

	withdrawals := bctx.Withdrawals
	if withdrawals == nil {
		withdrawals = types.Withdrawals{}
	}
	withdrawalsRoot := a.hasher.DeriveRoot(withdrawals)

	header := &types.Header{
		ParentHash:       bctx.ParentHash,
		UncleHash:        types.EmptyUncleHash,
		Coinbase:         bctx.FeeRecipient,
		Root:             stateRoot,
		TxHash:           a.hasher.DeriveRoot(types.Transactions(txs)),
		ReceiptHash:      a.hasher.DeriveRoot(types.Receipts(receipts)),
		Bloom:            types.CreateBloom(receipts),
		Difficulty:       new(big.Int),
		Number:           new(big.Int).SetUint64(number),
		GasLimit:         gasLimit,
		GasUsed:          gasUsed,
		Time:             bctx.Timestamp,
		Extra:            common.CopyBytes(a.cfg.ExtraData),
		MixDigest:        bctx.Random,
		Nonce:            types.BlockNonce{},
		BaseFee:          baseFee,
		WithdrawalsHash:  &withdrawalsRoot,
		ParentBeaconRoot: copyHash(bctx.ParentBeaconRoot),
	}

	blockHash := header.Hash()
	for _, r := range receipts {
		r.BlockHash = blockHash
		for _, l := range r.Logs {
			l.BlockHash = blockHash
		}
	}

	if a.metrics != nil {
		a.metrics.BlockBuildSeconds.Observe(time.Since(start).Seconds())
		a.metrics.TxSkipped.Add(float64(skipped))
	}
	a.logger.Debug("Block assembled",
		"number", number,
		"candidates", len(candidates),
		"selected", len(selected),
		"included", len(txs),
		"skipped", skipped,
		"gasUsed", gasUsed,
		"gasLimit", gasLimit,
		"baseFee", baseFee,
		"elapsed", time.Since(start),
	)

	return &nodeTypes.Block{
		Header:       header,
		Transactions: txs,
		Receipts:     receipts,
		Withdrawals:  bctx.Withdrawals,
	}, nil
}

func newReceipt(tx *types.Transaction, out *nodeTypes.ExecutionOutcome, cumulative uint64, baseFee *big.Int, number uint64, index uint, logIndex *uint) *types.Receipt {
	receipt := &types.Receipt{
		Type:              tx.Type(),
		CumulativeGasUsed: cumulative,
		TxHash:            tx.Hash(),
		ContractAddress:   out.ContractAddress,
		GasUsed:           out.GasUsed,
		EffectiveGasPrice: effectiveGasPrice(tx, baseFee),
		BlockNumber:       new(big.Int).SetUint64(number),
		TransactionIndex:  index,
		Logs:              out.Logs,
	}
	if out.Success {
		receipt.Status = types.ReceiptStatusSuccessful
	} else {
		receipt.Status = types.ReceiptStatusFailed
	}
	if receipt.Logs == nil {
		receipt.Logs = []*types.Log{}
	}
	for _, l := range receipt.Logs {
		l.TxHash = receipt.TxHash
		l.TxIndex = index
		l.BlockNumber = number
		l.Index = *logIndex
		*logIndex++
	}
	receipt.Bloom = types.CreateBloom(types.Receipts{receipt})
	return receipt
}

// effectiveGasPrice is baseFee plus the effective tip.
func effectiveGasPrice(tx *types.Transaction, baseFee *big.Int) *big.Int {
	tip := fees.EffectiveTip(tx.GasTipCap(), tx.GasFeeCap(), baseFee)
	return tip.Add(tip, baseFee)
}

func copyHash(h *common.Hash) *common.Hash {
	if h == nil {
		return nil
	}
	cpy := *h
	return &cpy
}
