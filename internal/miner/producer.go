package miner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/thy3368/ethnode/internal/metrics"
	nodeTypes "github.com/thy3368/ethnode/pkg/types"
)

// Chain is the canonical chain the producer extends.
type Chain interface {
	CurrentHeader() *types.Header
	BuildContext(timestamp uint64) *nodeTypes.BuildContext
	InsertBlock(block *nodeTypes.Block) error
}

// TxRemover evicts included transactions from the pool.
type TxRemover interface {
	RemoveBatch(hashes []common.Hash)
	Len() int
}

// Producer is the block production loop. Every tick it assembles a block on
// top of the chain head, inserts it, evicts its transactions from the pool
// and announces it.
type Producer struct {
	mu          sync.Mutex // serializes production
	blockTime   time.Duration
	assembler   *Assembler
	chain       Chain
	pool        TxRemover
	broadcaster Broadcaster
	now         func() time.Time

	metrics *metrics.Metrics
	logger  log.Logger

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// NewProducer creates a block producer.
func NewProducer(blockTime time.Duration, assembler *Assembler, chain Chain, pool TxRemover) *Producer {
	return &Producer{
		blockTime:   blockTime,
		assembler:   assembler,
		chain:       chain,
		pool:        pool,
		broadcaster: NoopBroadcaster{},
		now:         time.Now,
		logger:      log.New("module", "producer"),
	}
}

// SetBroadcaster installs the block announcer.
func (p *Producer) SetBroadcaster(b Broadcaster) { p.broadcaster = b }

// SetMetrics attaches a metrics collector.
func (p *Producer) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
	p.assembler.SetMetrics(m)
}

// Start runs the production loop until the context is cancelled or Stop
// is called.
func (p *Producer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancelMu.Lock()
	p.cancel = cancel
	p.cancelMu.Unlock()

	ticker := time.NewTicker(p.blockTime)
	defer ticker.Stop()

	p.logger.Info("Block producer started", "blockTime", p.blockTime)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Block producer stopped")
			return
		case <-ticker.C:
			if _, err := p.ProduceBlock(ctx); err != nil {
				p.logger.Warn("Block production failed", "err", err)
			}
		}
	}
}

// Stop halts the production loop.
func (p *Producer) Stop() {
	p.cancelMu.Lock()
	defer p.cancelMu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}

// ProduceBlock assembles, inserts and announces one block. An empty pool
// still yields an empty block. The announcement happens after the
// production lock is released.
func (p *Producer) ProduceBlock(ctx context.Context) (*nodeTypes.Block, error) {
	block, err := p.produce(ctx)
	if err != nil {
		return nil, err
	}
	p.broadcaster.BroadcastBlock(block)
	return block, nil
}

func (p *Producer) produce(ctx context.Context) (*nodeTypes.Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	bctx := p.chain.BuildContext(uint64(p.now().Unix()))
	block, err := p.assembler.Assemble(ctx, bctx)
	if err != nil {
		p.failed()
		return nil, fmt.Errorf("assemble block %d: %w", bctx.ParentNumber+1, err)
	}
	if err := ValidateHeader(block.Header); err != nil {
		p.failed()
		return nil, fmt.Errorf("validate block %d: %w", block.NumberU64(), err)
	}
	if err := p.chain.InsertBlock(block); err != nil {
		p.failed()
		return nil, fmt.Errorf("insert block %d: %w", block.NumberU64(), err)
	}
	p.pool.RemoveBatch(block.TxHashes())

	if obs, ok := p.assembler.GasTarget().(blockObserver); ok {
		obs.ObserveBlock(block.Header.GasUsed, block.Header.GasLimit)
	}
	p.record(block)

	if len(block.Transactions) > 0 {
		p.logger.Info("Block produced",
			"number", block.NumberU64(),
			"hash", block.Hash().Hex(),
			"txs", len(block.Transactions),
			"gasUsed", block.Header.GasUsed,
			"gasLimit", block.Header.GasLimit,
			"baseFee", block.Header.BaseFee,
			"pool", p.pool.Len(),
		)
	} else {
		p.logger.Debug("Empty block produced", "number", block.NumberU64(), "hash", block.Hash().Hex())
	}
	return block, nil
}

func (p *Producer) failed() {
	if p.metrics != nil {
		p.metrics.BuildFailures.Inc()
	}
}

func (p *Producer) record(block *nodeTypes.Block) {
	if p.metrics == nil {
		return
	}
	h := block.Header
	p.metrics.BlocksProduced.Inc()
	p.metrics.BlockHeight.Set(float64(h.Number.Uint64()))
	p.metrics.BlockTxCount.Observe(float64(len(block.Transactions)))
	p.metrics.TxIncluded.Add(float64(len(block.Transactions)))
	p.metrics.GasUsed.Set(float64(h.GasUsed))
	p.metrics.GasLimit.Set(float64(h.GasLimit))
	fee, _ := h.BaseFee.Float64()
	p.metrics.BaseFeeWei.Set(fee)
}
