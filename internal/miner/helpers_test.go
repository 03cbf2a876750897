package miner

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	nodeTypes "github.com/thy3368/ethnode/pkg/types"
)

// fakeExecutor charges a fixed share of each transaction's gas and lets
// tests inject failures.
type fakeExecutor struct {
	mu       sync.Mutex
	percent  uint64 // share of tx gas charged, 100 when zero
	fail     map[common.Hash]error
	reverted map[common.Hash]bool
	over     bool // report more gas than available
	root     common.Hash
	env      *nodeTypes.ExecutionEnv
	executed []common.Hash
}

func (f *fakeExecutor) Begin(env *nodeTypes.ExecutionEnv) (ExecutionSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.env = env
	return &fakeSession{f: f}, nil
}

type fakeSession struct{ f *fakeExecutor }

func (s *fakeSession) Execute(ctx context.Context, tx *types.Transaction, _ common.Address, available uint64) (*nodeTypes.ExecutionOutcome, error) {
	f := s.f
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := f.fail[tx.Hash()]; ok {
		return nil, err
	}
	if f.over {
		return &nodeTypes.ExecutionOutcome{GasUsed: available + 1, Success: true}, nil
	}
	pct := f.percent
	if pct == 0 {
		pct = 100
	}
	f.executed = append(f.executed, tx.Hash())
	out := &nodeTypes.ExecutionOutcome{
		GasUsed: tx.Gas() * pct / 100,
		Success: !f.reverted[tx.Hash()],
		Logs: []*types.Log{{
			Address: *tx.To(),
			Topics:  []common.Hash{tx.Hash()},
		}},
	}
	return out, nil
}

func (s *fakeSession) Finalize() (common.Hash, error) {
	if s.f.root == (common.Hash{}) {
		return common.Hash{}, errors.New("no root")
	}
	return s.f.root, nil
}

// memChain is a minimal in-memory chain for producer tests.
type memChain struct {
	mu     sync.Mutex
	blocks []*nodeTypes.Block
}

func newMemChain(gasLimit uint64, baseFee int64) *memChain {
	genesis := &types.Header{
		Number:     new(big.Int),
		GasLimit:   gasLimit,
		Difficulty: new(big.Int),
		UncleHash:  types.EmptyUncleHash,
		BaseFee:    big.NewInt(baseFee),
		Root:       common.HexToHash("0x01"),
	}
	return &memChain{blocks: []*nodeTypes.Block{{Header: genesis}}}
}

func (c *memChain) CurrentHeader() *types.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocks[len(c.blocks)-1].Header
}

func (c *memChain) BuildContext(timestamp uint64) *nodeTypes.BuildContext {
	head := c.CurrentHeader()
	if timestamp <= head.Time {
		timestamp = head.Time + 1
	}
	return buildContextFrom(head, timestamp)
}

func (c *memChain) InsertBlock(block *nodeTypes.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	head := c.blocks[len(c.blocks)-1].Header
	if block.Header.ParentHash != head.Hash() {
		return ErrUnknownParent
	}
	c.blocks = append(c.blocks, block)
	return nil
}

func (c *memChain) height() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.blocks) - 1
}

func buildContextFrom(parent *types.Header, timestamp uint64) *nodeTypes.BuildContext {
	return &nodeTypes.BuildContext{
		ParentHash:      parent.Hash(),
		ParentNumber:    parent.Number.Uint64(),
		ParentGasUsed:   parent.GasUsed,
		ParentGasLimit:  parent.GasLimit,
		ParentBaseFee:   parent.BaseFee,
		ParentStateRoot: parent.Root,
		Timestamp:       timestamp,
		FeeRecipient:    common.HexToAddress("0xfee"),
		Random:          common.HexToHash("0xabcdef"),
	}
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	blocks []*nodeTypes.Block
}

func (r *recordingBroadcaster) BroadcastBlock(b *nodeTypes.Block) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks = append(r.blocks, b)
}

func (r *recordingBroadcaster) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.blocks)
}
