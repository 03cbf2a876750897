package chain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"

	"github.com/thy3368/ethnode/internal/execution"
	"github.com/thy3368/ethnode/internal/fees"
	"github.com/thy3368/ethnode/internal/genesis"
	"github.com/thy3368/ethnode/internal/miner"
	"github.com/thy3368/ethnode/internal/txpool"
	nodeTypes "github.com/thy3368/ethnode/pkg/types"
)

var (
	// ErrNotHead is returned when a block does not extend the current head.
	ErrNotHead = errors.New("block does not extend the current head")

	// ErrMissingState is returned when the head state root is not available.
	ErrMissingState = errors.New("head state unavailable")
)

// Config holds the chain-level policy.
type Config struct {
	FeeRecipient common.Address
	Fees         fees.Config
	ChainID      uint64
}

// Chain is the canonical chain: a single head extended one block at a time,
// persisted through a ChainDB with world state kept in a StateStore.
type Chain struct {
	mu          sync.RWMutex
	cfg         Config
	chainConfig *params.ChainConfig
	store       *execution.StateStore
	db          *execution.ChainDB
	hasher      miner.Hasher
	head        *types.Header
	logger      log.Logger
}

// New opens the chain stored in db, initialising it from gen when empty.
func New(cfg Config, gen *genesis.Genesis, store *execution.StateStore, db *execution.ChainDB) (*Chain, error) {
	c := &Chain{
		cfg:         cfg,
		chainConfig: gen.ChainConfig(cfg.ChainID),
		store:       store,
		db:          db,
		hasher:      miner.TrieHasher{},
		logger:      log.New("module", "chain"),
	}

	if num, ok := db.Head(); ok {
		block, err := db.ReadBlock(num)
		if err != nil {
			return nil, err
		}
		if block == nil {
			return nil, fmt.Errorf("head block %d missing", num)
		}
		if !store.HasState(block.Header.Root) && block.Header.Root != types.EmptyRootHash {
			return nil, fmt.Errorf("%w: block %d root %s", ErrMissingState, num, block.Header.Root.Hex())
		}
		c.head = block.Header
		c.logger.Info("Chain restored", "number", num, "hash", block.Hash().Hex(), "root", block.Header.Root.Hex())
		return c, nil
	}

	sdb, err := store.OpenState(types.EmptyRootHash)
	if err != nil {
		return nil, err
	}
	if err := gen.Apply(sdb); err != nil {
		return nil, fmt.Errorf("apply genesis: %w", err)
	}
	root, err := store.CommitState(sdb, 0)
	if err != nil {
		return nil, err
	}
	block := gen.ToBlock(root)
	if err := db.WriteBlock(block); err != nil {
		return nil, fmt.Errorf("write genesis: %w", err)
	}
	c.head = block.Header
	c.logger.Info("Genesis initialised", "hash", block.Hash().Hex(), "root", root.Hex(), "accounts", len(gen.Alloc))
	return c, nil
}

// ChainConfig returns the fork configuration.
func (c *Chain) ChainConfig() *params.ChainConfig { return c.chainConfig }

// CurrentHeader returns a copy of the head header.
func (c *Chain) CurrentHeader() *types.Header {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return types.CopyHeader(c.head)
}

// BlockNumber returns the head block number.
func (c *Chain) BlockNumber() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head.Number.Uint64()
}

// BlockByNumber returns the canonical block at num, or nil.
func (c *Chain) BlockByNumber(num uint64) (*nodeTypes.Block, error) {
	return c.db.ReadBlock(num)
}

// BlockByHash returns the block with the given hash, or nil.
func (c *Chain) BlockByHash(hash common.Hash) (*nodeTypes.Block, error) {
	return c.db.ReadBlockByHash(hash)
}

// Transaction returns an included transaction, its block and its index.
func (c *Chain) Transaction(hash common.Hash) (*types.Transaction, *nodeTypes.Block, int, error) {
	return c.db.ReadTransaction(hash)
}

// Receipt returns the receipt of an included transaction, or nil.
func (c *Chain) Receipt(hash common.Hash) (*types.Receipt, error) {
	return c.db.ReadReceipt(hash)
}

// BuildContext returns the parameters of the next block. The timestamp is
// raised to parent+1 when the clock has not advanced past the head.
func (c *Chain) BuildContext(timestamp uint64) *nodeTypes.BuildContext {
	c.mu.RLock()
	head := c.head
	c.mu.RUnlock()

	if timestamp <= head.Time {
		timestamp = head.Time + 1
	}
	var baseFee *big.Int
	if head.BaseFee != nil {
		baseFee = new(big.Int).Set(head.BaseFee)
	}
	return &nodeTypes.BuildContext{
		ParentHash:      head.Hash(),
		ParentNumber:    head.Number.Uint64(),
		ParentGasUsed:   head.GasUsed,
		ParentGasLimit:  head.GasLimit,
		ParentBaseFee:   baseFee,
		ParentStateRoot: head.Root,
		Timestamp:       timestamp,
		FeeRecipient:    c.cfg.FeeRecipient,
		Random:          prevRandao(head),
		Withdrawals:     types.Withdrawals{},
	}
}

// prevRandao derives a deterministic mix digest from the parent.
func prevRandao(parent *types.Header) common.Hash {
	return crypto.Keccak256Hash(parent.Hash().Bytes(), binary.BigEndian.AppendUint64(nil, parent.Number.Uint64()))
}

// InsertBlock validates block against the head and makes it the new head.
func (c *Chain) InsertBlock(block *nodeTypes.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	header := block.Header
	if header.ParentHash != c.head.Hash() {
		return fmt.Errorf("%w: parent %s, head %s", ErrNotHead, header.ParentHash.Hex(), c.head.Hash().Hex())
	}
	if err := miner.ValidateHeader(header); err != nil {
		return err
	}
	if err := miner.ValidateHeaderAgainstParent(c.cfg.Fees, header, c.head); err != nil {
		return err
	}
	if err := miner.ValidateBody(block, c.hasher); err != nil {
		return err
	}
	if err := c.db.WriteBlock(block); err != nil {
		return err
	}
	c.head = header
	return nil
}

// AccountState returns the world state at the head.
func (c *Chain) AccountState() (txpool.AccountState, error) {
	c.mu.RLock()
	root := c.head.Root
	c.mu.RUnlock()

	sdb, err := c.store.OpenState(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMissingState, err)
	}
	return sdb, nil
}
