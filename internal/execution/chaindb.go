package execution

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru/v2"

	nodeTypes "github.com/thy3368/ethnode/pkg/types"
)

// Key layout of the chain database.
var (
	prefixBlock    = []byte("B") // B + num (uint64 big endian) -> block JSON
	prefixHashNum  = []byte("H") // H + hash -> num
	prefixTxLookup = []byte("L") // L + tx hash -> num ++ index
	keyHeadBlock   = []byte("ethnode-head")
)

// DefaultBlockCacheSize is the number of decoded blocks kept in memory.
const DefaultBlockCacheSize = 256

// ChainDB stores blocks with their receipts and indexes them by hash and by
// contained transaction. Stored blocks must be treated as immutable by
// readers since they are shared through the cache.
type ChainDB struct {
	mu      sync.RWMutex
	db      ethdb.KeyValueStore
	cache   *lru.Cache[uint64, *nodeTypes.Block]
	head    uint64
	hasHead bool
	logger  log.Logger
}

// NewChainDB wraps db. A cacheSize of zero selects DefaultBlockCacheSize.
func NewChainDB(db ethdb.KeyValueStore, cacheSize int) (*ChainDB, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultBlockCacheSize
	}
	cache, err := lru.New[uint64, *nodeTypes.Block](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create block cache: %w", err)
	}
	c := &ChainDB{
		db:     db,
		cache:  cache,
		logger: log.New("module", "chaindb"),
	}
	if data, err := db.Get(keyHeadBlock); err == nil && len(data) == 8 {
		c.head = binary.BigEndian.Uint64(data)
		c.hasHead = true
	}
	return c, nil
}

func blockKey(num uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte{}, prefixBlock...), num)
}

func hashKey(hash common.Hash) []byte {
	return append(append([]byte{}, prefixHashNum...), hash.Bytes()...)
}

func txLookupKey(hash common.Hash) []byte {
	return append(append([]byte{}, prefixTxLookup...), hash.Bytes()...)
}

// WriteBlock persists block, indexes it and marks it as the head.
func (c *ChainDB) WriteBlock(block *nodeTypes.Block) error {
	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("encode block %d: %w", block.NumberU64(), err)
	}
	num := block.NumberU64()
	numBytes := binary.BigEndian.AppendUint64(nil, num)

	c.mu.Lock()
	defer c.mu.Unlock()

	batch := c.db.NewBatch()
	if err := batch.Put(blockKey(num), data); err != nil {
		return err
	}
	if err := batch.Put(hashKey(block.Hash()), numBytes); err != nil {
		return err
	}
	for i, tx := range block.Transactions {
		entry := binary.BigEndian.AppendUint64(append([]byte{}, numBytes...), uint64(i))
		if err := batch.Put(txLookupKey(tx.Hash()), entry); err != nil {
			return err
		}
	}
	if err := batch.Put(keyHeadBlock, numBytes); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("write block %d: %w", num, err)
	}

	c.cache.Add(num, block)
	c.head, c.hasHead = num, true
	c.logger.Debug("Block written", "number", num, "hash", block.Hash().Hex(), "txs", len(block.Transactions))
	return nil
}

// ReadBlock returns the block at num, or nil if there is none.
func (c *ChainDB) ReadBlock(num uint64) (*nodeTypes.Block, error) {
	if block, ok := c.cache.Get(num); ok {
		return block, nil
	}
	c.mu.RLock()
	data, err := c.db.Get(blockKey(num))
	c.mu.RUnlock()
	if err != nil {
		return nil, nil
	}
	var block nodeTypes.Block
	if err := json.Unmarshal(data, &block); err != nil {
		return nil, fmt.Errorf("decode block %d: %w", num, err)
	}
	c.cache.Add(num, &block)
	return &block, nil
}

// ReadBlockByHash returns the block with the given hash, or nil.
func (c *ChainDB) ReadBlockByHash(hash common.Hash) (*nodeTypes.Block, error) {
	num, ok := c.ReadBlockNumber(hash)
	if !ok {
		return nil, nil
	}
	block, err := c.ReadBlock(num)
	if err != nil {
		return nil, err
	}
	if block == nil {
		return nil, fmt.Errorf("block %d missing for hash %s", num, hash.Hex())
	}
	return block, nil
}

// ReadBlockNumber resolves a block hash to its number.
func (c *ChainDB) ReadBlockNumber(hash common.Hash) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := c.db.Get(hashKey(hash))
	if err != nil || len(data) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(data), true
}

// ReadBlockHash returns the hash of block num, or the zero hash.
func (c *ChainDB) ReadBlockHash(num uint64) common.Hash {
	block, err := c.ReadBlock(num)
	if err != nil || block == nil {
		return common.Hash{}
	}
	return block.Hash()
}

// ReadTxLookup returns the block number and position of a transaction.
func (c *ChainDB) ReadTxLookup(hash common.Hash) (uint64, int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := c.db.Get(txLookupKey(hash))
	if err != nil || len(data) != 16 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint64(data[:8]), int(binary.BigEndian.Uint64(data[8:])), true
}

// ReadTransaction returns an included transaction with its block and index.
func (c *ChainDB) ReadTransaction(hash common.Hash) (*types.Transaction, *nodeTypes.Block, int, error) {
	block, index, err := c.lookup(hash)
	if err != nil || block == nil {
		return nil, nil, 0, err
	}
	return block.Transactions[index], block, index, nil
}

// ReadReceipt returns the receipt of an included transaction, or nil.
func (c *ChainDB) ReadReceipt(hash common.Hash) (*types.Receipt, error) {
	block, index, err := c.lookup(hash)
	if err != nil || block == nil {
		return nil, err
	}
	if index >= len(block.Receipts) {
		return nil, nil
	}
	return block.Receipts[index], nil
}

func (c *ChainDB) lookup(hash common.Hash) (*nodeTypes.Block, int, error) {
	num, index, ok := c.ReadTxLookup(hash)
	if !ok {
		return nil, 0, nil
	}
	block, err := c.ReadBlock(num)
	if err != nil {
		return nil, 0, err
	}
	if block == nil || index >= len(block.Transactions) {
		return nil, 0, fmt.Errorf("dangling tx lookup %s -> %d/%d", hash.Hex(), num, index)
	}
	return block, index, nil
}

// Head returns the number of the last written block.
func (c *ChainDB) Head() (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head, c.hasHead
}
