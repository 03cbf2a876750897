package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// BuildContext carries the parent chain state needed for one assembly
// cycle. It is created fresh per call.
type BuildContext struct {
	ParentHash       common.Hash       `json:"parentHash"`
	ParentNumber     uint64            `json:"parentNumber"`
	ParentGasUsed    uint64            `json:"parentGasUsed"`
	ParentGasLimit   uint64            `json:"parentGasLimit"`
	ParentBaseFee    *big.Int          `json:"parentBaseFee"`
	ParentStateRoot  common.Hash       `json:"parentStateRoot"`
	Timestamp        uint64            `json:"timestamp"`
	FeeRecipient     common.Address    `json:"feeRecipient"`
	Random           common.Hash       `json:"prevRandao"`
	Withdrawals      types.Withdrawals `json:"withdrawals"`
	ParentBeaconRoot *common.Hash      `json:"parentBeaconBlockRoot,omitempty"`
}

// ExecutionEnv is the block-level environment an execution session runs in.
type ExecutionEnv struct {
	Number     uint64
	Timestamp  uint64
	Coinbase   common.Address
	GasLimit   uint64
	BaseFee    *big.Int
	Random     common.Hash
	ParentHash common.Hash
	ParentRoot common.Hash
}

// Block is an assembled block: a header with proof-of-stake defaults, the
// included transactions with their receipts and the withdrawals passed
// through from the build context.
type Block struct {
	Header       *types.Header        `json:"header"`
	Transactions []*types.Transaction `json:"transactions"`
	Receipts     []*types.Receipt     `json:"receipts,omitempty"`
	Withdrawals  types.Withdrawals    `json:"withdrawals"`
}

// Hash returns the header hash.
func (b *Block) Hash() common.Hash { return b.Header.Hash() }

// NumberU64 returns the block number.
func (b *Block) NumberU64() uint64 { return b.Header.Number.Uint64() }

// TxHashes returns the hashes of the included transactions in order.
func (b *Block) TxHashes() []common.Hash {
	hashes := make([]common.Hash, len(b.Transactions))
	for i, tx := range b.Transactions {
		hashes[i] = tx.Hash()
	}
	return hashes
}
