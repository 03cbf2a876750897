package miner

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/trie"

	nodeTypes "github.com/thy3368/ethnode/pkg/types"
)

// TxSource supplies candidate transactions for a block.
type TxSource interface {
	Candidates(maxCount int, baseFee *big.Int) []*nodeTypes.TxMeta
}

// Executor opens execution sessions, one per block being assembled.
type Executor interface {
	Begin(env *nodeTypes.ExecutionEnv) (ExecutionSession, error)
}

// ExecutionSession applies transactions on top of the parent state.
//
// Execute must never report more gas used than availableGas. An error
// means the transaction was not applied and must be left out of the block.
type ExecutionSession interface {
	Execute(ctx context.Context, tx *types.Transaction, sender common.Address, availableGas uint64) (*nodeTypes.ExecutionOutcome, error)
	Finalize() (common.Hash, error)
}

// Hasher computes the root of an ordered list.
type Hasher interface {
	DeriveRoot(list types.DerivableList) common.Hash
}

// TrieHasher derives Merkle-Patricia roots the way consensus does.
type TrieHasher struct{}

// DeriveRoot implements Hasher.
func (TrieHasher) DeriveRoot(list types.DerivableList) common.Hash {
	return types.DeriveSha(list, trie.NewStackTrie(nil))
}

// Broadcaster announces newly produced blocks.
type Broadcaster interface {
	BroadcastBlock(block *nodeTypes.Block)
}

// NoopBroadcaster drops every announcement.
type NoopBroadcaster struct{}

// BroadcastBlock implements Broadcaster.
func (NoopBroadcaster) BroadcastBlock(*nodeTypes.Block) {}
