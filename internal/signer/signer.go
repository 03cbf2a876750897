// Package signer recovers transaction senders.
package signer

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/thy3368/ethnode/internal/txpool"
)

// Recoverer authenticates a transaction and returns its sender.
type Recoverer interface {
	Sender(tx *types.Transaction) (common.Address, error)
}

const senderCacheSize = 4096

// ChainRecoverer recovers senders with the latest signer for a chain id and
// remembers recent results by transaction hash.
type ChainRecoverer struct {
	signer types.Signer
	cache  *lru.Cache[common.Hash, common.Address]
}

// NewChainRecoverer creates a recoverer for chainID.
func NewChainRecoverer(chainID *big.Int) *ChainRecoverer {
	cache, _ := lru.New[common.Hash, common.Address](senderCacheSize)
	return &ChainRecoverer{
		signer: types.LatestSignerForChainID(chainID),
		cache:  cache,
	}
}

// Sender implements Recoverer. Signature failures wrap
// txpool.ErrInvalidSignature.
func (r *ChainRecoverer) Sender(tx *types.Transaction) (common.Address, error) {
	hash := tx.Hash()
	if addr, ok := r.cache.Get(hash); ok {
		return addr, nil
	}
	addr, err := types.Sender(r.signer, tx)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", txpool.ErrInvalidSignature, err)
	}
	r.cache.Add(hash, addr)
	return addr, nil
}

// Static resolves senders from a fixed table. It is meant for tests and for
// the static execution engine where transactions carry no signature.
type Static struct {
	mu      sync.RWMutex
	senders map[common.Hash]common.Address
}

// NewStatic creates an empty table.
func NewStatic() *Static {
	return &Static{senders: make(map[common.Hash]common.Address)}
}

// Set registers the sender of a transaction hash.
func (s *Static) Set(hash common.Hash, sender common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.senders[hash] = sender
}

// Sender implements Recoverer.
func (s *Static) Sender(tx *types.Transaction) (common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.senders[tx.Hash()]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: unknown transaction %s", txpool.ErrInvalidSignature, tx.Hash().Hex())
	}
	return addr, nil
}
