package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TxMeta is a pool entry: an authenticated transaction and its sender.
type TxMeta struct {
	Tx         *types.Transaction `json:"-"`
	Sender     common.Address     `json:"sender"`
	ReceivedAt time.Time          `json:"receivedAt"`
}

// NewTxMeta wraps an already authenticated transaction.
func NewTxMeta(tx *types.Transaction, sender common.Address) *TxMeta {
	return &TxMeta{
		Tx:         tx,
		Sender:     sender,
		ReceivedAt: time.Now(),
	}
}

// Hash returns the transaction content hash.
func (m *TxMeta) Hash() common.Hash { return m.Tx.Hash() }

// Nonce returns the sender nonce of the transaction.
func (m *TxMeta) Nonce() uint64 { return m.Tx.Nonce() }

// GasFeeCap returns the max fee per gas.
func (m *TxMeta) GasFeeCap() *big.Int { return m.Tx.GasFeeCap() }

// Copy returns a shallow copy. The wrapped transaction is immutable.
func (m *TxMeta) Copy() *TxMeta {
	cpy := *m
	return &cpy
}

// ExecutionOutcome is the receipt-shaped result of executing one
// transaction.
type ExecutionOutcome struct {
	GasUsed         uint64
	Success         bool
	Logs            []*types.Log
	ContractAddress common.Address
}
