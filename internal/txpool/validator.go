package txpool

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
)

// DefaultMaxDataSize is the largest payload accepted into the pool.
const DefaultMaxDataSize = 128 * 1024

// AccountState exposes the account fields admission depends on.
type AccountState interface {
	GetNonce(addr common.Address) uint64
	GetBalance(addr common.Address) *uint256.Int
}

// Validator runs the admission checks that sit in front of the pool.
type Validator struct {
	ChainID     *big.Int
	MinGasPrice *big.Int
	MaxDataSize uint64
}

// NewValidator creates a validator for the given chain with a 1 gwei
// minimum fee cap.
func NewValidator(chainID *big.Int) *Validator {
	return &Validator{
		ChainID:     new(big.Int).Set(chainID),
		MinGasPrice: big.NewInt(params.GWei),
		MaxDataSize: DefaultMaxDataSize,
	}
}

// ValidateBasic checks the transaction in isolation.
func (v *Validator) ValidateBasic(tx *types.Transaction) error {
	if err := checkShape(tx); err != nil {
		return err
	}
	if tx.Gas() < params.TxGas {
		return fmt.Errorf("%w: have %d, want %d", ErrIntrinsicGas, tx.Gas(), params.TxGas)
	}
	if uint64(len(tx.Data())) > v.MaxDataSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrOversizedData, len(tx.Data()), v.MaxDataSize)
	}
	if tx.Type() != types.LegacyTxType || tx.Protected() {
		if v.ChainID != nil && tx.ChainId().Cmp(v.ChainID) != 0 {
			return fmt.Errorf("%w: have %v, want %v", ErrInvalidChainID, tx.ChainId(), v.ChainID)
		}
	}
	if tx.Type() != types.LegacyTxType {
		if sv, _, _ := tx.RawSignatureValues(); sv != nil && sv.Cmp(big.NewInt(1)) > 0 {
			return ErrInvalidSignature
		}
	}
	if v.MinGasPrice != nil && tx.GasFeeCapIntCmp(v.MinGasPrice) < 0 {
		return fmt.Errorf("%w: fee cap %v below minimum %v", ErrUnderpriced, tx.GasFeeCap(), v.MinGasPrice)
	}
	return nil
}

// ValidateState checks the transaction against the sender's account and the
// current base fee.
func (v *Validator) ValidateState(tx *types.Transaction, sender common.Address, baseFee *big.Int, state AccountState) error {
	if baseFee != nil && tx.GasFeeCapIntCmp(baseFee) < 0 {
		return fmt.Errorf("%w: fee cap %v below base fee %v", ErrUnderpriced, tx.GasFeeCap(), baseFee)
	}
	if state == nil {
		return nil
	}
	if nonce := state.GetNonce(sender); tx.Nonce() < nonce {
		return fmt.Errorf("%w: address %v, tx: %d state: %d", ErrNonceTooLow, sender, tx.Nonce(), nonce)
	}
	cost := new(big.Int).Mul(tx.GasFeeCap(), new(big.Int).SetUint64(tx.Gas()))
	cost.Add(cost, tx.Value())
	if balance := state.GetBalance(sender).ToBig(); balance.Cmp(cost) < 0 {
		return fmt.Errorf("%w: address %v have %v want %v", ErrInsufficientFunds, sender, balance, cost)
	}
	return nil
}
