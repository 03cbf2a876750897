package miner

import (
	"fmt"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"

	"github.com/thy3368/ethnode/internal/fees"
	nodeTypes "github.com/thy3368/ethnode/pkg/types"
)

// ValidateHeader checks the fields a proof-of-stake header must carry
// regardless of its parent: zero difficulty and nonce, the empty ommers
// hash, bounded extra data and gas used within the gas limit.
func ValidateHeader(header *types.Header) error {
	if header.Difficulty == nil || header.Difficulty.Sign() != 0 {
		return fmt.Errorf("%w: have %v, want 0", ErrInvalidDifficulty, header.Difficulty)
	}
	if header.Nonce != (types.BlockNonce{}) {
		return fmt.Errorf("%w: have %x, want 0", ErrInvalidNonce, header.Nonce)
	}
	if header.UncleHash != types.EmptyUncleHash {
		return fmt.Errorf("%w: have %x, want %x", ErrInvalidOmmersHash, header.UncleHash, types.EmptyUncleHash)
	}
	if uint64(len(header.Extra)) > params.MaximumExtraDataSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrExtraDataTooLarge, len(header.Extra), params.MaximumExtraDataSize)
	}
	if header.GasUsed > header.GasLimit {
		return fmt.Errorf("%w: have %d, limit %d", ErrGasLimitExceeded, header.GasUsed, header.GasLimit)
	}
	return nil
}

// ValidateHeaderAgainstParent checks the fields derived from the parent:
// linkage, number, timestamp, gas limit drift and base fee.
func ValidateHeaderAgainstParent(cfg fees.Config, header, parent *types.Header) error {
	if header.ParentHash != parent.Hash() {
		return fmt.Errorf("%w: have %x, want %x", ErrInvalidParentHash, header.ParentHash, parent.Hash())
	}
	if want := parent.Number.Uint64() + 1; header.Number == nil || header.Number.Uint64() != want {
		return fmt.Errorf("%w: have %v, want %d", ErrInvalidNumber, header.Number, want)
	}
	if header.Time <= parent.Time {
		return fmt.Errorf("%w: %d not after parent %d", ErrInvalidTimestamp, header.Time, parent.Time)
	}
	if err := cfg.VerifyGasLimit(parent.GasLimit, header.GasLimit); err != nil {
		return err
	}
	if header.BaseFee == nil {
		return ErrMissingBaseFee
	}
	if want := cfg.NextBaseFee(parent.GasUsed, parent.GasLimit, parent.BaseFee); header.BaseFee.Cmp(want) != 0 {
		return fmt.Errorf("%w: have %v, want %v", ErrInvalidBaseFee, header.BaseFee, want)
	}
	return nil
}

// ValidateBody checks that the header commits to the block's transactions,
// receipts and withdrawals.
func ValidateBody(block *nodeTypes.Block, hasher Hasher) error {
	header := block.Header
	if root := hasher.DeriveRoot(types.Transactions(block.Transactions)); root != header.TxHash {
		return fmt.Errorf("%w: have %x, header %x", ErrInvalidTxRoot, root, header.TxHash)
	}
	if len(block.Receipts) != len(block.Transactions) {
		return fmt.Errorf("%w: %d receipts for %d transactions", ErrInvalidReceiptRoot, len(block.Receipts), len(block.Transactions))
	}
	if root := hasher.DeriveRoot(types.Receipts(block.Receipts)); root != header.ReceiptHash {
		return fmt.Errorf("%w: have %x, header %x", ErrInvalidReceiptRoot, root, header.ReceiptHash)
	}
	var used uint64
	if n := len(block.Receipts); n > 0 {
		used = block.Receipts[n-1].CumulativeGasUsed
	}
	if used != header.GasUsed {
		return fmt.Errorf("%w: receipts used %d, header %d", ErrInvalidGasUsed, used, header.GasUsed)
	}
	if header.WithdrawalsHash != nil {
		withdrawals := block.Withdrawals
		if withdrawals == nil {
			withdrawals = types.Withdrawals{}
		}
		if root := hasher.DeriveRoot(withdrawals); root != *header.WithdrawalsHash {
			return fmt.Errorf("%w: have %x, header %x", ErrInvalidWithdrawalsRoot, root, *header.WithdrawalsHash)
		}
	}
	return nil
}
