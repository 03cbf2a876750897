package txpool

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrAlreadyKnown is returned when adding a transaction whose hash is
	// already in the pool.
	ErrAlreadyKnown = errors.New("already known")

	// ErrPoolFull is returned when a new nonce slot would exceed the pool
	// capacity.
	ErrPoolFull = errors.New("txpool is full")

	// ErrNonceGap is reserved for queued-bucket support and is not returned
	// by the current pool.
	ErrNonceGap = errors.New("nonce gap")

	// ErrReplaceUnderpriced is returned when a transaction for an occupied
	// sender/nonce slot does not pay the required fee bump.
	ErrReplaceUnderpriced = errors.New("replacement transaction underpriced")

	// ErrTipAboveFeeCap is returned when the max priority fee exceeds the max
	// fee per gas.
	ErrTipAboveFeeCap = errors.New("max priority fee per gas higher than max fee per gas")

	// ErrTxTypeNotSupported is returned for blob transactions.
	ErrTxTypeNotSupported = errors.New("transaction type not supported")

	// ErrInvalidChainID is returned when a transaction is signed for another chain.
	ErrInvalidChainID = errors.New("invalid chain id")

	// ErrIntrinsicGas is returned when the gas limit is below the cost of a
	// plain transfer.
	ErrIntrinsicGas = errors.New("intrinsic gas too low")

	// ErrOversizedData is returned when the payload is larger than allowed.
	ErrOversizedData = errors.New("oversized data")

	// ErrUnderpriced is returned when the fee cap is below the node minimum
	// or the current base fee.
	ErrUnderpriced = errors.New("transaction underpriced")

	// ErrInvalidSignature is returned when the signature values are malformed.
	ErrInvalidSignature = errors.New("invalid transaction v, r, s values")

	// ErrNonceTooLow is returned when the nonce is below the sender's account nonce.
	ErrNonceTooLow = errors.New("nonce too low")

	// ErrInsufficientFunds is returned when the sender cannot cover
	// fee cap * gas + value.
	ErrInsufficientFunds = errors.New("insufficient funds for gas * price + value")
)

// PoolFullError reports the entry count and capacity at rejection time.
type PoolFullError struct {
	Current int
	Max     int
}

func (e *PoolFullError) Error() string {
	return fmt.Sprintf("%v: %d/%d", ErrPoolFull, e.Current, e.Max)
}

func (e *PoolFullError) Unwrap() error { return ErrPoolFull }

// ReplacementUnderpricedError reports the fee cap of the transaction
// occupying the slot and the minimum fee cap a replacement must pay.
type ReplacementUnderpricedError struct {
	Current  *big.Int
	Required *big.Int
}

func (e *ReplacementUnderpricedError) Error() string {
	return fmt.Sprintf("%v: current fee cap %v, required %v", ErrReplaceUnderpriced, e.Current, e.Required)
}

func (e *ReplacementUnderpricedError) Unwrap() error { return ErrReplaceUnderpriced }

// NonceGapError reports the next expected nonce and the submitted one.
type NonceGapError struct {
	Expected uint64
	Actual   uint64
}

func (e *NonceGapError) Error() string {
	return fmt.Sprintf("%v: expected %d, got %d", ErrNonceGap, e.Expected, e.Actual)
}

func (e *NonceGapError) Unwrap() error { return ErrNonceGap }
