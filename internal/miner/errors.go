package miner

import "errors"

// Block validation and assembly errors. Details are attached by wrapping,
// so callers match with errors.Is. Gas limit drift is reported as
// fees.ErrGasLimitAdjustmentTooLarge.
var (
	ErrInvalidDifficulty          = errors.New("invalid difficulty")
	ErrInvalidNonce               = errors.New("invalid block nonce")
	ErrInvalidOmmersHash          = errors.New("invalid ommers hash")
	ErrExtraDataTooLarge          = errors.New("extra data too large")
	ErrGasLimitExceeded           = errors.New("gas used exceeds gas limit")
	ErrInvalidBaseFee             = errors.New("invalid base fee")
	ErrTransactionExecutionFailed = errors.New("transaction execution failed")
	ErrInvalidStateRoot           = errors.New("invalid state root")
	ErrInvalidTxRoot              = errors.New("invalid transaction root")
	ErrInvalidReceiptRoot         = errors.New("invalid receipt root")
	ErrInvalidWithdrawalsRoot     = errors.New("invalid withdrawals root")
	ErrInvalidNumber              = errors.New("invalid block number")
	ErrInvalidTimestamp           = errors.New("invalid timestamp")
	ErrInvalidParentHash          = errors.New("invalid parent hash")
	ErrUnknownParent              = errors.New("unknown parent")
	ErrMissingBaseFee             = errors.New("header is missing base fee")
	ErrInvalidGasUsed             = errors.New("invalid gas used")
)
