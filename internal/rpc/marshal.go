package rpc

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/thy3368/ethnode/internal/fees"
	nodeTypes "github.com/thy3368/ethnode/pkg/types"
)

// rpcTransaction is the eth_getTransactionByHash view of a transaction.
type rpcTransaction struct {
	BlockHash        *common.Hash      `json:"blockHash"`
	BlockNumber      *hexutil.Big      `json:"blockNumber"`
	From             common.Address    `json:"from"`
	Gas              hexutil.Uint64    `json:"gas"`
	GasPrice         *hexutil.Big      `json:"gasPrice"`
	GasFeeCap        *hexutil.Big      `json:"maxFeePerGas,omitempty"`
	GasTipCap        *hexutil.Big      `json:"maxPriorityFeePerGas,omitempty"`
	Hash             common.Hash       `json:"hash"`
	Input            hexutil.Bytes     `json:"input"`
	Nonce            hexutil.Uint64    `json:"nonce"`
	To               *common.Address   `json:"to"`
	TransactionIndex *hexutil.Uint64   `json:"transactionIndex"`
	Value            *hexutil.Big      `json:"value"`
	Type             hexutil.Uint64    `json:"type"`
	Accesses         *types.AccessList `json:"accessList,omitempty"`
	ChainID          *hexutil.Big      `json:"chainId,omitempty"`
	V                *hexutil.Big      `json:"v"`
	R                *hexutil.Big      `json:"r"`
	S                *hexutil.Big      `json:"s"`
	YParity          *hexutil.Uint64   `json:"yParity,omitempty"`
}

// newRPCTransaction builds the view of tx. A nil header marks a pending
// transaction whose gas price is its fee cap.
func newRPCTransaction(tx *types.Transaction, from common.Address, header *types.Header, index uint64) *rpcTransaction {
	v, r, s := tx.RawSignatureValues()
	result := &rpcTransaction{
		From:     from,
		Gas:      hexutil.Uint64(tx.Gas()),
		GasPrice: (*hexutil.Big)(tx.GasPrice()),
		Hash:     tx.Hash(),
		Input:    hexutil.Bytes(tx.Data()),
		Nonce:    hexutil.Uint64(tx.Nonce()),
		To:       tx.To(),
		Value:    (*hexutil.Big)(tx.Value()),
		Type:     hexutil.Uint64(tx.Type()),
		V:        (*hexutil.Big)(v),
		R:        (*hexutil.Big)(r),
		S:        (*hexutil.Big)(s),
	}
	if header != nil {
		hash := header.Hash()
		idx := hexutil.Uint64(index)
		result.BlockHash = &hash
		result.BlockNumber = (*hexutil.Big)(new(big.Int).Set(header.Number))
		result.TransactionIndex = &idx
	}
	if tx.Type() != types.LegacyTxType {
		al := tx.AccessList()
		yparity := hexutil.Uint64(v.Sign())
		result.Accesses = &al
		result.ChainID = (*hexutil.Big)(tx.ChainId())
		result.YParity = &yparity
	}
	if tx.Type() == types.DynamicFeeTxType {
		result.GasFeeCap = (*hexutil.Big)(tx.GasFeeCap())
		result.GasTipCap = (*hexutil.Big)(tx.GasTipCap())
		if header != nil && header.BaseFee != nil {
			price := fees.EffectiveTip(tx.GasTipCap(), tx.GasFeeCap(), header.BaseFee)
			result.GasPrice = (*hexutil.Big)(price.Add(price, header.BaseFee))
		} else {
			result.GasPrice = (*hexutil.Big)(tx.GasFeeCap())
		}
	}
	return result
}

// marshalHeader renders the header fields of the eth block view.
func marshalHeader(head *types.Header) map[string]interface{} {
	result := map[string]interface{}{
		"number":           (*hexutil.Big)(head.Number),
		"hash":             head.Hash(),
		"parentHash":       head.ParentHash,
		"nonce":            head.Nonce,
		"mixHash":          head.MixDigest,
		"sha3Uncles":       head.UncleHash,
		"logsBloom":        head.Bloom,
		"stateRoot":        head.Root,
		"miner":            head.Coinbase,
		"difficulty":       (*hexutil.Big)(head.Difficulty),
		"extraData":        hexutil.Bytes(head.Extra),
		"gasLimit":         hexutil.Uint64(head.GasLimit),
		"gasUsed":          hexutil.Uint64(head.GasUsed),
		"timestamp":        hexutil.Uint64(head.Time),
		"transactionsRoot": head.TxHash,
		"receiptsRoot":     head.ReceiptHash,
	}
	if head.BaseFee != nil {
		result["baseFeePerGas"] = (*hexutil.Big)(head.BaseFee)
	}
	if head.WithdrawalsHash != nil {
		result["withdrawalsRoot"] = head.WithdrawalsHash
	}
	if head.ParentBeaconRoot != nil {
		result["parentBeaconBlockRoot"] = head.ParentBeaconRoot
	}
	return result
}

// marshalBlock renders a block with either transaction hashes or full
// transaction objects.
func marshalBlock(block *nodeTypes.Block, fullTx bool, senderOf func(*types.Transaction) common.Address) map[string]interface{} {
	fields := marshalHeader(block.Header)
	fields["uncles"] = []common.Hash{}

	if fullTx {
		txs := make([]*rpcTransaction, len(block.Transactions))
		for i, tx := range block.Transactions {
			txs[i] = newRPCTransaction(tx, senderOf(tx), block.Header, uint64(i))
		}
		fields["transactions"] = txs
	} else {
		fields["transactions"] = block.TxHashes()
	}
	withdrawals := block.Withdrawals
	if withdrawals == nil {
		withdrawals = types.Withdrawals{}
	}
	fields["withdrawals"] = withdrawals
	return fields
}

// marshalReceipt renders the eth_getTransactionReceipt view.
func marshalReceipt(receipt *types.Receipt, tx *types.Transaction, from common.Address, header *types.Header) map[string]interface{} {
	fields := map[string]interface{}{
		"blockHash":         header.Hash(),
		"blockNumber":       (*hexutil.Big)(header.Number),
		"transactionHash":   receipt.TxHash,
		"transactionIndex":  hexutil.Uint64(receipt.TransactionIndex),
		"from":              from,
		"to":                tx.To(),
		"gasUsed":           hexutil.Uint64(receipt.GasUsed),
		"cumulativeGasUsed": hexutil.Uint64(receipt.CumulativeGasUsed),
		"contractAddress":   nil,
		"logs":              receipt.Logs,
		"logsBloom":         receipt.Bloom,
		"type":              hexutil.Uint(tx.Type()),
		"effectiveGasPrice": (*hexutil.Big)(receipt.EffectiveGasPrice),
		"status":            hexutil.Uint(receipt.Status),
	}
	if receipt.Logs == nil {
		fields["logs"] = []*types.Log{}
	}
	if receipt.ContractAddress != (common.Address{}) {
		fields["contractAddress"] = receipt.ContractAddress
	}
	return fields
}
