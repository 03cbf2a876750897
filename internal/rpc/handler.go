package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/thy3368/ethnode/internal/fees"
	"github.com/thy3368/ethnode/internal/metrics"
	"github.com/thy3368/ethnode/internal/signer"
	"github.com/thy3368/ethnode/internal/txpool"
	nodeTypes "github.com/thy3368/ethnode/pkg/types"
)

// ClientVersion is reported by web3_clientVersion.
const ClientVersion = "ethnode/v0.1.0"

// DefaultPriorityFee is the tip suggested by eth_maxPriorityFeePerGas.
var DefaultPriorityFee = big.NewInt(1_000_000_000)

// Pool is the transaction pool surface used by the handler.
type Pool interface {
	Add(tx *types.Transaction, sender common.Address) (common.Hash, error)
	Get(hash common.Hash) *types.Transaction
	PendingNonce(sender common.Address, accountNonce uint64) uint64
	PendingBySender(sender common.Address) []*types.Transaction
	Content() map[common.Address][]*types.Transaction
	Stats() txpool.Stats
}

// ChainReader is the read side of the canonical chain.
type ChainReader interface {
	CurrentHeader() *types.Header
	BlockByNumber(num uint64) (*nodeTypes.Block, error)
	BlockByHash(hash common.Hash) (*nodeTypes.Block, error)
	Transaction(hash common.Hash) (*types.Transaction, *nodeTypes.Block, int, error)
	AccountState() (txpool.AccountState, error)
}

// PendingTxNotifier is told about every transaction accepted into the pool.
type PendingTxNotifier interface {
	NotifyPendingTx(hash common.Hash)
}

// Handler dispatches JSON-RPC methods to their implementations.
type Handler struct {
	chainID   *big.Int
	pool      Pool
	chain     ChainReader
	recoverer signer.Recoverer
	validator *txpool.Validator
	fees      fees.Config
	notifier  PendingTxNotifier
	metrics   *metrics.Metrics
	logger    log.Logger
}

// NewHandler creates a new JSON-RPC handler.
func NewHandler(chainID uint64, pool Pool, chain ChainReader, recoverer signer.Recoverer, validator *txpool.Validator, feeCfg fees.Config) *Handler {
	return &Handler{
		chainID:   new(big.Int).SetUint64(chainID),
		pool:      pool,
		chain:     chain,
		recoverer: recoverer,
		validator: validator,
		fees:      feeCfg,
		logger:    log.New("module", "rpc-handler"),
	}
}

// SetMetrics attaches the Prometheus metrics instance.
func (h *Handler) SetMetrics(m *metrics.Metrics) { h.metrics = m }

// SetTxNotifier registers the receiver of pending transaction hashes.
func (h *Handler) SetTxNotifier(n PendingTxNotifier) { h.notifier = n }

type methodFunc func(h *Handler, ctx context.Context, params json.RawMessage) (interface{}, error)

var methods = map[string]methodFunc{
	"eth_chainId":               (*Handler).chainIDMethod,
	"net_version":               (*Handler).netVersion,
	"web3_clientVersion":        (*Handler).clientVersion,
	"eth_blockNumber":           (*Handler).blockNumber,
	"eth_getBlockByNumber":      (*Handler).getBlockByNumber,
	"eth_getBlockByHash":        (*Handler).getBlockByHash,
	"eth_getTransactionByHash":  (*Handler).getTransactionByHash,
	"eth_getTransactionReceipt": (*Handler).getTransactionReceipt,
	"eth_getTransactionCount":   (*Handler).getTransactionCount,
	"eth_getBalance":            (*Handler).getBalance,
	"eth_gasPrice":              (*Handler).gasPrice,
	"eth_maxPriorityFeePerGas":  (*Handler).maxPriorityFeePerGas,
	"eth_sendRawTransaction":    (*Handler).sendRawTransaction,
	"txpool_status":             (*Handler).txpoolStatus,
	"txpool_content":            (*Handler).txpoolContent,
	"txpool_contentFrom":        (*Handler).txpoolContentFrom,
}

// Handle processes a single JSON-RPC request and returns a response.
func (h *Handler) Handle(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
	h.logger.Debug("RPC request", "method", req.Method, "id", string(req.ID))

	if req.JSONRPC != "2.0" || req.Method == "" {
		return newErrorResponse(req.ID, codeInvalidRequest, "invalid request")
	}
	fn, ok := methods[req.Method]
	if !ok {
		h.observe("unknown", true)
		return newErrorResponse(req.ID, codeMethodNotFound, fmt.Sprintf("the method %s does not exist/is not available", req.Method))
	}

	result, err := fn(h, ctx, req.Params)
	h.observe(req.Method, err != nil)
	if err != nil {
		code := codeServerError
		if errors.Is(err, errInvalidParams) {
			code = codeInvalidParams
		}
		h.logger.Debug("RPC error", "method", req.Method, "err", err)
		return newErrorResponse(req.ID, code, err.Error())
	}
	return newResponse(req.ID, result)
}

func (h *Handler) observe(method string, failed bool) {
	if h.metrics == nil {
		return
	}
	h.metrics.RPCRequests.WithLabelValues(method).Inc()
	if failed {
		h.metrics.RPCErrors.WithLabelValues(method).Inc()
	}
}

// parseParams decodes a positional parameter array into dst. Trailing
// parameters may be omitted.
func parseParams(raw json.RawMessage, required int, dst ...interface{}) error {
	var args []json.RawMessage
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return fmt.Errorf("%w: expected array: %v", errInvalidParams, err)
		}
	}
	if len(args) < required {
		return fmt.Errorf("%w: missing value for required argument %d", errInvalidParams, len(args))
	}
	if len(args) > len(dst) {
		return fmt.Errorf("%w: too many arguments, want at most %d", errInvalidParams, len(dst))
	}
	for i, arg := range args {
		if err := json.Unmarshal(arg, dst[i]); err != nil {
			return fmt.Errorf("%w: argument %d: %v", errInvalidParams, i, err)
		}
	}
	return nil
}

func (h *Handler) chainIDMethod(context.Context, json.RawMessage) (interface{}, error) {
	return (*hexutil.Big)(h.chainID), nil
}

func (h *Handler) netVersion(context.Context, json.RawMessage) (interface{}, error) {
	return h.chainID.String(), nil
}

func (h *Handler) clientVersion(context.Context, json.RawMessage) (interface{}, error) {
	return ClientVersion, nil
}

func (h *Handler) blockNumber(context.Context, json.RawMessage) (interface{}, error) {
	return hexutil.Uint64(h.chain.CurrentHeader().Number.Uint64()), nil
}

// resolveNumber maps a block tag onto a concrete height. Every tag other
// than earliest resolves to the head since blocks are final on insertion.
func (h *Handler) resolveNumber(num gethrpc.BlockNumber) uint64 {
	switch {
	case num == gethrpc.EarliestBlockNumber:
		return 0
	case num < 0:
		return h.chain.CurrentHeader().Number.Uint64()
	default:
		return uint64(num)
	}
}

func (h *Handler) getBlockByNumber(_ context.Context, params json.RawMessage) (interface{}, error) {
	var (
		num    gethrpc.BlockNumber
		fullTx bool
	)
	if err := parseParams(params, 1, &num, &fullTx); err != nil {
		return nil, err
	}
	block, err := h.chain.BlockByNumber(h.resolveNumber(num))
	if err != nil || block == nil {
		return nil, err
	}
	return marshalBlock(block, fullTx, h.senderOf), nil
}

func (h *Handler) getBlockByHash(_ context.Context, params json.RawMessage) (interface{}, error) {
	var (
		hash   common.Hash
		fullTx bool
	)
	if err := parseParams(params, 1, &hash, &fullTx); err != nil {
		return nil, err
	}
	block, err := h.chain.BlockByHash(hash)
	if err != nil || block == nil {
		return nil, err
	}
	return marshalBlock(block, fullTx, h.senderOf), nil
}

// senderOf recovers the sender of an included transaction. Included
// transactions were authenticated on admission so failures are only logged.
func (h *Handler) senderOf(tx *types.Transaction) common.Address {
	from, err := h.recoverer.Sender(tx)
	if err != nil {
		h.logger.Warn("Sender recovery failed for included tx", "hash", tx.Hash().Hex(), "err", err)
	}
	return from
}

func (h *Handler) getTransactionByHash(_ context.Context, params json.RawMessage) (interface{}, error) {
	var hash common.Hash
	if err := parseParams(params, 1, &hash); err != nil {
		return nil, err
	}
	if tx := h.pool.Get(hash); tx != nil {
		return newRPCTransaction(tx, h.senderOf(tx), nil, 0), nil
	}
	tx, block, index, err := h.chain.Transaction(hash)
	if err != nil || tx == nil {
		return nil, err
	}
	return newRPCTransaction(tx, h.senderOf(tx), block.Header, uint64(index)), nil
}

func (h *Handler) getTransactionReceipt(_ context.Context, params json.RawMessage) (interface{}, error) {
	var hash common.Hash
	if err := parseParams(params, 1, &hash); err != nil {
		return nil, err
	}
	tx, block, index, err := h.chain.Transaction(hash)
	if err != nil || tx == nil {
		return nil, err
	}
	if index >= len(block.Receipts) {
		return nil, nil
	}
	return marshalReceipt(block.Receipts[index], tx, h.senderOf(tx), block.Header), nil
}

// headState returns the account state for a block tag. Only the head state
// is served.
func (h *Handler) headState(num *gethrpc.BlockNumber) (txpool.AccountState, error) {
	if num != nil {
		if n := h.resolveNumber(*num); n != h.chain.CurrentHeader().Number.Uint64() {
			return nil, fmt.Errorf("state for block %d is not available", n)
		}
	}
	return h.chain.AccountState()
}

func (h *Handler) getTransactionCount(_ context.Context, params json.RawMessage) (interface{}, error) {
	var (
		addr common.Address
		num  *gethrpc.BlockNumber
	)
	if err := parseParams(params, 1, &addr, &num); err != nil {
		return nil, err
	}
	state, err := h.headState(num)
	if err != nil {
		return nil, err
	}
	nonce := state.GetNonce(addr)
	if num != nil && *num == gethrpc.PendingBlockNumber {
		nonce = h.pool.PendingNonce(addr, nonce)
	}
	return hexutil.Uint64(nonce), nil
}

func (h *Handler) getBalance(_ context.Context, params json.RawMessage) (interface{}, error) {
	var (
		addr common.Address
		num  *gethrpc.BlockNumber
	)
	if err := parseParams(params, 1, &addr, &num); err != nil {
		return nil, err
	}
	state, err := h.headState(num)
	if err != nil {
		return nil, err
	}
	return (*hexutil.Big)(state.GetBalance(addr).ToBig()), nil
}

// nextBaseFee is the base fee the next block will carry.
func (h *Handler) nextBaseFee() *big.Int {
	head := h.chain.CurrentHeader()
	return h.fees.NextBaseFee(head.GasUsed, head.GasLimit, head.BaseFee)
}

func (h *Handler) gasPrice(context.Context, json.RawMessage) (interface{}, error) {
	price := new(big.Int).Add(h.nextBaseFee(), DefaultPriorityFee)
	return (*hexutil.Big)(price), nil
}

func (h *Handler) maxPriorityFeePerGas(context.Context, json.RawMessage) (interface{}, error) {
	return (*hexutil.Big)(new(big.Int).Set(DefaultPriorityFee)), nil
}

func (h *Handler) sendRawTransaction(_ context.Context, params json.RawMessage) (interface{}, error) {
	var raw hexutil.Bytes
	if err := parseParams(params, 1, &raw); err != nil {
		return nil, err
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("%w: decode transaction: %v", errInvalidParams, err)
	}
	if err := h.validator.ValidateBasic(tx); err != nil {
		return nil, err
	}
	from, err := h.recoverer.Sender(tx)
	if err != nil {
		return nil, err
	}
	state, err := h.chain.AccountState()
	if err != nil {
		return nil, err
	}
	if err := h.validator.ValidateState(tx, from, h.nextBaseFee(), state); err != nil {
		return nil, err
	}
	hash, err := h.pool.Add(tx, from)
	if err != nil {
		return nil, err
	}
	h.logger.Info("Submitted transaction", "hash", hash.Hex(), "from", from.Hex(), "nonce", tx.Nonce(), "to", tx.To())
	if h.notifier != nil {
		h.notifier.NotifyPendingTx(hash)
	}
	return hash, nil
}

func (h *Handler) txpoolStatus(context.Context, json.RawMessage) (interface{}, error) {
	stats := h.pool.Stats()
	return map[string]hexutil.Uint{
		"pending": hexutil.Uint(stats.Pending),
		"queued":  hexutil.Uint(stats.Queued),
	}, nil
}

// splitContent divides a sender's nonce-ordered transactions into the
// executable run starting at the account nonce and the rest.
func splitContent(state txpool.AccountState, addr common.Address, txs []*types.Transaction) (pending, queued map[string]*rpcTransaction) {
	pending = make(map[string]*rpcTransaction)
	queued = make(map[string]*rpcTransaction)
	next := state.GetNonce(addr)
	for _, tx := range txs {
		key := strconv.FormatUint(tx.Nonce(), 10)
		view := newRPCTransaction(tx, addr, nil, 0)
		if tx.Nonce() == next {
			pending[key] = view
			next++
		} else {
			queued[key] = view
		}
	}
	return pending, queued
}

func (h *Handler) txpoolContent(context.Context, json.RawMessage) (interface{}, error) {
	state, err := h.chain.AccountState()
	if err != nil {
		return nil, err
	}
	content := map[string]map[common.Address]map[string]*rpcTransaction{
		"pending": make(map[common.Address]map[string]*rpcTransaction),
		"queued":  make(map[common.Address]map[string]*rpcTransaction),
	}
	for addr, txs := range h.pool.Content() {
		pending, queued := splitContent(state, addr, txs)
		if len(pending) > 0 {
			content["pending"][addr] = pending
		}
		if len(queued) > 0 {
			content["queued"][addr] = queued
		}
	}
	return content, nil
}

func (h *Handler) txpoolContentFrom(_ context.Context, params json.RawMessage) (interface{}, error) {
	var addr common.Address
	if err := parseParams(params, 1, &addr); err != nil {
		return nil, err
	}
	state, err := h.chain.AccountState()
	if err != nil {
		return nil, err
	}
	pending, queued := splitContent(state, addr, h.pool.PendingBySender(addr))
	return map[string]map[string]*rpcTransaction{
		"pending": pending,
		"queued":  queued,
	}, nil
}
