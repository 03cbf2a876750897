package execution

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/consensus/misc/eip4844"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"

	"github.com/thy3368/ethnode/internal/miner"
	nodeTypes "github.com/thy3368/ethnode/pkg/types"
)

// ErrSessionFinalized is returned when a finalized session is reused.
var ErrSessionFinalized = errors.New("execution session already finalized")

// BlockHashReader resolves canonical block hashes for the BLOCKHASH opcode.
type BlockHashReader interface {
	ReadBlockHash(number uint64) common.Hash
}

// EVMExecutor runs transactions through go-ethereum's state transition on
// top of a StateStore.
type EVMExecutor struct {
	chainConfig *params.ChainConfig
	vmConfig    vm.Config
	store       *StateStore
	hashes      BlockHashReader
	logger      log.Logger
}

// NewEVMExecutor creates an EVM execution engine. hashes may be nil, in which
// case only the parent hash is resolvable.
func NewEVMExecutor(chainConfig *params.ChainConfig, store *StateStore, hashes BlockHashReader) *EVMExecutor {
	return &EVMExecutor{
		chainConfig: chainConfig,
		store:       store,
		hashes:      hashes,
		logger:      log.New("module", "evm"),
	}
}

// ChainConfig returns the fork configuration the executor runs under.
func (e *EVMExecutor) ChainConfig() *params.ChainConfig { return e.chainConfig }

// Begin implements miner.Executor. It opens the parent state and prepares
// the block context for env.
func (e *EVMExecutor) Begin(env *nodeTypes.ExecutionEnv) (miner.ExecutionSession, error) {
	sdb, err := e.store.OpenState(env.ParentRoot)
	if err != nil {
		return nil, err
	}
	random := env.Random
	blockCtx := vm.BlockContext{
		CanTransfer: core.CanTransfer,
		Transfer:    core.Transfer,
		GetHash:     e.getHashFunc(env.ParentHash, env.Number),
		Coinbase:    env.Coinbase,
		BlockNumber: new(big.Int).SetUint64(env.Number),
		Time:        env.Timestamp,
		Difficulty:  new(big.Int),
		GasLimit:    env.GasLimit,
		BaseFee:     new(big.Int).Set(env.BaseFee),
		BlobBaseFee: eip4844.CalcBlobFee(0),
		Random:      &random,
	}
	return &evmSession{
		executor: e,
		env:      env,
		state:    sdb,
		blockCtx: blockCtx,
	}, nil
}

func (e *EVMExecutor) getHashFunc(parentHash common.Hash, number uint64) vm.GetHashFunc {
	return func(n uint64) common.Hash {
		if n+1 == number {
			return parentHash
		}
		if e.hashes == nil || n >= number {
			return common.Hash{}
		}
		return e.hashes.ReadBlockHash(n)
	}
}

// evmSession executes the transactions of one block in order.
type evmSession struct {
	executor *EVMExecutor
	env      *nodeTypes.ExecutionEnv
	state    *state.StateDB
	blockCtx vm.BlockContext
	index    int
	done     bool
}

// Execute applies tx on top of the previously executed transactions. A
// consensus failure (bad nonce, insufficient funds, not enough gas left in
// the block) returns an error and leaves the state untouched. A reverted
// call is an outcome with Success false.
func (s *evmSession) Execute(ctx context.Context, tx *types.Transaction, sender common.Address, availableGas uint64) (*nodeTypes.ExecutionOutcome, error) {
	if s.done {
		return nil, ErrSessionFinalized
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msg := s.message(tx, sender)
	evm := vm.NewEVM(s.blockCtx, core.NewEVMTxContext(msg), s.state, s.executor.chainConfig, s.executor.vmConfig)
	stop := context.AfterFunc(ctx, evm.Cancel)
	defer stop()

	snap := s.state.Snapshot()
	s.state.SetTxContext(tx.Hash(), s.index)

	gp := new(core.GasPool).AddGas(availableGas)
	result, err := core.ApplyMessage(evm, msg, gp)
	if err != nil {
		s.state.RevertToSnapshot(snap)
		return nil, fmt.Errorf("apply %s: %w", tx.Hash().Hex(), err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		s.state.RevertToSnapshot(snap)
		return nil, ctxErr
	}
	s.state.Finalise(true)

	outcome := &nodeTypes.ExecutionOutcome{
		GasUsed: result.UsedGas,
		Success: !result.Failed(),
		Logs:    s.state.GetLogs(tx.Hash(), s.env.Number, common.Hash{}),
	}
	if tx.To() == nil {
		outcome.ContractAddress = crypto.CreateAddress(sender, tx.Nonce())
	}
	if result.Err != nil {
		s.executor.logger.Debug("Transaction reverted", "hash", tx.Hash().Hex(), "err", result.Err)
	}
	s.index++
	return outcome, nil
}

func (s *evmSession) message(tx *types.Transaction, sender common.Address) *core.Message {
	msg := &core.Message{
		To:            tx.To(),
		From:          sender,
		Nonce:         tx.Nonce(),
		Value:         tx.Value(),
		GasLimit:      tx.Gas(),
		GasPrice:      new(big.Int).Set(tx.GasPrice()),
		GasFeeCap:     tx.GasFeeCap(),
		GasTipCap:     tx.GasTipCap(),
		Data:          tx.Data(),
		AccessList:    tx.AccessList(),
		BlobGasFeeCap: tx.BlobGasFeeCap(),
		BlobHashes:    tx.BlobHashes(),
	}
	// Dynamic fee transactions pay min(feeCap, baseFee+tip).
	if baseFee := s.blockCtx.BaseFee; baseFee != nil {
		msg.GasPrice = msg.GasPrice.Add(msg.GasTipCap, baseFee)
		if msg.GasPrice.Cmp(msg.GasFeeCap) > 0 {
			msg.GasPrice = new(big.Int).Set(msg.GasFeeCap)
		}
	}
	return msg
}

// Finalize commits the accumulated state and returns its root.
func (s *evmSession) Finalize() (common.Hash, error) {
	if s.done {
		return common.Hash{}, ErrSessionFinalized
	}
	s.done = true
	return s.executor.store.CommitState(s.state, s.env.Number)
}
