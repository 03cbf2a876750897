package execution

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/thy3368/ethnode/internal/miner"
	nodeTypes "github.com/thy3368/ethnode/pkg/types"
)

// StaticExecutor charges every transaction its declared gas without running
// it. The state root never changes. It backs pool and fee-market testing
// where no world state is kept.
type StaticExecutor struct{}

// Begin implements miner.Executor.
func (StaticExecutor) Begin(env *nodeTypes.ExecutionEnv) (miner.ExecutionSession, error) {
	return &staticSession{root: env.ParentRoot}, nil
}

type staticSession struct {
	root common.Hash
}

func (s *staticSession) Execute(ctx context.Context, tx *types.Transaction, _ common.Address, availableGas uint64) (*nodeTypes.ExecutionOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if tx.Gas() > availableGas {
		return nil, fmt.Errorf("%w: have %d, want %d", core.ErrGasLimitReached, availableGas, tx.Gas())
	}
	return &nodeTypes.ExecutionOutcome{
		GasUsed: tx.Gas(),
		Success: true,
		Logs:    []*types.Log{},
	}, nil
}

func (s *staticSession) Finalize() (common.Hash, error) { return s.root, nil }
