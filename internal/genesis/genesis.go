package genesis

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"

	nodeTypes "github.com/thy3368/ethnode/pkg/types"
)

// DefaultChainID is the chain id of the development network.
const DefaultChainID = 1337

// DefaultGasLimit is the genesis gas limit when none is given.
const DefaultGasLimit = 30_000_000

// Genesis describes block zero and the initial world state.
type Genesis struct {
	Config    *params.ChainConfig        `json:"config"`
	Timestamp hexutil.Uint64             `json:"timestamp"`
	ExtraData hexutil.Bytes              `json:"extraData"`
	GasLimit  hexutil.Uint64             `json:"gasLimit"`
	BaseFee   *hexutil.Big               `json:"baseFeePerGas"`
	MixHash   common.Hash                `json:"mixHash"`
	Coinbase  common.Address             `json:"coinbase"`
	Alloc     map[common.Address]Account `json:"alloc"`
}

// Account is a pre-funded genesis account.
type Account struct {
	Balance *hexutil.Big                `json:"balance"`
	Code    hexutil.Bytes               `json:"code,omitempty"`
	Nonce   hexutil.Uint64              `json:"nonce,omitempty"`
	Storage map[common.Hash]common.Hash `json:"storage,omitempty"`
}

// Load reads a genesis JSON file.
func Load(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis file: %w", err)
	}
	var gen Genesis
	if err := json.Unmarshal(data, &gen); err != nil {
		return nil, fmt.Errorf("parse genesis %s: %w", path, err)
	}
	return &gen, nil
}

// Default returns the development genesis: the usual hardhat accounts
// funded with 10,000 ETH each.
func Default(chainID uint64) *Genesis {
	fund := (*hexutil.Big)(new(big.Int).Mul(big.NewInt(10_000), big.NewInt(params.Ether)))
	return &Genesis{
		Config:   DefaultChainConfig(chainID),
		GasLimit: DefaultGasLimit,
		BaseFee:  (*hexutil.Big)(big.NewInt(params.InitialBaseFee)),
		Alloc: map[common.Address]Account{
			common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"): {Balance: fund},
			common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"): {Balance: fund},
			common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"): {Balance: fund},
			common.HexToAddress("0x90F79bf6EB2c4f870365E785982E1f101E93b906"): {Balance: fund},
		},
	}
}

// DefaultChainConfig enables every fork through Shanghai from genesis, with
// the merge already complete.
func DefaultChainConfig(chainID uint64) *params.ChainConfig {
	return &params.ChainConfig{
		ChainID:                       new(big.Int).SetUint64(chainID),
		HomesteadBlock:                big.NewInt(0),
		EIP150Block:                   big.NewInt(0),
		EIP155Block:                   big.NewInt(0),
		EIP158Block:                   big.NewInt(0),
		ByzantiumBlock:                big.NewInt(0),
		ConstantinopleBlock:           big.NewInt(0),
		PetersburgBlock:               big.NewInt(0),
		IstanbulBlock:                 big.NewInt(0),
		BerlinBlock:                   big.NewInt(0),
		LondonBlock:                   big.NewInt(0),
		MergeNetsplitBlock:            big.NewInt(0),
		TerminalTotalDifficulty:       big.NewInt(0),
		TerminalTotalDifficultyPassed: true,
		ShanghaiTime:                  newUint64(0),
	}
}

func newUint64(v uint64) *uint64 { return &v }

// ChainConfig returns the configured forks, or the defaults for chainID.
func (g *Genesis) ChainConfig(chainID uint64) *params.ChainConfig {
	if g.Config != nil {
		return g.Config
	}
	return DefaultChainConfig(chainID)
}

// Apply writes the allocations into sdb.
func (g *Genesis) Apply(sdb *state.StateDB) error {
	logger := log.New("module", "genesis")
	for addr, account := range g.Alloc {
		if account.Balance != nil {
			balance, overflow := uint256.FromBig(account.Balance.ToInt())
			if overflow {
				return fmt.Errorf("balance of %s overflows 256 bits", addr.Hex())
			}
			sdb.AddBalance(addr, balance, tracing.BalanceIncreaseGenesisBalance)
		}
		if account.Nonce > 0 {
			sdb.SetNonce(addr, uint64(account.Nonce))
		}
		if len(account.Code) > 0 {
			sdb.SetCode(addr, account.Code)
		}
		for key, value := range account.Storage {
			sdb.SetState(addr, key, value)
		}
		logger.Debug("Genesis account", "address", addr.Hex(), "balance", account.Balance)
	}
	return nil
}

// ToBlock returns block zero committing to the given state root.
func (g *Genesis) ToBlock(root common.Hash) *nodeTypes.Block {
	gasLimit := uint64(g.GasLimit)
	if gasLimit == 0 {
		gasLimit = DefaultGasLimit
	}
	baseFee := new(big.Int).SetUint64(params.InitialBaseFee)
	if g.BaseFee != nil {
		baseFee = new(big.Int).Set(g.BaseFee.ToInt())
	}
	withdrawalsRoot := types.EmptyWithdrawalsHash
	header := &types.Header{
		ParentHash:      common.Hash{},
		UncleHash:       types.EmptyUncleHash,
		Coinbase:        g.Coinbase,
		Root:            root,
		TxHash:          types.EmptyTxsHash,
		ReceiptHash:     types.EmptyReceiptsHash,
		Difficulty:      new(big.Int),
		Number:          new(big.Int),
		GasLimit:        gasLimit,
		Time:            uint64(g.Timestamp),
		Extra:           common.CopyBytes(g.ExtraData),
		MixDigest:       g.MixHash,
		BaseFee:         baseFee,
		WithdrawalsHash: &withdrawalsRoot,
	}
	return &nodeTypes.Block{
		Header:       header,
		Transactions: []*types.Transaction{},
		Receipts:     []*types.Receipt{},
	}
}
