package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"

	"github.com/thy3368/ethnode/internal/execution"
	"github.com/thy3368/ethnode/internal/fees"
	"github.com/thy3368/ethnode/internal/genesis"
	"github.com/thy3368/ethnode/internal/miner"
	"github.com/thy3368/ethnode/internal/txpool"
	nodeTypes "github.com/thy3368/ethnode/pkg/types"
)

const chainID = 1337

var feeRecipient = common.HexToAddress("0xfee")

type fixture struct {
	store  *execution.StateStore
	db     *execution.ChainDB
	gen    *genesis.Genesis
	chain  *Chain
	key    *ecdsa.PrivateKey
	sender common.Address
	pool   *txpool.Pool
	asm    *miner.Assembler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)

	gen := genesis.Default(chainID)
	gen.Timestamp = 1_700_000_000
	gen.Alloc[sender] = genesis.Account{Balance: (*hexutil.Big)(big.NewInt(params.Ether))}

	store := execution.NewMemoryStateStore()
	t.Cleanup(func() { store.Close() })
	db, err := execution.NewChainDB(store.DiskDB(), 0)
	require.NoError(t, err)

	cfg := Config{FeeRecipient: feeRecipient, Fees: fees.DefaultConfig(), ChainID: chainID}
	c, err := New(cfg, gen, store, db)
	require.NoError(t, err)

	pool := txpool.New(txpool.DefaultConfig())
	exec := execution.NewEVMExecutor(c.ChainConfig(), store, db)
	asm := miner.NewAssembler(miner.DefaultConfig(), cfg.Fees, pool, exec, miner.TrieHasher{})
	return &fixture{store: store, db: db, gen: gen, chain: c, key: key, sender: sender, pool: pool, asm: asm}
}

func (f *fixture) addTransfer(t *testing.T, nonce uint64) *types.Transaction {
	t.Helper()
	return f.addTransferWithTip(t, nonce, params.GWei)
}

func (f *fixture) addTransferWithTip(t *testing.T, nonce uint64, tip int64) *types.Transaction {
	t.Helper()
	to := common.HexToAddress("0xbeef")
	tx, err := types.SignNewTx(f.key, types.LatestSignerForChainID(big.NewInt(chainID)), &types.DynamicFeeTx{
		ChainID:   big.NewInt(chainID),
		Nonce:     nonce,
		GasTipCap: big.NewInt(tip),
		GasFeeCap: big.NewInt(10 * params.GWei),
		Gas:       params.TxGas,
		To:        &to,
		Value:     big.NewInt(1000),
	})
	require.NoError(t, err)
	_, err = f.pool.Add(tx, f.sender)
	require.NoError(t, err)
	return tx
}

func (f *fixture) build(t *testing.T) *nodeTypes.Block {
	t.Helper()
	block, err := f.asm.Assemble(context.Background(), f.chain.BuildContext(f.chain.CurrentHeader().Time+12))
	require.NoError(t, err)
	return block
}

func TestNewInitialisesGenesis(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, uint64(0), f.chain.BlockNumber())

	head := f.chain.CurrentHeader()
	require.Equal(t, uint64(params.InitialBaseFee), head.BaseFee.Uint64())
	require.Equal(t, uint64(genesis.DefaultGasLimit), head.GasLimit)

	block, err := f.chain.BlockByNumber(0)
	require.NoError(t, err)
	require.Equal(t, head.Hash(), block.Hash())

	state, err := f.chain.AccountState()
	require.NoError(t, err)
	require.Equal(t, uint64(params.Ether), state.GetBalance(f.sender).Uint64())
	require.Zero(t, state.GetNonce(f.sender))
}

func TestCurrentHeaderIsACopy(t *testing.T) {
	f := newFixture(t)
	h := f.chain.CurrentHeader()
	h.GasLimit = 1
	require.Equal(t, uint64(genesis.DefaultGasLimit), f.chain.CurrentHeader().GasLimit)
}

func TestBuildContext(t *testing.T) {
	f := newFixture(t)
	head := f.chain.CurrentHeader()

	bctx := f.chain.BuildContext(head.Time + 5)
	require.Equal(t, head.Time+5, bctx.Timestamp)
	require.Equal(t, head.Hash(), bctx.ParentHash)
	require.Equal(t, head.Root, bctx.ParentStateRoot)
	require.Equal(t, head.GasLimit, bctx.ParentGasLimit)
	require.Equal(t, feeRecipient, bctx.FeeRecipient)
	require.NotNil(t, bctx.Withdrawals)
	require.Empty(t, bctx.Withdrawals)
	require.NotEqual(t, common.Hash{}, bctx.Random)
	require.Equal(t, bctx.Random, f.chain.BuildContext(0).Random)

	// A stale clock still yields a strictly increasing timestamp.
	require.Equal(t, head.Time+1, f.chain.BuildContext(head.Time-10).Timestamp)
	require.Equal(t, head.Time+1, f.chain.BuildContext(head.Time).Timestamp)

	// The parent base fee is not shared with the header.
	bctx.ParentBaseFee.SetUint64(1)
	require.Equal(t, uint64(params.InitialBaseFee), f.chain.CurrentHeader().BaseFee.Uint64())
}

func TestInsertBlock(t *testing.T) {
	f := newFixture(t)
	tx0 := f.addTransfer(t, 0)
	tx1 := f.addTransfer(t, 1)

	block := f.build(t)
	require.Len(t, block.Transactions, 2)
	require.NoError(t, f.chain.InsertBlock(block))
	require.Equal(t, uint64(1), f.chain.BlockNumber())
	require.Equal(t, block.Hash(), f.chain.CurrentHeader().Hash())

	tx, inBlock, index, err := f.chain.Transaction(tx1.Hash())
	require.NoError(t, err)
	require.Equal(t, tx1.Hash(), tx.Hash())
	require.Equal(t, block.Hash(), inBlock.Hash())
	require.Equal(t, 1, index)

	receipt, err := f.chain.Receipt(tx0.Hash())
	require.NoError(t, err)
	require.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
	require.Equal(t, block.Hash(), receipt.BlockHash)

	byHash, err := f.chain.BlockByHash(block.Hash())
	require.NoError(t, err)
	require.Equal(t, uint64(1), byHash.NumberU64())

	state, err := f.chain.AccountState()
	require.NoError(t, err)
	require.Equal(t, uint64(2), state.GetNonce(f.sender))
	require.Equal(t, uint64(2000), state.GetBalance(common.HexToAddress("0xbeef")).Uint64())
}

// Selection orders by tip alone, so a later nonce paying more than its
// predecessor is tried first, fails with a nonce gap and waits one block.
func TestAscendingTipNonceRunSpansBlocks(t *testing.T) {
	f := newFixture(t)
	tx0 := f.addTransferWithTip(t, 0, params.GWei)
	tx1 := f.addTransferWithTip(t, 1, 2*params.GWei)

	first := f.build(t)
	require.Equal(t, []common.Hash{tx0.Hash()}, first.TxHashes())
	require.NoError(t, f.chain.InsertBlock(first))
	f.pool.RemoveBatch(first.TxHashes())
	require.False(t, f.pool.Has(tx0.Hash()))
	require.True(t, f.pool.Has(tx1.Hash()))

	second := f.build(t)
	require.Equal(t, []common.Hash{tx1.Hash()}, second.TxHashes())
	require.NoError(t, f.chain.InsertBlock(second))
	f.pool.RemoveBatch(second.TxHashes())
	require.Zero(t, f.pool.Len())

	state, err := f.chain.AccountState()
	require.NoError(t, err)
	require.Equal(t, uint64(2), state.GetNonce(f.sender))
}

func TestInsertBlockRejectsNonHead(t *testing.T) {
	f := newFixture(t)
	block := f.build(t)
	require.NoError(t, f.chain.InsertBlock(block))
	require.ErrorIs(t, f.chain.InsertBlock(block), ErrNotHead)
}

func TestInsertBlockValidates(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(b *nodeTypes.Block)
		want   error
	}{
		{"base fee", func(b *nodeTypes.Block) { b.Header.BaseFee = big.NewInt(1) }, miner.ErrInvalidBaseFee},
		{"difficulty", func(b *nodeTypes.Block) { b.Header.Difficulty = big.NewInt(2) }, miner.ErrInvalidDifficulty},
		{"timestamp", func(b *nodeTypes.Block) { b.Header.Time = 0 }, miner.ErrInvalidTimestamp},
		{"tx root", func(b *nodeTypes.Block) { b.Header.TxHash = common.Hash{1} }, miner.ErrInvalidTxRoot},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.addTransfer(t, 0)
			block := f.build(t)
			tt.mutate(block)
			require.ErrorIs(t, f.chain.InsertBlock(block), tt.want)
			require.Equal(t, uint64(0), f.chain.BlockNumber())
		})
	}
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	f.addTransfer(t, 0)
	block := f.build(t)
	require.NoError(t, f.chain.InsertBlock(block))

	db, err := execution.NewChainDB(f.store.DiskDB(), 0)
	require.NoError(t, err)
	restored, err := New(Config{FeeRecipient: feeRecipient, Fees: fees.DefaultConfig(), ChainID: chainID}, f.gen, f.store, db)
	require.NoError(t, err)
	require.Equal(t, uint64(1), restored.BlockNumber())
	require.Equal(t, block.Hash(), restored.CurrentHeader().Hash())

	state, err := restored.AccountState()
	require.NoError(t, err)
	require.Equal(t, uint64(1), state.GetNonce(f.sender))
}
