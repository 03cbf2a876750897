package execution

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

func TestStateStore_OpenEmpty(t *testing.T) {
	store := NewMemoryStateStore()
	defer store.Close()

	sdb, err := store.OpenState(types.EmptyRootHash)
	if err != nil {
		t.Fatalf("open empty state: %v", err)
	}
	if got := sdb.IntermediateRoot(true); got != types.EmptyRootHash {
		t.Errorf("empty state root: got %s, want %s", got.Hex(), types.EmptyRootHash.Hex())
	}
}

func TestStateStore_CommitAndReopen(t *testing.T) {
	store := NewMemoryStateStore()
	defer store.Close()

	sdb, err := store.OpenState(types.EmptyRootHash)
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	addr := common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	want := new(big.Int).Mul(big.NewInt(10_000), big.NewInt(1e18))
	sdb.AddBalance(addr, uint256.MustFromBig(want), tracing.BalanceIncreaseGenesisBalance)
	sdb.SetNonce(addr, 7)

	root, err := store.CommitState(sdb, 0)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if root == types.EmptyRootHash {
		t.Fatal("committed root should not be empty")
	}
	if !store.HasState(root) {
		t.Fatal("committed root should be available")
	}

	reopened, err := store.OpenState(root)
	if err != nil {
		t.Fatalf("reopen %s: %v", root.Hex(), err)
	}
	if got := reopened.GetBalance(addr).ToBig(); got.Cmp(want) != 0 {
		t.Errorf("balance: got %s, want %s", got, want)
	}
	if got := reopened.GetNonce(addr); got != 7 {
		t.Errorf("nonce: got %d, want 7", got)
	}
}

func TestStateStore_UnknownRoot(t *testing.T) {
	store := NewMemoryStateStore()
	defer store.Close()

	root := common.HexToHash("0xdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	if store.HasState(root) {
		t.Error("unknown root reported as present")
	}
	if _, err := store.OpenState(root); err == nil {
		t.Error("opening an unknown root should fail")
	}
}

func TestStateStore_Persistent(t *testing.T) {
	cfg := DefaultStoreConfig()
	cfg.DataDir = t.TempDir()
	cfg.CacheMB, cfg.Handles = 16, 16

	store, err := NewStateStore(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sdb, _ := store.OpenState(types.EmptyRootHash)
	addr := common.HexToAddress("0xbeef")
	sdb.AddBalance(addr, uint256.NewInt(42), tracing.BalanceIncreaseGenesisBalance)
	root, err := store.CommitState(sdb, 0)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err = NewStateStore(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	sdb, err = store.OpenState(root)
	if err != nil {
		t.Fatalf("open committed root after restart: %v", err)
	}
	if got := sdb.GetBalance(addr).Uint64(); got != 42 {
		t.Errorf("balance after restart: got %d, want 42", got)
	}
}
