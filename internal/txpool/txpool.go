package txpool

import (
	"bytes"
	"errors"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/thy3368/ethnode/internal/metrics"
	nodeTypes "github.com/thy3368/ethnode/pkg/types"
)

// Config holds the pool capacity and replacement policy.
type Config struct {
	MaxPending int    `yaml:"max_pending"`
	MaxQueued  int    `yaml:"max_queued"`
	PriceBump  uint64 `yaml:"price_bump"` // percent of the old fee cap a replacement must pay
}

// DefaultConfig returns the default pool limits.
func DefaultConfig() Config {
	return Config{
		MaxPending: 4096,
		MaxQueued:  1024,
		PriceBump:  110,
	}
}

// Capacity is the total number of entries the pool will hold.
func (c Config) Capacity() int { return c.MaxPending + c.MaxQueued }

// Stats is a point-in-time summary of the pool.
type Stats struct {
	Pending  int `json:"pending"`
	Queued   int `json:"queued"`
	Capacity int `json:"capacity"`
}

// Pool is the in-memory set of candidate transactions, indexed by hash and
// organised per sender by nonce. Every admitted transaction goes to the
// pending bucket; queued stays empty until nonce gap detection exists.
//
// All methods are safe for concurrent use. Mutations take the write lock,
// reads take the read lock, and nothing handed out aliases pool internals.
type Pool struct {
	config Config

	mu      sync.RWMutex
	all     map[common.Hash]*nodeTypes.TxMeta
	pending map[common.Address]*senderQueue

	metrics *metrics.Metrics
	logger  log.Logger
}

// New creates an empty pool.
func New(config Config) *Pool {
	return &Pool{
		config:  config,
		all:     make(map[common.Hash]*nodeTypes.TxMeta),
		pending: make(map[common.Address]*senderQueue),
		logger:  log.New("module", "txpool"),
	}
}

// SetMetrics attaches a metrics collector.
func (p *Pool) SetMetrics(m *metrics.Metrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = m
}

// Add admits an authenticated transaction. A transaction for an occupied
// sender/nonce slot replaces the occupant only if its fee cap is at least
// PriceBump percent of the old one.
func (p *Pool) Add(tx *types.Transaction, sender common.Address) (common.Hash, error) {
	hash := tx.Hash()
	if err := checkShape(tx); err != nil {
		p.reject(err)
		return hash, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.all[hash]; ok {
		p.rejectLocked(ErrAlreadyKnown)
		return hash, ErrAlreadyKnown
	}

	queue := p.pending[sender]
	if queue != nil {
		if oldHash, ok := queue.get(tx.Nonce()); ok {
			if err := p.replaceLocked(queue, p.all[oldHash], tx, sender); err != nil {
				p.rejectLocked(err)
				return hash, err
			}
			return hash, nil
		}
	}

	if len(p.all) >= p.config.Capacity() {
		err := &PoolFullError{Current: len(p.all), Max: p.config.Capacity()}
		p.rejectLocked(err)
		return hash, err
	}

	if queue == nil {
		queue = newSenderQueue()
		p.pending[sender] = queue
	}
	queue.put(tx.Nonce(), hash)
	p.all[hash] = nodeTypes.NewTxMeta(tx, sender)
	p.updateGaugesLocked()

	p.logger.Debug("Transaction added to pool",
		"hash", hash.Hex(),
		"sender", sender.Hex(),
		"nonce", tx.Nonce(),
		"feeCap", tx.GasFeeCap(),
		"poolSize", len(p.all),
	)
	return hash, nil
}

// replaceLocked swaps old for tx in the same nonce slot.
func (p *Pool) replaceLocked(queue *senderQueue, old *nodeTypes.TxMeta, tx *types.Transaction, sender common.Address) error {
	if old == nil {
		log.Crit("Sender queue points at missing pool entry", "sender", sender, "nonce", tx.Nonce())
	}
	required := new(big.Int).Mul(old.Tx.GasFeeCap(), new(big.Int).SetUint64(p.config.PriceBump))
	required.Div(required, big.NewInt(100))
	if tx.GasFeeCap().Cmp(required) < 0 {
		return &ReplacementUnderpricedError{
			Current:  new(big.Int).Set(old.Tx.GasFeeCap()),
			Required: required,
		}
	}

	hash := tx.Hash()
	delete(p.all, old.Hash())
	queue.put(tx.Nonce(), hash)
	p.all[hash] = nodeTypes.NewTxMeta(tx, sender)
	if p.metrics != nil {
		p.metrics.TxPoolReplaced.Inc()
	}

	p.logger.Debug("Transaction replaced in pool",
		"old", old.Hash().Hex(),
		"new", hash.Hex(),
		"sender", sender.Hex(),
		"nonce", tx.Nonce(),
		"feeCap", tx.GasFeeCap(),
	)
	return nil
}

// checkShape runs the lock-free admission checks every entry must pass.
func checkShape(tx *types.Transaction) error {
	if tx.Type() == types.BlobTxType {
		return ErrTxTypeNotSupported
	}
	if tx.GasTipCapIntCmp(tx.GasFeeCap()) > 0 {
		return ErrTipAboveFeeCap
	}
	return nil
}

// Get returns the transaction with the given hash, or nil.
func (p *Pool) Get(hash common.Hash) *types.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if meta, ok := p.all[hash]; ok {
		return meta.Tx
	}
	return nil
}

// Has reports whether the pool holds the given hash.
func (p *Pool) Has(hash common.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.all[hash]
	return ok
}

// Len returns the number of entries.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.all)
}

// PendingBySender returns the sender's transactions in ascending nonce order.
func (p *Pool) PendingBySender(sender common.Address) []*types.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.senderTxsLocked(sender)
}

func (p *Pool) senderTxsLocked(sender common.Address) []*types.Transaction {
	queue := p.pending[sender]
	if queue == nil {
		return []*types.Transaction{}
	}
	hashes := queue.hashes()
	txs := make([]*types.Transaction, 0, len(hashes))
	for _, h := range hashes {
		txs = append(txs, p.all[h].Tx)
	}
	return txs
}

// PendingNonce returns the nonce the sender's next transaction should use,
// given the sender's account nonce.
func (p *Pool) PendingNonce(sender common.Address, accountNonce uint64) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if queue := p.pending[sender]; queue != nil {
		if next, ok := queue.nextNonce(); ok && next > accountNonce {
			return next
		}
	}
	return accountNonce
}

// Content returns every pooled transaction grouped by sender.
func (p *Pool) Content() map[common.Address][]*types.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	content := make(map[common.Address][]*types.Transaction, len(p.pending))
	for sender := range p.pending {
		content[sender] = p.senderTxsLocked(sender)
	}
	return content
}

// Candidates returns a snapshot of pool entries ordered by fee cap
// descending, with ties broken by sender and then nonce. Entries whose fee
// cap is below baseFee are dropped when baseFee is non-nil. maxCount <= 0
// means no limit.
func (p *Pool) Candidates(maxCount int, baseFee *big.Int) []*nodeTypes.TxMeta {
	p.mu.RLock()
	out := make([]*nodeTypes.TxMeta, 0, len(p.all))
	for _, meta := range p.all {
		if baseFee != nil && meta.Tx.GasFeeCapIntCmp(baseFee) < 0 {
			continue
		}
		out = append(out, meta.Copy())
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Tx.GasFeeCap().Cmp(out[j].Tx.GasFeeCap()); c != 0 {
			return c > 0
		}
		if c := bytes.Compare(out[i].Sender[:], out[j].Sender[:]); c != 0 {
			return c < 0
		}
		return out[i].Tx.Nonce() < out[j].Tx.Nonce()
	})
	if maxCount > 0 && len(out) > maxCount {
		out = out[:maxCount]
	}
	return out
}

// Remove drops a transaction. Unknown hashes are ignored.
func (p *Pool) Remove(hash common.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.removeLocked(hash)
	p.updateGaugesLocked()
}

// RemoveBatch drops every listed transaction. Unknown hashes are ignored.
func (p *Pool) RemoveBatch(hashes []common.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for _, h := range hashes {
		if p.removeLocked(h) {
			removed++
		}
	}
	p.updateGaugesLocked()
	if removed > 0 {
		p.logger.Debug("Transactions removed from pool", "removed", removed, "poolSize", len(p.all))
	}
}

func (p *Pool) removeLocked(hash common.Hash) bool {
	meta, ok := p.all[hash]
	if !ok {
		return false
	}
	delete(p.all, hash)
	if queue := p.pending[meta.Sender]; queue != nil {
		queue.remove(meta.Tx.Nonce(), hash)
		if queue.len() == 0 {
			delete(p.pending, meta.Sender)
		}
	}
	return true
}

// Stats returns the pending and queued counts and the total capacity.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return Stats{
		Pending:  len(p.all),
		Queued:   0,
		Capacity: p.config.Capacity(),
	}
}

// Clear drops all entries.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.all = make(map[common.Hash]*nodeTypes.TxMeta)
	p.pending = make(map[common.Address]*senderQueue)
	p.updateGaugesLocked()
}

func (p *Pool) updateGaugesLocked() {
	if p.metrics == nil {
		return
	}
	p.metrics.TxPoolPending.Set(float64(len(p.all)))
	p.metrics.TxPoolSenders.Set(float64(len(p.pending)))
}

func (p *Pool) reject(err error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	p.rejectLocked(err)
}

func (p *Pool) rejectLocked(err error) {
	if p.metrics != nil {
		p.metrics.TxPoolRejected.WithLabelValues(rejectReason(err)).Inc()
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyKnown):
		return "known"
	case errors.Is(err, ErrPoolFull):
		return "full"
	case errors.Is(err, ErrReplaceUnderpriced):
		return "underpriced_replacement"
	case errors.Is(err, ErrTipAboveFeeCap):
		return "tip_above_fee_cap"
	case errors.Is(err, ErrTxTypeNotSupported):
		return "unsupported_type"
	default:
		return "other"
	}
}
