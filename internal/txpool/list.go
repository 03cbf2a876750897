package txpool

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/btree"
)

// nonceSlot is one entry of a sender queue.
type nonceSlot struct {
	nonce uint64
	hash  common.Hash
}

func lessNonce(a, b nonceSlot) bool { return a.nonce < b.nonce }

// senderQueue maps the nonces of one sender to transaction hashes, ordered
// by nonce. It is not safe for concurrent use; the pool lock guards it.
type senderQueue struct {
	items *btree.BTreeG[nonceSlot]
}

func newSenderQueue() *senderQueue {
	return &senderQueue{items: btree.NewG[nonceSlot](8, lessNonce)}
}

// get returns the hash stored at nonce.
func (q *senderQueue) get(nonce uint64) (common.Hash, bool) {
	slot, ok := q.items.Get(nonceSlot{nonce: nonce})
	return slot.hash, ok
}

// put stores hash at nonce, returning the hash it displaced if any.
func (q *senderQueue) put(nonce uint64, hash common.Hash) (common.Hash, bool) {
	old, replaced := q.items.ReplaceOrInsert(nonceSlot{nonce: nonce, hash: hash})
	return old.hash, replaced
}

// remove deletes the slot at nonce if it still holds hash.
func (q *senderQueue) remove(nonce uint64, hash common.Hash) bool {
	slot, ok := q.items.Get(nonceSlot{nonce: nonce})
	if !ok || slot.hash != hash {
		return false
	}
	q.items.Delete(slot)
	return true
}

// hashes returns the stored hashes in ascending nonce order.
func (q *senderQueue) hashes() []common.Hash {
	out := make([]common.Hash, 0, q.items.Len())
	q.items.Ascend(func(slot nonceSlot) bool {
		out = append(out, slot.hash)
		return true
	})
	return out
}

func (q *senderQueue) len() int { return q.items.Len() }

// nextNonce returns one past the highest stored nonce.
func (q *senderQueue) nextNonce() (uint64, bool) {
	slot, ok := q.items.Max()
	if !ok {
		return 0, false
	}
	return slot.nonce + 1, true
}
