package mempool

import (
	"fmt"
	"math/big"
	"sort"
	"sync"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"

	"github.com/vechain/4337-bundler/model"
)

// Entry is a validated UserOperation waiting for inclusion, together
// with the metadata derived during admission validation.
type Entry struct {
	UserOp     *model.UserOperation `json:"userOp"`
	UserOpHash common.Hash          `json:"userOpHash"`
	Prefund    *big.Int             `json:"prefund"`
	Aggregator *common.Address      `json:"aggregator,omitempty"`

	// contracts read during validation and their code hashes, compared
	// again during bundle re-validation
	ReferencedContracts model.CodeHashes `json:"-"`

	seq uint64 // insertion order, tie-break for equal tips
}

// Mempool is the ordered, volatile store of pending UserOperations.
// At most one entry exists per (sender, nonce); a replacement must bump
// maxPriorityFeePerGas by at least 10%.
type Mempool struct {
	mu      sync.Mutex
	entries map[string]*Entry
	nextSeq uint64

	maxSize int
	logger  sdklogging.Logger
}

func New(maxSize int, logger sdklogging.Logger) *Mempool {
	return &Mempool{
		entries: make(map[string]*Entry),
		maxSize: maxSize,
		logger:  logger,
	}
}

// AddUserOp admits an entry, enforcing the replacement and capacity
// rules. The error is an RPCError suitable for the JSON-RPC caller.
func (m *Mempool) AddUserOp(entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entry.UserOp.Key()
	if incumbent, ok := m.entries[key]; ok {
		if !replaces(entry.UserOp.MaxPriorityFeePerGas, incumbent.UserOp.MaxPriorityFeePerGas) {
			return model.NewRPCError(model.CodeInvalidFields,
				fmt.Sprintf("replacement op must raise maxPriorityFeePerGas by at least 10%% (incumbent %s)",
					incumbent.UserOp.MaxPriorityFeePerGas), nil)
		}
		entry.seq = m.nextSeq
		m.nextSeq++
		m.entries[key] = entry
		m.logger.Info("replaced userop", "sender", entry.UserOp.Sender.Hex(), "nonce", entry.UserOp.Nonce.String())
		return nil
	}

	if m.maxSize > 0 && len(m.entries) >= m.maxSize {
		lowest := m.lowestTipLocked()
		if lowest != nil && entry.UserOp.MaxPriorityFeePerGas.Cmp(lowest.UserOp.MaxPriorityFeePerGas) <= 0 {
			return model.NewRPCError(model.CodeInvalidFields, "mempool is full and fee is too low", nil)
		}
		if lowest != nil {
			delete(m.entries, lowest.UserOp.Key())
			m.logger.Info("evicted lowest-tip userop", "hash", lowest.UserOpHash.Hex())
		}
	}

	entry.seq = m.nextSeq
	m.nextSeq++
	m.entries[key] = entry
	return nil
}

// replaces reports whether the new tip is at least 10% above the old.
func replaces(newTip, oldTip *big.Int) bool {
	// newTip >= oldTip * 1.1, in integers: newTip*10 >= oldTip*11
	lhs := new(big.Int).Mul(newTip, big.NewInt(10))
	rhs := new(big.Int).Mul(oldTip, big.NewInt(11))
	return lhs.Cmp(rhs) >= 0
}

// RemoveUserOp drops the entry with the op's identity. Idempotent.
func (m *Mempool) RemoveUserOp(op *model.UserOperation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, op.Key())
}

// RemoveByHash drops the entry with the given userOpHash. Idempotent.
func (m *Mempool) RemoveByHash(hash common.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.entries {
		if e.UserOpHash == hash {
			delete(m.entries, key)
			return
		}
	}
}

// GetByHash returns the pending entry with the given userOpHash, or nil.
func (m *Mempool) GetByHash(hash common.Hash) *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.UserOpHash == hash {
			return e
		}
	}
	return nil
}

// GetSortedForInclusion snapshots the pool ordered by tip, highest
// first, with insertion order as the stable tie-break.
func (m *Mempool) GetSortedForInclusion() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		cmp := out[i].UserOp.MaxPriorityFeePerGas.Cmp(out[j].UserOp.MaxPriorityFeePerGas)
		if cmp != 0 {
			return cmp > 0
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// HasSender reports whether any pending entry belongs to the sender.
// The validation manager uses it to forbid cross-sender code access.
func (m *Mempool) HasSender(addr common.Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.UserOp.Sender == addr {
			return true
		}
	}
	return false
}

// CountByEntity counts pending entries whose sender, paymaster or
// factory equals addr. Caps the pipeline of unstaked entities.
func (m *Mempool) CountByEntity(addr common.Address) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, e := range m.entries {
		if e.UserOp.Sender == addr {
			n++
			continue
		}
		if p := e.UserOp.GetPaymaster(); p != nil && *p == addr {
			n++
			continue
		}
		if f := e.UserOp.GetFactory(); f != nil && *f == addr {
			n++
		}
	}
	return n
}

func (m *Mempool) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Dump returns the pool in inclusion order (debug).
func (m *Mempool) Dump() []*Entry {
	return m.GetSortedForInclusion()
}

// Clear wipes the pool (debug).
func (m *Mempool) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*Entry)
}

func (m *Mempool) lowestTipLocked() *Entry {
	var lowest *Entry
	for _, e := range m.entries {
		if lowest == nil {
			lowest = e
			continue
		}
		cmp := e.UserOp.MaxPriorityFeePerGas.Cmp(lowest.UserOp.MaxPriorityFeePerGas)
		if cmp < 0 || (cmp == 0 && e.seq > lowest.seq) {
			lowest = e
		}
	}
	return lowest
}
