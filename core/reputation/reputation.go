package reputation

import (
	"fmt"
	"math/big"
	"sync"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"

	"github.com/vechain/4337-bundler/model"
)

type Status int

const (
	StatusOK Status = iota
	StatusThrottled
	StatusBanned
)

func (s Status) String() string {
	switch s {
	case StatusThrottled:
		return "THROTTLED"
	case StatusBanned:
		return "BANNED"
	}
	return "OK"
}

// Params tune the status derivation: an entity is scored by
// opsSeen - opsIncluded*throttlingSlack, and the slacks bound how far
// seen may run ahead of included.
type Params struct {
	ThrottlingSlack uint64
	BanSlack        uint64

	// stake requirements applied to factories, paymasters and aggregators
	MinStake        *big.Int
	MinUnstakeDelay *big.Int
}

func DefaultParams() Params {
	return Params{
		ThrottlingSlack: 10,
		BanSlack:        50,
		MinStake:        big.NewInt(0),
		MinUnstakeDelay: big.NewInt(0),
	}
}

// Entry holds the monotonic counters for one address. Entries are
// created lazily and never removed; the decay loop converges idle
// counters toward zero.
type Entry struct {
	Address     common.Address `json:"address"`
	OpsSeen     uint64         `json:"opsSeen"`
	OpsIncluded uint64         `json:"opsIncluded"`
	Status      string         `json:"status,omitempty"`
}

// Manager tracks per-address reputation. It is the only mechanism that
// protects the bundler's wallet from entities whose off-chain validation
// succeeds yet on-chain execution reverts.
type Manager struct {
	mu      sync.Mutex
	entries map[common.Address]*Entry

	allowlisted map[common.Address]bool
	denylisted  map[common.Address]bool

	params Params
	logger sdklogging.Logger
}

func NewManager(params Params, logger sdklogging.Logger) *Manager {
	return &Manager{
		entries:     make(map[common.Address]*Entry),
		allowlisted: make(map[common.Address]bool),
		denylisted:  make(map[common.Address]bool),
		params:      params,
		logger:      logger,
	}
}

func (m *Manager) SetAllowlist(addrs []common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range addrs {
		m.allowlisted[a] = true
	}
}

func (m *Manager) SetDenylist(addrs []common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range addrs {
		m.denylisted[a] = true
	}
}

func (m *Manager) entryFor(addr common.Address) *Entry {
	e, ok := m.entries[addr]
	if !ok {
		e = &Entry{Address: addr}
		m.entries[addr] = e
	}
	return e
}

// UpdateSeenStatus bumps opsSeen. A nil address (op without paymaster or
// factory) is a no-op.
func (m *Manager) UpdateSeenStatus(addr *common.Address) {
	if addr == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entryFor(*addr).OpsSeen++
}

func (m *Manager) UpdateIncludedStatus(addr *common.Address) {
	if addr == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entryFor(*addr).OpsIncluded++
}

// CrashedHandleOps records an on-chain handleOps failure attributed to
// addr. The counters force BANNED for at least one decay cycle.
func (m *Manager) CrashedHandleOps(addr *common.Address) {
	if addr == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entryFor(*addr)
	e.OpsSeen = 100
	e.OpsIncluded = 0
	m.logger.Warn("entity banned after crashed handleOps", "address", addr.Hex())
}

// GetStatus derives OK / THROTTLED / BANNED for an address. Allowlist
// and denylist override the counter derivation.
func (m *Manager) GetStatus(addr *common.Address) Status {
	if addr == nil {
		return StatusOK
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.allowlisted[*addr] {
		return StatusOK
	}
	if m.denylisted[*addr] {
		return StatusBanned
	}

	e, ok := m.entries[*addr]
	if !ok {
		return StatusOK
	}

	score := int64(e.OpsSeen) - int64(e.OpsIncluded)*int64(m.params.ThrottlingSlack)
	switch {
	case score > int64(m.params.BanSlack):
		return StatusBanned
	case score > int64(m.params.ThrottlingSlack):
		return StatusThrottled
	default:
		return StatusOK
	}
}

// CheckStake verifies an entity has enough stake and unstake delay on
// the EntryPoint. kind names the entity in the error ("factory",
// "paymaster", "aggregator").
func (m *Manager) CheckStake(kind string, info *model.StakeInfo) error {
	if info == nil || info.Addr == (common.Address{}) {
		return nil
	}
	if m.GetStatus(&info.Addr) == StatusBanned {
		return model.NewRPCError(model.CodeReputation,
			fmt.Sprintf("%s %s is banned", kind, info.Addr.Hex()), nil)
	}

	if info.Stake == nil || info.Stake.Cmp(m.params.MinStake) < 0 {
		return model.NewRPCError(model.CodeInsufficientStake,
			fmt.Sprintf("%s %s stake %v is too low (min %v)", kind, info.Addr.Hex(), info.Stake, m.params.MinStake), nil)
	}
	if info.UnstakeDelaySec == nil || info.UnstakeDelaySec.Cmp(m.params.MinUnstakeDelay) < 0 {
		return model.NewRPCError(model.CodeInsufficientStake,
			fmt.Sprintf("%s %s unstake delay %v is too low (min %v)", kind, info.Addr.Hex(), info.UnstakeDelaySec, m.params.MinUnstakeDelay), nil)
	}
	return nil
}

// Decay multiplies every counter by 23/24, truncating. The execution
// manager runs it hourly.
func (m *Manager) Decay() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		e.OpsSeen = e.OpsSeen * 23 / 24
		e.OpsIncluded = e.OpsIncluded * 23 / 24
	}
}

// SetReputation overwrites counters for the given addresses (debug).
func (m *Manager) SetReputation(entries []*Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, in := range entries {
		e := m.entryFor(in.Address)
		e.OpsSeen = in.OpsSeen
		e.OpsIncluded = in.OpsIncluded
	}
}

// Dump returns a snapshot of all entries with derived status (debug).
func (m *Manager) Dump() []*Entry {
	m.mu.Lock()
	snapshot := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		snapshot = append(snapshot, &Entry{Address: e.Address, OpsSeen: e.OpsSeen, OpsIncluded: e.OpsIncluded})
	}
	m.mu.Unlock()

	for _, e := range snapshot {
		e.Status = m.GetStatus(&e.Address).String()
	}
	return snapshot
}

// Clear wipes all counters (debug).
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[common.Address]*Entry)
}
