package validation

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// TracerResult is the output of the opcode/storage collector tracer the
// node runs during debug_traceCall. The tracer itself is an opaque JS
// asset loaded from config; only this shape is consumed here.
type TracerResult struct {
	CallsFromEntryPoint []*TopLevelCallInfo `json:"callsFromEntryPoint"`
	Keccak              []hexutil.Bytes     `json:"keccak"`
	Calls               []*CallInfo         `json:"calls"`
	Logs                []*LogInfo          `json:"logs"`
	Debug               []string            `json:"debug,omitempty"`
}

// TopLevelCallInfo aggregates everything observed while the EntryPoint
// ran one validation phase (factory, account or paymaster).
type TopLevelCallInfo struct {
	TopLevelMethodSig     hexutil.Bytes                        `json:"topLevelMethodSig"`
	TopLevelTargetAddress string                               `json:"topLevelTargetAddress"`
	Opcodes               map[string]int                       `json:"opcodes"`
	Access                map[common.Address]*AccessInfo       `json:"access"`
	ContractSize          map[common.Address]*ContractSizeInfo `json:"contractSize"`
	ExtCodeAccessInfo     map[common.Address]string            `json:"extCodeAccessInfo"`
	Oog                   bool                                 `json:"oog,omitempty"`
}

// AccessInfo records the storage slots one contract touched in a phase.
type AccessInfo struct {
	Reads  map[string]string `json:"reads"`
	Writes map[string]int    `json:"writes"`
}

type ContractSizeInfo struct {
	ContractSize int    `json:"contractSize"`
	Opcode       string `json:"opcode"`
}

// CallInfo is one frame of the simulated call tree. The final REVERT
// frame carries the EntryPoint's structured validation result.
type CallInfo struct {
	Type   string        `json:"type"`
	From   string        `json:"from,omitempty"`
	To     string        `json:"to,omitempty"`
	Method string        `json:"method,omitempty"`
	Value  string        `json:"value,omitempty"`
	Gas    uint64        `json:"gas,omitempty"`
	Data   hexutil.Bytes `json:"data,omitempty"`
}

type LogInfo struct {
	Topics []string      `json:"topics"`
	Data   hexutil.Bytes `json:"data"`
}

// bannedOpcodes may not appear during any validation phase; they make
// the outcome of validation environment-dependent.
var bannedOpcodes = map[string]bool{
	"GASPRICE":     true,
	"GASLIMIT":     true,
	"DIFFICULTY":   true,
	"PREVRANDAO":   true,
	"RANDOM":       true,
	"TIMESTAMP":    true,
	"BASEFEE":      true,
	"BLOCKHASH":    true,
	"NUMBER":       true,
	"SELFBALANCE":  true,
	"BALANCE":      true,
	"ORIGIN":       true,
	"GAS":          true,
	"CREATE":       true,
	"COINBASE":     true,
	"SELFDESTRUCT": true,
	"INVALID":      true,
}
