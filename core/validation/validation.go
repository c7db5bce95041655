package validation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/vechain/4337-bundler/core/chainio/aa"
	"github.com/vechain/4337-bundler/model"
)

// rpcCaller is the slice of the upstream node the validator needs.
// *rpc.Client satisfies it.
type rpcCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// senderSource answers whether an address is a sender of some pending
// op; the mempool implements it.
type senderSource interface {
	HasSender(addr common.Address) bool
}

// stakeChecker verifies entity stake against the configured minimums;
// the reputation manager implements it.
type stakeChecker interface {
	CheckStake(kind string, info *model.StakeInfo) error
}

// Config for the validation manager.
type Config struct {
	EntryPoint         common.Address
	MaxVerificationGas *big.Int
	// simulateValidation without tracing; for nodes without debug_traceCall
	Unsafe bool
	// JS source of the collector tracer, required in safe mode
	TracerSource string
	// aggregators the bundler is willing to serve
	SupportedAggregators []common.Address

	Overheads GasOverheads
}

// Manager runs simulated validation of UserOperations against the
// EntryPoint and derives the referenced-storage map and entity stakes.
type Manager struct {
	client  rpcCaller
	senders senderSource
	stakes  stakeChecker
	cfg     Config
	logger  sdklogging.Logger
}

func NewManager(client rpcCaller, senders senderSource, stakes stakeChecker, cfg Config, logger sdklogging.Logger) *Manager {
	if cfg.MaxVerificationGas == nil {
		cfg.MaxVerificationGas = big.NewInt(10_000_000)
	}
	if cfg.Overheads == (GasOverheads{}) {
		cfg.Overheads = DefaultGasOverheads()
	}
	return &Manager{
		client:  client,
		senders: senders,
		stakes:  stakes,
		cfg:     cfg,
		logger:  logger,
	}
}

// ValidateUserOp runs the full admission validation: static checks,
// traced simulation, opcode/storage rules, code-hash capture. When
// previousCodeHashes is non-nil any drift fails the op. checkStakes is
// false on the second pass inside bundle assembly.
func (m *Manager) ValidateUserOp(ctx context.Context, op *model.UserOperation, previousCodeHashes model.CodeHashes, checkStakes bool) (*model.ValidationResult, error) {
	if err := m.staticCheck(op); err != nil {
		return nil, err
	}

	if m.cfg.Unsafe {
		return m.validateUnsafe(ctx, op)
	}

	trace, err := m.traceSimulateValidation(ctx, op)
	if err != nil {
		return nil, err
	}

	revertData, err := lastRevertData(trace)
	if err != nil {
		return nil, err
	}

	result, err := m.decodeValidationRevert(op, revertData)
	if err != nil {
		return nil, err
	}

	if err := m.checkOpcodesAndStorage(op, trace, result, checkStakes); err != nil {
		return nil, err
	}

	codeHashes, err := m.captureCodeHashes(ctx, trace)
	if err != nil {
		return nil, err
	}
	if previousCodeHashes != nil {
		for addr, prev := range previousCodeHashes {
			if current, ok := codeHashes[addr]; !ok || current != prev {
				return nil, model.NewRPCError(model.CodeSimulateValidation,
					fmt.Sprintf("code of %s changed between validations", addr.Hex()), nil)
			}
		}
	}
	result.ReferencedContracts = codeHashes
	result.StorageMap = storageMapFromTrace(trace)

	if err := m.postSimulationChecks(op, result); err != nil {
		return nil, err
	}
	return result, nil
}

// validateUnsafe simulates without tracing: no opcode/storage rules, no
// code hashes.
func (m *Manager) validateUnsafe(ctx context.Context, op *model.UserOperation) (*model.ValidationResult, error) {
	revertData, err := m.callSimulateValidation(ctx, op)
	if err != nil {
		return nil, err
	}
	result, err := m.decodeValidationRevert(op, revertData)
	if err != nil {
		return nil, err
	}
	result.ReferencedContracts = model.CodeHashes{}
	result.StorageMap = model.StorageMap{}

	if err := m.postSimulationChecks(op, result); err != nil {
		return nil, err
	}
	return result, nil
}

// SimulateForEstimate runs a read-only simulateValidation and returns
// the raw return info, with no opcode rules and no signature or expiry
// judgement. The gas-estimation RPC reuses it.
func (m *Manager) SimulateForEstimate(ctx context.Context, op *model.UserOperation) (*model.ReturnInfo, error) {
	revertData, err := m.callSimulateValidation(ctx, op)
	if err != nil {
		return nil, err
	}
	result, err := m.decodeValidationRevert(op, revertData)
	if err != nil {
		return nil, err
	}
	return result.ReturnInfo, nil
}

// Overheads exposes the calldata pricing used for preVerificationGas.
func (m *Manager) Overheads() GasOverheads {
	return m.cfg.Overheads
}

func (m *Manager) staticCheck(op *model.UserOperation) error {
	if op.VerificationGasLimit.Cmp(m.cfg.MaxVerificationGas) > 0 {
		return model.NewRPCError(model.CodeInvalidFields,
			fmt.Sprintf("verificationGasLimit %s is above the limit %s", op.VerificationGasLimit, m.cfg.MaxVerificationGas), nil)
	}
	if op.MaxFeePerGas.Cmp(op.MaxPriorityFeePerGas) < 0 {
		return model.NewRPCError(model.CodeInvalidFields, "maxFeePerGas is below maxPriorityFeePerGas", nil)
	}
	if minPreVer := CalcPreVerificationGas(op, m.cfg.Overheads); op.PreVerificationGas.Cmp(minPreVer) < 0 {
		return model.NewRPCError(model.CodeInvalidFields,
			fmt.Sprintf("preVerificationGas %s is below the calculated minimum %s", op.PreVerificationGas, minPreVer), nil)
	}
	if len(op.InitCode) > 0 && len(op.InitCode) < common.AddressLength {
		return model.NewRPCError(model.CodeInvalidFields, "initCode is shorter than a factory address", nil)
	}
	if len(op.PaymasterAndData) > 0 && len(op.PaymasterAndData) < common.AddressLength {
		return model.NewRPCError(model.CodeInvalidFields, "paymasterAndData is shorter than a paymaster address", nil)
	}
	return nil
}

func (m *Manager) postSimulationChecks(op *model.UserOperation, result *model.ValidationResult) error {
	info := result.ReturnInfo
	if info.SigFailed && len(op.InitCode) == 0 {
		return model.NewRPCError(model.CodeInvalidSignature, "userOp signature check failed", nil)
	}

	if info.ValidUntil != 0 {
		deadline := time.Now().Add(30 * time.Second).Unix()
		if int64(info.ValidUntil) < deadline {
			return model.NewRPCError(model.CodeExpiresShortly,
				fmt.Sprintf("userOp expires too soon (validUntil=%d)", info.ValidUntil), nil)
		}
	}

	if result.AggregatorInfo != nil {
		supported := false
		for _, agg := range m.cfg.SupportedAggregators {
			if agg == result.AggregatorInfo.Addr {
				supported = true
				break
			}
		}
		if !supported {
			return model.NewRPCError(model.CodeUnsupportedSignatureAggregator,
				fmt.Sprintf("aggregator %s is not supported", result.AggregatorInfo.Addr.Hex()), nil)
		}
	}
	return nil
}

// traceSimulateValidation drives debug_traceCall with the collector
// tracer and returns its structured output.
func (m *Manager) traceSimulateValidation(ctx context.Context, op *model.UserOperation) (*TracerResult, error) {
	calldata, err := aa.PackSimulateValidation(op)
	if err != nil {
		return nil, err
	}

	gas := new(big.Int).Add(op.VerificationGasLimit, big.NewInt(1_000_000))
	callArgs := map[string]interface{}{
		"from": common.Address{},
		"to":   m.cfg.EntryPoint,
		"data": hexutil.Bytes(calldata),
		"gas":  hexutil.EncodeBig(gas),
	}
	traceOpts := map[string]interface{}{
		"tracer": m.cfg.TracerSource,
	}

	result := &TracerResult{}
	if err := m.client.CallContext(ctx, result, "debug_traceCall", callArgs, "latest", traceOpts); err != nil {
		return nil, classifyUpstreamError(err)
	}
	return result, nil
}

// callSimulateValidation runs plain eth_call; the revert data rides in
// on the rpc error.
func (m *Manager) callSimulateValidation(ctx context.Context, op *model.UserOperation) ([]byte, error) {
	calldata, err := aa.PackSimulateValidation(op)
	if err != nil {
		return nil, err
	}

	callArgs := map[string]interface{}{
		"to":   m.cfg.EntryPoint,
		"data": hexutil.Bytes(calldata),
	}

	var out hexutil.Bytes
	callErr := m.client.CallContext(ctx, &out, "eth_call", callArgs, "latest")
	if callErr == nil {
		return nil, model.NewRPCError(model.CodeSimulateValidation, "simulateValidation did not revert", nil)
	}

	data, ok := revertDataFromError(callErr)
	if !ok {
		return nil, classifyUpstreamError(callErr)
	}
	return data, nil
}

// lastRevertData extracts the EntryPoint's revert payload from the call
// frames the tracer recorded.
func lastRevertData(trace *TracerResult) ([]byte, error) {
	if len(trace.Calls) == 0 {
		return nil, model.NewRPCError(model.CodeSimulateValidation, "tracer returned no call frames", nil)
	}
	last := trace.Calls[len(trace.Calls)-1]
	if last.Type != "REVERT" {
		return nil, model.NewRPCError(model.CodeSimulateValidation,
			fmt.Sprintf("simulateValidation ended with %s, expected REVERT", last.Type), nil)
	}
	return last.Data, nil
}

// raw tuple shapes for abi.ConvertType
type returnInfoRaw struct {
	PreOpGas         *big.Int
	Prefund          *big.Int
	SigFailed        bool
	ValidAfter       *big.Int
	ValidUntil       *big.Int
	PaymasterContext []byte
}

type stakeInfoRaw struct {
	Stake           *big.Int
	UnstakeDelaySec *big.Int
}

type aggregatorInfoRaw struct {
	Aggregator common.Address
	StakeInfo  stakeInfoRaw
}

// decodeValidationRevert selects on the custom error selector and parses
// the ABI-encoded tuples. Anything that is not a ValidationResult is a
// validation failure.
func (m *Manager) decodeValidationRevert(op *model.UserOperation, data []byte) (*model.ValidationResult, error) {
	if failed, ok := aa.DecodeFailedOp(data); ok {
		code := model.CodeSimulateValidation
		if strings.HasPrefix(failed.Reason, "AA3") {
			code = model.CodeSimulatePaymasterValidation
		}
		return nil, model.NewRPCError(code, failed.Reason, nil)
	}

	epABI := aa.ABI()
	plain := epABI.Errors["ValidationResult"]
	withAgg := epABI.Errors["ValidationResultWithAggregation"]

	var abiErr abi.Error
	var aggregated bool
	switch {
	case len(data) >= 4 && bytes.Equal(data[:4], plain.ID[:4]):
		abiErr = plain
	case len(data) >= 4 && bytes.Equal(data[:4], withAgg.ID[:4]):
		abiErr, aggregated = withAgg, true
	default:
		return nil, model.NewRPCError(model.CodeSimulateValidation,
			"unexpected revert from simulateValidation: "+hexutil.Encode(data), nil)
	}

	values, err := abiErr.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, model.NewRPCError(model.CodeSimulateValidation, "cannot decode ValidationResult: "+err.Error(), nil)
	}

	ret := *abi.ConvertType(values[0], new(returnInfoRaw)).(*returnInfoRaw)
	senderInfo := *abi.ConvertType(values[1], new(stakeInfoRaw)).(*stakeInfoRaw)
	factoryInfo := *abi.ConvertType(values[2], new(stakeInfoRaw)).(*stakeInfoRaw)
	paymasterInfo := *abi.ConvertType(values[3], new(stakeInfoRaw)).(*stakeInfoRaw)

	result := &model.ValidationResult{
		ReturnInfo: &model.ReturnInfo{
			PreOpGas:   ret.PreOpGas,
			Prefund:    ret.Prefund,
			SigFailed:  ret.SigFailed,
			ValidAfter: ret.ValidAfter.Uint64(),
			ValidUntil: ret.ValidUntil.Uint64(),
		},
		SenderInfo: &model.StakeInfo{Addr: op.Sender, Stake: senderInfo.Stake, UnstakeDelaySec: senderInfo.UnstakeDelaySec},
	}
	if factory := op.GetFactory(); factory != nil {
		result.FactoryInfo = &model.StakeInfo{Addr: *factory, Stake: factoryInfo.Stake, UnstakeDelaySec: factoryInfo.UnstakeDelaySec}
	}
	if paymaster := op.GetPaymaster(); paymaster != nil {
		result.PaymasterInfo = &model.StakeInfo{Addr: *paymaster, Stake: paymasterInfo.Stake, UnstakeDelaySec: paymasterInfo.UnstakeDelaySec}
	}
	if aggregated && len(values) > 4 {
		agg := *abi.ConvertType(values[4], new(aggregatorInfoRaw)).(*aggregatorInfoRaw)
		result.AggregatorInfo = &model.StakeInfo{
			Addr:            agg.Aggregator,
			Stake:           agg.StakeInfo.Stake,
			UnstakeDelaySec: agg.StakeInfo.UnstakeDelaySec,
		}
	}
	return result, nil
}

// checkOpcodesAndStorage enforces the ERC-7562 rules on the trace: no
// banned opcodes, CREATE2 only in the factory phase and only once, and
// outside the sender's own storage only staked entities may be touched.
func (m *Manager) checkOpcodesAndStorage(op *model.UserOperation, trace *TracerResult, result *model.ValidationResult, checkStakes bool) error {
	factory := op.GetFactory()

	for _, phase := range trace.CallsFromEntryPoint {
		target := common.HexToAddress(phase.TopLevelTargetAddress)
		entityKind := m.classifyEntity(op, result, target)

		for opcode := range phase.Opcodes {
			if bannedOpcodes[opcode] {
				return model.NewRPCError(model.CodeOpcodeValidation,
					fmt.Sprintf("%s uses banned opcode %s", entityKind, opcode), nil)
			}
		}

		if n := phase.Opcodes["CREATE2"]; n > 0 {
			if factory == nil || target != *factory || n > 1 {
				return model.NewRPCError(model.CodeOpcodeValidation,
					fmt.Sprintf("%s uses CREATE2 outside a single factory deployment", entityKind), nil)
			}
		}

		for addr := range phase.Access {
			if addr == op.Sender || addr == m.cfg.EntryPoint {
				continue
			}
			if m.senders.HasSender(addr) {
				return model.NewRPCError(model.CodeOpcodeValidation,
					fmt.Sprintf("%s accesses storage of %s, the sender of another pending op", entityKind, addr.Hex()), nil)
			}

			accessed := m.stakeInfoForAddress(op, result, addr)
			if accessed == nil {
				return model.NewRPCError(model.CodeOpcodeValidation,
					fmt.Sprintf("%s accesses storage of unrelated contract %s", entityKind, addr.Hex()), nil)
			}
			if checkStakes {
				kind := entityKind
				if accessed.Addr != target {
					kind = "accessed entity"
				}
				if err := m.stakes.CheckStake(kind, accessed); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (m *Manager) classifyEntity(op *model.UserOperation, result *model.ValidationResult, target common.Address) string {
	if factory := op.GetFactory(); factory != nil && target == *factory {
		return "factory"
	}
	if paymaster := op.GetPaymaster(); paymaster != nil && target == *paymaster {
		return "paymaster"
	}
	if result.AggregatorInfo != nil && target == result.AggregatorInfo.Addr {
		return "aggregator"
	}
	return "account"
}

func (m *Manager) stakeInfoForAddress(op *model.UserOperation, result *model.ValidationResult, addr common.Address) *model.StakeInfo {
	if factory := op.GetFactory(); factory != nil && *factory == addr {
		return result.FactoryInfo
	}
	if paymaster := op.GetPaymaster(); paymaster != nil && *paymaster == addr {
		return result.PaymasterInfo
	}
	if result.AggregatorInfo != nil && result.AggregatorInfo.Addr == addr {
		return result.AggregatorInfo
	}
	return nil
}

// captureCodeHashes records keccak(code) for every externally-accessed
// contract the tracer saw.
func (m *Manager) captureCodeHashes(ctx context.Context, trace *TracerResult) (model.CodeHashes, error) {
	hashes := model.CodeHashes{}
	for _, phase := range trace.CallsFromEntryPoint {
		for addr := range phase.ContractSize {
			if _, ok := hashes[addr]; ok {
				continue
			}
			var code hexutil.Bytes
			if err := m.client.CallContext(ctx, &code, "eth_getCode", addr, "latest"); err != nil {
				return nil, classifyUpstreamError(err)
			}
			hashes[addr] = crypto.Keccak256Hash(code)
		}
	}
	return hashes, nil
}

func storageMapFromTrace(trace *TracerResult) model.StorageMap {
	out := model.StorageMap{}
	for _, phase := range trace.CallsFromEntryPoint {
		partial := model.StorageMap{}
		for addr, access := range phase.Access {
			if len(access.Reads) == 0 {
				continue
			}
			slots := make(map[common.Hash]common.Hash, len(access.Reads))
			for slot, value := range access.Reads {
				slots[common.HexToHash(slot)] = common.HexToHash(value)
			}
			partial[addr] = &model.AccountStorage{Slots: slots}
		}
		out.Merge(partial)
	}
	return out
}

// revertDataFromError digs the revert payload out of an upstream rpc
// error.
func revertDataFromError(err error) ([]byte, bool) {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return nil, false
	}
	hexData, ok := de.ErrorData().(string)
	if !ok {
		return nil, false
	}
	data, decodeErr := hexutil.Decode(hexData)
	if decodeErr != nil {
		return nil, false
	}
	return data, true
}

// classifyUpstreamError maps node errors: method-not-found is fatal by
// policy (an operator misconfigured the node), the rest are transient.
func classifyUpstreamError(err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == model.CodeMethodNotFound {
		return model.NewRPCError(model.CodeMethodNotFound, "upstream node: "+err.Error(), nil)
	}
	return err
}
