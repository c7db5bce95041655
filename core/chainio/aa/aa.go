package aa

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/vechain/4337-bundler/model"
)

var entryPointABI *abi.ABI

// ABI returns the parsed EntryPoint ABI from the generated binding.
func ABI() *abi.ABI {
	if entryPointABI == nil {
		parsed, err := EntryPointMetaData.GetAbi()
		if err != nil {
			panic(fmt.Errorf("invalid EntryPoint ABI: %w", err))
		}
		entryPointABI = parsed
	}
	return entryPointABI
}

// ToABIUserOp converts the wire model into the generated binding struct.
func ToABIUserOp(op *model.UserOperation) UserOperation {
	return UserOperation{
		Sender:               op.Sender,
		Nonce:                op.Nonce,
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         op.CallGasLimit,
		VerificationGasLimit: op.VerificationGasLimit,
		PreVerificationGas:   op.PreVerificationGas,
		MaxFeePerGas:         op.MaxFeePerGas,
		MaxPriorityFeePerGas: op.MaxPriorityFeePerGas,
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,
	}
}

// PackHandleOps builds the handleOps(ops, beneficiary) calldata.
func PackHandleOps(ops []*model.UserOperation, beneficiary common.Address) ([]byte, error) {
	abiOps := make([]UserOperation, 0, len(ops))
	for _, op := range ops {
		abiOps = append(abiOps, ToABIUserOp(op))
	}
	return ABI().Pack("handleOps", abiOps, beneficiary)
}

// PackSimulateValidation builds the simulateValidation(op) calldata.
func PackSimulateValidation(op *model.UserOperation) ([]byte, error) {
	return ABI().Pack("simulateValidation", ToABIUserOp(op))
}

// FailedOp is the decoded FailedOp(opIndex, reason) custom error the
// EntryPoint reverts with when one op of a bundle is unusable.
type FailedOp struct {
	OpIndex *big.Int
	Reason  string
}

// DecodeFailedOp parses revert data into a FailedOp, or returns false
// when the data is some other revert.
func DecodeFailedOp(data []byte) (*FailedOp, bool) {
	if len(data) < 4 {
		return nil, false
	}
	abiErr, ok := ABI().Errors["FailedOp"]
	if !ok || !bytes.Equal(abiErr.ID[:4], data[:4]) {
		return nil, false
	}

	values, err := abiErr.Inputs.Unpack(data[4:])
	if err != nil || len(values) != 2 {
		return nil, false
	}
	opIndex, ok1 := values[0].(*big.Int)
	reason, ok2 := values[1].(string)
	if !ok1 || !ok2 {
		return nil, false
	}
	return &FailedOp{OpIndex: opIndex, Reason: reason}, true
}
