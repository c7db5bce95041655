package model

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// UserOperation is the ERC-4337 v0.6 pseudo transaction. Its mempool
// identity is the (sender, nonce) pair.
type UserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *big.Int       `json:"nonce"`
	InitCode             []byte         `json:"initCode"`
	CallData             []byte         `json:"callData"`
	CallGasLimit         *big.Int       `json:"callGasLimit"`
	VerificationGasLimit *big.Int       `json:"verificationGasLimit"`
	PreVerificationGas   *big.Int       `json:"preVerificationGas"`
	MaxFeePerGas         *big.Int       `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *big.Int       `json:"maxPriorityFeePerGas"`
	PaymasterAndData     []byte         `json:"paymasterAndData"`
	Signature            []byte         `json:"signature"`
}

// GetFactory returns the factory address from the first 20 bytes of
// initCode, or nil when the account is already deployed.
func (op *UserOperation) GetFactory() *common.Address {
	if len(op.InitCode) < common.AddressLength {
		return nil
	}
	addr := common.BytesToAddress(op.InitCode[:common.AddressLength])
	return &addr
}

// GetPaymaster returns the paymaster address from the first 20 bytes of
// paymasterAndData, or nil when the op is self-funded.
func (op *UserOperation) GetPaymaster() *common.Address {
	if len(op.PaymasterAndData) < common.AddressLength {
		return nil
	}
	addr := common.BytesToAddress(op.PaymasterAndData[:common.AddressLength])
	return &addr
}

// Key is the mempool identity of the op. Addresses compare
// case-insensitively because common.Address is canonical bytes.
func (op *UserOperation) Key() string {
	return fmt.Sprintf("%s:%s", op.Sender.Hex(), op.Nonce.String())
}

var (
	addressT, _ = abi.NewType("address", "", nil)
	uint256T, _ = abi.NewType("uint256", "", nil)
	bytes32T, _ = abi.NewType("bytes32", "", nil)

	packedOpArgs = abi.Arguments{
		{Type: addressT}, // sender
		{Type: uint256T}, // nonce
		{Type: bytes32T}, // keccak(initCode)
		{Type: bytes32T}, // keccak(callData)
		{Type: uint256T}, // callGasLimit
		{Type: uint256T}, // verificationGasLimit
		{Type: uint256T}, // preVerificationGas
		{Type: uint256T}, // maxFeePerGas
		{Type: uint256T}, // maxPriorityFeePerGas
		{Type: bytes32T}, // keccak(paymasterAndData)
	}

	hashArgs = abi.Arguments{
		{Type: bytes32T},
		{Type: addressT},
		{Type: uint256T},
	}
)

// GetUserOpHash computes the same digest the EntryPoint computes:
// keccak(abi.encode(packedOp, entryPoint, chainID)).
func (op *UserOperation) GetUserOpHash(entryPoint common.Address, chainID *big.Int) common.Hash {
	packed, err := packedOpArgs.Pack(
		op.Sender,
		op.Nonce,
		crypto.Keccak256Hash(op.InitCode),
		crypto.Keccak256Hash(op.CallData),
		op.CallGasLimit,
		op.VerificationGasLimit,
		op.PreVerificationGas,
		op.MaxFeePerGas,
		op.MaxPriorityFeePerGas,
		crypto.Keccak256Hash(op.PaymasterAndData),
	)
	if err != nil {
		panic(fmt.Errorf("pack userop: %w", err))
	}

	enc, err := hashArgs.Pack(crypto.Keccak256Hash(packed), entryPoint, chainID)
	if err != nil {
		panic(fmt.Errorf("pack userop hash: %w", err))
	}

	return crypto.Keccak256Hash(enc)
}

// MarshalJSON returns a JSON encoding of the UserOperation.
func (op *UserOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		Sender               string `json:"sender"`
		Nonce                string `json:"nonce"`
		InitCode             string `json:"initCode"`
		CallData             string `json:"callData"`
		CallGasLimit         string `json:"callGasLimit"`
		VerificationGasLimit string `json:"verificationGasLimit"`
		PreVerificationGas   string `json:"preVerificationGas"`
		MaxFeePerGas         string `json:"maxFeePerGas"`
		MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`
		PaymasterAndData     string `json:"paymasterAndData"`
		Signature            string `json:"signature"`
	}{
		Sender:               op.Sender.Hex(),
		Nonce:                hexutil.EncodeBig(op.Nonce),
		InitCode:             hexutil.Encode(op.InitCode),
		CallData:             hexutil.Encode(op.CallData),
		CallGasLimit:         hexutil.EncodeBig(op.CallGasLimit),
		VerificationGasLimit: hexutil.EncodeBig(op.VerificationGasLimit),
		PreVerificationGas:   hexutil.EncodeBig(op.PreVerificationGas),
		MaxFeePerGas:         hexutil.EncodeBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: hexutil.EncodeBig(op.MaxPriorityFeePerGas),
		PaymasterAndData:     hexutil.Encode(op.PaymasterAndData),
		Signature:            hexutil.Encode(op.Signature),
	})
}

// UnmarshalJSON parses a JSON encoding of the UserOperation.
func (op *UserOperation) UnmarshalJSON(input []byte) error {
	aux := &UserOperationArgs{}
	if err := json.Unmarshal(input, aux); err != nil {
		return err
	}

	parsed, err := aux.ToUserOperation()
	if err != nil {
		return err
	}

	*op = *parsed
	return nil
}

// Copy returns a deep copy of the op. Unset numeric fields stay unset.
func (op *UserOperation) Copy() *UserOperation {
	copyBig := func(x *big.Int) *big.Int {
		if x == nil {
			return nil
		}
		return new(big.Int).Set(x)
	}
	return &UserOperation{
		Sender:               op.Sender,
		Nonce:                copyBig(op.Nonce),
		InitCode:             append([]byte(nil), op.InitCode...),
		CallData:             append([]byte(nil), op.CallData...),
		CallGasLimit:         copyBig(op.CallGasLimit),
		VerificationGasLimit: copyBig(op.VerificationGasLimit),
		PreVerificationGas:   copyBig(op.PreVerificationGas),
		MaxFeePerGas:         copyBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: copyBig(op.MaxPriorityFeePerGas),
		PaymasterAndData:     append([]byte(nil), op.PaymasterAndData...),
		Signature:            append([]byte(nil), op.Signature...),
	}
}
