package model

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

// UserOperationArgs is the wire shape of a UserOperation as submitted
// over JSON-RPC: every field a hex string. The RPC face decodes the
// untyped params into this struct, validates it, and only then converts
// to the typed UserOperation.
type UserOperationArgs struct {
	Sender               string `json:"sender"               mapstructure:"sender"               validate:"required,eth_addr"`
	Nonce                string `json:"nonce"                mapstructure:"nonce"                validate:"required,startswith=0x"`
	InitCode             string `json:"initCode"             mapstructure:"initCode"             validate:"required,startswith=0x"`
	CallData             string `json:"callData"             mapstructure:"callData"             validate:"required,startswith=0x"`
	CallGasLimit         string `json:"callGasLimit"         mapstructure:"callGasLimit"         validate:"required,startswith=0x"`
	VerificationGasLimit string `json:"verificationGasLimit" mapstructure:"verificationGasLimit" validate:"required,startswith=0x"`
	PreVerificationGas   string `json:"preVerificationGas"   mapstructure:"preVerificationGas"   validate:"required,startswith=0x"`
	MaxFeePerGas         string `json:"maxFeePerGas"         mapstructure:"maxFeePerGas"         validate:"required,startswith=0x"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas" mapstructure:"maxPriorityFeePerGas" validate:"required,startswith=0x"`
	PaymasterAndData     string `json:"paymasterAndData"     mapstructure:"paymasterAndData"     validate:"required,startswith=0x"`
	Signature            string `json:"signature"            mapstructure:"signature"            validate:"required,startswith=0x"`
}

var argsValidator = validator.New()

// UserOperationFromMap decodes the untyped JSON-RPC params object into a
// typed UserOperation. Shape errors come back as InvalidFields.
func UserOperationFromMap(params map[string]interface{}) (*UserOperation, error) {
	args := &UserOperationArgs{}
	if err := mapstructure.Decode(params, args); err != nil {
		return nil, NewRPCError(CodeInvalidFields, "invalid userOp shape: "+err.Error(), nil)
	}

	return args.ToUserOperation()
}

// ToUserOperation validates the hex fields and converts them.
func (a *UserOperationArgs) ToUserOperation() (*UserOperation, error) {
	if err := argsValidator.Struct(a); err != nil {
		return nil, NewRPCError(CodeInvalidFields, "invalid userOp: "+err.Error(), nil)
	}

	op := &UserOperation{Sender: common.HexToAddress(a.Sender)}

	var err error
	parseBig := func(name, v string) *big.Int {
		if err != nil {
			return nil
		}
		n, e := decodeQuantity(v)
		if e != nil {
			err = NewRPCError(CodeInvalidFields, "invalid userOp field "+name+": "+e.Error(), nil)
		}
		return n
	}
	parseBytes := func(name, v string) []byte {
		if err != nil {
			return nil
		}
		b, e := hexutil.Decode(v)
		if e != nil {
			err = NewRPCError(CodeInvalidFields, "invalid userOp field "+name+": "+e.Error(), nil)
		}
		return b
	}

	op.Nonce = parseBig("nonce", a.Nonce)
	op.InitCode = parseBytes("initCode", a.InitCode)
	op.CallData = parseBytes("callData", a.CallData)
	op.CallGasLimit = parseBig("callGasLimit", a.CallGasLimit)
	op.VerificationGasLimit = parseBig("verificationGasLimit", a.VerificationGasLimit)
	op.PreVerificationGas = parseBig("preVerificationGas", a.PreVerificationGas)
	op.MaxFeePerGas = parseBig("maxFeePerGas", a.MaxFeePerGas)
	op.MaxPriorityFeePerGas = parseBig("maxPriorityFeePerGas", a.MaxPriorityFeePerGas)
	op.PaymasterAndData = parseBytes("paymasterAndData", a.PaymasterAndData)
	op.Signature = parseBytes("signature", a.Signature)
	if err != nil {
		return nil, err
	}

	return op, nil
}

// decodeQuantity accepts both canonical quantities ("0x1") and padded
// ones ("0x01") since wallets disagree on the encoding.
func decodeQuantity(v string) (*big.Int, error) {
	if v == "0x" || v == "0x0" {
		return big.NewInt(0), nil
	}
	if n, err := hexutil.DecodeBig(v); err == nil {
		return n, nil
	}

	trimmed := strings.TrimPrefix(v, "0x")
	n, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return nil, hexutil.ErrSyntax
	}
	return n, nil
}
