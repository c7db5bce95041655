package model

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validOpParams() map[string]interface{} {
	return map[string]interface{}{
		"sender":               "0x4CB0AE959153b2f73C8Ba64a9A74fD5eA7209E18",
		"nonce":                "0x0",
		"initCode":             "0x",
		"callData":             "0xb61d27f6",
		"callGasLimit":         "0x55f0",
		"verificationGasLimit": "0x15f90",
		"preVerificationGas":   "0xb4f4",
		"maxFeePerGas":         "0x3b9aca00",
		"maxPriorityFeePerGas": "0x3b9aca00",
		"paymasterAndData":     "0x",
		"signature":            "0x01",
	}
}

func TestUserOperationFromMap(t *testing.T) {
	t.Run("valid params decode into typed op", func(t *testing.T) {
		op, err := UserOperationFromMap(validOpParams())
		require.NoError(t, err)

		assert.Equal(t, common.HexToAddress("0x4CB0AE959153b2f73C8Ba64a9A74fD5eA7209E18"), op.Sender)
		assert.Equal(t, int64(0), op.Nonce.Int64())
		assert.Equal(t, int64(0x55f0), op.CallGasLimit.Int64())
		assert.Empty(t, op.InitCode)
	})

	t.Run("missing field is an invalid-params error", func(t *testing.T) {
		params := validOpParams()
		delete(params, "signature")

		_, err := UserOperationFromMap(params)
		require.Error(t, err)

		rpcErr, ok := err.(*RPCError)
		require.True(t, ok)
		assert.Equal(t, CodeInvalidFields, rpcErr.ErrorCode())
	})

	t.Run("malformed hex is an invalid-params error", func(t *testing.T) {
		params := validOpParams()
		params["callData"] = "0xzz"

		_, err := UserOperationFromMap(params)
		require.Error(t, err)

		rpcErr, ok := err.(*RPCError)
		require.True(t, ok)
		assert.Equal(t, CodeInvalidFields, rpcErr.ErrorCode())
	})

	t.Run("padded quantities are accepted", func(t *testing.T) {
		params := validOpParams()
		params["nonce"] = "0x05"

		op, err := UserOperationFromMap(params)
		require.NoError(t, err)
		assert.Equal(t, int64(5), op.Nonce.Int64())
	})
}

func TestGetFactoryAndPaymaster(t *testing.T) {
	op, err := UserOperationFromMap(validOpParams())
	require.NoError(t, err)

	assert.Nil(t, op.GetFactory())
	assert.Nil(t, op.GetPaymaster())

	factory := common.HexToAddress("0x29adA1b5217242DEaBB142BC3b1bCfFdd56008e7")
	op.InitCode = append(factory.Bytes(), 0x01, 0x02)
	require.NotNil(t, op.GetFactory())
	assert.Equal(t, factory, *op.GetFactory())

	paymaster := common.HexToAddress("0x0000000000325602a77416A16136FDafd04b299f")
	op.PaymasterAndData = paymaster.Bytes()
	require.NotNil(t, op.GetPaymaster())
	assert.Equal(t, paymaster, *op.GetPaymaster())
}

func TestGetUserOpHash(t *testing.T) {
	op, err := UserOperationFromMap(validOpParams())
	require.NoError(t, err)

	entryPoint := common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	chainID := big.NewInt(11155111)

	h1 := op.GetUserOpHash(entryPoint, chainID)
	h2 := op.GetUserOpHash(entryPoint, chainID)
	assert.Equal(t, h1, h2, "hash must be deterministic")

	// the signature is not part of the digest
	withOtherSig := op.Copy()
	withOtherSig.Signature = []byte{0xde, 0xad}
	assert.Equal(t, h1, withOtherSig.GetUserOpHash(entryPoint, chainID))

	// any packed field changes the digest
	bumped := op.Copy()
	bumped.Nonce = big.NewInt(1)
	assert.NotEqual(t, h1, bumped.GetUserOpHash(entryPoint, chainID))

	// a different chain yields a different digest
	assert.NotEqual(t, h1, op.GetUserOpHash(entryPoint, big.NewInt(1)))
}

func TestUserOperationJSONRoundTrip(t *testing.T) {
	op, err := UserOperationFromMap(validOpParams())
	require.NoError(t, err)

	raw, err := json.Marshal(op)
	require.NoError(t, err)

	decoded := &UserOperation{}
	require.NoError(t, json.Unmarshal(raw, decoded))

	assert.Equal(t, op.Sender, decoded.Sender)
	assert.Zero(t, op.Nonce.Cmp(decoded.Nonce))
	assert.Equal(t, op.CallData, decoded.CallData)
	assert.Zero(t, op.MaxPriorityFeePerGas.Cmp(decoded.MaxPriorityFeePerGas))
}
