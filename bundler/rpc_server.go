package bundler

import (
	"context"
	"encoding/json"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/vechain/4337-bundler/core/chainio/aa"
	"github.com/vechain/4337-bundler/core/validation"
	"github.com/vechain/4337-bundler/model"
)

// newRpcServer assembles the JSON-RPC server mounted at /rpc: the eth
// namespace for clients, the debug_bundler namespace for operators.
func (b *Bundler) newRpcServer() (*rpc.Server, error) {
	server := rpc.NewServer()

	if err := server.RegisterName("eth", &EthAPI{b: b}); err != nil {
		return nil, err
	}
	if b.config.DebugRpc {
		if err := server.RegisterName("debug_bundler", &DebugAPI{b: b}); err != nil {
			return nil, err
		}
	}
	return server, nil
}

// EthAPI is the client-facing ERC-4337 RPC namespace.
type EthAPI struct {
	b *Bundler
}

func (api *EthAPI) ChainId() *hexutil.Big {
	return (*hexutil.Big)(api.b.chainID)
}

func (api *EthAPI) SupportedEntryPoints() []string {
	return []string{api.b.config.EntrypointAddress.Hex()}
}

// SendUserOperation validates and admits a UserOperation, returning its
// EntryPoint hash.
func (api *EthAPI) SendUserOperation(ctx context.Context, userOp map[string]interface{}, entryPoint string) (string, error) {
	op, err := model.UserOperationFromMap(userOp)
	if err != nil {
		return "", err
	}

	hash, err := api.b.execution.SendUserOperation(ctx, op, common.HexToAddress(entryPoint))
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

// EstimateUserOperationGas simulates the op with zeroed fee fields and a
// large verification gas placeholder, then estimates the execution leg
// with a plain eth_estimateGas from the EntryPoint.
func (api *EthAPI) EstimateUserOperationGas(ctx context.Context, userOp map[string]interface{}, entryPoint string) (map[string]interface{}, error) {
	op, err := model.UserOperationFromMap(userOp)
	if err != nil {
		return nil, err
	}
	if common.HexToAddress(entryPoint) != api.b.config.EntrypointAddress {
		return nil, model.NewRPCError(model.CodeInvalidFields, "entryPoint "+entryPoint+" is not supported", nil)
	}

	cacheKey := estimateCacheKey(op)
	if raw, err := api.b.cache.Get(cacheKey); err == nil {
		cached := map[string]interface{}{}
		if json.Unmarshal(raw, &cached) == nil {
			return cached, nil
		}
	}

	probe := op.Copy()
	probe.MaxFeePerGas = big.NewInt(0)
	probe.MaxPriorityFeePerGas = big.NewInt(0)
	probe.CallGasLimit = big.NewInt(0)
	probe.VerificationGasLimit = big.NewInt(10_000_000)

	returnInfo, err := api.b.validator.SimulateForEstimate(ctx, probe)
	if err != nil {
		return nil, err
	}

	callGasLimit, err := api.b.ethRpcClient.EstimateGas(ctx, ethereum.CallMsg{
		From: api.b.config.EntrypointAddress,
		To:   &op.Sender,
		Data: op.CallData,
	})
	if err != nil {
		return nil, model.NewRPCError(model.CodeUserOperationReverted, "execution reverted while estimating callGasLimit: "+err.Error(), nil)
	}

	resp := map[string]interface{}{
		"preVerificationGas":   validation.CalcPreVerificationGas(op, api.b.validator.Overheads()),
		"verificationGasLimit": returnInfo.PreOpGas,
		"callGasLimit":         callGasLimit,
	}
	// a zero bound means "unbounded" and is reported as absent
	if returnInfo.ValidAfter != 0 {
		resp["validAfter"] = returnInfo.ValidAfter
	}
	if returnInfo.ValidUntil != 0 {
		resp["validUntil"] = returnInfo.ValidUntil
	}

	out := model.DeepHexlify(resp).(map[string]interface{})
	if raw, err := json.Marshal(out); err == nil {
		_ = api.b.cache.Set(cacheKey, raw)
	}
	return out, nil
}

func estimateCacheKey(op *model.UserOperation) string {
	raw, err := op.MarshalJSON()
	if err != nil {
		return op.Key()
	}
	return crypto.Keccak256Hash(raw).Hex()
}

// GetUserOperationByHash resolves an archived inclusion, or null when
// the hash was never observed on-chain.
func (api *EthAPI) GetUserOperationByHash(ctx context.Context, hash string) (interface{}, error) {
	opHash, err := parseHash(hash)
	if err != nil {
		return nil, err
	}

	record, err := api.b.archive.Get(opHash)
	if err != nil || record == nil {
		return nil, err
	}

	resp := map[string]interface{}{
		"userOperation":   record.UserOp,
		"entryPoint":      api.b.config.EntrypointAddress.Hex(),
		"transactionHash": record.TransactionHash.Hex(),
		"blockHash":       record.BlockHash.Hex(),
		"blockNumber":     hexutil.EncodeUint64(record.BlockNumber),
	}
	return resp, nil
}

// GetUserOperationReceipt reconstructs the op-scoped receipt: the logs
// the op emitted plus the enclosing transaction receipt.
func (api *EthAPI) GetUserOperationReceipt(ctx context.Context, hash string) (interface{}, error) {
	opHash, err := parseHash(hash)
	if err != nil {
		return nil, err
	}

	record, err := api.b.archive.Get(opHash)
	if err != nil || record == nil {
		return nil, err
	}

	receipt, err := api.b.ethRpcClient.TransactionReceipt(ctx, record.TransactionHash)
	if err != nil {
		return nil, err
	}

	resp := map[string]interface{}{
		"userOpHash":    record.UserOpHash.Hex(),
		"sender":        record.Sender.Hex(),
		"nonce":         hexutil.EncodeBig(record.Nonce),
		"actualGasCost": hexutil.EncodeBig(record.ActualGasCost),
		"actualGasUsed": hexutil.EncodeBig(record.ActualGasUsed),
		"success":       record.Success,
		"logs":          opScopedLogs(receipt, opHash),
		"receipt":       receipt,
	}
	if record.Paymaster != (common.Address{}) {
		resp["paymaster"] = record.Paymaster.Hex()
	}
	return resp, nil
}

// opScopedLogs slices the bundle receipt's logs down to the ones this
// op emitted: everything after the previous op's UserOperationEvent up
// to and including this op's own event.
func opScopedLogs(receipt *types.Receipt, opHash common.Hash) []*types.Log {
	eventID := aa.ABI().Events["UserOperationEvent"].ID

	start := 0
	for i, log := range receipt.Logs {
		if len(log.Topics) < 2 || log.Topics[0] != eventID {
			continue
		}
		if log.Topics[1] == opHash {
			return receipt.Logs[start : i+1]
		}
		start = i + 1
	}
	return nil
}

func parseHash(hash string) (common.Hash, error) {
	raw, err := hexutil.Decode(hash)
	if err != nil || len(raw) != common.HashLength {
		return common.Hash{}, model.NewRPCError(model.CodeInvalidFields, "malformed userOpHash "+hash, nil)
	}
	return common.BytesToHash(raw), nil
}
