package bundle

import (
	"context"
	"errors"
	"strings"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/samber/lo"

	"github.com/vechain/4337-bundler/core/chainio/aa"
	"github.com/vechain/4337-bundler/core/mempool"
	"github.com/vechain/4337-bundler/model"
)

// sendBundle signs and submits the handleOps transaction, then reacts
// to the outcome: success returns hashes, a decoded FailedOp punishes
// the offending entity, anything else abandons the cycle untouched.
func (m *Manager) sendBundle(ctx context.Context, log sdklogging.Logger, entries []*mempool.Entry, beneficiary common.Address, storageMap model.StorageMap) (*SendBundleResult, error) {
	ops := lo.Map(entries, func(e *mempool.Entry, _ int) *model.UserOperation {
		return e.UserOp
	})

	calldata, err := aa.PackHandleOps(ops, beneficiary)
	if err != nil {
		return nil, err
	}

	feeData, err := m.fees.GetFeeData(ctx)
	if err != nil {
		log.Warn("cannot fetch fee data, cycle abandoned", "error", err)
		return nil, err
	}

	nonce, err := m.chain.PendingNonceAt(ctx, m.signerAddr)
	if err != nil {
		log.Warn("cannot fetch signer nonce, cycle abandoned", "error", err)
		return nil, err
	}

	entryPoint := m.cfg.EntryPoint
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   m.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: feeData.MaxPriorityFeePerGas,
		GasFeeCap: feeData.MaxFeePerGas,
		Gas:       m.cfg.GasLimit,
		To:        &entryPoint,
		Data:      calldata,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(m.cfg.ChainID), m.signerKey)
	if err != nil {
		return nil, err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, err
	}

	var txHash common.Hash
	if m.cfg.ConditionalRpc {
		err = m.raw.CallContext(ctx, &txHash, "eth_sendRawTransactionConditional",
			hexutil.Encode(raw), map[string]interface{}{"knownAccounts": storageMap})
	} else {
		err = m.raw.CallContext(ctx, &txHash, "eth_sendRawTransaction", hexutil.Encode(raw))
	}
	if err != nil {
		return nil, m.handleSendError(log, entries, err)
	}

	for _, entry := range entries {
		m.mempool.RemoveUserOp(entry.UserOp)
	}

	hashes := lo.Map(entries, func(e *mempool.Entry, _ int) common.Hash {
		return e.UserOpHash
	})
	log.Info("bundle submitted", "tx", txHash.Hex(), "ops", len(hashes))

	return &SendBundleResult{TransactionHash: txHash, UserOpHashes: hashes}, nil
}

// handleSendError decodes a FailedOp revert and adjusts reputation or
// the mempool; an AA1/AA2/AA3 prefix names the guilty entity per
// ERC-4337. Method-not-found from a declared-supported RPC is fatal.
func (m *Manager) handleSendError(log sdklogging.Logger, entries []*mempool.Entry, sendErr error) error {
	var rpcErr rpc.Error
	if errors.As(sendErr, &rpcErr) && rpcErr.ErrorCode() == model.CodeMethodNotFound {
		return model.NewRPCError(model.CodeMethodNotFound,
			"upstream node does not support the configured submission method: "+sendErr.Error(), nil)
	}

	data, ok := revertDataFromError(sendErr)
	if !ok {
		log.Warn("bundle submission failed, cycle abandoned", "error", sendErr)
		return nil
	}
	failedOp, ok := aa.DecodeFailedOp(data)
	if !ok {
		log.Warn("bundle reverted without FailedOp data, cycle abandoned", "error", sendErr)
		return nil
	}

	index := int(failedOp.OpIndex.Int64())
	if index < 0 || index >= len(entries) {
		log.Warn("FailedOp index out of range", "index", index, "reason", failedOp.Reason)
		return nil
	}
	offender := entries[index]

	log.Warn("handleOps reverted",
		"index", index,
		"reason", failedOp.Reason,
		"hash", offender.UserOpHash.Hex())

	switch {
	case strings.HasPrefix(failedOp.Reason, "AA3"):
		m.reputation.CrashedHandleOps(offender.UserOp.GetPaymaster())
	case strings.HasPrefix(failedOp.Reason, "AA2"):
		sender := offender.UserOp.Sender
		m.reputation.CrashedHandleOps(&sender)
	case strings.HasPrefix(failedOp.Reason, "AA1"):
		m.reputation.CrashedHandleOps(offender.UserOp.GetFactory())
	default:
		m.mempool.RemoveUserOp(offender.UserOp)
	}
	return nil
}

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
