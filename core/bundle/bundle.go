package bundle

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/oklog/ulid/v2"

	"github.com/vechain/4337-bundler/core/fees"
	"github.com/vechain/4337-bundler/core/mempool"
	"github.com/vechain/4337-bundler/core/reputation"
	"github.com/vechain/4337-bundler/model"
)

// Validator re-runs simulated validation; the validation manager
// implements it.
type Validator interface {
	ValidateUserOp(ctx context.Context, op *model.UserOperation, previousCodeHashes model.CodeHashes, checkStakes bool) (*model.ValidationResult, error)
}

// reconciler replays chain events before a bundle is assembled; the
// events manager implements it.
type reconciler interface {
	HandlePastEvents(ctx context.Context) error
}

// depositReader reads paymaster balances on the EntryPoint; the
// generated EntryPointCaller implements it.
type depositReader interface {
	BalanceOf(opts *bind.CallOpts, account common.Address) (*big.Int, error)
}

// chainReader is the slice of ethclient the manager needs directly.
type chainReader interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// rawCaller submits raw transactions and reads proofs; *rpc.Client
// implements it.
type rawCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// feeSource produces the EIP-1559 fee pair; the fees oracle implements it.
type feeSource interface {
	GetFeeData(ctx context.Context) (*fees.FeeData, error)
}

// Config tunes bundle assembly and submission.
type Config struct {
	EntryPoint  common.Address
	Beneficiary common.Address
	ChainID     *big.Int

	MaxBundleGas     *big.Int
	MinSignerBalance *big.Int
	// submit via eth_sendRawTransactionConditional with the storage map
	ConditionalRpc bool
	// replace per-slot entries of deployed senders with their storage root
	MergeToAccountRootHash bool

	// hard gas budget of the handleOps transaction
	GasLimit uint64
}

// SendBundleResult is the outcome of a successfully submitted bundle.
type SendBundleResult struct {
	TransactionHash common.Hash   `json:"transactionHash"`
	UserOpHashes    []common.Hash `json:"userOpHashes"`
}

// Manager selects, re-validates and assembles bundles, and submits them
// from the bundler's EOA. SendNextBundle is serialised by a
// process-wide mutex: no two cycles ever overlap.
type Manager struct {
	mu sync.Mutex

	mempool    *mempool.Mempool
	reputation *reputation.Manager
	validator  Validator
	events     reconciler

	entryPoint depositReader
	chain      chainReader
	raw        rawCaller
	fees       feeSource

	signerKey  *ecdsa.PrivateKey
	signerAddr common.Address

	cfg    Config
	logger sdklogging.Logger
}

func NewManager(
	mp *mempool.Mempool,
	rep *reputation.Manager,
	validator Validator,
	events reconciler,
	entryPoint depositReader,
	chain chainReader,
	raw rawCaller,
	fees feeSource,
	signerKey *ecdsa.PrivateKey,
	signerAddr common.Address,
	cfg Config,
	logger sdklogging.Logger,
) *Manager {
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 10_000_000
	}
	return &Manager{
		mempool:    mp,
		reputation: rep,
		validator:  validator,
		events:     events,
		entryPoint: entryPoint,
		chain:      chain,
		raw:        raw,
		fees:       fees,
		signerKey:  signerKey,
		signerAddr: signerAddr,
		cfg:        cfg,
		logger:     logger,
	}
}

// SendNextBundle runs one full bundling cycle: reconcile, assemble,
// submit. A cycle that fails to submit is fully abandoned.
func (m *Manager) SendNextBundle(ctx context.Context) (*SendBundleResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cycle := ulid.Make().String()
	log := m.logger.With("cycle", cycle)

	if err := m.events.HandlePastEvents(ctx); err != nil {
		log.Warn("cannot reconcile chain events, cycle abandoned", "error", err)
		return nil, err
	}

	ops, storageMap, err := m.createBundle(ctx, log)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		log.Debug("mempool produced no bundle")
		return nil, nil
	}

	beneficiary, err := m.selectBeneficiary(ctx)
	if err != nil {
		log.Warn("cannot pick beneficiary, cycle abandoned", "error", err)
		return nil, err
	}

	return m.sendBundle(ctx, log, ops, beneficiary, storageMap)
}

// createBundle walks the tip-sorted mempool snapshot and applies the
// per-bundle rules: at most one op per sender, per-paymaster deposit
// accounting, throttled entities limited to one slot, cross-sender
// storage isolation, and the total gas budget.
func (m *Manager) createBundle(ctx context.Context, log sdklogging.Logger) ([]*mempool.Entry, model.StorageMap, error) {
	snapshot := m.mempool.GetSortedForInclusion()

	knownSenders := map[common.Address]bool{}
	for _, entry := range snapshot {
		knownSenders[entry.UserOp.Sender] = true
	}

	var (
		bundle            []*mempool.Entry
		senders           = map[common.Address]bool{}
		paymasterDeposit  = map[common.Address]*big.Int{}
		stakedEntityCount = map[common.Address]int{}
		totalGas          = big.NewInt(0)
		storageMap        = model.StorageMap{}
	)

	for _, entry := range snapshot {
		op := entry.UserOp
		paymaster := op.GetPaymaster()
		factory := op.GetFactory()

		if m.reputation.GetStatus(paymaster) == reputation.StatusBanned ||
			m.reputation.GetStatus(factory) == reputation.StatusBanned {
			log.Info("dropping op of banned entity", "hash", entry.UserOpHash.Hex())
			m.mempool.RemoveUserOp(op)
			continue
		}

		// a throttled entity gets one slot per bundle
		if paymaster != nil && m.reputation.GetStatus(paymaster) == reputation.StatusThrottled && stakedEntityCount[*paymaster] >= 1 {
			continue
		}
		if factory != nil && m.reputation.GetStatus(factory) == reputation.StatusThrottled && stakedEntityCount[*factory] >= 1 {
			continue
		}

		// one op per sender per bundle; protects against nonce races
		// inside a single transaction
		if senders[op.Sender] {
			continue
		}

		result, err := m.validator.ValidateUserOp(ctx, op, entry.ReferencedContracts, false)
		if err != nil {
			if isFatal(err) {
				return nil, nil, err
			}
			log.Info("op failed second validation, removing", "hash", entry.UserOpHash.Hex(), "error", err)
			m.mempool.RemoveUserOp(op)
			continue
		}

		// storage touched by this op must not belong to another sender
		// in the snapshot
		if conflictsWithKnownSender(result.StorageMap, op.Sender, knownSenders) {
			continue
		}

		userOpGas := new(big.Int).Add(result.ReturnInfo.PreOpGas, op.CallGasLimit)
		if new(big.Int).Add(totalGas, userOpGas).Cmp(m.cfg.MaxBundleGas) > 0 {
			break
		}

		if paymaster != nil {
			deposit, ok := paymasterDeposit[*paymaster]
			if !ok {
				deposit, err = m.entryPoint.BalanceOf(&bind.CallOpts{Context: ctx}, *paymaster)
				if err != nil {
					log.Warn("cannot read paymaster deposit, cycle abandoned", "paymaster", paymaster.Hex(), "error", err)
					return nil, nil, err
				}
				paymasterDeposit[*paymaster] = deposit
			}
			if deposit.Cmp(result.ReturnInfo.Prefund) < 0 {
				// earlier ops already claimed the deposit; this one
				// cannot be sponsored in the same bundle
				continue
			}
		}

		merged, ok := m.mergeStorage(ctx, storageMap, result.StorageMap, op)
		if !ok {
			log.Info("storage map conflict, op left for a later bundle", "hash", entry.UserOpHash.Hex())
			continue
		}

		// all rules passed; commit the accumulators
		if paymaster != nil {
			paymasterDeposit[*paymaster] = new(big.Int).Sub(paymasterDeposit[*paymaster], result.ReturnInfo.Prefund)
			stakedEntityCount[*paymaster]++
		}
		if factory != nil {
			stakedEntityCount[*factory]++
		}
		storageMap = merged
		senders[op.Sender] = true
		totalGas = totalGas.Add(totalGas, userOpGas)
		bundle = append(bundle, entry)
	}

	return bundle, storageMap, nil
}

// mergeStorage folds the op's referenced storage into the bundle map on
// a copy, so a conflict leaves the bundle untouched. For deployed
// senders under conditional RPC the per-slot entries can be collapsed
// into the account's storage root via eth_getProof.
func (m *Manager) mergeStorage(ctx context.Context, dst model.StorageMap, src model.StorageMap, op *model.UserOperation) (model.StorageMap, bool) {
	incoming := src
	if m.cfg.MergeToAccountRootHash && m.cfg.ConditionalRpc && len(op.InitCode) == 0 {
		if root, err := m.storageRoot(ctx, op.Sender); err == nil {
			incoming = model.StorageMap{}
			for addr, entry := range src {
				incoming[addr] = entry
			}
			incoming[op.Sender] = &model.AccountStorage{RootHash: &root}
		}
	}

	merged := model.StorageMap{}
	if !merged.Merge(dst) {
		return nil, false
	}
	if !merged.Merge(incoming) {
		return nil, false
	}
	return merged, true
}

type proofResult struct {
	StorageHash common.Hash `json:"storageHash"`
}

func (m *Manager) storageRoot(ctx context.Context, account common.Address) (common.Hash, error) {
	out := &proofResult{}
	err := m.raw.CallContext(ctx, out, "eth_getProof", account, []string{}, "latest")
	return out.StorageHash, err
}

func conflictsWithKnownSender(storage model.StorageMap, self common.Address, knownSenders map[common.Address]bool) bool {
	for addr := range storage {
		if addr != self && knownSenders[addr] {
			return true
		}
	}
	return false
}

// selectBeneficiary routes proceeds to the signer itself while its
// balance is low, so the bundler wallet stays funded for gas.
func (m *Manager) selectBeneficiary(ctx context.Context) (common.Address, error) {
	balance, err := m.chain.BalanceAt(ctx, m.signerAddr, nil)
	if err != nil {
		return common.Address{}, err
	}
	if balance.Cmp(m.cfg.MinSignerBalance) <= 0 {
		return m.signerAddr, nil
	}
	return m.cfg.Beneficiary, nil
}

func isFatal(err error) bool {
	rpcErr, ok := err.(*model.RPCError)
	return ok && rpcErr.ErrorCode() == model.CodeMethodNotFound
}
