package events

import (
	"context"
	"math/big"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vechain/4337-bundler/core/chainio/aa"
	"github.com/vechain/4337-bundler/core/history"
	"github.com/vechain/4337-bundler/core/mempool"
	"github.com/vechain/4337-bundler/core/reputation"
	"github.com/vechain/4337-bundler/metrics"
)

// logSource is the slice of the upstream node the manager needs;
// ethclient.Client satisfies it.
type logSource interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Manager reconciles the mempool and reputation store with what the
// chain actually executed, by replaying EntryPoint events.
type Manager struct {
	client     logSource
	entryPoint common.Address
	filterer   *aa.EntryPointFilterer

	mempool    *mempool.Mempool
	reputation *reputation.Manager
	archive    *history.Archive

	lastBlock        uint64
	activeAggregator *common.Address

	metrics metrics.MetricsGenerator
	logger  sdklogging.Logger
}

// SetMetrics attaches the prometheus series; nil leaves inclusions
// unmetered.
func (m *Manager) SetMetrics(gen metrics.MetricsGenerator) {
	m.metrics = gen
}

func NewManager(client logSource, entryPoint common.Address, mp *mempool.Mempool, rep *reputation.Manager, archive *history.Archive, logger sdklogging.Logger) (*Manager, error) {
	// the filterer is used for UnpackLog only; it never dials
	filterer, err := aa.NewEntryPointFilterer(entryPoint, nil)
	if err != nil {
		return nil, err
	}

	return &Manager{
		client:     client,
		entryPoint: entryPoint,
		filterer:   filterer,
		mempool:    mp,
		reputation: rep,
		archive:    archive,
		lastBlock:  archive.LastBlock(),
		logger:     logger,
	}, nil
}

var (
	userOperationEventID     = eventTopic("UserOperationEvent")
	accountDeployedEventID   = eventTopic("AccountDeployed")
	aggregatorChangedEventID = eventTopic("SignatureAggregatorChanged")
)

func eventTopic(name string) common.Hash {
	return aa.ABI().Events[name].ID
}

// HandlePastEvents replays [lastBlock+1, head]. It is idempotent: an
// already-archived userOpHash is skipped, and mempool removal is a
// no-op the second time.
func (m *Manager) HandlePastEvents(ctx context.Context) error {
	head, err := m.client.BlockNumber(ctx)
	if err != nil {
		return err
	}
	if m.lastBlock == 0 {
		// fresh cursor: nothing before boot concerns this process
		m.lastBlock = head
		return m.archive.SetLastBlock(head)
	}
	if head <= m.lastBlock {
		return nil
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(m.lastBlock + 1),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{m.entryPoint},
		Topics: [][]common.Hash{{
			userOperationEventID,
			accountDeployedEventID,
			aggregatorChangedEventID,
		}},
	}

	logs, err := m.client.FilterLogs(ctx, query)
	if err != nil {
		return err
	}

	// AccountDeployed precedes its UserOperationEvent in the same
	// receipt, so a single ordered pass can pair them
	deployedFactories := map[common.Hash]common.Address{}

	for _, log := range logs {
		if len(log.Topics) == 0 {
			continue
		}
		switch log.Topics[0] {
		case accountDeployedEventID:
			ev, err := m.filterer.ParseAccountDeployed(log)
			if err != nil {
				m.logger.Warn("cannot parse AccountDeployed", "error", err)
				continue
			}
			deployedFactories[common.Hash(ev.UserOpHash)] = ev.Factory

		case aggregatorChangedEventID:
			ev, err := m.filterer.ParseSignatureAggregatorChanged(log)
			if err != nil {
				m.logger.Warn("cannot parse SignatureAggregatorChanged", "error", err)
				continue
			}
			if ev.Aggregator == (common.Address{}) {
				m.activeAggregator = nil
			} else {
				agg := ev.Aggregator
				m.activeAggregator = &agg
			}

		case userOperationEventID:
			ev, err := m.filterer.ParseUserOperationEvent(log)
			if err != nil {
				m.logger.Warn("cannot parse UserOperationEvent", "error", err)
				continue
			}
			m.handleUserOperationEvent(ev, deployedFactories)
		}
	}

	m.lastBlock = head
	return m.archive.SetLastBlock(head)
}

func (m *Manager) handleUserOperationEvent(ev *aa.EntryPointUserOperationEvent, deployedFactories map[common.Hash]common.Address) {
	hash := common.Hash(ev.UserOpHash)

	if seen, err := m.archive.Get(hash); err == nil && seen != nil {
		// replayed block range; already accounted
		m.mempool.RemoveByHash(hash)
		return
	}

	record := &history.InclusionRecord{
		UserOpHash:      hash,
		Sender:          ev.Sender,
		Paymaster:       ev.Paymaster,
		Nonce:           ev.Nonce,
		Success:         ev.Success,
		ActualGasCost:   ev.ActualGasCost,
		ActualGasUsed:   ev.ActualGasUsed,
		TransactionHash: ev.Raw.TxHash,
		BlockHash:       ev.Raw.BlockHash,
		BlockNumber:     ev.Raw.BlockNumber,
	}

	// the entry carries the validation metadata needed to credit the factory
	var factory *common.Address
	if entry := m.mempool.GetByHash(hash); entry != nil {
		record.UserOp = entry.UserOp
		factory = entry.UserOp.GetFactory()
	}
	if factory == nil {
		if f, ok := deployedFactories[hash]; ok {
			factory = &f
		}
	}

	m.mempool.RemoveByHash(hash)

	sender := ev.Sender
	m.reputation.UpdateIncludedStatus(&sender)
	if ev.Paymaster != (common.Address{}) {
		paymaster := ev.Paymaster
		m.reputation.UpdateIncludedStatus(&paymaster)
	}
	m.reputation.UpdateIncludedStatus(factory)

	if err := m.archive.Put(record); err != nil {
		m.logger.Error("cannot archive inclusion", "hash", hash.Hex(), "error", err)
	}
	if m.metrics != nil {
		m.metrics.IncOpIncluded()
	}

	m.logger.Info("userop included on-chain",
		"hash", hash.Hex(),
		"sender", ev.Sender.Hex(),
		"success", ev.Success,
		"block", ev.Raw.BlockNumber)
}

// ActiveAggregator returns the aggregator announced by the latest
// SignatureAggregatorChanged event, nil when none is active.
func (m *Manager) ActiveAggregator() *common.Address {
	return m.activeAggregator
}

// LastBlock is the cursor of the replay loop (debug).
func (m *Manager) LastBlock() uint64 {
	return m.lastBlock
}
