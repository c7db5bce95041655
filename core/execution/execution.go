package execution

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	gocron "github.com/go-co-op/gocron/v2"

	"github.com/vechain/4337-bundler/core/bundle"
	"github.com/vechain/4337-bundler/core/mempool"
	"github.com/vechain/4337-bundler/core/reputation"
	"github.com/vechain/4337-bundler/metrics"
	"github.com/vechain/4337-bundler/model"
)

// SameUnstakedEntityMempoolCount caps how many pending ops one unstaked
// entity may have, per the v0.6 reference rules.
const SameUnstakedEntityMempoolCount = 4

type BundlingMode string

const (
	BundlingModeAuto   BundlingMode = "auto"
	BundlingModeManual BundlingMode = "manual"
)

// Config tunes the bundling triggers.
type Config struct {
	EntryPoint common.Address
	ChainID    *big.Int

	// bundle as soon as this many ops are pending; 0 bundles every op
	AutoBundleMempoolSize int
	// fixed cadence; 0 disables the interval trigger
	AutoBundleInterval time.Duration

	// optional expr-lang admission policy evaluated per incoming op
	AdmissionRule string
}

// Manager triggers bundling (interval-based, size-threshold or
// on-demand) and owns the admission path from RPC into the mempool.
// Triggers funnel through one channel; the bundle manager's mutex
// serialises the cycles themselves.
type Manager struct {
	mempool    *mempool.Mempool
	reputation *reputation.Manager
	validator  bundle.Validator
	bundler    *bundle.Manager

	cfg       Config
	admission *vm.Program

	mode      BundlingMode
	trigger   chan struct{}
	scheduler gocron.Scheduler

	metrics metrics.MetricsGenerator
	logger  sdklogging.Logger
}

// SetMetrics attaches the prometheus series; nil leaves the pipeline
// unmetered.
func (m *Manager) SetMetrics(gen metrics.MetricsGenerator) {
	m.metrics = gen
}

func NewManager(mp *mempool.Mempool, rep *reputation.Manager, validator bundle.Validator, bundler *bundle.Manager, cfg Config, logger sdklogging.Logger) (*Manager, error) {
	m := &Manager{
		mempool:    mp,
		reputation: rep,
		validator:  validator,
		bundler:    bundler,
		cfg:        cfg,
		mode:       BundlingModeAuto,
		trigger:    make(chan struct{}, 1),
		logger:     logger,
	}

	if cfg.AdmissionRule != "" {
		program, err := expr.Compile(cfg.AdmissionRule, expr.Env(admissionEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("invalid admission_rule: %w", err)
		}
		m.admission = program
	}
	return m, nil
}

// admissionEnv is what the operator's admission_rule expression sees.
type admissionEnv struct {
	Sender       string `expr:"sender"`
	Paymaster    string `expr:"paymaster"`
	Factory      string `expr:"factory"`
	CallGasLimit int64  `expr:"callGasLimit"`
	MaxFeePerGas int64  `expr:"maxFeePerGas"`
}

// Start launches the trigger worker and the scheduled jobs: the
// interval bundler and the hourly reputation decay.
func (m *Manager) Start(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return err
	}
	m.scheduler = scheduler

	if m.cfg.AutoBundleInterval > 0 {
		_, err = scheduler.NewJob(
			gocron.DurationJob(m.cfg.AutoBundleInterval),
			gocron.NewTask(func() { m.ScheduleBundle() }),
		)
		if err != nil {
			return err
		}
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(time.Hour),
		gocron.NewTask(func() { m.reputation.Decay() }),
	)
	if err != nil {
		return err
	}

	scheduler.Start()

	go m.triggerLoop(ctx)
	return nil
}

func (m *Manager) Stop() error {
	if m.scheduler == nil {
		return nil
	}
	return m.scheduler.Shutdown()
}

func (m *Manager) triggerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.trigger:
			result, err := m.bundler.SendNextBundle(ctx)
			if err != nil {
				if rpcErr, ok := err.(*model.RPCError); ok && rpcErr.ErrorCode() == model.CodeMethodNotFound {
					// the node lacks a method we declared supported; an
					// operator must notice
					m.logger.Fatalf("fatal bundling error: %v", err)
				}
				m.logger.Error("bundling cycle failed", "error", err)
			}
			if m.metrics != nil {
				switch {
				case err != nil:
					m.metrics.IncBundleSent("failed")
				case result != nil:
					m.metrics.IncBundleSent("ok")
					m.metrics.ObserveBundleSize(len(result.UserOpHashes))
				}
				m.metrics.SetMempoolSize(m.mempool.Count())
			}
		}
	}
}

// ScheduleBundle enqueues a bundling cycle unless one is already
// queued. Manual mode leaves cycles to debug_bundler_sendBundleNow.
func (m *Manager) ScheduleBundle() {
	if m.mode == BundlingModeManual {
		return
	}
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// SendBundleNow runs one cycle synchronously (debug).
func (m *Manager) SendBundleNow(ctx context.Context) (*bundle.SendBundleResult, error) {
	return m.bundler.SendNextBundle(ctx)
}

func (m *Manager) SetBundlingMode(mode BundlingMode) error {
	if mode != BundlingModeAuto && mode != BundlingModeManual {
		return model.NewRPCError(model.CodeInvalidFields, fmt.Sprintf("unknown bundling mode %q", mode), nil)
	}
	m.mode = mode
	return nil
}

// SendUserOperation is the admission path: validate, apply reputation
// quotas, insert into the mempool, and maybe trigger a bundle.
func (m *Manager) SendUserOperation(ctx context.Context, op *model.UserOperation, entryPoint common.Address) (_ common.Hash, err error) {
	defer func() {
		if m.metrics != nil && err != nil {
			m.metrics.IncOpReceived("rejected")
		}
	}()

	if !strings.EqualFold(entryPoint.Hex(), m.cfg.EntryPoint.Hex()) {
		return common.Hash{}, model.NewRPCError(model.CodeInvalidFields,
			fmt.Sprintf("entryPoint %s is not supported (expected %s)", entryPoint.Hex(), m.cfg.EntryPoint.Hex()), nil)
	}

	// an identical resubmission of a pending op is a no-op
	hash := op.GetUserOpHash(m.cfg.EntryPoint, m.cfg.ChainID)
	if pending := m.mempool.GetByHash(hash); pending != nil && bytes.Equal(pending.UserOp.Signature, op.Signature) {
		return hash, nil
	}

	if err := m.checkAdmissionRule(op); err != nil {
		return common.Hash{}, err
	}

	paymaster := op.GetPaymaster()
	factory := op.GetFactory()

	result, err := m.validator.ValidateUserOp(ctx, op, nil, true)
	if err != nil {
		// a seen-but-rejected op still counts against its entities
		if _, ok := err.(*model.RPCError); ok {
			sender := op.Sender
			m.reputation.UpdateSeenStatus(&sender)
			m.reputation.UpdateSeenStatus(paymaster)
			m.reputation.UpdateSeenStatus(factory)
		}
		return common.Hash{}, err
	}

	if err := m.checkReputation(op, result); err != nil {
		return common.Hash{}, err
	}

	entry := &mempool.Entry{
		UserOp:              op,
		UserOpHash:          hash,
		Prefund:             result.ReturnInfo.Prefund,
		ReferencedContracts: result.ReferencedContracts,
	}
	if result.AggregatorInfo != nil {
		agg := result.AggregatorInfo.Addr
		entry.Aggregator = &agg
	}

	if err := m.mempool.AddUserOp(entry); err != nil {
		return common.Hash{}, err
	}

	sender := op.Sender
	m.reputation.UpdateSeenStatus(&sender)
	m.reputation.UpdateSeenStatus(paymaster)
	m.reputation.UpdateSeenStatus(factory)

	if m.metrics != nil {
		m.metrics.IncOpReceived("admitted")
		m.metrics.SetMempoolSize(m.mempool.Count())
	}

	if m.cfg.AutoBundleMempoolSize == 0 || m.mempool.Count() >= m.cfg.AutoBundleMempoolSize {
		m.ScheduleBundle()
	}

	return hash, nil
}

func (m *Manager) checkAdmissionRule(op *model.UserOperation) error {
	if m.admission == nil {
		return nil
	}

	env := admissionEnv{
		Sender:       op.Sender.Hex(),
		CallGasLimit: op.CallGasLimit.Int64(),
		MaxFeePerGas: op.MaxFeePerGas.Int64(),
	}
	if p := op.GetPaymaster(); p != nil {
		env.Paymaster = p.Hex()
	}
	if f := op.GetFactory(); f != nil {
		env.Factory = f.Hex()
	}

	out, err := expr.Run(m.admission, env)
	if err != nil {
		return model.NewRPCError(model.CodeInvalidFields, "admission policy error: "+err.Error(), nil)
	}
	if pass, ok := out.(bool); !ok || !pass {
		return model.NewRPCError(model.CodeInvalidFields, "rejected by admission policy", nil)
	}
	return nil
}

// checkReputation rejects ops of banned entities and caps how many
// pending ops an unstaked entity may pipeline.
func (m *Manager) checkReputation(op *model.UserOperation, result *model.ValidationResult) error {
	sender := op.Sender
	paymaster := op.GetPaymaster()
	factory := op.GetFactory()

	for kind, addr := range map[string]*common.Address{
		"sender":    &sender,
		"paymaster": paymaster,
		"factory":   factory,
	} {
		if addr == nil {
			continue
		}
		if m.reputation.GetStatus(addr) == reputation.StatusBanned {
			return model.NewRPCError(model.CodeReputation,
				fmt.Sprintf("%s %s is banned", kind, addr.Hex()), nil)
		}
	}

	// an entity with no stake at all is unstaked even when the
	// configured minimum is zero
	staked := func(info *model.StakeInfo) bool {
		return info != nil && info.Stake != nil && info.Stake.Sign() > 0 &&
			m.reputation.CheckStake("", info) == nil
	}

	if !staked(result.SenderInfo) && m.mempool.CountByEntity(sender) >= SameUnstakedEntityMempoolCount {
		return model.NewRPCError(model.CodeReputation,
			fmt.Sprintf("unstaked sender %s already has too many pending ops", sender.Hex()), nil)
	}
	if paymaster != nil && !staked(result.PaymasterInfo) && m.mempool.CountByEntity(*paymaster) >= SameUnstakedEntityMempoolCount {
		return model.NewRPCError(model.CodeReputation,
			fmt.Sprintf("unstaked paymaster %s already has too many pending ops", paymaster.Hex()), nil)
	}
	if factory != nil && !staked(result.FactoryInfo) && m.mempool.CountByEntity(*factory) >= SameUnstakedEntityMempoolCount {
		return model.NewRPCError(model.CodeReputation,
			fmt.Sprintf("unstaked factory %s already has too many pending ops", factory.Hex()), nil)
	}
	return nil
}

// BundlingMode reports the current mode (debug).
func (m *Manager) BundlingMode() BundlingMode {
	return m.mode
}
