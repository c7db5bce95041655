package bundler

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vechain/4337-bundler/core/bundle"
	"github.com/vechain/4337-bundler/core/chainio/aa"
	"github.com/vechain/4337-bundler/core/config"
	"github.com/vechain/4337-bundler/core/events"
	"github.com/vechain/4337-bundler/core/execution"
	"github.com/vechain/4337-bundler/core/fees"
	"github.com/vechain/4337-bundler/core/history"
	"github.com/vechain/4337-bundler/core/mempool"
	"github.com/vechain/4337-bundler/core/reputation"
	"github.com/vechain/4337-bundler/core/validation"
	"github.com/vechain/4337-bundler/metrics"
	"github.com/vechain/4337-bundler/storage"
	"github.com/vechain/4337-bundler/version"
)

type BundlerStatus string

const (
	initStatus     BundlerStatus = "init"
	runningStatus  BundlerStatus = "running"
	shutdownStatus BundlerStatus = "shutdown"
)

func RunWithConfig(configPath string) error {
	nodeConfig, err := config.NewConfig(configPath)
	if err != nil {
		panic(fmt.Errorf("Failed to parse config file: %s\nMake sure it is exist and a valid yaml file %w.", configPath, err))
	}

	bundler, err := NewBundler(nodeConfig)
	if err != nil {
		panic(fmt.Errorf("Cannot initialize bundler from config: %w", err))
	}

	return bundler.Start(context.Background())
}

// Bundler wires the admission and bundling pipeline together and owns
// process lifecycle.
type Bundler struct {
	logger sdklogging.Logger
	config *config.Config
	db     storage.Storage

	ethRpcClient *ethclient.Client
	chainID      *big.Int

	mempool    *mempool.Mempool
	reputation *reputation.Manager
	validator  *validation.Manager
	events     *events.Manager
	archive    *history.Archive
	bundleMgr  *bundle.Manager
	execution  *execution.Manager

	registry *prometheus.Registry
	metrics  *metrics.BundlerMetrics

	// short-lived memo of estimate responses
	cache *bigcache.BigCache

	status BundlerStatus
}

// NewBundler creates a new Bundler with the provided config.
func NewBundler(c *config.Config) (*Bundler, error) {
	cache, err := bigcache.New(context.Background(), bigcache.DefaultConfig(30*time.Second))
	if err != nil {
		return nil, fmt.Errorf("cannot initialize cache storage: %w", err)
	}

	registry := prometheus.NewRegistry()

	return &Bundler{
		logger:   c.Logger,
		config:   c,
		registry: registry,
		metrics:  metrics.NewBundlerMetrics(registry),
		cache:    cache,
		status:   initStatus,
	}, nil
}

// initialize chain clients and the EntryPoint address
func (b *Bundler) init(ctx context.Context) error {
	b.ethRpcClient = b.config.EthHttpClient

	var err error
	b.chainID, err = b.ethRpcClient.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("cannot fetch chain id: %w", err)
	}

	if b.chainID.Cmp(config.MainnetChainID) == 0 {
		config.CurrentChainEnv = config.EthereumEnv
	} else {
		config.CurrentChainEnv = config.SepoliaEnv
	}

	aa.SetEntrypointAddress(b.config.EntrypointAddress)
	return nil
}

// Open and setup our database
func (b *Bundler) initDB(ctx context.Context) error {
	var err error
	b.db, err = storage.NewWithPath(b.config.DbPath)
	if err != nil {
		return err
	}
	return b.db.Setup()
}

func (b *Bundler) buildPipeline() error {
	c := b.config

	b.archive = history.NewArchive(b.db)
	b.mempool = mempool.New(c.MempoolMaxSize, b.logger)

	repParams := reputation.DefaultParams()
	repParams.MinStake = c.MinStake
	repParams.MinUnstakeDelay = c.MinUnstakeDelay
	b.reputation = reputation.NewManager(repParams, b.logger)
	b.reputation.SetAllowlist(c.Whitelist)
	b.reputation.SetDenylist(c.Blacklist)

	b.validator = validation.NewManager(c.RpcClient, b.mempool, b.reputation, validation.Config{
		EntryPoint:           c.EntrypointAddress,
		Unsafe:               c.Unsafe,
		TracerSource:         c.TracerSource,
		SupportedAggregators: c.SupportedAggregators,
	}, b.logger)

	var err error
	b.events, err = events.NewManager(b.ethRpcClient, c.EntrypointAddress, b.mempool, b.reputation, b.archive, b.logger)
	if err != nil {
		return err
	}
	b.events.SetMetrics(b.metrics)

	entryPointCaller, err := aa.NewEntryPointCaller(c.EntrypointAddress, b.ethRpcClient)
	if err != nil {
		return err
	}

	feeOracle := fees.NewOracle(b.ethRpcClient, c.FeeOracleURL, b.logger)

	b.bundleMgr = bundle.NewManager(
		b.mempool,
		b.reputation,
		b.validator,
		b.events,
		entryPointCaller,
		b.ethRpcClient,
		c.RpcClient,
		feeOracle,
		c.EcdsaPrivateKey,
		c.SignerAddress,
		bundle.Config{
			EntryPoint:             c.EntrypointAddress,
			Beneficiary:            c.Beneficiary,
			ChainID:                b.chainID,
			MaxBundleGas:           c.MaxBundleGas,
			MinSignerBalance:       c.MinSignerBalance,
			ConditionalRpc:         c.ConditionalRpc,
			MergeToAccountRootHash: c.MergeToAccountRootHash,
		},
		b.logger,
	)

	b.execution, err = execution.NewManager(b.mempool, b.reputation, b.validator, b.bundleMgr, execution.Config{
		EntryPoint:            c.EntrypointAddress,
		ChainID:               b.chainID,
		AutoBundleMempoolSize: c.AutoBundleMempoolSize,
		AutoBundleInterval:    c.AutoBundleInterval,
		AdmissionRule:         c.AdmissionRule,
	}, b.logger)
	if err != nil {
		return err
	}
	b.execution.SetMetrics(b.metrics)

	return nil
}

func (b *Bundler) Start(ctx context.Context) error {
	b.logger.Infof("Starting bundler %s", version.Get())

	if err := b.init(ctx); err != nil {
		b.logger.Fatalf("failed to initialize chain clients", "error", err)
	}

	b.logger.Infof("Initialize storage")
	if err := b.initDB(ctx); err != nil {
		b.logger.Fatalf("failed to initialize storage", "error", err)
	}

	if err := b.buildPipeline(); err != nil {
		b.logger.Fatalf("failed to build pipeline", "error", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.logger.Infof("Starting execution manager")
	if err := b.execution.Start(runCtx); err != nil {
		b.logger.Fatalf("failed to start execution manager", "error", err)
	}

	b.logger.Infof("Starting http server")
	if err := b.startHttpServer(runCtx); err != nil {
		b.logger.Fatalf("failed to start http server", "error", err)
	}
	b.status = runningStatus
	b.logger.Info("bundler is up",
		"signer", b.config.SignerAddress.Hex(),
		"entrypoint", b.config.EntrypointAddress.Hex(),
		"chain", b.chainID.String())

	// Setup wait signal
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan bool, 1)
	go func() {
		<-sigs
		done <- true
	}()

	<-done
	b.logger.Infof("Shutting down...")

	b.status = shutdownStatus
	if err := b.execution.Stop(); err != nil {
		b.logger.Warn("cannot stop execution manager", "error", err)
	}
	cancel()

	return b.db.Close()
}

func (b *Bundler) IsShutdown() bool {
	return b.status == shutdownStatus
}

// goSafe runs fn on a goroutine and keeps a panic from killing the
// process.
func goSafe(logger sdklogging.Logger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("recovered from panic: %v", r)
			}
		}()
		fn()
	}()
}
