package config

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"gopkg.in/yaml.v2"
)

// Config is the resolved runtime configuration of the bundler process.
type Config struct {
	Logger      sdklogging.Logger
	Environment sdklogging.LogLevel

	EthHttpRpcUrl string
	EthHttpClient *ethclient.Client
	// raw client for debug_traceCall, eth_getProof and raw submission
	RpcClient *rpc.Client

	EcdsaPrivateKey *ecdsa.PrivateKey
	SignerAddress   common.Address

	EntrypointAddress common.Address
	Beneficiary       common.Address

	RpcBindAddress string
	DbPath         string

	MempoolMaxSize        int
	MaxBundleGas          *big.Int
	AutoBundleInterval    time.Duration
	AutoBundleMempoolSize int

	MinSignerBalance *big.Int
	MinStake         *big.Int
	MinUnstakeDelay  *big.Int

	ConditionalRpc         bool
	MergeToAccountRootHash bool

	Unsafe       bool
	TracerSource string

	SupportedAggregators []common.Address
	Whitelist            []common.Address
	Blacklist            []common.Address

	FeeOracleURL  string
	AdmissionRule string

	DebugRpc       bool
	AdminJwtSecret []byte
}

// ConfigRaw is the yaml shape of the config file.
type ConfigRaw struct {
	Environment     sdklogging.LogLevel `yaml:"environment"`
	EthRpcUrl       string              `yaml:"eth_rpc_url"`
	EcdsaPrivateKey string              `yaml:"ecdsa_private_key"`

	EntrypointAddress string `yaml:"entrypoint_address"`
	Beneficiary       string `yaml:"beneficiary_address"`

	RpcBindAddress string `yaml:"rpc_bind_address"`
	DbPath         string `yaml:"db_path"`

	MempoolMaxSize        int    `yaml:"mempool_max_size"`
	MaxBundleGas          uint64 `yaml:"max_bundle_gas"`
	AutoBundleInterval    int    `yaml:"auto_bundle_interval"`
	AutoBundleMempoolSize int    `yaml:"auto_bundle_mempool_size"`

	// ether-denominated decimal strings
	MinSignerBalance string `yaml:"min_signer_balance"`
	MinStake         string `yaml:"min_stake"`
	MinUnstakeDelay  int64  `yaml:"min_unstake_delay"`

	ConditionalRpc         bool `yaml:"conditional_rpc"`
	MergeToAccountRootHash bool `yaml:"merge_to_account_root_hash"`

	Unsafe     bool   `yaml:"unsafe"`
	TracerFile string `yaml:"tracer_file"`

	SupportedAggregators []string `yaml:"supported_aggregators"`
	Whitelist            []string `yaml:"whitelist"`
	Blacklist            []string `yaml:"blacklist"`

	FeeOracleURL  string `yaml:"fee_oracle_url"`
	AdmissionRule string `yaml:"admission_rule"`

	DebugRpc       bool   `yaml:"debug_rpc"`
	AdminJwtSecret string `yaml:"admin_jwt_secret"`
}

// NewConfig parses the yaml config file and resolves it into clients,
// keys and typed values.
func NewConfig(configFilePath string) (*Config, error) {
	configRaw := ConfigRaw{}
	if configFilePath != "" {
		raw, err := os.ReadFile(configFilePath)
		if err != nil {
			return nil, fmt.Errorf("cannot read config file %s: %w", configFilePath, err)
		}
		if err := yaml.Unmarshal(raw, &configRaw); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", configFilePath, err)
		}
	}

	logger, err := sdklogging.NewZapLogger(configRaw.Environment)
	if err != nil {
		return nil, err
	}

	rpcClient, err := rpc.Dial(configRaw.EthRpcUrl)
	if err != nil {
		logger.Errorf("Cannot create http ethclient", "err", err)
		return nil, err
	}
	ethClient := ethclient.NewClient(rpcClient)

	if configRaw.EcdsaPrivateKey == "" {
		return nil, fmt.Errorf("ecdsa_private_key is required; the bundler cannot sign without it")
	}
	ecdsaPrivateKey, err := crypto.HexToECDSA(configRaw.EcdsaPrivateKey)
	if err != nil {
		logger.Errorf("Cannot parse ecdsa private key", "err", err)
		return nil, err
	}
	signerAddress := crypto.PubkeyToAddress(ecdsaPrivateKey.PublicKey)

	c := &Config{
		Logger:      logger,
		Environment: configRaw.Environment,

		EthHttpRpcUrl: configRaw.EthRpcUrl,
		EthHttpClient: ethClient,
		RpcClient:     rpcClient,

		EcdsaPrivateKey: ecdsaPrivateKey,
		SignerAddress:   signerAddress,

		EntrypointAddress: common.HexToAddress(configRaw.EntrypointAddress),
		Beneficiary:       common.HexToAddress(configRaw.Beneficiary),

		RpcBindAddress: withDefault(configRaw.RpcBindAddress, ":4337"),
		DbPath:         withDefault(configRaw.DbPath, "/tmp/ap-bundler"),

		MempoolMaxSize:        withDefaultInt(configRaw.MempoolMaxSize, 500),
		MaxBundleGas:          new(big.Int).SetUint64(withDefaultUint64(configRaw.MaxBundleGas, 5_000_000)),
		AutoBundleInterval:    time.Duration(configRaw.AutoBundleInterval) * time.Second,
		AutoBundleMempoolSize: configRaw.AutoBundleMempoolSize,

		MinSignerBalance: etherToWei(withDefault(configRaw.MinSignerBalance, "0.1")),
		MinStake:         etherToWei(withDefault(configRaw.MinStake, "0.5")),
		MinUnstakeDelay:  big.NewInt(configRaw.MinUnstakeDelay),

		ConditionalRpc:         configRaw.ConditionalRpc,
		MergeToAccountRootHash: configRaw.MergeToAccountRootHash,

		Unsafe: configRaw.Unsafe,

		SupportedAggregators: convertToAddressSlice(configRaw.SupportedAggregators),
		Whitelist:            convertToAddressSlice(configRaw.Whitelist),
		Blacklist:            convertToAddressSlice(configRaw.Blacklist),

		FeeOracleURL:  configRaw.FeeOracleURL,
		AdmissionRule: configRaw.AdmissionRule,

		DebugRpc:       configRaw.DebugRpc,
		AdminJwtSecret: []byte(configRaw.AdminJwtSecret),
	}

	if !c.Unsafe {
		if configRaw.TracerFile == "" {
			return nil, fmt.Errorf("tracer_file is required in safe mode (or set unsafe: true)")
		}
		source, err := os.ReadFile(configRaw.TracerFile)
		if err != nil {
			return nil, fmt.Errorf("cannot read tracer file %s: %w", configRaw.TracerFile, err)
		}
		c.TracerSource = string(source)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.EntrypointAddress == (common.Address{}) {
		return fmt.Errorf("entrypoint_address is required")
	}
	if c.Beneficiary == (common.Address{}) {
		c.Beneficiary = c.SignerAddress
	}
	return nil
}

// etherToWei parses a decimal ether string ("0.5") into wei.
func etherToWei(s string) *big.Int {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(fmt.Errorf("invalid ether amount %q: %w", s, err))
	}
	return d.Mul(decimal.New(1, 18)).BigInt()
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func withDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func withDefaultUint64(v, def uint64) uint64 {
	if v == 0 {
		return def
	}
	return v
}
