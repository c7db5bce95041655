package config

import "math/big"

type ChainEnv string

const (
	SepoliaEnv  = ChainEnv("sepolia")
	EthereumEnv = ChainEnv("ethereum")
)

var (
	MainnetChainID  = big.NewInt(1)
	CurrentChainEnv = ChainEnv("ethereum")
)

func IsMainnet() bool {
	return CurrentChainEnv == EthereumEnv
}

func EtherscanURL() string {
	if IsMainnet() {
		return "https://etherscan.io"
	}
	return "https://sepolia.etherscan.io"
}
