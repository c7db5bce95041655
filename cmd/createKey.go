package cmd

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

// createKeyCmd generates a fresh bundler signing key. The hex key goes
// into ecdsa_private_key of the config file; the address must be funded
// before the first bundle.
var createKeyCmd = &cobra.Command{
	Use:   "create-key",
	Short: "Generate a new bundler signer key",
	Long: `Generate a new ECDSA key for signing handleOps transactions.

The private key is printed once and never stored. Fund the printed
address with gas money before running the bundler.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}

		fmt.Printf("address: %s\n", crypto.PubkeyToAddress(key.PublicKey).Hex())
		fmt.Printf("ecdsa_private_key: %s\n", hexutil.Encode(crypto.FromECDSA(key))[2:])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(createKeyCmd)
}
