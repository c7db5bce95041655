package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/k0kubun/pp/v3"
	"github.com/spf13/cobra"

	"github.com/ethereum/go-ethereum/rpc"
)

var (
	dumpTarget = "http://localhost:4337/rpc"

	// dumpCmd inspects a running bundler through the debug_bundler
	// namespace (requires debug_rpc: true in its config).
	dumpCmd = &cobra.Command{
		Use:   "dump [mempool|reputation]",
		Short: "Dump mempool or reputation of a running bundler",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			client, err := rpc.DialContext(ctx, dumpTarget)
			if err != nil {
				return err
			}
			defer client.Close()

			var method string
			switch args[0] {
			case "mempool":
				method = "debug_bundler_dumpMempool"
			case "reputation":
				method = "debug_bundler_dumpReputation"
			default:
				return fmt.Errorf("unknown dump target %q", args[0])
			}

			var result interface{}
			if err := client.CallContext(ctx, &result, method); err != nil {
				return err
			}

			pp.Println(result)
			return nil
		},
	}
)

func init() {
	dumpCmd.Flags().StringVar(&dumpTarget, "rpc", dumpTarget, "rpc endpoint of the running bundler")
	rootCmd.AddCommand(dumpCmd)
}
