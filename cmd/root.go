package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var (
	config  = "./config/bundler.yaml"
	rootCmd = &cobra.Command{
		Use:   "ap-bundler",
		Short: "ERC-4337 bundler CLI",
		Long: `CLI to run and interact with the ERC-4337 bundler service.
Each sub command can be use for a single service

Such as "ap-bundler run" or "ap-bundler create-key" and so on
`,
	}
)

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&config, "config", "c", "config/bundler.yaml", "Path to config file")
}
