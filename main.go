package main

import "github.com/vechain/4337-bundler/cmd"

func main() {
	cmd.Execute()
}
