package main

import (
	"os"

	"github.com/techcoin/techcoin/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
