package main

import (
	"fmt"
	"os"

	"github.com/AdamBeaudoin/Agent-Checkout/cmd/agentctl/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.Execute(version); err != nil {
		fmt.Fprintln(os.Stderr, "agentctl:", err)
		os.Exit(1)
	}
}
