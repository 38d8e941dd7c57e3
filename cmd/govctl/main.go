package main

import (
	"os"

	"github.com/upb/governance-core/cmd/govctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
