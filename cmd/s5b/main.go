package main

import (
	"os"

	"github.com/opd-ai/s5b/cmd/s5b/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
