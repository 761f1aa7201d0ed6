package main

import (
	"os"

	"github.com/lct-cooler/watercooler-controller/cmd/watercooler/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
