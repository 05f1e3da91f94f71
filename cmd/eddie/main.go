package main

import (
	"os"

	"github.com/kifi/eddie/cmd/eddie/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
