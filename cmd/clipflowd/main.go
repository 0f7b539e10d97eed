package main

import (
	"os"

	"github.com/clipflow/clipflow/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
