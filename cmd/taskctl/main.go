package main

import (
	"os"

	"github.com/austindbirch/courier/cmd/taskctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
