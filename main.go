package main

import (
	"os"

	"github.com/bryan-buckman/newsrelay/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
