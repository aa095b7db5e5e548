package main

import (
	"os"

	"github.com/nicebartender/canvas-relay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
