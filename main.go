package main

import (
	"os"

	"github.com/textforge/harvest/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
