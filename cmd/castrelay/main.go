// Package main is the entry point for the castrelay services.
package main

import (
	"os"

	"github.com/browsercast/castrelay/cmd/castrelay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
