// Package main is the entry point for the litellm-ws CLI.
package main

import (
	"fmt"
	"os"

	"github.com/cykonova/litellm/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
