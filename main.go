// Package main is the entry point for the flowsync agent.
package main

import (
	"fmt"
	"os"

	"icc.tech/flowsync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
