// Package main is the entry point for trafficport.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/trafficport/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
