package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		bad.Fprintf(os.Stderr, "agentbuilder: %v\n", err)
		os.Exit(1)
	}
}
