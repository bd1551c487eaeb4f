package main

import (
	"os"
)

// Values swapped in by go-releaser at build time
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := New().Execute(); err != nil {
		os.Exit(1)
	}
}
