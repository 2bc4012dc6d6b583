package main

import (
	"fmt"
	"os"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	a := newApp()
	err := a.rootCommand().Execute()
	if cerr := a.teardown(); cerr != nil {
		fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", cerr)
	}
	if err != nil {
		os.Exit(1)
	}
}
