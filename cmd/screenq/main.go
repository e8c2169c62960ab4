package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/screening-queue/internal/cli"
)

// Injected at build time with -ldflags "-X main.commit=...".
var commit = "unknown"

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s)", cli.Version, commit)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
