// Harrier - Adaptive UI rules that follow the device.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"fmt"
	"os"

	"github.com/opensource-finance/harrier/internal/cli"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cmd := cli.NewRootCommand(Version)
	cmd.SetVersionTemplate(fmt.Sprintf("harrier {{.Version}} (commit %s, built %s)\n", Commit, BuildDate))

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
