// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command mcproxyd is the proxy supervisor (spec.md §2 module 13, §6's
// documented CLI surface): it loads a rule-language configuration file,
// spawns one proxy instance per declared pinstance, and runs until
// SIGINT/SIGTERM. Grounded in the teacher's cmd/ layout
// (_examples/grimm-is-flywall/cmd/start.go, cmd/stop.go) for the
// root-plus-subcommand shape, reworked onto github.com/spf13/cobra the
// way _examples/els0r-goProbe/cmd builds its CLI tree.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
