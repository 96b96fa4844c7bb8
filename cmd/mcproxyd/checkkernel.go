// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"grimm.is/flywall/internal/kernel"
)

// newCheckKernelCmd implements spec.md §6's `-c` flag as a subcommand: it
// probes the raw-socket and MRT capabilities this process needs and
// prints an Ok/Failed report, exiting non-zero if anything failed (spec
// §6 exit codes, §7's "check-kernel prints a per-capability report").
func newCheckKernelCmd(_ *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "check-kernel",
		Short: "probe raw-socket and multicast-routing kernel capabilities and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			report := kernel.ProbeCapabilities(time.Now())
			fmt.Print(report.Report())
			if !report.Ok() {
				return fmt.Errorf("one or more required kernel capabilities are missing")
			}
			return nil
		},
	}
}
