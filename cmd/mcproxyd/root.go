// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"grimm.is/flywall/internal/errors"
	"grimm.is/flywall/internal/logging"
	"grimm.is/flywall/internal/pconfig"
	"grimm.is/flywall/internal/supervisor"
)

// flags holds the command-line surface: -h -r -d -s -v[v] -f. Cobra
// supplies -h; the rest are bound here. There is no -c flag; the kernel
// check is the check-kernel subcommand.
type flags struct {
	configPath string
	resetRPF   bool
	debug      bool
	verbose    int
	status     bool
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:           "mcproxyd",
		Short:         "User-space IPv4/IPv6 multicast proxy (RFC 4605, generalized)",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), f)
		},
	}
	bindCommonFlags(root, f)
	root.AddCommand(newCheckKernelCmd(f))
	root.AddCommand(newStatusCmd(f))
	return root
}

func bindCommonFlags(cmd *cobra.Command, f *flags) {
	cmd.Flags().StringVarP(&f.configPath, "config", "f", "/etc/mcproxyd.conf", "path to the rule-language configuration file")
	cmd.Flags().BoolVarP(&f.resetRPF, "reset-rp-filter", "r", false, "relax rp_filter on every configured interface for the process lifetime")
	cmd.Flags().BoolVarP(&f.debug, "debug", "d", false, "enable debug logging")
	cmd.Flags().CountVarP(&f.verbose, "verbose", "v", "increase log verbosity (-v, -vv)")
	cmd.Flags().BoolVarP(&f.status, "status", "s", false, "periodically print per-instance membership/routing status")
}

func applyLogLevel(f *flags) {
	level := slog.LevelWarn
	switch {
	case f.verbose >= 2:
		level = slog.LevelDebug
	case f.verbose == 1:
		level = slog.LevelInfo
	}
	if f.debug {
		level = slog.LevelDebug
		logging.SetTrace(true)
	}
	logging.SetLevel(level)
}

// loadConfig reads and parses the configuration file at path, wrapping
// read/parse failures as spec §7's "Missing config file: exit with the
// path printed" and line-number-qualified parse errors respectively.
func loadConfig(path string) (*pconfig.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s", path)
		}
		return nil, errors.Wrapf(err, errors.KindConfig, "read %s", path)
	}
	cfg, err := pconfig.Parse(string(data))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(ctx context.Context, f *flags) error {
	applyLogLevel(f)
	log := logging.WithComponent("mcproxyd")

	if os.Geteuid() != 0 {
		return fmt.Errorf("mcproxyd must run as root to open raw sockets and manipulate the MFIB")
	}

	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return err
	}

	sup := supervisor.New(supervisor.LinuxProvider{}, f.resetRPF)
	if err := sup.Start(ctx, cfg); err != nil {
		return err
	}
	log.Info("mcproxyd running", "instances", len(sup.Instances()), "config", f.configPath)

	if f.status {
		go printStatusLoop(ctx, sup)
	}

	sup.RunUntilSignal(ctx)
	return nil
}
