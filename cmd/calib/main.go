// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command calib runs the calibration backend on the tutorial problem and
// profiles its building blocks.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/curioloop/calib/rprop"
	"github.com/curioloop/calib/tutorial"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds the state shared by every subcommand.
type app struct {
	logLevel    string
	optionsPath string
	logger      *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "calib",
		Short:        "Nonlinear least-squares calibration backend",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(a.logLevel)); err != nil {
				return fmt.Errorf("invalid log level %q: %w", a.logLevel, err)
			}
			a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&a.optionsPath, "options", "", "YAML file with the Rprop options")
	root.AddCommand(newTutorialCmd(a), newMarginalizeCmd(a), newProfileCmd(a))
	return root
}

// loadOptions reads the Rprop options file, or returns the defaults.
func (a *app) loadOptions() (rprop.Options, error) {
	if a.optionsPath == "" {
		return rprop.DefaultOptions(), nil
	}
	f, err := os.Open(a.optionsPath)
	if err != nil {
		return rprop.Options{}, err
	}
	defer f.Close()
	opts, err := rprop.LoadOptions(f)
	if err != nil {
		return rprop.Options{}, fmt.Errorf("%s: %w", a.optionsPath, err)
	}
	a.logger.Debug("options loaded", "path", a.optionsPath, "method", opts.Method, "max_iterations", opts.MaxIterations)
	return opts, nil
}

// simulationFlags binds the tutorial simulation to the flags of cmd.
func simulationFlags(cmd *cobra.Command, cfg *tutorial.Config) {
	f := cmd.Flags()
	f.IntVar(&cfg.Steps, "steps", cfg.Steps, "number of robot positions")
	f.Float64Var(&cfg.Wall, "wall", cfg.Wall, "true wall position")
	f.Float64Var(&cfg.Velocity, "velocity", cfg.Velocity, "true displacement per step")
	f.Float64Var(&cfg.SigmaN, "sigma-n", cfg.SigmaN, "standard deviation of the wall observations")
	f.Float64Var(&cfg.SigmaU, "sigma-u", cfg.SigmaU, "standard deviation of the odometry")
	f.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "random seed")
}

func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
