// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/curioloop/calib/rprop"
	"github.com/curioloop/calib/tutorial"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func newTutorialCmd(a *app) *cobra.Command {
	cfg := tutorial.DefaultConfig()
	var (
		verbosity   int
		check       bool
		showMetrics bool
		reference   bool
	)
	cmd := &cobra.Command{
		Use:   "tutorial",
		Short: "Estimate the robot and wall positions of a simulated run with Rprop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := a.loadOptions()
			if err != nil {
				return err
			}
			ds, err := tutorial.Simulate(cfg)
			if err != nil {
				return err
			}
			p, err := tutorial.Build(ds)
			if err != nil {
				return err
			}
			a.logger.Info("tutorial problem built",
				"positions", len(p.Positions), "error_terms", p.NumErrorTerms(), "seed", cfg.Seed)

			out := cmd.OutOrStdout()
			reg := prometheus.NewRegistry()
			opt, err := rprop.New(opts,
				rprop.WithLogger(&rprop.Logger{Level: rprop.LogLevel(verbosity), Msg: out, Out: out}),
				rprop.WithMetrics(rprop.NewMetrics(reg)))
			if err != nil {
				return err
			}
			opt.SetProblem(p)
			if check {
				if err := opt.CheckProblemSetup(); err != nil {
					return err
				}
				a.logger.Info("problem setup checked")
			}

			rmse, cost := p.PositionRMSE(ds), p.Cost()
			res, err := opt.Optimize(cmd.Context())
			if err != nil {
				return err
			}
			a.logger.Info("optimization finished",
				"status", res.Status.Label(), "iterations", res.NumIter, "rejected", res.NumFailed)

			fmt.Fprintf(out, "wall          true %.4f  estimated %.4f\n", ds.TrueWall, p.Wall.Value())
			fmt.Fprintf(out, "position rmse %.4g -> %.4g\n", rmse, p.PositionRMSE(ds))
			fmt.Fprintf(out, "cost          %.6g -> %.6g\n", cost, res.F)
			if reference {
				ref, err := tutorial.Build(ds)
				if err != nil {
					return err
				}
				refCost, err := ref.Solve(opts.NumThreads)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "gauss-newton  wall %.4f  cost %.6g\n", ref.Wall.Value(), refCost)
			}
			if showMetrics {
				return writeMetrics(out, reg)
			}
			return nil
		},
	}
	simulationFlags(cmd, &cfg)
	cmd.Flags().IntVarP(&verbosity, "verbosity", "v", int(rprop.LogLast), "iteration log level (-1 silent, 0 summary, 1 per iteration, 99 trace, 101 verbose)")
	cmd.Flags().BoolVar(&check, "check", false, "compare analytic and finite difference Jacobians before optimizing")
	cmd.Flags().BoolVar(&reference, "reference", false, "also print the Gauss-Newton least-squares estimate")
	cmd.Flags().BoolVar(&showMetrics, "metrics", false, "print the optimizer metrics in the Prometheus text format")
	return cmd
}
