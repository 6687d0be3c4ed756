// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/curioloop/calib/backend"
	"github.com/curioloop/calib/marginal"
	"github.com/curioloop/calib/rprop"
	"github.com/curioloop/calib/tutorial"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"
)

// window splits the tutorial problem after the n-th free position. It
// returns the removed positions followed by the variables they share terms
// with, the terms touching the removed positions and the remaining terms.
func window(p *tutorial.Problem, n int) (dvs []backend.DesignVariable, ets, rest []backend.ErrorTerm) {
	for _, x := range p.Positions[1 : n+2] {
		dvs = append(dvs, x)
	}
	dvs = append(dvs, p.Wall)
	for k, et := range p.Observations {
		if k <= n {
			ets = append(ets, et)
		} else {
			rest = append(rest, et)
		}
	}
	for k, et := range p.Motions {
		if k <= n {
			ets = append(ets, et)
		} else {
			rest = append(rest, et)
		}
	}
	return
}

func newMarginalizeCmd(a *app) *cobra.Command {
	cfg := tutorial.DefaultConfig()
	var (
		remove int
		useM   bool
		tol    float64
	)
	cmd := &cobra.Command{
		Use:   "marginalize",
		Short: "Replace the first positions of a simulated run by a prior and optimize the rest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if remove < 1 || remove > cfg.Steps-2 {
				return fmt.Errorf("--remove must be in [1, %d]", cfg.Steps-2)
			}
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

			dvs, ets, rest := window(p, remove)
			prior, err := marginal.Marginalize(dvs, ets, remove,
				marginal.WithMEstimator(useM), marginal.WithRankTolerance(tol), marginal.WithLogger(a.logger))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "removed %d positions with %d error terms\n", remove, len(ets))
			fmt.Fprintf(out, "prior R =\n%v\n", mat.Formatted(prior.R(), mat.Prefix("        ")))
			fmt.Fprintf(out, "prior d = %v\n", mat.Formatted(prior.D().T()))

			reduced := backend.NewSimpleProblem()
			for _, x := range p.Positions[remove+1:] {
				if err := reduced.AddDesignVariable(x); err != nil {
					return err
				}
			}
			if err := reduced.AddDesignVariable(p.Wall); err != nil {
				return err
			}
			if err := reduced.AddErrorTerm(prior); err != nil {
				return err
			}
			for _, et := range rest {
				if err := reduced.AddErrorTerm(et); err != nil {
					return err
				}
			}

			opt, err := rprop.New(opts)
			if err != nil {
				return err
			}
			opt.SetProblem(reduced)
			res, err := opt.Optimize(cmd.Context())
			if err != nil {
				return err
			}
			a.logger.Info("reduced problem optimized",
				"status", res.Status.Label(), "iterations", res.NumIter, "variables", opt.NumDesignVariables())
			fmt.Fprintf(out, "wall true %.4f  estimated %.4f  (%s)\n", ds.TrueWall, p.Wall.Value(), res.Status)
			return nil
		},
	}
	simulationFlags(cmd, &cfg)
	cmd.Flags().IntVar(&remove, "remove", 5, "number of leading free positions to marginalize")
	cmd.Flags().BoolVar(&useM, "m-estimator", false, "apply the m-estimators of the error terms")
	cmd.Flags().Float64Var(&tol, "rank-tolerance", marginal.DefaultRankTolerance, "relative pseudo-rank threshold of the removed block")
	return cmd
}
