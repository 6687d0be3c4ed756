// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/curioloop/calib/backend"
	"github.com/curioloop/calib/expression"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/num/quat"
)

type profileFlags struct {
	iterations int
	noUpdate   bool
	noSparse   bool
	noDense    bool
	noScalar   bool
	noRotation bool
	noError    bool
	noJacobian bool
}

type timing struct {
	name  string
	calls int
	total time.Duration
}

type profiler struct {
	flags   profileFlags
	timings []timing
}

func (p *profiler) measure(name string, fn func()) {
	start := time.Now()
	for i := 0; i < p.flags.iterations; i++ {
		fn()
	}
	p.timings = append(p.timings, timing{name: name, calls: p.flags.iterations, total: time.Since(start)})
}

// print writes the timings sorted by total time.
func (p *profiler) print(w io.Writer) error {
	slices.SortFunc(p.timings, func(a, b timing) int { return cmp.Compare(b.total, a.total) })
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "name\tcalls\ttotal\tmean")
	for _, t := range p.timings {
		fmt.Fprintf(tw, "%s\t%d\t%v\t%v\n", t.name, t.calls, t.total, t.total/time.Duration(max(t.calls, 1)))
	}
	return tw.Flush()
}

// profileScalar times s·s over a scalar design variable.
func (p *profiler) profileScalar() error {
	dv := expression.NewScalar(0)
	dv.SetBlockIndex(0)
	dv.SetColumnBase(0)
	expr := dv.ToExpression().Mul(dv.ToExpression())
	return p.run("ScalarExpression", []backend.DesignVariable{dv}, 1, 1,
		func() { expr.Evaluate() },
		func(jc backend.JacobianContainer) { expr.EvaluateJacobians(jc) })
}

// profileRotation times C·p over a rotation and a point design variable.
func (p *profiler) profileRotation() error {
	q, err := expression.NewRotationQuaternion(quat.Number{Real: 1})
	if err != nil {
		return err
	}
	pt := expression.NewEuclideanPoint(1, 2, 3)
	for i, dv := range []backend.DesignVariable{q, pt} {
		dv.SetBlockIndex(i)
		dv.SetColumnBase(3 * i)
	}
	expr := q.ToExpression().Rotate(pt.ToExpression())
	return p.run("RotationExpression", []backend.DesignVariable{q, pt}, 3, 6,
		func() { expr.Evaluate() },
		func(jc backend.JacobianContainer) { expr.EvaluateJacobians(jc) })
}

func (p *profiler) run(name string, dvs []backend.DesignVariable, rows, cols int, evaluate func(), jacobians func(backend.JacobianContainer)) error {
	step := func() {}
	if !p.flags.noUpdate {
		steps := make([][]float64, len(dvs))
		for i, dv := range dvs {
			steps[i] = make([]float64, dv.MinimalDimensions())
			for j := range steps[i] {
				steps[i][j] = 1e-3
			}
		}
		step = func() {
			for i, dv := range dvs {
				if err := dv.Update(steps[i]); err != nil {
					panic(err)
				}
			}
		}
	}

	if !p.flags.noError {
		p.measure(name+" error", func() { evaluate(); step() })
	}
	if p.flags.noJacobian {
		return nil
	}
	if !p.flags.noSparse {
		jc := backend.NewSparseJacobianContainer(rows)
		p.measure(name+" jacobian/sparse", func() { jc.Clear(); jacobians(jc); step() })
	}
	if !p.flags.noDense {
		jc := backend.NewDenseJacobianContainer(rows, cols)
		p.measure(name+" jacobian/dense", func() { jc.Clear(); jacobians(jc); step() })
	}
	return nil
}

func newProfileCmd(a *app) *cobra.Command {
	var f profileFlags
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Time expression evaluation with sparse and dense Jacobian containers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.iterations <= 0 {
				return fmt.Errorf("--iterations must be positive")
			}
			p := &profiler{flags: f}
			if !f.noScalar {
				if err := p.profileScalar(); err != nil {
					return err
				}
			}
			if !f.noRotation {
				if err := p.profileRotation(); err != nil {
					return err
				}
			}
			a.logger.Debug("profiling finished", "runs", len(p.timings), "iterations", f.iterations)
			return p.print(cmd.OutOrStdout())
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&f.iterations, "iterations", 100000, "number of calls per measurement")
	flags.BoolVar(&f.noUpdate, "no-update", false, "don't update the design variables after each call")
	flags.BoolVar(&f.noSparse, "no-sparse", false, "don't profile the sparse Jacobian container")
	flags.BoolVar(&f.noDense, "no-dense", false, "don't profile the dense Jacobian container")
	flags.BoolVar(&f.noScalar, "no-scalar", false, "don't profile scalar expressions")
	flags.BoolVar(&f.noRotation, "no-rotation", false, "don't profile rotation expressions")
	flags.BoolVar(&f.noError, "no-error", false, "don't profile error evaluation")
	flags.BoolVar(&f.noJacobian, "no-jacobian", false, "don't profile Jacobian evaluation")
	return cmd
}
