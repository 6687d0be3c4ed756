// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tutorial

import (
	"math"

	"github.com/curioloop/calib/backend"
	"github.com/curioloop/calib/expression"
	"gonum.org/v1/gonum/mat"
)

// Problem is the optimization problem built from a dataset.
//
// The first position anchors the gauge: it is held at the origin as an
// inactive design variable.
type Problem struct {
	*backend.SimpleProblem

	Wall      *expression.Scalar
	Positions []*expression.Scalar

	Observations []*backend.ErrorTermFs
	Motions      []*backend.ErrorTermFs
}

// Build creates the problem of ds. Positions start from dead reckoning of
// the odometry and the wall from the first observation.
func Build(ds *Dataset) (*Problem, error) {
	if ds == nil || len(ds.Observations) < 2 || len(ds.Odometry) != len(ds.Observations)-1 {
		return nil, backend.Errorf("tutorial.Build", backend.ErrInvalidArgument, "dataset needs K ≥ 2 observations and K-1 odometry readings")
	}
	cfg := ds.Config
	p := &Problem{
		SimpleProblem: backend.NewSimpleProblem(),
		Wall:          expression.NewScalar(ds.Observations[0]),
		Positions:     make([]*expression.Scalar, len(ds.Observations)),
	}
	if err := p.AddDesignVariable(p.Wall); err != nil {
		return nil, err
	}

	x := 0.0
	for k := range p.Positions {
		if k > 0 {
			x += ds.Odometry[k-1]
		}
		p.Positions[k] = expression.NewScalar(x)
		if k == 0 {
			p.Positions[k].SetActive(false)
		}
		if err := p.AddDesignVariable(p.Positions[k]); err != nil {
			return nil, err
		}
	}

	w := p.Wall.ToExpression()
	for k, y := range ds.Observations {
		et, err := NewObservationErrorTerm(p.Positions[k].ToExpression(), w, y, cfg.SigmaN*cfg.SigmaN)
		if err != nil {
			return nil, err
		}
		p.Observations = append(p.Observations, et)
		if err := p.AddErrorTerm(et); err != nil {
			return nil, err
		}
	}
	for k, u := range ds.Odometry {
		et, err := NewMotionErrorTerm(p.Positions[k].ToExpression(), p.Positions[k+1].ToExpression(), u, cfg.SigmaU*cfg.SigmaU)
		if err != nil {
			return nil, err
		}
		p.Motions = append(p.Motions, et)
		if err := p.AddErrorTerm(et); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// ErrorTerms returns the observation terms followed by the motion terms.
func (p *Problem) ErrorTerms() []backend.ErrorTerm {
	ets := make([]backend.ErrorTerm, 0, len(p.Observations)+len(p.Motions))
	for _, et := range p.Observations {
		ets = append(ets, et)
	}
	for _, et := range p.Motions {
		ets = append(ets, et)
	}
	return ets
}

// Cost returns the total chi-squared error at the current state.
func (p *Problem) Cost() float64 {
	c := 0.0
	for _, et := range p.ErrorTerms() {
		c += et.EvaluateError()
	}
	return c
}

// PositionRMSE returns the root mean square error of the estimated positions
// against the ground truth of ds.
func (p *Problem) PositionRMSE(ds *Dataset) float64 {
	s := 0.0
	for k, x := range p.Positions {
		d := x.Value() - ds.TruePositions[k]
		s += d * d
	}
	return math.Sqrt(s / float64(len(p.Positions)))
}

// Solve takes one Gauss-Newton step on the free variables, solving the
// normal equations assembled by nThreads workers. The tutorial model is
// linear, so the step lands on the least-squares estimate. It returns the
// cost after the step.
func (p *Problem) Solve(nThreads int) (float64, error) {
	var dvs []backend.DesignVariable
	cols := 0
	for i := 0; i < p.NumDesignVariables(); i++ {
		dv := p.DesignVariable(i)
		if !dv.Active() {
			continue
		}
		dv.SetBlockIndex(len(dvs))
		dv.SetColumnBase(cols)
		dvs = append(dvs, dv)
		cols += dv.MinimalDimensions()
	}
	ets := p.ErrorTerms()
	rows := 0
	for _, et := range ets {
		et.SetRowBase(rows)
		rows += et.Dimension()
	}

	sys := backend.NewDenseSystem()
	if err := sys.InitStructure(dvs, ets, false); err != nil {
		return 0, err
	}
	sys.EvaluateError(nThreads, false)
	h, rhs, err := sys.BuildHessian(nThreads, false)
	if err != nil {
		return 0, err
	}
	var chol mat.Cholesky
	if !chol.Factorize(h.Dense()) {
		return 0, backend.Errorf("tutorial.Solve", backend.ErrInvalidArgument, "normal equations are not positive definite")
	}
	var dx mat.VecDense
	if err := chol.SolveVecTo(&dx, rhs); err != nil {
		return 0, err
	}
	for _, dv := range dvs {
		cb, d := dv.ColumnBase(), dv.MinimalDimensions()
		step := make([]float64, d)
		for k := range step {
			step[k] = dv.Scaling() * dx.AtVec(cb+k)
		}
		if err := dv.Update(step); err != nil {
			return 0, err
		}
	}
	return p.Cost(), nil
}
