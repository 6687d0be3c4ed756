// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package marginal

import (
	"github.com/curioloop/calib/backend"
	"gonum.org/v1/gonum/mat"
)

// PriorErrorTerm is the linearized information left by marginalization:
//
//	𝐞 = 𝐝 - 𝐑·Δ𝐱
//
// where Δ𝐱 stacks the minimal differences of the remaining design variables
// from their linearization point, divided by the scaling they had at that time.
// 𝐑 and 𝐝 are already whitened, so the term has identity covariance.
type PriorErrorTerm struct {
	*backend.ErrorTermFs
	prior *priorResidual
}

var _ backend.ErrorTerm = (*PriorErrorTerm)(nil)

// NewPriorErrorTerm creates a prior over dvs linearized at their current
// parameters. R has as many columns as the minimal dimensions of dvs summed
// and as many rows as d.
func NewPriorErrorTerm(dvs []backend.DesignVariable, r mat.Matrix, d mat.Vector) (*PriorErrorTerm, error) {
	rows, cols := r.Dims()
	n := 0
	for i, dv := range dvs {
		if dv == nil {
			return nil, backend.Errorf("NewPriorErrorTerm", backend.ErrInvalidArgument, "design variable %d is nil", i)
		}
		n += dv.MinimalDimensions()
	}
	switch {
	case len(dvs) == 0:
		return nil, backend.Errorf("NewPriorErrorTerm", backend.ErrInvalidArgument, "no design variables")
	case cols != n:
		return nil, backend.Errorf("NewPriorErrorTerm", backend.ErrInvalidArgument, "R has %d columns, design variables have %d", cols, n)
	case d.Len() != rows:
		return nil, backend.Errorf("NewPriorErrorTerm", backend.ErrInvalidArgument, "d has %d rows, R has %d", d.Len(), rows)
	}

	pr := &priorResidual{
		dvs:     append([]backend.DesignVariable(nil), dvs...),
		x0:      make([]*mat.Dense, len(dvs)),
		scaling: make([]float64, len(dvs)),
		offsets: make([]int, len(dvs)),
		r:       mat.DenseCopyOf(r),
		d:       mat.VecDenseCopyOf(d),
		dx:      mat.NewVecDense(n, nil),
	}
	off := 0
	for i, dv := range dvs {
		pr.x0[i] = dv.Parameters()
		pr.scaling[i] = dv.Scaling()
		pr.offsets[i] = off
		off += dv.MinimalDimensions()
	}

	et, err := backend.NewErrorTermFs(rows, pr, dvs...)
	if err != nil {
		return nil, err
	}
	return &PriorErrorTerm{ErrorTermFs: et, prior: pr}, nil
}

// R returns a copy of the square root information matrix.
func (p *PriorErrorTerm) R() *mat.Dense { return mat.DenseCopyOf(p.prior.r) }

// D returns a copy of the residual at the linearization point.
func (p *PriorErrorTerm) D() *mat.VecDense { return mat.VecDenseCopyOf(p.prior.d) }

// LinearizationPoint returns the parameters of the i-th design variable when the prior was built.
func (p *PriorErrorTerm) LinearizationPoint(i int) *mat.Dense {
	if i < 0 || i >= len(p.prior.x0) {
		panic(backend.Errorf("LinearizationPoint", backend.ErrOutOfBounds, "index %d outside [0, %d)", i, len(p.prior.x0)))
	}
	return mat.DenseCopyOf(p.prior.x0[i])
}

type priorResidual struct {
	dvs     []backend.DesignVariable
	x0      []*mat.Dense
	scaling []float64
	offsets []int
	r       *mat.Dense
	d       *mat.VecDense
	dx      *mat.VecDense
}

func (pr *priorResidual) EvaluateError(e *mat.VecDense) {
	for i, dv := range pr.dvs {
		diff, err := dv.MinimalDifference(pr.x0[i])
		if err != nil {
			panic(err)
		}
		for j, v := range diff {
			pr.dx.SetVec(pr.offsets[i]+j, v/pr.scaling[i])
		}
	}
	e.MulVec(pr.r, pr.dx)
	e.SubVec(pr.d, e)
}

func (pr *priorResidual) EvaluateJacobians(jc backend.JacobianContainer) {
	rows, _ := pr.r.Dims()
	for i, dv := range pr.dvs {
		off, d := pr.offsets[i], dv.MinimalDimensions()
		var J mat.Dense
		J.Scale(-1/pr.scaling[i], pr.r.Slice(0, rows, off, off+d))
		jc.Add(dv, &J)
	}
}
