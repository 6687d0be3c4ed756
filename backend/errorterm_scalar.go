// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import (
	"math"

	"github.com/curioloop/calib/numdiff"
	"gonum.org/v1/gonum/mat"
)

// ScalarResidual is the model behind a ScalarErrorTerm.
type ScalarResidual interface {
	EvaluateError() float64
	// EvaluateJacobians adds the 1 × dim derivative of every bound variable into jc.
	EvaluateJacobians(jc JacobianContainer)
}

// ScalarErrorTerm is a non-squared scalar term contributing w·e to the objective.
//
// Robust weighting applies the M-estimator weight of the raw error magnitude
// directly, without the square root used by squared terms. The robust
// contribution is w·sign(e)·ρ(|e|), whose derivative is w·Weight(|e|)·J.
type ScalarErrorTerm struct {
	termBase
	model ScalarResidual
	w     float64
	raw   float64
	jc    *SparseJacobianContainer
}

// NewScalarErrorTerm creates a term with unit weight.
func NewScalarErrorTerm(model ScalarResidual, dvs ...DesignVariable) (*ScalarErrorTerm, error) {
	if model == nil {
		return nil, Errorf("NewScalarErrorTerm", ErrInvalidArgument, "residual model is required")
	}
	et := &ScalarErrorTerm{
		termBase: termBase{mest: NoMEstimator{}},
		model:    model,
		w:        1,
		jc:       NewSparseJacobianContainer(1),
	}
	if len(dvs) > 0 {
		if err := et.SetDesignVariables(dvs...); err != nil {
			return nil, err
		}
	}
	return et, nil
}

func (et *ScalarErrorTerm) Dimension() int { return 1 }

func (et *ScalarErrorTerm) Weight() float64     { return et.w }
func (et *ScalarErrorTerm) SetWeight(w float64) { et.w = w }

// EvaluateError computes the raw error and returns its weighted value w·e.
func (et *ScalarErrorTerm) EvaluateError() float64 {
	et.raw = et.model.EvaluateError()
	return et.w * et.raw
}

// RawError returns the raw error of the last evaluation.
func (et *ScalarErrorTerm) RawError() float64 { return et.raw }

func (et *ScalarErrorTerm) mestWeight(useM bool) float64 {
	if !useM || et.mest == nil {
		return 1
	}
	return et.mest.Weight(math.Abs(et.raw))
}

// WeightedError returns the objective contribution of the last evaluation.
func (et *ScalarErrorTerm) WeightedError(useM bool) float64 {
	if useM && et.mest != nil {
		return et.w * math.Copysign(RobustLoss(et.mest, math.Abs(et.raw)), et.raw)
	}
	return et.w * et.raw
}

func (et *ScalarErrorTerm) EvaluateJacobians() {
	et.jc.Reset(1)
	et.model.EvaluateJacobians(et.jc)
}

func (et *ScalarErrorTerm) Jacobians() JacobianContainer { return et.jc }

// WeightedJacobians evaluates the Jacobians and returns them multiplied by
// w, the robust weight and the scaling of each variable.
func (et *ScalarErrorTerm) WeightedJacobians(useM bool) JacobianContainer {
	et.EvaluateJacobians()
	jc := et.jc.Clone()
	s := et.w * et.mestWeight(useM)
	for _, dv := range jc.DesignVariables() {
		jc.Scale(dv, s*dv.Scaling())
	}
	return jc
}

func (et *ScalarErrorTerm) EvaluateJacobiansFiniteDifference() error {
	n := et.minimalDimensions()
	et.jc.Reset(1)
	if n == 0 {
		return nil
	}
	approx := numdiff.ApproxSpec{
		N: n, M: 1, Method: numdiff.Central, AbsStep: 1e-6,
		Object: func(x, y []float64) {
			et.perturb(x, func() { y[0] = et.model.EvaluateError() })
		},
	}
	J, err := approx.Jacobian(make([]float64, n))
	if err != nil {
		return err
	}
	off := 0
	for _, dv := range et.dvs {
		d := dv.MinimalDimensions()
		et.jc.Add(dv, J.Slice(0, 1, off, off+d))
		off += d
	}
	return nil
}

// AddRow adds the 1 × len(v) derivative v of dv into jc.
func AddRow(jc JacobianContainer, dv DesignVariable, v ...float64) {
	jc.Add(dv, mat.NewDense(1, len(v), v))
}
