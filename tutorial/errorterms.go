// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tutorial

import (
	"github.com/curioloop/calib/backend"
	"github.com/curioloop/calib/expression"
	"gonum.org/v1/gonum/mat"
)

// scalarResidual is the one dimensional residual given by an expression.
type scalarResidual struct {
	expr expression.ScalarExpression
}

func (r scalarResidual) EvaluateError(e *mat.VecDense) { e.SetVec(0, r.expr.Evaluate()) }

func (r scalarResidual) EvaluateJacobians(jc backend.JacobianContainer) { r.expr.EvaluateJacobians(jc) }

func newScalarTerm(expr expression.ScalarExpression, sigma2 float64) (*backend.ErrorTermFs, error) {
	if sigma2 <= 0 {
		return nil, backend.Errorf("tutorial", backend.ErrInvalidArgument, "variance must be positive")
	}
	set := backend.NewDesignVariableSet()
	expr.DesignVariables(set)
	et, err := backend.NewErrorTermFs(1, scalarResidual{expr}, set.Slice()...)
	if err != nil {
		return nil, err
	}
	if err := et.SetInvR(mat.NewDense(1, 1, []float64{1 / sigma2})); err != nil {
		return nil, err
	}
	return et, nil
}

// NewObservationErrorTerm returns e = y - (w - x) for the robot position x,
// the wall position w and an observed distance y with variance sigma2.
func NewObservationErrorTerm(x, w expression.ScalarExpression, y, sigma2 float64) (*backend.ErrorTermFs, error) {
	return newScalarTerm(expression.NewScalarConstant(y).Sub(w.Sub(x)), sigma2)
}

// NewMotionErrorTerm returns e = (x - prev) - u for two consecutive robot
// positions and an odometry reading u with variance sigma2.
func NewMotionErrorTerm(prev, x expression.ScalarExpression, u, sigma2 float64) (*backend.ErrorTermFs, error) {
	return newScalarTerm(x.Sub(prev).AddConst(-u), sigma2)
}
