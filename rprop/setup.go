// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rprop

import (
	"math"

	"github.com/curioloop/calib/backend"
	"gonum.org/v1/gonum/mat"
)

// jacobianTolerance bounds |analytic − numeric| / max(1, |analytic|).
const jacobianTolerance = 1e-4

// jacobianTerm is the part of an error term needed to cross-check its Jacobians.
type jacobianTerm interface {
	DesignVariables() []backend.DesignVariable
	EvaluateError() float64
	EvaluateJacobians()
	EvaluateJacobiansFiniteDifference() error
	Jacobians() backend.JacobianContainer
}

// CheckProblemSetup verifies that every error term is bound to design
// variables of the problem and that its analytic Jacobians agree with
// central finite differences at the current state.
func (o *Optimizer) CheckProblemSetup() error {
	if o.problem == nil {
		return backend.Errorf("CheckProblemSetup", backend.ErrUnsupportedOperation, "no problem is set")
	}
	p := o.problem
	in := backend.NewDesignVariableSet()
	for i := 0; i < p.NumDesignVariables(); i++ {
		in.Insert(p.DesignVariable(i))
	}

	terms := make([]jacobianTerm, 0, p.NumErrorTerms()+p.NumScalarErrorTerms())
	for i := 0; i < p.NumErrorTerms(); i++ {
		terms = append(terms, p.ErrorTerm(i))
	}
	for i := 0; i < p.NumScalarErrorTerms(); i++ {
		terms = append(terms, p.ScalarErrorTerm(i))
	}

	for k, et := range terms {
		dvs := et.DesignVariables()
		if len(dvs) == 0 {
			return backend.Errorf("CheckProblemSetup", backend.ErrInvalidArgument, "error term %d has no design variables", k)
		}
		for _, dv := range dvs {
			if !in.Contains(dv) {
				return backend.Errorf("CheckProblemSetup", backend.ErrInvalidArgument,
					"error term %d depends on a design variable outside the problem", k)
			}
		}
		if err := checkJacobians(k, et); err != nil {
			return err
		}
	}
	return nil
}

func checkJacobians(k int, et jacobianTerm) error {
	et.EvaluateError()
	et.EvaluateJacobians()
	analytic := make(map[backend.DesignVariable]*mat.Dense)
	jc := et.Jacobians()
	for _, dv := range jc.DesignVariables() {
		J, _ := jc.Jacobian(dv)
		analytic[dv] = mat.DenseCopyOf(J)
	}
	if err := et.EvaluateJacobiansFiniteDifference(); err != nil {
		return err
	}
	defer et.EvaluateJacobians()

	numeric := et.Jacobians()
	for _, dv := range et.DesignVariables() {
		a, okA := analytic[dv]
		n, okN := numeric.Jacobian(dv)
		switch {
		case !okA && !okN:
			continue
		case !okA:
			a = mat.NewDense(n.RawMatrix().Rows, n.RawMatrix().Cols, nil)
		case !okN:
			n = mat.NewDense(a.RawMatrix().Rows, a.RawMatrix().Cols, nil)
		}
		r, c := a.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				av, nv := a.At(i, j), n.At(i, j)
				if math.Abs(av-nv) > jacobianTolerance*math.Max(1, math.Abs(av)) {
					return backend.Errorf("CheckProblemSetup", backend.ErrInvalidArgument,
						"error term %d: analytic Jacobian (%d, %d) is %g, finite difference gives %g", k, i, j, av, nv)
				}
			}
		}
	}
	return nil
}
