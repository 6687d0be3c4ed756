// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package numdiff estimates Jacobians of vector functions by finite differences.
//
// It is the reference against which analytic expression and error term
// Jacobians are verified. The differentiated function is usually a closure that
// applies a local perturbation to a set of design variables, evaluates a
// residual and reverts the perturbation, so the origin of the evaluation is the
// zero vector and steps are chosen relative to max(1, |x|).
package numdiff

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

var sqrtEps = math.Sqrt(math.Nextafter(1, 2) - 1)
var cubeEps = math.Pow(math.Nextafter(1, 2)-1, float64(1)/3)

type Method int

const (
	// Forward use the first order accuracy forward difference.
	Forward Method = iota
	// Central use the second order accuracy central difference.
	Central
)

// ApproxSpec describes a finite difference approximation of 𝒇 : ℝⁿ → ℝᵐ.
//
// # Reference:
//
//   - https://en.wikipedia.org/wiki/Finite_difference
//   - https://github.com/scipy/scipy/blob/main/scipy/optimize/_numdiff.py
type ApproxSpec struct {
	N, M int
	// Function of which to estimate the derivatives.
	// The argument x is an n-vector and the result is stored in the m-vector y.
	// The function must not retain x.
	Object func(x, y []float64)
	// Finite difference method to use.
	Method Method
	// Relative step size. When neither RelStep nor AbsStep is given the
	// step is h = 𝚎𝚙𝚜 × sign(x₀) × max(1, |x₀|) with 𝚎𝚙𝚜 chosen by Method.
	RelStep float64
	// Absolute step size, takes precedence over RelStep.
	// For Central method the sign of AbsStep is ignored.
	AbsStep float64
	approxCtx
}

type approxCtx struct {
	f0, fx  []float64
	absStep []float64
}

// Check validates the approximation settings against x0 and diff and prepares the workspace.
func (as *ApproxSpec) Check(x0, diff []float64) error {
	switch {
	case as.N <= 0 || as.M <= 0:
		return errors.New("negative dimensions")
	case as.Method != Forward && as.Method != Central:
		return errors.New("unknown method")
	case as.Object == nil:
		return errors.New("object function is required")
	case as.N != len(x0):
		return errors.New("invalid x0 dimensions")
	case as.N*as.M != len(diff):
		return errors.New("invalid diff dimensions")
	}

	if len(as.f0) != as.M {
		as.f0 = make([]float64, as.M)
	}
	if len(as.fx) != as.M*(int(as.Method)+1) {
		as.fx = make([]float64, as.M*(int(as.Method)+1))
	}
	if len(as.absStep) != as.N {
		as.absStep = make([]float64, as.N)
	}
	return nil
}

// Diff stores the m × n Jacobian estimate at x0 into diff in row-major order,
// that is ∂yⱼ/∂xᵢ is found at diff[i+j×n].
// x0 is modified during the evaluation and restored before return.
func (as *ApproxSpec) Diff(x0, diff []float64) error {
	if err := as.Check(x0, diff); err != nil {
		return err
	}
	as.absoluteStep(x0)
	if as.Method == Central {
		as.approxCentral(x0, diff)
	} else {
		as.approxForward(x0, diff)
	}
	return nil
}

// Jacobian is like Diff but allocates the result as an m × n matrix.
func (as *ApproxSpec) Jacobian(x0 []float64) (*mat.Dense, error) {
	diff := make([]float64, as.N*as.M)
	if err := as.Diff(x0, diff); err != nil {
		return nil, err
	}
	return mat.NewDense(as.M, as.N, diff), nil
}

func (as *ApproxSpec) absoluteStep(x0 []float64) {
	h := as.absStep
	if len(h) != len(x0) {
		panic("bound check error")
	}

	eps := sqrtEps
	if as.Method == Central {
		eps = cubeEps
	}

	for i, v := range x0 {
		s := as.AbsStep
		if s == 0 && as.RelStep != 0 {
			s = math.Copysign(as.RelStep, v) * math.Abs(v)
		}
		// Fall back to the automatic step when the requested one vanishes in x+h.
		if s == 0 || (v+s)-v == 0 {
			s = math.Copysign(eps, v) * math.Max(1.0, math.Abs(v))
		}
		if as.Method == Central {
			s = math.Abs(s)
		}
		h[i] = s
	}
}

func (as *ApproxSpec) approxForward(x0, df []float64) {
	f0, fx, h, n := as.f0, as.fx, as.absStep, as.N
	if len(h) != len(x0) || len(f0) != len(fx) {
		panic("bound check error")
	}

	as.Object(x0, f0)
	for i, s := range h {
		t := x0[i]
		x0[i] = t + s
		as.Object(x0, fx)
		d := 1.0 / s
		for j := range f0 {
			df[i+j*n] = (fx[j] - f0[j]) * d
		}
		x0[i] = t
	}
}

func (as *ApproxSpec) approxCentral(x0, df []float64) {
	h, n, m := as.absStep, as.N, as.M
	lo, hi := as.fx[:m], as.fx[m:]
	if len(h) != len(x0) || len(lo) != len(hi) {
		panic("bound check error")
	}

	for i, s := range h {
		t := x0[i]
		x0[i] = t - s
		as.Object(x0, lo)
		x0[i] = t + s
		as.Object(x0, hi)
		d := 1.0 / (2 * s)
		for j := 0; j < m; j++ {
			df[i+j*n] = (hi[j] - lo[j]) * d
		}
		x0[i] = t
	}
}
