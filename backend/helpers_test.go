// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// vecDV is a Euclidean design variable used across the package tests.
type vecDV struct {
	DesignVariableBase
	p    []float64
	undo Undo
}

func newVecDV(p ...float64) *vecDV {
	return &vecDV{DesignVariableBase: NewDesignVariableBase(), p: append([]float64(nil), p...)}
}

func (v *vecDV) MinimalDimensions() int { return len(v.p) }

func (v *vecDV) Update(dp []float64) error {
	if err := CheckUpdate(v, dp); err != nil {
		return err
	}
	v.undo.Save(v.p)
	for i, d := range dp {
		v.p[i] += d
	}
	return nil
}

func (v *vecDV) RevertUpdate() error { return v.undo.Restore(v.p) }

func (v *vecDV) Parameters() *mat.Dense {
	return mat.NewDense(len(v.p), 1, append([]float64(nil), v.p...))
}

func (v *vecDV) SetParameters(p mat.Matrix) error {
	if err := CheckParameters(p, len(v.p), 1); err != nil {
		return err
	}
	for i := range v.p {
		v.p[i] = p.At(i, 0)
	}
	v.undo.Discard()
	return nil
}

func (v *vecDV) MinimalDifference(xHat mat.Matrix) ([]float64, error) {
	if err := CheckParameters(xHat, len(v.p), 1); err != nil {
		return nil, err
	}
	d := make([]float64, len(v.p))
	for i := range d {
		d[i] = v.p[i] - xHat.At(i, 0)
	}
	return d, nil
}

// curveResidual is e = [a₀a₁ − b₀, sin a₀ + b₀²].
type curveResidual struct {
	a, b *vecDV
}

func (r *curveResidual) EvaluateError(e *mat.VecDense) {
	a, b := r.a.p, r.b.p
	e.SetVec(0, a[0]*a[1]-b[0])
	e.SetVec(1, math.Sin(a[0])+b[0]*b[0])
}

func (r *curveResidual) EvaluateJacobians(jc JacobianContainer) {
	a, b := r.a.p, r.b.p
	jc.Add(r.a, mat.NewDense(2, 2, []float64{
		a[1], a[0],
		math.Cos(a[0]), 0,
	}))
	jc.Add(r.b, mat.NewDense(2, 1, []float64{-1, 2 * b[0]}))
}

// offsetResidual is e = a₀ + 2a₁ − c.
type offsetResidual struct {
	a *vecDV
	c float64
}

func (r *offsetResidual) EvaluateError() float64 { return r.a.p[0] + 2*r.a.p[1] - r.c }

func (r *offsetResidual) EvaluateJacobians(jc JacobianContainer) { AddRow(jc, r.a, 1, 2) }

func requirePanicsIs(t *testing.T, target error, f func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic")
		err, ok := r.(error)
		require.True(t, ok, "panic value %v is not an error", r)
		require.ErrorIs(t, err, target)
	}()
	f()
}

func newCurveTerm(t *testing.T) (*ErrorTermFs, *vecDV, *vecDV) {
	t.Helper()
	a, b := newVecDV(0.3, -1.2), newVecDV(0.8)
	et, err := NewErrorTermFs(2, &curveResidual{a: a, b: b}, a, b)
	require.NoError(t, err)
	return et, a, b
}
