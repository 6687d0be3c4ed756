// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package backendtest checks implementations of the backend contracts against
// finite differences. It only drives variables through Update and
// RevertUpdate, so it applies to any design variable, expression or error term.
package backendtest

import (
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/curioloop/calib/backend"
	"github.com/curioloop/calib/numdiff"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// RandomUpdate returns a local update for dv with entries uniform in [-scale, scale).
func RandomUpdate(rng *rand.Rand, dv backend.DesignVariable, scale float64) []float64 {
	dp := make([]float64, dv.MinimalDimensions())
	for i := range dp {
		dp[i] = scale * (2*rng.Float64() - 1)
	}
	return dp
}

// DesignVariable verifies the update contract of dv:
// Update followed by RevertUpdate is bit identical, a mismatched update is
// rejected, a second revert fails and MinimalDifference inverts Update.
func DesignVariable(t *testing.T, dv backend.DesignVariable, rng *rand.Rand, scale float64) {
	t.Helper()

	before := dv.Parameters()
	for trial := 0; trial < 10; trial++ {
		require.NoError(t, dv.Update(RandomUpdate(rng, dv, scale)))
		require.NoError(t, dv.RevertUpdate())
		require.True(t, mat.Equal(before, dv.Parameters()), "revert is not bit identical")
	}
	require.ErrorIs(t, dv.RevertUpdate(), backend.ErrUnsupportedOperation)
	require.ErrorIs(t, dv.Update(make([]float64, dv.MinimalDimensions()+1)), backend.ErrInvalidArgument)
	require.True(t, mat.Equal(before, dv.Parameters()))

	dp := RandomUpdate(rng, dv, scale)
	require.NoError(t, dv.Update(dp))
	d, err := dv.MinimalDifference(before)
	require.NoError(t, err)
	require.InDeltaSlice(t, dp, d, 1e-9*math.Max(1, scale))
	require.NoError(t, dv.RevertUpdate())

	require.NoError(t, dv.SetParameters(before))
	require.True(t, mat.Equal(before, dv.Parameters()))
}

// Jacobians compares the analytic Jacobians of value with central differences
// taken by perturbing each of dvs through its local update.
//
// value returns the current function value and jacobians adds the analytic
// blocks into a container of matching row dimension. A variable without a
// block must have a zero derivative.
func Jacobians(t *testing.T, dvs []backend.DesignVariable, value func() []float64, jacobians func(jc backend.JacobianContainer), tol float64) {
	t.Helper()

	m := len(value())
	jc := backend.NewSparseJacobianContainer(m)
	jacobians(jc)

	for k, dv := range dvs {
		n := dv.MinimalDimensions()
		approx := numdiff.ApproxSpec{
			N: n, M: m, Method: numdiff.Central, AbsStep: 1e-6,
			Object: func(x, y []float64) {
				if err := dv.Update(x); err != nil {
					panic(err)
				}
				copy(y, value())
				if err := dv.RevertUpdate(); err != nil {
					panic(err)
				}
			},
		}
		want, err := approx.Jacobian(make([]float64, n))
		require.NoError(t, err)

		got, ok := jc.Jacobian(dv)
		if !ok || !dv.Active() {
			got = mat.NewDense(m, n, nil)
		}
		requireClose(t, want, got, tol, "design variable %d", k)
	}
}

// Term is the part of the error term contract shared by squared and scalar terms.
type Term interface {
	Dimension() int
	DesignVariables() []backend.DesignVariable
	EvaluateError() float64
	EvaluateJacobians()
	EvaluateJacobiansFiniteDifference() error
	Jacobians() backend.JacobianContainer
}

var (
	_ Term = (backend.ErrorTerm)(nil)
	_ Term = (*backend.ScalarErrorTerm)(nil)
)

// ErrorTermJacobians compares the analytic Jacobians of et with its finite
// difference Jacobians at the current state.
func ErrorTermJacobians(t *testing.T, et Term, tol float64) {
	t.Helper()

	et.EvaluateError()
	et.EvaluateJacobians()
	analytic := snapshot(et.Jacobians())
	require.NoError(t, et.EvaluateJacobiansFiniteDifference())
	numeric := snapshot(et.Jacobians())

	for k, dv := range et.DesignVariables() {
		if !dv.Active() {
			continue
		}
		want, ok := numeric[dv]
		require.True(t, ok, "no finite difference block for design variable %d", k)
		got, ok := analytic[dv]
		if !ok {
			got = mat.NewDense(et.Dimension(), dv.MinimalDimensions(), nil)
		}
		requireClose(t, want, got, tol, "design variable %d", k)
	}
}

func snapshot(jc backend.JacobianContainer) map[backend.DesignVariable]*mat.Dense {
	out := make(map[backend.DesignVariable]*mat.Dense)
	for _, dv := range jc.DesignVariables() {
		b, _ := jc.Jacobian(dv)
		out[dv] = mat.DenseCopyOf(b)
	}
	return out
}

// requireClose checks |want - got| ≤ tol·max(1, |want|) entrywise.
func requireClose(t *testing.T, want, got mat.Matrix, tol float64, format string, args ...any) {
	t.Helper()
	label := fmt.Sprintf(format, args...)
	wr, wc := want.Dims()
	gr, gc := got.Dims()
	require.Equal(t, []int{wr, wc}, []int{gr, gc}, label)
	for i := 0; i < wr; i++ {
		for j := 0; j < wc; j++ {
			w, g := want.At(i, j), got.At(i, j)
			if math.Abs(w-g) > tol*math.Max(1, math.Abs(w)) {
				require.Failf(t, "jacobian mismatch", "%s: entry (%d, %d) want %g got %g\nwant\n%v\ngot\n%v",
					label, i, j, w, g, mat.Formatted(want), mat.Formatted(got))
			}
		}
	}
}
