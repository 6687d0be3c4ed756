// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestSimpleProblem(t *testing.T) {
	p := NewSimpleProblem()
	et, a, b := newCurveTerm(t)
	c := newVecDV(0, 0)
	st, err := NewScalarErrorTerm(&offsetResidual{a: c}, c)
	require.NoError(t, err)

	require.ErrorIs(t, p.AddDesignVariable(nil), ErrInvalidArgument)
	require.ErrorIs(t, p.AddErrorTerm(nil), ErrInvalidArgument)
	require.ErrorIs(t, p.AddScalarErrorTerm(nil), ErrInvalidArgument)

	for _, dv := range []DesignVariable{a, b, c, a} {
		require.NoError(t, p.AddDesignVariable(dv))
	}
	require.NoError(t, p.AddErrorTerm(et))
	require.NoError(t, p.AddScalarErrorTerm(st))

	require.Equal(t, 3, p.NumDesignVariables())
	require.Same(t, b, p.DesignVariable(1))
	require.Equal(t, 1, p.NumErrorTerms())
	require.Equal(t, 1, p.NumScalarErrorTerms())
	require.Same(t, st, p.ScalarErrorTerm(0))
	require.True(t, p.Contains(c))
	requirePanicsIs(t, ErrOutOfBounds, func() { p.DesignVariable(3) })
	requirePanicsIs(t, ErrOutOfBounds, func() { p.ErrorTerm(-1) })

	ets, scalar := p.ErrorTermsOf(a)
	require.Len(t, ets, 1)
	require.Empty(t, scalar)
	ets, scalar = p.ErrorTermsOf(c)
	require.Empty(t, ets)
	require.Len(t, scalar, 1)

	p.Clear()
	require.Zero(t, p.NumDesignVariables())
	require.Zero(t, p.NumErrorTerms())
	require.False(t, p.Contains(a))
}

func TestRanges(t *testing.T) {
	require.Equal(t, [][2]int{{0, 3}, {3, 6}, {6, 10}}, Ranges(10, 3))
	require.Equal(t, [][2]int{{0, 1}, {1, 2}}, Ranges(2, 8))
	require.Equal(t, [][2]int{{0, 5}}, Ranges(5, 0))
	require.Empty(t, Ranges(0, 4))
}

func TestDenseSystem(t *testing.T) {
	et1, a, b := newCurveTerm(t)
	et2, err := NewErrorTermFs(2, &curveResidual{a: a, b: b}, a, b)
	require.NoError(t, err)
	require.NoError(t, et2.SetSqrtInvR(mat.NewDense(2, 2, []float64{2, 0, 0, 0.5})))
	b.SetBlockIndex(0)
	b.SetColumnBase(0)
	a.SetBlockIndex(1)
	a.SetColumnBase(1)
	et1.SetRowBase(2)
	et2.SetRowBase(0)

	s := NewDenseSystem()
	require.ErrorIs(t, s.BuildSystem(1, false), ErrUnsupportedOperation)
	require.NoError(t, s.InitStructure([]DesignVariable{b, a}, []ErrorTerm{et1, et2}, false))
	require.ErrorIs(t, s.BuildSystem(1, false), ErrUnsupportedOperation)

	for _, threads := range []int{1, 2, 4} {
		chi2 := s.EvaluateError(threads, false)
		require.InDelta(t, et1.RawSquaredError()+et2.RawSquaredError(), chi2, 1e-12)
		require.NoError(t, s.BuildSystem(threads, false))
		rows, cols := s.Dims()
		require.Equal(t, 4, rows)
		require.Equal(t, 3, cols)

		// rows of et1 start at 2
		J := s.Jacobian()
		w1 := et1.WeightedJacobians(false).(*SparseJacobianContainer).AsDense(3)
		require.True(t, mat.EqualApprox(w1, J.Slice(2, 4, 0, 3), 1e-12))
		e1 := et1.WeightedError(false)
		require.InDelta(t, -e1.AtVec(0), s.Rhs().AtVec(2), 1e-12)
		require.InDelta(t, -e1.AtVec(1), s.Rhs().AtVec(3), 1e-12)
	}
}

func TestDenseSystemConditioner(t *testing.T) {
	et, a, b := newCurveTerm(t)
	a.SetBlockIndex(0)
	a.SetColumnBase(0)
	b.SetBlockIndex(1)
	b.SetColumnBase(2)

	s := NewDenseSystem()
	require.ErrorIs(t, s.SetConditioner([]float64{1}), ErrUnsupportedOperation)
	require.NoError(t, s.InitStructure([]DesignVariable{a, b}, []ErrorTerm{et}, true))
	require.ErrorIs(t, s.SetConditioner([]float64{1}), ErrInvalidArgument)
	require.NoError(t, s.SetConditioner([]float64{1, 2, 3}))
	s.EvaluateError(1, false)
	require.NoError(t, s.BuildSystem(1, false))

	r, c := s.Jacobian().Dims()
	require.Equal(t, 5, r)
	require.Equal(t, 3, c)
	require.Equal(t, 3.0, s.Jacobian().At(4, 2))
	require.Zero(t, s.Rhs().AtVec(4))

	b.SetColumnBase(-1)
	require.ErrorIs(t, s.InitStructure([]DesignVariable{a, b}, []ErrorTerm{et}, false), ErrInvalidArgument)
}

func TestDenseSystemBuildHessian(t *testing.T) {
	for _, condition := range []bool{false, true} {
		et1, a, b := newCurveTerm(t)
		et2, err := NewErrorTermFs(2, &curveResidual{a: a, b: b}, a, b)
		require.NoError(t, err)
		require.NoError(t, et2.SetSqrtInvR(mat.NewDense(2, 2, []float64{2, 0, 0.3, 0.5})))
		et2.SetMEstimator(NewCauchyMEstimator(0.5))
		b.SetScaling(0.5)
		b.SetBlockIndex(0)
		b.SetColumnBase(0)
		a.SetBlockIndex(1)
		a.SetColumnBase(1)
		et1.SetRowBase(0)
		et2.SetRowBase(2)

		s := NewDenseSystem()
		_, _, err = s.BuildHessian(1, true)
		require.ErrorIs(t, err, ErrUnsupportedOperation)
		require.NoError(t, s.InitStructure([]DesignVariable{b, a}, []ErrorTerm{et1, et2}, condition))
		_, _, err = s.BuildHessian(1, true)
		require.ErrorIs(t, err, ErrUnsupportedOperation)
		if condition {
			require.NoError(t, s.SetConditioner([]float64{0.5, 2, 3}))
		}

		for _, threads := range []int{1, 2, 4} {
			s.EvaluateError(threads, true)
			require.NoError(t, s.BuildSystem(threads, true))
			J, rhs := s.Jacobian(), s.Rhs()
			var jtj mat.Dense
			jtj.Mul(J.T(), J)
			var jtb mat.VecDense
			jtb.MulVec(J.T(), rhs)

			h, g, err := s.BuildHessian(threads, true)
			require.NoError(t, err)
			require.Equal(t, 3, h.Dim())
			require.True(t, mat.EqualApprox(&jtj, h.Dense(), 1e-10), "threads %d conditioner %v", threads, condition)
			require.True(t, mat.EqualApprox(&jtb, g, 1e-10), "threads %d conditioner %v", threads, condition)
		}

		a.SetColumnBase(2)
		require.NoError(t, s.InitStructure([]DesignVariable{b, a}, []ErrorTerm{et1, et2}, false))
		s.EvaluateError(1, false)
		_, _, err = s.BuildHessian(1, false)
		require.ErrorIs(t, err, ErrInvalidArgument)

		a.SetColumnBase(1)
		a.SetBlockIndex(0)
		require.NoError(t, s.InitStructure([]DesignVariable{b, a}, []ErrorTerm{et1, et2}, false))
		s.EvaluateError(1, false)
		_, _, err = s.BuildHessian(1, false)
		require.ErrorIs(t, err, ErrInvalidArgument)
	}
}

func TestBlockMatrixMerge(t *testing.T) {
	m := NewBlockMatrix([]int{1, 2})
	m.AddBlock(0, 1, mat.NewDense(1, 2, []float64{1, 2}))
	o := NewBlockMatrix([]int{1, 2})
	o.AddBlock(0, 1, mat.NewDense(1, 2, []float64{3, 4}))
	o.AddBlock(1, 1, mat.NewDense(2, 2, []float64{1, 0, 0, 1}))
	m.Merge(o)

	b, ok := m.Block(0, 1)
	require.True(t, ok)
	require.Equal(t, []float64{4, 6}, b.RawRowView(0))
	require.Equal(t, 2, m.NumStoredBlocks())
	requirePanicsIs(t, ErrInvalidArgument, func() { m.Merge(NewBlockMatrix([]int{2, 1})) })
}
