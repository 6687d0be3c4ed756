// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package expression

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/curioloop/calib/backend"
	"github.com/curioloop/calib/backend/backendtest"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

const jacobianTol = 1e-6

// fdCase adapts an expression to the finite difference harness.
type fdCase struct {
	value     func() []float64
	jacobians func(jc backend.JacobianContainer)
	dvs       func(set *backend.DesignVariableSet)
}

func flat(v *mat.VecDense) []float64 {
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.AtVec(i)
	}
	return out
}

func ofScalar(e ScalarExpression) fdCase {
	return fdCase{func() []float64 { return []float64{e.Evaluate()} }, e.EvaluateJacobians, e.DesignVariables}
}

func ofVector(e VectorExpression) fdCase {
	return fdCase{func() []float64 { return flat(e.Evaluate()) }, e.EvaluateJacobians, e.DesignVariables}
}

func ofEuclidean(e EuclideanExpression) fdCase {
	return fdCase{func() []float64 { return flat(e.Evaluate()) }, e.EvaluateJacobians, e.DesignVariables}
}

func ofHomogeneous(e HomogeneousExpression) fdCase {
	return fdCase{func() []float64 { return flat(e.Evaluate()) }, e.EvaluateJacobians, e.DesignVariables}
}

func ofMatrix(e MatrixExpression) fdCase {
	return fdCase{
		func() []float64 {
			a := e.Evaluate()
			out := make([]float64, 0, 9)
			for c := 0; c < 3; c++ {
				for r := 0; r < 3; r++ {
					out = append(out, a.At(r, c))
				}
			}
			return out
		},
		e.EvaluateJacobians, e.DesignVariables,
	}
}

func (p fdCase) check(t *testing.T) {
	t.Helper()
	set := backend.NewDesignVariableSet()
	p.dvs(set)
	backendtest.Jacobians(t, set.Slice(), p.value, p.jacobians, jacobianTol)
}

func randRotation(t *testing.T, rng *rand.Rand) *RotationQuaternion {
	q := quat.Number{Real: rng.NormFloat64(), Imag: rng.NormFloat64(), Jmag: rng.NormFloat64(), Kmag: rng.NormFloat64()}
	r, err := NewRotationQuaternion(q)
	require.NoError(t, err)
	return r
}

func randPoint(rng *rand.Rand) *EuclideanPoint {
	return NewEuclideanPoint(rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64())
}

func TestLeafDesignVariables(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 12))
	mt, err := NewMatrixTransformation(
		mat.NewDense(3, 3, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}),
		mat.NewDense(3, 3, []float64{1, 0, 1, 0, 1, 0, 1, 1, 0}),
	)
	require.NoError(t, err)
	require.Equal(t, 5, mt.MinimalDimensions())

	cases := map[string]backend.DesignVariable{
		"scalar":     NewScalar(0.3),
		"vector":     NewVectorDesignVariable([]float64{1, -2, 3, 4, 5}),
		"euclidean":  randPoint(rng),
		"quaternion": randRotation(t, rng),
		"matrix":     mt,
	}
	for name, dv := range cases {
		t.Run(name, func(t *testing.T) {
			backendtest.DesignVariable(t, dv, rng, 0.5)
		})
	}
}

func TestRotationQuaternion(t *testing.T) {
	_, err := NewRotationQuaternion(quat.Number{})
	require.ErrorIs(t, err, backend.ErrInvalidArgument)

	rng := rand.New(rand.NewPCG(13, 14))
	r := randRotation(t, rng)
	c := r.Matrix()

	// orthonormal with unit determinant
	var ctc mat.Dense
	ctc.Mul(c.T(), c)
	require.True(t, mat.EqualApprox(&ctc, eye(3), 1e-12))
	require.InDelta(t, 1, mat.Det(c), 1e-12)

	// the matrix rotates like the quaternion sandwich product
	v := quat.Number{Imag: 0.3, Jmag: -1.1, Kmag: 2}
	w := quat.Mul(quat.Mul(r.Quaternion(), v), quat.Conj(r.Quaternion()))
	var cv mat.VecDense
	cv.MulVec(c, mat.NewVecDense(3, []float64{v.Imag, v.Jmag, v.Kmag}))
	require.InDeltaSlice(t, []float64{w.Imag, w.Jmag, w.Kmag}, flat(&cv), 1e-12)

	// left perturbation
	dp := []float64{0.2, -0.1, 0.05}
	require.NoError(t, r.Update(dp))
	var want mat.Dense
	want.Mul(rotationMatrix(QuaternionFromRotationVector(dp[0], dp[1], dp[2])), c)
	require.True(t, mat.EqualApprox(&want, r.Matrix(), 1e-12))

	require.ErrorIs(t, r.SetParameters(mat.NewDense(4, 1, nil)), backend.ErrInvalidArgument)
}

func TestMatrixTransformationErrors(t *testing.T) {
	_, err := NewMatrixTransformation(mat.NewDense(2, 3, nil), nil)
	require.ErrorIs(t, err, backend.ErrInvalidArgument)
	_, err = NewMatrixTransformation(mat.NewDense(3, 3, nil), mat.NewDense(3, 3, nil))
	require.ErrorIs(t, err, backend.ErrInvalidArgument)
	_, err = NewMatrixTransformation(mat.NewDense(3, 3, nil), mat.NewDense(2, 2, nil))
	require.ErrorIs(t, err, backend.ErrInvalidArgument)
}

func TestExpressionJacobians(t *testing.T) {
	rng := rand.New(rand.NewPCG(21, 22))
	c0, c1 := randRotation(t, rng), randRotation(t, rng)
	p0, p1, p2 := randPoint(rng), randPoint(rng), randPoint(rng)
	a, b := NewScalar(1.7), NewScalar(-0.4)
	v0 := NewVectorDesignVariable([]float64{0.5, 1, -2, 0.25})
	v1 := NewVectorDesignVariable([]float64{1, 0, 3, -1})
	h := NewVectorDesignVariable([]float64{0.2, -0.7, 1.3, 1.9})
	mt, err := NewMatrixTransformation(
		mat.NewDense(3, 3, []float64{2, 0.1, 0, -0.3, 1, 0.2, 0.5, 0, 1.5}),
		mat.NewDense(3, 3, []float64{1, 1, 0, 0, 1, 1, 1, 0, 1}),
	)
	require.NoError(t, err)

	C0, C1 := c0.ToExpression(), c1.ToExpression()
	P0, P1, P2 := p0.ToExpression(), p1.ToExpression(), p2.ToExpression()
	A, B := a.ToExpression(), b.ToExpression()

	cases := map[string]fdCase{
		"rotate point":          ofEuclidean(C0.Rotate(P0)),
		"rotation product":      ofEuclidean(C0.Mul(C1).Rotate(P0)),
		"rotation inverse":      ofEuclidean(C0.Inverse().Rotate(P0)),
		"rotate constant":       ofEuclidean(C0.Mul(C1.Inverse()).Rotate(NewEuclideanConstant(1, -2, 0.5))),
		"sum and difference":    ofEuclidean(C0.Rotate(P0.Add(P1)).Sub(P2)),
		"negate and offset":     ofEuclidean(P0.Neg().SubConst(1, 2, 3).Add(C1.Rotate(P0))),
		"cross":                 ofEuclidean(P0.Cross(C0.Rotate(P1))),
		"cross shared operand":  ofEuclidean(P0.Cross(P0.Add(P1))),
		"scale":                 ofEuclidean(C0.Rotate(P0).Scale(A.Mul(B))),
		"matrix times point":    ofEuclidean(mt.ToExpression().MulVec(C0.Rotate(P0))),
		"matrix":                ofMatrix(mt.ToExpression()),
		"to homogeneous":        ofHomogeneous(C0.RotateHomogeneous(P0.ToHomogeneous())),
		"homogeneous roundtrip": ofEuclidean(C1.RotateHomogeneous(h.ToExpression().ToHomogeneous()).ToEuclidean()),
		"scalar arithmetic":     ofScalar(A.Mul(B).Add(A).Sub(NewScalarConstant(3)).MulConst(2).Neg().AddConst(1)),
		"scalar square":         ofScalar(A.Mul(A).Sub(B)),
		"vector arithmetic":     ofVector(v0.ToExpression().Add(v1.ToExpression().Scale(B)).Sub(v1.ToExpression().Neg())),
		"vector element":        ofScalar(v0.ToExpression().Scale(A).Element(2).Mul(B)),
		"vector as point":       ofEuclidean(C0.Rotate(NewVectorDesignVariable([]float64{1, 2, 3}).ToExpression().ToEuclidean())),
		"point as vector":       ofVector(P0.Cross(P1).ToVector().Scale(A)),
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			p.check(t)
		})
	}
}

func TestEvaluateJacobiansChain(t *testing.T) {
	rng := rand.New(rand.NewPCG(31, 32))
	c, p := randRotation(t, rng), randPoint(rng)
	e := c.ToExpression().Rotate(p.ToExpression())
	e.Evaluate()

	plain := backend.NewSparseJacobianContainer(3)
	e.EvaluateJacobians(plain)

	m := mat.NewDense(2, 3, []float64{1, 2, 3, -1, 0, 0.5})
	chained := backend.NewSparseJacobianContainer(2)
	e.EvaluateJacobiansChain(chained, m)

	for _, dv := range []backend.DesignVariable{c, p} {
		j, ok := plain.Jacobian(dv)
		require.True(t, ok)
		var want mat.Dense
		want.Mul(m, j)
		got, ok := chained.Jacobian(dv)
		require.True(t, ok)
		require.True(t, mat.EqualApprox(&want, got, 1e-12))
	}

	require.PanicsWithError(t, "EuclideanExpression.EvaluateJacobiansChain: invalid argument: chain rule matrix has 2 columns, expression has dimension 3", func() {
		e.EvaluateJacobiansChain(chained, mat.NewDense(2, 2, nil))
	})
}

func TestDesignVariablesDeduplicated(t *testing.T) {
	p, q := NewEuclideanPoint(1, 2, 3), NewEuclideanPoint(0, 0, 1)
	set := backend.NewDesignVariableSet()
	e := p.ToExpression().Add(p.ToExpression()).Cross(q.ToExpression()).Sub(p.ToExpression())
	e.DesignVariables(set)
	require.Equal(t, []backend.DesignVariable{p, q}, set.Slice())

	set = backend.NewDesignVariableSet()
	NewEuclideanConstant(1, 2, 3).Add(NewEuclideanConstant(0, 1, 0)).DesignVariables(set)
	require.Zero(t, set.Len())

	// repeated leaves sum their contributions
	e = p.ToExpression().Add(p.ToExpression())
	e.Evaluate()
	jc := backend.NewSparseJacobianContainer(3)
	e.EvaluateJacobians(jc)
	j, _ := jc.Jacobian(p)
	require.True(t, mat.EqualApprox(j, mat.NewDiagDense(3, []float64{2, 2, 2}), 1e-15))
}

func TestConstantsAndInactive(t *testing.T) {
	p := NewEuclideanPoint(1, 2, 3)
	p.SetActive(false)
	e := NewRotationConstant(eye(3)).Rotate(p.ToExpression()).Add(NewEuclideanConstant(1, 1, 1))
	require.InDeltaSlice(t, []float64{2, 3, 4}, flat(e.Evaluate()), 1e-15)

	jc := backend.NewSparseJacobianContainer(3)
	e.EvaluateJacobians(jc)
	require.Empty(t, jc.DesignVariables())
}

func TestDimensionMismatch(t *testing.T) {
	v3 := NewVectorConstant([]float64{1, 2, 3})
	v2 := NewVectorConstant([]float64{1, 2})
	require.Panics(t, func() { v3.Add(v2) })
	require.Panics(t, func() { v2.ToEuclidean() })
	require.Panics(t, func() { v3.ToHomogeneous() })
	require.Panics(t, func() { v3.Element(3) })
	require.Panics(t, func() { NewRotationConstant(mat.NewDense(2, 2, nil)) })
}

func TestHomogeneousValues(t *testing.T) {
	h := NewHomogeneousConstant(2, 4, 6, 2)
	require.InDeltaSlice(t, []float64{1, 2, 3}, flat(h.ToEuclidean().Evaluate()), 1e-15)
	require.InDeltaSlice(t, []float64{1, 2, 3, 1}, flat(NewEuclideanConstant(1, 2, 3).ToHomogeneous().Evaluate()), 1e-15)
}

func TestSharedNodeConcurrentEvaluation(t *testing.T) {
	rng := rand.New(rand.NewPCG(41, 42))
	c, p := randRotation(t, rng), randPoint(rng)
	shared := c.ToExpression().Rotate(p.ToExpression())
	e := shared.Cross(shared.Scale(NewScalar(2).ToExpression()))

	want := flat(e.Evaluate())
	ref := backend.NewSparseJacobianContainer(3)
	e.EvaluateJacobians(ref)

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for i := 0; i < 50; i++ {
				got := flat(e.Evaluate())
				jc := backend.NewSparseJacobianContainer(3)
				e.EvaluateJacobians(jc)
				for k := range got {
					if math.Abs(got[k]-want[k]) > 1e-12 {
						return backend.Errorf("evaluate", backend.ErrInvalidArgument, "value drifted")
					}
				}
				for _, dv := range ref.DesignVariables() {
					a, _ := ref.Jacobian(dv)
					b, _ := jc.Jacobian(dv)
					if !mat.EqualApprox(a, b, 1e-12) {
						return backend.Errorf("evaluate", backend.ErrInvalidArgument, "jacobian drifted")
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}
