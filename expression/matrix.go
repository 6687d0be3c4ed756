// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package expression

import (
	"github.com/curioloop/calib/backend"
	"gonum.org/v1/gonum/mat"
)

// matrixNode evaluates to a 3 × 3 matrix A. Its chain rule matrices have nine
// columns, one per entry of A in column-major order.
type matrixNode interface {
	evaluate() *mat.Dense
	evaluateJacobians(jc backend.JacobianContainer, m mat.Matrix)
	designVariables(set *backend.DesignVariableSet)
}

// MatrixExpression is a differentiable 3 × 3 matrix.
type MatrixExpression struct {
	root matrixNode
}

func NewMatrixConstant(a mat.Matrix) MatrixExpression {
	if r, c := a.Dims(); r != 3 || c != 3 {
		panic(backend.Errorf("NewMatrixConstant", backend.ErrInvalidArgument, "matrix is %d×%d", r, c))
	}
	return MatrixExpression{&matrixConstant{mat.DenseCopyOf(a)}}
}

func (e MatrixExpression) Evaluate() *mat.Dense { return e.root.evaluate() }

// EvaluateJacobians adds the 9 × dim Jacobians with respect to the column-major entries.
func (e MatrixExpression) EvaluateJacobians(jc backend.JacobianContainer) {
	e.root.evaluateJacobians(jc, nil)
}

func (e MatrixExpression) EvaluateJacobiansChain(jc backend.JacobianContainer, m mat.Matrix) {
	checkChain("MatrixExpression.EvaluateJacobiansChain", m, 9)
	e.root.evaluateJacobians(jc, m)
}

func (e MatrixExpression) DesignVariables(set *backend.DesignVariableSet) {
	e.root.designVariables(set)
}

// MulVec returns A·p.
func (e MatrixExpression) MulVec(p EuclideanExpression) EuclideanExpression {
	return EuclideanExpression{&matrixPoint{mx: e.root, p: p.root}}
}

type matrixConstant struct {
	a *mat.Dense
}

func (n *matrixConstant) evaluate() *mat.Dense { return mat.DenseCopyOf(n.a) }

func (n *matrixConstant) evaluateJacobians(backend.JacobianContainer, mat.Matrix) {}

func (n *matrixConstant) designVariables(*backend.DesignVariableSet) {}

// MatrixTransformation is a 3 × 3 matrix design variable of which only the
// entries selected by a pattern are free. The local update lists the free
// entries in column-major order.
type MatrixTransformation struct {
	backend.DesignVariableBase
	a    []float64 // column-major
	free []int
	undo backend.Undo
}

// NewMatrixTransformation creates a matrix variable with value a. Nonzero
// entries of pattern mark the free entries. A nil pattern frees all of them.
func NewMatrixTransformation(a, pattern mat.Matrix) (*MatrixTransformation, error) {
	if err := backend.CheckParameters(a, 3, 3); err != nil {
		return nil, err
	}
	mt := &MatrixTransformation{DesignVariableBase: backend.NewDesignVariableBase(), a: make([]float64, 9)}
	if pattern != nil {
		if r, c := pattern.Dims(); r != 3 || c != 3 {
			return nil, backend.Errorf("NewMatrixTransformation", backend.ErrInvalidArgument, "pattern is %d×%d", r, c)
		}
	}
	for c := 0; c < 3; c++ {
		for r := 0; r < 3; r++ {
			mt.a[3*c+r] = a.At(r, c)
			if pattern == nil || pattern.At(r, c) != 0 {
				mt.free = append(mt.free, 3*c+r)
			}
		}
	}
	if len(mt.free) == 0 {
		return nil, backend.Errorf("NewMatrixTransformation", backend.ErrInvalidArgument, "pattern has no free entry")
	}
	return mt, nil
}

func (mt *MatrixTransformation) ToExpression() MatrixExpression { return MatrixExpression{mt} }

func (mt *MatrixTransformation) MinimalDimensions() int { return len(mt.free) }

func (mt *MatrixTransformation) Update(dp []float64) error {
	if err := backend.CheckUpdate(mt, dp); err != nil {
		return err
	}
	mt.undo.Save(mt.a)
	for i, k := range mt.free {
		mt.a[k] += dp[i]
	}
	return nil
}

func (mt *MatrixTransformation) RevertUpdate() error { return mt.undo.Restore(mt.a) }

func (mt *MatrixTransformation) Parameters() *mat.Dense {
	out := mat.NewDense(3, 3, nil)
	for k, v := range mt.a {
		out.Set(k%3, k/3, v)
	}
	return out
}

func (mt *MatrixTransformation) SetParameters(p mat.Matrix) error {
	if err := backend.CheckParameters(p, 3, 3); err != nil {
		return err
	}
	for k := range mt.a {
		mt.a[k] = p.At(k%3, k/3)
	}
	mt.undo.Discard()
	return nil
}

func (mt *MatrixTransformation) MinimalDifference(xHat mat.Matrix) ([]float64, error) {
	if err := backend.CheckParameters(xHat, 3, 3); err != nil {
		return nil, err
	}
	d := make([]float64, len(mt.free))
	for i, k := range mt.free {
		d[i] = mt.a[k] - xHat.At(k%3, k/3)
	}
	return d, nil
}

func (mt *MatrixTransformation) evaluate() *mat.Dense { return mt.Parameters() }

func (mt *MatrixTransformation) evaluateJacobians(jc backend.JacobianContainer, m mat.Matrix) {
	sel := mat.NewDense(9, len(mt.free), nil)
	for i, k := range mt.free {
		sel.Set(k, i, 1)
	}
	jc.Add(mt, chain(m, sel))
}

func (mt *MatrixTransformation) designVariables(set *backend.DesignVariableSet) { set.Insert(mt) }
