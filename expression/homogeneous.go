// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package expression

import (
	"github.com/curioloop/calib/backend"
	"gonum.org/v1/gonum/mat"
)

// HomogeneousExpression is a differentiable homogeneous point [v; w] in ℝ⁴.
type HomogeneousExpression struct {
	root vectorNode
}

func NewHomogeneousConstant(x, y, z, w float64) HomogeneousExpression {
	return HomogeneousExpression{&vectorConstant{mat.NewVecDense(4, []float64{x, y, z, w})}}
}

// ToHomogeneous views a 4-vector as a homogeneous point.
func (e VectorExpression) ToHomogeneous() HomogeneousExpression {
	sameDim("VectorExpression.ToHomogeneous", e.Dim(), 4)
	return HomogeneousExpression{e.root}
}

func (e HomogeneousExpression) Evaluate() *mat.VecDense { return e.root.evaluate() }

func (e HomogeneousExpression) EvaluateJacobians(jc backend.JacobianContainer) {
	e.root.evaluateJacobians(jc, nil)
}

func (e HomogeneousExpression) EvaluateJacobiansChain(jc backend.JacobianContainer, m mat.Matrix) {
	checkChain("HomogeneousExpression.EvaluateJacobiansChain", m, 4)
	e.root.evaluateJacobians(jc, m)
}

func (e HomogeneousExpression) DesignVariables(set *backend.DesignVariableSet) {
	e.root.designVariables(set)
}

// ToEuclidean returns v / w.
func (e HomogeneousExpression) ToEuclidean() EuclideanExpression {
	return EuclideanExpression{&homogeneousToEuclidean{h: e.root}}
}

// euclideanToHomogeneous is [p; 1].
type euclideanToHomogeneous struct {
	p vectorNode
}

func (n *euclideanToHomogeneous) dim() int { return 4 }

func (n *euclideanToHomogeneous) evaluate() *mat.VecDense {
	p := n.p.evaluate()
	return mat.NewVecDense(4, []float64{p.AtVec(0), p.AtVec(1), p.AtVec(2), 1})
}

func (n *euclideanToHomogeneous) evaluateJacobians(jc backend.JacobianContainer, m mat.Matrix) {
	j := mat.NewDense(4, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
		0, 0, 0,
	})
	n.p.evaluateJacobians(jc, chain(m, j))
}

func (n *euclideanToHomogeneous) designVariables(set *backend.DesignVariableSet) {
	n.p.designVariables(set)
}

// rotatedHomogeneous is blkdiag(C, 1)·[v; w].
type rotatedHomogeneous struct {
	rot  rotationNode
	h    vectorNode
	last cache[rotatedOperands]
}

func (n *rotatedHomogeneous) dim() int { return 4 }

// operands caches C and C·v.
func (n *rotatedHomogeneous) operands() rotatedOperands {
	c := n.rot.evaluate()
	h := n.h.evaluate()
	var cv mat.VecDense
	cv.MulVec(c, h.SliceVec(0, 3))
	return rotatedOperands{c: c, cp: mat.NewVecDense(4, []float64{cv.AtVec(0), cv.AtVec(1), cv.AtVec(2), h.AtVec(3)})}
}

func (n *rotatedHomogeneous) evaluate() *mat.VecDense {
	op := n.operands()
	n.last.store(op)
	return mat.VecDenseCopyOf(op.cp)
}

func (n *rotatedHomogeneous) evaluateJacobians(jc backend.JacobianContainer, m mat.Matrix) {
	op := n.last.load(n.operands)
	jr := mat.NewDense(4, 3, nil)
	jr.Slice(0, 3, 0, 3).(*mat.Dense).Copy(negated(skew(op.cp.SliceVec(0, 3))))
	jh := mat.NewDense(4, 4, nil)
	jh.Slice(0, 3, 0, 3).(*mat.Dense).Copy(op.c)
	jh.Set(3, 3, 1)
	n.rot.evaluateJacobians(jc, chain(m, jr))
	n.h.evaluateJacobians(jc, chain(m, jh))
}

func (n *rotatedHomogeneous) designVariables(set *backend.DesignVariableSet) {
	n.rot.designVariables(set)
	n.h.designVariables(set)
}
