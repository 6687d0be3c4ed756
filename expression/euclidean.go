// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package expression

import (
	"github.com/curioloop/calib/backend"
	"gonum.org/v1/gonum/mat"
)

// EuclideanExpression is a differentiable point in ℝ³.
type EuclideanExpression struct {
	root vectorNode
}

func NewEuclideanConstant(x, y, z float64) EuclideanExpression {
	return EuclideanExpression{&vectorConstant{mat.NewVecDense(3, []float64{x, y, z})}}
}

func (e EuclideanExpression) Evaluate() *mat.VecDense { return e.root.evaluate() }

func (e EuclideanExpression) EvaluateJacobians(jc backend.JacobianContainer) {
	e.root.evaluateJacobians(jc, nil)
}

func (e EuclideanExpression) EvaluateJacobiansChain(jc backend.JacobianContainer, m mat.Matrix) {
	checkChain("EuclideanExpression.EvaluateJacobiansChain", m, 3)
	e.root.evaluateJacobians(jc, m)
}

func (e EuclideanExpression) DesignVariables(set *backend.DesignVariableSet) {
	e.root.designVariables(set)
}

func (e EuclideanExpression) Add(o EuclideanExpression) EuclideanExpression {
	return EuclideanExpression{&vectorSum{lhs: e.root, rhs: o.root, sign: 1}}
}

func (e EuclideanExpression) Sub(o EuclideanExpression) EuclideanExpression {
	return EuclideanExpression{&vectorSum{lhs: e.root, rhs: o.root, sign: -1}}
}

// SubConst returns p − c.
func (e EuclideanExpression) SubConst(x, y, z float64) EuclideanExpression {
	return e.Sub(NewEuclideanConstant(x, y, z))
}

func (e EuclideanExpression) Neg() EuclideanExpression {
	return EuclideanExpression{&vectorNeg{op: e.root}}
}

// Cross returns e × o.
func (e EuclideanExpression) Cross(o EuclideanExpression) EuclideanExpression {
	return EuclideanExpression{&crossProduct{lhs: e.root, rhs: o.root}}
}

// Scale returns s·p.
func (e EuclideanExpression) Scale(s ScalarExpression) EuclideanExpression {
	return EuclideanExpression{&vectorScaled{vec: e.root, s: s.root}}
}

// ToHomogeneous returns [p; 1].
func (e EuclideanExpression) ToHomogeneous() HomogeneousExpression {
	return HomogeneousExpression{&euclideanToHomogeneous{p: e.root}}
}

// ToVector views the point as a 3-vector.
func (e EuclideanExpression) ToVector() VectorExpression { return VectorExpression{e.root} }

type rotatedOperands struct {
	c  *mat.Dense
	cp *mat.VecDense
}

// rotatedPoint is C·p.
type rotatedPoint struct {
	rot  rotationNode
	p    vectorNode
	last cache[rotatedOperands]
}

func (n *rotatedPoint) dim() int { return 3 }

func (n *rotatedPoint) operands() rotatedOperands {
	c := n.rot.evaluate()
	var cp mat.VecDense
	cp.MulVec(c, n.p.evaluate())
	return rotatedOperands{c: c, cp: &cp}
}

func (n *rotatedPoint) evaluate() *mat.VecDense {
	op := n.operands()
	n.last.store(op)
	return mat.VecDenseCopyOf(op.cp)
}

func (n *rotatedPoint) evaluateJacobians(jc backend.JacobianContainer, m mat.Matrix) {
	op := n.last.load(n.operands)
	n.rot.evaluateJacobians(jc, chain(m, negated(skew(op.cp))))
	n.p.evaluateJacobians(jc, chain(m, op.c))
}

func (n *rotatedPoint) designVariables(set *backend.DesignVariableSet) {
	n.rot.designVariables(set)
	n.p.designVariables(set)
}

type matrixOperands struct {
	a *mat.Dense
	p *mat.VecDense
}

// matrixPoint is A·p.
type matrixPoint struct {
	mx   matrixNode
	p    vectorNode
	last cache[matrixOperands]
}

func (n *matrixPoint) dim() int { return 3 }

func (n *matrixPoint) operands() matrixOperands {
	return matrixOperands{a: n.mx.evaluate(), p: n.p.evaluate()}
}

func (n *matrixPoint) evaluate() *mat.VecDense {
	op := n.operands()
	n.last.store(op)
	var v mat.VecDense
	v.MulVec(op.a, op.p)
	return &v
}

func (n *matrixPoint) evaluateJacobians(jc backend.JacobianContainer, m mat.Matrix) {
	op := n.last.load(n.operands)
	// ∂(A p)ᵣ/∂A(r, c) = p_c with A in column-major order.
	ja := mat.NewDense(3, 9, nil)
	for c := 0; c < 3; c++ {
		for r := 0; r < 3; r++ {
			ja.Set(r, 3*c+r, op.p.AtVec(c))
		}
	}
	n.mx.evaluateJacobians(jc, chain(m, ja))
	n.p.evaluateJacobians(jc, chain(m, op.a))
}

func (n *matrixPoint) designVariables(set *backend.DesignVariableSet) {
	n.mx.designVariables(set)
	n.p.designVariables(set)
}

type crossOperands struct {
	a, b *mat.VecDense
}

// crossProduct is a × b.
type crossProduct struct {
	lhs, rhs vectorNode
	last     cache[crossOperands]
}

func (n *crossProduct) dim() int { return 3 }

func (n *crossProduct) operands() crossOperands {
	return crossOperands{a: n.lhs.evaluate(), b: n.rhs.evaluate()}
}

func (n *crossProduct) evaluate() *mat.VecDense {
	op := n.operands()
	n.last.store(op)
	var v mat.VecDense
	v.MulVec(skew(op.a), op.b)
	return &v
}

func (n *crossProduct) evaluateJacobians(jc backend.JacobianContainer, m mat.Matrix) {
	op := n.last.load(n.operands)
	n.lhs.evaluateJacobians(jc, chain(m, negated(skew(op.b))))
	n.rhs.evaluateJacobians(jc, chain(m, skew(op.a)))
}

func (n *crossProduct) designVariables(set *backend.DesignVariableSet) {
	n.lhs.designVariables(set)
	n.rhs.designVariables(set)
}

// homogeneousToEuclidean is v / w.
type homogeneousToEuclidean struct {
	h    vectorNode
	last cache[*mat.VecDense]
}

func (n *homogeneousToEuclidean) dim() int { return 3 }

func (n *homogeneousToEuclidean) evaluate() *mat.VecDense {
	h := n.h.evaluate()
	n.last.store(h)
	w := h.AtVec(3)
	return mat.NewVecDense(3, []float64{h.AtVec(0) / w, h.AtVec(1) / w, h.AtVec(2) / w})
}

func (n *homogeneousToEuclidean) evaluateJacobians(jc backend.JacobianContainer, m mat.Matrix) {
	h := n.last.load(n.h.evaluate)
	w := h.AtVec(3)
	j := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		j.Set(i, i, 1/w)
		j.Set(i, 3, -h.AtVec(i)/(w*w))
	}
	n.h.evaluateJacobians(jc, chain(m, j))
}

func (n *homogeneousToEuclidean) designVariables(set *backend.DesignVariableSet) {
	n.h.designVariables(set)
}

// EuclideanPoint is a point design variable.
type EuclideanPoint struct {
	leafVector
}

func NewEuclideanPoint(x, y, z float64) *EuclideanPoint {
	return &EuclideanPoint{newLeafVector([]float64{x, y, z})}
}

func (p *EuclideanPoint) Value() *mat.VecDense { return p.value() }

func (p *EuclideanPoint) ToExpression() EuclideanExpression { return EuclideanExpression{p} }

func (p *EuclideanPoint) dim() int { return 3 }

func (p *EuclideanPoint) evaluate() *mat.VecDense { return p.value() }

func (p *EuclideanPoint) evaluateJacobians(jc backend.JacobianContainer, m mat.Matrix) {
	addLeaf(jc, p, m, 3)
}

func (p *EuclideanPoint) designVariables(set *backend.DesignVariableSet) { set.Insert(p) }
