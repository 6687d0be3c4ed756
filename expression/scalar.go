// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package expression

import (
	"github.com/curioloop/calib/backend"
	"gonum.org/v1/gonum/mat"
)

type scalarNode interface {
	evaluate() float64
	evaluateJacobians(jc backend.JacobianContainer, m mat.Matrix)
	designVariables(set *backend.DesignVariableSet)
}

// ScalarExpression is a differentiable scalar.
type ScalarExpression struct {
	root scalarNode
}

// NewScalarConstant returns an expression without design variables.
func NewScalarConstant(v float64) ScalarExpression {
	return ScalarExpression{&scalarConstant{v}}
}

func (e ScalarExpression) Evaluate() float64 { return e.root.evaluate() }

// EvaluateJacobians adds the 1 × dim Jacobians of every reachable design variable into jc.
func (e ScalarExpression) EvaluateJacobians(jc backend.JacobianContainer) {
	e.root.evaluateJacobians(jc, nil)
}

// EvaluateJacobiansChain adds m·J for every reachable design variable into jc.
// m must have a single column.
func (e ScalarExpression) EvaluateJacobiansChain(jc backend.JacobianContainer, m mat.Matrix) {
	checkChain("ScalarExpression.EvaluateJacobiansChain", m, 1)
	e.root.evaluateJacobians(jc, m)
}

// DesignVariables inserts the leaf design variables of e into set.
func (e ScalarExpression) DesignVariables(set *backend.DesignVariableSet) {
	e.root.designVariables(set)
}

func (e ScalarExpression) Add(o ScalarExpression) ScalarExpression {
	return ScalarExpression{&scalarSum{lhs: e.root, rhs: o.root, sign: 1}}
}

func (e ScalarExpression) Sub(o ScalarExpression) ScalarExpression {
	return ScalarExpression{&scalarSum{lhs: e.root, rhs: o.root, sign: -1}}
}

func (e ScalarExpression) Mul(o ScalarExpression) ScalarExpression {
	return ScalarExpression{&scalarProduct{lhs: e.root, rhs: o.root}}
}

func (e ScalarExpression) Neg() ScalarExpression {
	return ScalarExpression{&scalarAffine{op: e.root, a: -1}}
}

func (e ScalarExpression) AddConst(c float64) ScalarExpression {
	return ScalarExpression{&scalarAffine{op: e.root, a: 1, b: c}}
}

func (e ScalarExpression) MulConst(c float64) ScalarExpression {
	return ScalarExpression{&scalarAffine{op: e.root, a: c}}
}

func scalar1(v float64) *mat.Dense { return mat.NewDense(1, 1, []float64{v}) }

type scalarConstant struct {
	v float64
}

func (n *scalarConstant) evaluate() float64                                    { return n.v }
func (n *scalarConstant) evaluateJacobians(backend.JacobianContainer, mat.Matrix) {}
func (n *scalarConstant) designVariables(*backend.DesignVariableSet)           {}

type scalarSum struct {
	lhs, rhs scalarNode
	sign     float64
}

func (n *scalarSum) evaluate() float64 { return n.lhs.evaluate() + n.sign*n.rhs.evaluate() }

func (n *scalarSum) evaluateJacobians(jc backend.JacobianContainer, m mat.Matrix) {
	n.lhs.evaluateJacobians(jc, m)
	n.rhs.evaluateJacobians(jc, chain(m, scalar1(n.sign)))
}

func (n *scalarSum) designVariables(set *backend.DesignVariableSet) {
	n.lhs.designVariables(set)
	n.rhs.designVariables(set)
}

type scalarProduct struct {
	lhs, rhs scalarNode
	last     cache[[2]float64]
}

func (n *scalarProduct) operands() [2]float64 {
	return [2]float64{n.lhs.evaluate(), n.rhs.evaluate()}
}

func (n *scalarProduct) evaluate() float64 {
	v := n.operands()
	n.last.store(v)
	return v[0] * v[1]
}

func (n *scalarProduct) evaluateJacobians(jc backend.JacobianContainer, m mat.Matrix) {
	v := n.last.load(n.operands)
	n.lhs.evaluateJacobians(jc, chain(m, scalar1(v[1])))
	n.rhs.evaluateJacobians(jc, chain(m, scalar1(v[0])))
}

func (n *scalarProduct) designVariables(set *backend.DesignVariableSet) {
	n.lhs.designVariables(set)
	n.rhs.designVariables(set)
}

// scalarAffine is a·op + b.
type scalarAffine struct {
	op   scalarNode
	a, b float64
}

func (n *scalarAffine) evaluate() float64 { return n.a*n.op.evaluate() + n.b }

func (n *scalarAffine) evaluateJacobians(jc backend.JacobianContainer, m mat.Matrix) {
	n.op.evaluateJacobians(jc, chain(m, scalar1(n.a)))
}

func (n *scalarAffine) designVariables(set *backend.DesignVariableSet) { n.op.designVariables(set) }

// Scalar is a one dimensional design variable.
type Scalar struct {
	leafVector
}

func NewScalar(v float64) *Scalar {
	return &Scalar{newLeafVector([]float64{v})}
}

func (s *Scalar) Value() float64 { return s.p[0] }

func (s *Scalar) ToExpression() ScalarExpression { return ScalarExpression{s} }

func (s *Scalar) evaluate() float64 { return s.p[0] }

func (s *Scalar) evaluateJacobians(jc backend.JacobianContainer, m mat.Matrix) {
	addLeaf(jc, s, m, 1)
}

func (s *Scalar) designVariables(set *backend.DesignVariableSet) { set.Insert(s) }
