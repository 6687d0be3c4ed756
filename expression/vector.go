// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package expression

import (
	"github.com/curioloop/calib/backend"
	"gonum.org/v1/gonum/mat"
)

type vectorNode interface {
	dim() int
	evaluate() *mat.VecDense
	evaluateJacobians(jc backend.JacobianContainer, m mat.Matrix)
	designVariables(set *backend.DesignVariableSet)
}

// VectorExpression is a differentiable vector of any fixed dimension.
type VectorExpression struct {
	root vectorNode
}

// NewVectorConstant returns an expression without design variables.
func NewVectorConstant(v []float64) VectorExpression {
	if len(v) == 0 {
		panic(backend.Errorf("NewVectorConstant", backend.ErrInvalidArgument, "empty vector"))
	}
	return VectorExpression{&vectorConstant{mat.NewVecDense(len(v), append([]float64(nil), v...))}}
}

func (e VectorExpression) Dim() int { return e.root.dim() }

func (e VectorExpression) Evaluate() *mat.VecDense { return e.root.evaluate() }

func (e VectorExpression) EvaluateJacobians(jc backend.JacobianContainer) {
	e.root.evaluateJacobians(jc, nil)
}

func (e VectorExpression) EvaluateJacobiansChain(jc backend.JacobianContainer, m mat.Matrix) {
	checkChain("VectorExpression.EvaluateJacobiansChain", m, e.root.dim())
	e.root.evaluateJacobians(jc, m)
}

func (e VectorExpression) DesignVariables(set *backend.DesignVariableSet) {
	e.root.designVariables(set)
}

func sameDim(op string, a, b int) {
	if a != b {
		panic(backend.Errorf(op, backend.ErrInvalidArgument, "dimension %d doesn't match %d", a, b))
	}
}

func (e VectorExpression) Add(o VectorExpression) VectorExpression {
	sameDim("VectorExpression.Add", e.Dim(), o.Dim())
	return VectorExpression{&vectorSum{lhs: e.root, rhs: o.root, sign: 1}}
}

func (e VectorExpression) Sub(o VectorExpression) VectorExpression {
	sameDim("VectorExpression.Sub", e.Dim(), o.Dim())
	return VectorExpression{&vectorSum{lhs: e.root, rhs: o.root, sign: -1}}
}

func (e VectorExpression) Neg() VectorExpression {
	return VectorExpression{&vectorNeg{op: e.root}}
}

// Scale multiplies the vector by a scalar expression.
func (e VectorExpression) Scale(s ScalarExpression) VectorExpression {
	return VectorExpression{&vectorScaled{vec: e.root, s: s.root}}
}

// Element selects the i-th entry.
func (e VectorExpression) Element(i int) ScalarExpression {
	if i < 0 || i >= e.Dim() {
		panic(backend.Errorf("VectorExpression.Element", backend.ErrOutOfBounds, "index %d outside [0, %d)", i, e.Dim()))
	}
	return ScalarExpression{&vectorElement{vec: e.root, i: i}}
}

// ToEuclidean views a 3-vector as a point.
func (e VectorExpression) ToEuclidean() EuclideanExpression {
	sameDim("VectorExpression.ToEuclidean", e.Dim(), 3)
	return EuclideanExpression{e.root}
}

type vectorConstant struct {
	v *mat.VecDense
}

func (n *vectorConstant) dim() int { return n.v.Len() }

func (n *vectorConstant) evaluate() *mat.VecDense {
	return mat.VecDenseCopyOf(n.v)
}

func (n *vectorConstant) evaluateJacobians(backend.JacobianContainer, mat.Matrix) {}

func (n *vectorConstant) designVariables(*backend.DesignVariableSet) {}

type vectorSum struct {
	lhs, rhs vectorNode
	sign     float64
}

func (n *vectorSum) dim() int { return n.lhs.dim() }

func (n *vectorSum) evaluate() *mat.VecDense {
	v := n.lhs.evaluate()
	v.AddScaledVec(v, n.sign, n.rhs.evaluate())
	return v
}

func (n *vectorSum) evaluateJacobians(jc backend.JacobianContainer, m mat.Matrix) {
	n.lhs.evaluateJacobians(jc, m)
	if n.sign < 0 {
		if m == nil {
			m = negated(eye(n.dim()))
		} else {
			m = negated(m)
		}
	}
	n.rhs.evaluateJacobians(jc, m)
}

func (n *vectorSum) designVariables(set *backend.DesignVariableSet) {
	n.lhs.designVariables(set)
	n.rhs.designVariables(set)
}

type vectorNeg struct {
	op vectorNode
}

func (n *vectorNeg) dim() int { return n.op.dim() }

func (n *vectorNeg) evaluate() *mat.VecDense {
	v := n.op.evaluate()
	v.ScaleVec(-1, v)
	return v
}

func (n *vectorNeg) evaluateJacobians(jc backend.JacobianContainer, m mat.Matrix) {
	if m == nil {
		n.op.evaluateJacobians(jc, negated(eye(n.dim())))
		return
	}
	n.op.evaluateJacobians(jc, negated(m))
}

func (n *vectorNeg) designVariables(set *backend.DesignVariableSet) { n.op.designVariables(set) }

type scaledOperands struct {
	v *mat.VecDense
	s float64
}

// vectorScaled is s·v.
type vectorScaled struct {
	vec  vectorNode
	s    scalarNode
	last cache[scaledOperands]
}

func (n *vectorScaled) dim() int { return n.vec.dim() }

func (n *vectorScaled) operands() scaledOperands {
	return scaledOperands{v: n.vec.evaluate(), s: n.s.evaluate()}
}

func (n *vectorScaled) evaluate() *mat.VecDense {
	op := n.operands()
	n.last.store(op)
	var v mat.VecDense
	v.ScaleVec(op.s, op.v)
	return &v
}

func (n *vectorScaled) evaluateJacobians(jc backend.JacobianContainer, m mat.Matrix) {
	op := n.last.load(n.operands)
	var sI mat.Dense
	sI.Scale(op.s, eye(n.dim()))
	n.vec.evaluateJacobians(jc, chain(m, &sI))
	n.s.evaluateJacobians(jc, chain(m, op.v))
}

func (n *vectorScaled) designVariables(set *backend.DesignVariableSet) {
	n.vec.designVariables(set)
	n.s.designVariables(set)
}

type vectorElement struct {
	vec vectorNode
	i   int
}

func (n *vectorElement) evaluate() float64 { return n.vec.evaluate().AtVec(n.i) }

func (n *vectorElement) evaluateJacobians(jc backend.JacobianContainer, m mat.Matrix) {
	sel := mat.NewDense(1, n.vec.dim(), nil)
	sel.Set(0, n.i, 1)
	n.vec.evaluateJacobians(jc, chain(m, sel))
}

func (n *vectorElement) designVariables(set *backend.DesignVariableSet) { n.vec.designVariables(set) }

// VectorDesignVariable is a Euclidean design variable of any dimension.
type VectorDesignVariable struct {
	leafVector
}

func NewVectorDesignVariable(v []float64) *VectorDesignVariable {
	if len(v) == 0 {
		panic(backend.Errorf("NewVectorDesignVariable", backend.ErrInvalidArgument, "empty vector"))
	}
	return &VectorDesignVariable{newLeafVector(v)}
}

// Value returns a copy of the current state.
func (d *VectorDesignVariable) Value() []float64 { return append([]float64(nil), d.p...) }

func (d *VectorDesignVariable) ToExpression() VectorExpression { return VectorExpression{d} }

func (d *VectorDesignVariable) dim() int { return len(d.p) }

func (d *VectorDesignVariable) evaluate() *mat.VecDense { return d.value() }

func (d *VectorDesignVariable) evaluateJacobians(jc backend.JacobianContainer, m mat.Matrix) {
	addLeaf(jc, d, m, len(d.p))
}

func (d *VectorDesignVariable) designVariables(set *backend.DesignVariableSet) { set.Insert(d) }
