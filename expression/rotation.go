// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package expression

import (
	"math"

	"github.com/curioloop/calib/backend"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// rotationNode evaluates to a 3 × 3 rotation matrix. Its chain rule matrices
// have three columns, one per component of the left perturbation.
type rotationNode interface {
	evaluate() *mat.Dense
	evaluateJacobians(jc backend.JacobianContainer, m mat.Matrix)
	designVariables(set *backend.DesignVariableSet)
}

// RotationExpression is a differentiable rotation matrix.
type RotationExpression struct {
	root rotationNode
}

// NewRotationConstant returns an expression without design variables.
func NewRotationConstant(c mat.Matrix) RotationExpression {
	if r, k := c.Dims(); r != 3 || k != 3 {
		panic(backend.Errorf("NewRotationConstant", backend.ErrInvalidArgument, "rotation is %d×%d", r, k))
	}
	return RotationExpression{&rotationConstant{mat.DenseCopyOf(c)}}
}

func (e RotationExpression) Evaluate() *mat.Dense { return e.root.evaluate() }

func (e RotationExpression) EvaluateJacobians(jc backend.JacobianContainer) {
	e.root.evaluateJacobians(jc, nil)
}

func (e RotationExpression) EvaluateJacobiansChain(jc backend.JacobianContainer, m mat.Matrix) {
	checkChain("RotationExpression.EvaluateJacobiansChain", m, 3)
	e.root.evaluateJacobians(jc, m)
}

func (e RotationExpression) DesignVariables(set *backend.DesignVariableSet) {
	e.root.designVariables(set)
}

// Mul composes e·o.
func (e RotationExpression) Mul(o RotationExpression) RotationExpression {
	return RotationExpression{&rotationProduct{lhs: e.root, rhs: o.root}}
}

func (e RotationExpression) Inverse() RotationExpression {
	return RotationExpression{&rotationInverse{op: e.root}}
}

// Rotate returns C·p.
func (e RotationExpression) Rotate(p EuclideanExpression) EuclideanExpression {
	return EuclideanExpression{&rotatedPoint{rot: e.root, p: p.root}}
}

// RotateHomogeneous returns blkdiag(C, 1)·h.
func (e RotationExpression) RotateHomogeneous(h HomogeneousExpression) HomogeneousExpression {
	return HomogeneousExpression{&rotatedHomogeneous{rot: e.root, h: h.root}}
}

type rotationConstant struct {
	c *mat.Dense
}

func (n *rotationConstant) evaluate() *mat.Dense { return mat.DenseCopyOf(n.c) }

func (n *rotationConstant) evaluateJacobians(backend.JacobianContainer, mat.Matrix) {}

func (n *rotationConstant) designVariables(*backend.DesignVariableSet) {}

type rotationProduct struct {
	lhs, rhs rotationNode
	last     cache[*mat.Dense]
}

func (n *rotationProduct) evaluate() *mat.Dense {
	c0 := n.lhs.evaluate()
	n.last.store(c0)
	var c mat.Dense
	c.Mul(c0, n.rhs.evaluate())
	return &c
}

func (n *rotationProduct) evaluateJacobians(jc backend.JacobianContainer, m mat.Matrix) {
	c0 := n.last.load(n.lhs.evaluate)
	n.lhs.evaluateJacobians(jc, m)
	n.rhs.evaluateJacobians(jc, chain(m, c0))
}

func (n *rotationProduct) designVariables(set *backend.DesignVariableSet) {
	n.lhs.designVariables(set)
	n.rhs.designVariables(set)
}

type rotationInverse struct {
	op   rotationNode
	last cache[*mat.Dense]
}

func (n *rotationInverse) evaluate() *mat.Dense {
	c := n.op.evaluate()
	n.last.store(c)
	return mat.DenseCopyOf(c.T())
}

func (n *rotationInverse) evaluateJacobians(jc backend.JacobianContainer, m mat.Matrix) {
	c := n.last.load(n.op.evaluate)
	n.op.evaluateJacobians(jc, chain(m, negated(c.T())))
}

func (n *rotationInverse) designVariables(set *backend.DesignVariableSet) { n.op.designVariables(set) }

// RotationQuaternion is a unit quaternion design variable with a three
// dimensional minimal update q ← exp(δ/2) ⊗ q.
// Its parameters are the 4 × 1 column [x y z w].
type RotationQuaternion struct {
	backend.DesignVariableBase
	p    []float64
	undo backend.Undo
}

// NewRotationQuaternion creates a rotation from q normalized to unit length.
func NewRotationQuaternion(q quat.Number) (*RotationQuaternion, error) {
	n := quat.Abs(q)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return nil, backend.Errorf("NewRotationQuaternion", backend.ErrInvalidArgument, "quaternion norm is %g", n)
	}
	q = quat.Scale(1/n, q)
	return &RotationQuaternion{
		DesignVariableBase: backend.NewDesignVariableBase(),
		p:                  []float64{q.Imag, q.Jmag, q.Kmag, q.Real},
	}, nil
}

// QuaternionFromRotationVector returns exp(v/2), the unit quaternion rotating
// by |v| radians about v.
func QuaternionFromRotationVector(x, y, z float64) quat.Number {
	return quat.Exp(quat.Number{Imag: x / 2, Jmag: y / 2, Kmag: z / 2})
}

// Quaternion returns the current state.
func (r *RotationQuaternion) Quaternion() quat.Number {
	return quat.Number{Real: r.p[3], Imag: r.p[0], Jmag: r.p[1], Kmag: r.p[2]}
}

func (r *RotationQuaternion) set(q quat.Number) {
	r.p[0], r.p[1], r.p[2], r.p[3] = q.Imag, q.Jmag, q.Kmag, q.Real
}

func (r *RotationQuaternion) ToExpression() RotationExpression { return RotationExpression{r} }

func (r *RotationQuaternion) MinimalDimensions() int { return 3 }

func (r *RotationQuaternion) Update(dp []float64) error {
	if err := backend.CheckUpdate(r, dp); err != nil {
		return err
	}
	r.undo.Save(r.p)
	q := quat.Mul(QuaternionFromRotationVector(dp[0], dp[1], dp[2]), r.Quaternion())
	r.set(quat.Scale(1/quat.Abs(q), q))
	return nil
}

func (r *RotationQuaternion) RevertUpdate() error { return r.undo.Restore(r.p) }

func (r *RotationQuaternion) Parameters() *mat.Dense {
	return mat.NewDense(4, 1, append([]float64(nil), r.p...))
}

// SetParameters stores the quaternion [x y z w] as given. It must not be zero.
func (r *RotationQuaternion) SetParameters(p mat.Matrix) error {
	if err := backend.CheckParameters(p, 4, 1); err != nil {
		return err
	}
	q := quat.Number{Real: p.At(3, 0), Imag: p.At(0, 0), Jmag: p.At(1, 0), Kmag: p.At(2, 0)}
	if quat.Abs(q) == 0 {
		return backend.Errorf("SetParameters", backend.ErrInvalidArgument, "zero quaternion")
	}
	r.set(q)
	r.undo.Discard()
	return nil
}

// MinimalDifference returns 2·log(q ⊗ q̂*) taking the shorter of the two arcs.
func (r *RotationQuaternion) MinimalDifference(xHat mat.Matrix) ([]float64, error) {
	if err := backend.CheckParameters(xHat, 4, 1); err != nil {
		return nil, err
	}
	qh := quat.Number{Real: xHat.At(3, 0), Imag: xHat.At(0, 0), Jmag: xHat.At(1, 0), Kmag: xHat.At(2, 0)}
	d := quat.Mul(r.Quaternion(), quat.Conj(qh))
	if d.Real < 0 {
		d = quat.Scale(-1, d)
	}
	l := quat.Log(quat.Scale(1/quat.Abs(d), d))
	return []float64{2 * l.Imag, 2 * l.Jmag, 2 * l.Kmag}, nil
}

// Matrix returns the rotation matrix of the current state.
func (r *RotationQuaternion) Matrix() *mat.Dense { return rotationMatrix(r.Quaternion()) }

func (r *RotationQuaternion) evaluate() *mat.Dense { return r.Matrix() }

func (r *RotationQuaternion) evaluateJacobians(jc backend.JacobianContainer, m mat.Matrix) {
	addLeaf(jc, r, m, 3)
}

func (r *RotationQuaternion) designVariables(set *backend.DesignVariableSet) { set.Insert(r) }

// rotationMatrix converts a quaternion into the matrix C with
// q ⊗ (0, v) ⊗ q* = |q|² (0, C v).
func rotationMatrix(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	s := 2 / (w*w + x*x + y*y + z*z)
	return mat.NewDense(3, 3, []float64{
		1 - s*(y*y+z*z), s * (x*y - w*z), s * (x*z + w*y),
		s * (x*y + w*z), 1 - s*(x*x+z*z), s * (y*z - w*x),
		s * (x*z - w*y), s * (y*z + w*x), 1 - s*(x*x+y*y),
	})
}
