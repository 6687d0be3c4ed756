// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package expression builds differentiable expressions over design variables.
//
// An expression is a value handle over a node of a directed acyclic graph.
// Nodes are shared between expressions and never modified after
// construction. Every node evaluates its value and back-propagates its
// Jacobians into a backend.JacobianContainer, left-applying an optional
// upstream chain rule matrix. A nil chain rule matrix stands for identity.
//
// Rotations use the left perturbation C ← (I + [δ]ₓ) C and
// matrices are differentiated with respect to their column-major entries.
//
// Nodes combining two operands keep the intermediates of the last Evaluate
// and reuse them in EvaluateJacobians, so the Jacobians of an expression
// belong to the state in which it was last evaluated.
package expression

import (
	"sync"

	"github.com/curioloop/calib/backend"
	"gonum.org/v1/gonum/mat"
)

// chain returns m·local, or local when m is nil.
func chain(m, local mat.Matrix) mat.Matrix {
	if m == nil {
		return local
	}
	var out mat.Dense
	out.Mul(m, local)
	return &out
}

// addLeaf adds the Jacobian of a leaf whose local derivative is the n × n identity.
func addLeaf(jc backend.JacobianContainer, dv backend.DesignVariable, m mat.Matrix, n int) {
	if m == nil {
		jc.Add(dv, eye(n))
		return
	}
	jc.Add(dv, m)
}

// checkChain validates the shape of a chain rule matrix applied to a value of dimension dim.
func checkChain(op string, m mat.Matrix, dim int) {
	if m == nil {
		return
	}
	if _, c := m.Dims(); c != dim {
		panic(backend.Errorf(op, backend.ErrInvalidArgument,
			"chain rule matrix has %d columns, expression has dimension %d", c, dim))
	}
}

func eye(n int) *mat.DiagDense {
	d := make([]float64, n)
	for i := range d {
		d[i] = 1
	}
	return mat.NewDiagDense(n, d)
}

// skew returns the cross product matrix [v]ₓ of a 3-vector.
func skew(v mat.Vector) *mat.Dense {
	x, y, z := v.AtVec(0), v.AtVec(1), v.AtVec(2)
	return mat.NewDense(3, 3, []float64{
		0, -z, y,
		z, 0, -x,
		-y, x, 0,
	})
}

func negated(m mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Scale(-1, m)
	return &out
}

// cache holds the intermediates of the last evaluation of a node.
// Concurrent read-only evaluation of a shared node is race free.
type cache[T any] struct {
	mu  sync.Mutex
	val T
	ok  bool
}

func (c *cache[T]) store(v T) {
	c.mu.Lock()
	c.val, c.ok = v, true
	c.mu.Unlock()
}

// load returns the cached value, evaluating it first when the node was never evaluated.
func (c *cache[T]) load(eval func() T) T {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ok {
		c.val, c.ok = eval(), true
	}
	return c.val
}

// leafVector is the flat state and undo snapshot shared by the Euclidean leaves.
type leafVector struct {
	backend.DesignVariableBase
	p    []float64
	undo backend.Undo
}

func newLeafVector(p []float64) leafVector {
	return leafVector{DesignVariableBase: backend.NewDesignVariableBase(), p: append([]float64(nil), p...)}
}

func (l *leafVector) MinimalDimensions() int { return len(l.p) }

func (l *leafVector) Update(dp []float64) error {
	if len(dp) != len(l.p) {
		return backend.Errorf("Update", backend.ErrInvalidArgument,
			"update dimension %d doesn't match the minimal dimension %d", len(dp), len(l.p))
	}
	l.undo.Save(l.p)
	for i, d := range dp {
		l.p[i] += d
	}
	return nil
}

func (l *leafVector) RevertUpdate() error { return l.undo.Restore(l.p) }

func (l *leafVector) Parameters() *mat.Dense {
	return mat.NewDense(len(l.p), 1, append([]float64(nil), l.p...))
}

func (l *leafVector) SetParameters(p mat.Matrix) error {
	if err := backend.CheckParameters(p, len(l.p), 1); err != nil {
		return err
	}
	for i := range l.p {
		l.p[i] = p.At(i, 0)
	}
	l.undo.Discard()
	return nil
}

func (l *leafVector) MinimalDifference(xHat mat.Matrix) ([]float64, error) {
	if err := backend.CheckParameters(xHat, len(l.p), 1); err != nil {
		return nil, err
	}
	d := make([]float64, len(l.p))
	for i := range d {
		d[i] = l.p[i] - xHat.At(i, 0)
	}
	return d, nil
}

func (l *leafVector) value() *mat.VecDense {
	return mat.NewVecDense(len(l.p), append([]float64(nil), l.p...))
}

var (
	_ backend.DesignVariable = (*Scalar)(nil)
	_ backend.DesignVariable = (*VectorDesignVariable)(nil)
	_ backend.DesignVariable = (*EuclideanPoint)(nil)
	_ backend.DesignVariable = (*RotationQuaternion)(nil)
	_ backend.DesignVariable = (*MatrixTransformation)(nil)
)
