// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import (
	"gonum.org/v1/gonum/mat"
)

// DenseJacobianContainer stores all blocks in one pre-sized rows × cols buffer
// addressed by the column base of each design variable.
//
// It suits residuals that touch most of the unknowns. Every added variable
// must have a column base inside the buffer.
type DenseJacobianContainer struct {
	rows, cols int
	data       *mat.Dense
	dvs        *DesignVariableSet
}

// NewDenseJacobianContainer creates a zeroed container of rows × cols.
func NewDenseJacobianContainer(rows, cols int) *DenseJacobianContainer {
	return &DenseJacobianContainer{
		rows: rows,
		cols: cols,
		data: mat.NewDense(rows, cols, nil),
		dvs:  NewDesignVariableSet(),
	}
}

func (jc *DenseJacobianContainer) Rows() int { return jc.rows }

// Cols returns the width of the buffer.
func (jc *DenseJacobianContainer) Cols() int { return jc.cols }

func (jc *DenseJacobianContainer) view(op string, dv DesignVariable) *mat.Dense {
	cb, d := dv.ColumnBase(), dv.MinimalDimensions()
	if cb < 0 || cb+d > jc.cols {
		panic(Errorf(op, ErrOutOfBounds, "column base %d + %d outside %d columns", cb, d, jc.cols))
	}
	return jc.data.Slice(0, jc.rows, cb, cb+d).(*mat.Dense)
}

func (jc *DenseJacobianContainer) Add(dv DesignVariable, block mat.Matrix) {
	checkBlock("JacobianContainer.Add", jc.rows, dv, block)
	if !dv.Active() {
		return
	}
	v := jc.view("JacobianContainer.Add", dv)
	v.Add(v, block)
	jc.dvs.Insert(dv)
}

func (jc *DenseJacobianContainer) ApplyChainRule(m mat.Matrix) {
	r, c := m.Dims()
	if c != jc.rows {
		panic(Errorf("JacobianContainer.ApplyChainRule", ErrInvalidArgument,
			"chain rule matrix has %d columns, container has %d rows", c, jc.rows))
	}
	next := mat.NewDense(r, jc.cols, nil)
	next.Mul(m, jc.data)
	jc.data, jc.rows = next, r
}

func (jc *DenseJacobianContainer) Merge(other JacobianContainer) {
	if other.Rows() != jc.rows {
		panic(Errorf("JacobianContainer.Merge", ErrInvalidArgument,
			"merging %d rows into %d rows", other.Rows(), jc.rows))
	}
	for _, dv := range other.DesignVariables() {
		b, _ := other.Jacobian(dv)
		jc.Add(dv, b)
	}
}

// Jacobian returns a copy of the columns owned by dv.
func (jc *DenseJacobianContainer) Jacobian(dv DesignVariable) (*mat.Dense, bool) {
	if !jc.dvs.Contains(dv) {
		return nil, false
	}
	return mat.DenseCopyOf(jc.view("JacobianContainer.Jacobian", dv)), true
}

func (jc *DenseJacobianContainer) DesignVariables() []DesignVariable { return jc.dvs.Slice() }

func (jc *DenseJacobianContainer) Clear() {
	jc.data.Zero()
	jc.dvs = NewDesignVariableSet()
}

// Matrix exposes the whole buffer.
func (jc *DenseJacobianContainer) Matrix() *mat.Dense { return jc.data }

func (jc *DenseJacobianContainer) EvaluateHessian(e mat.Vector, sqrtInvR mat.Matrix, h *BlockMatrix, rhs *mat.VecDense) {
	evaluateHessian(jc, e, sqrtInvR, h, rhs)
}
