// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import (
	"gonum.org/v1/gonum/mat"
)

// JacobianContainer accumulates the partial derivatives of one residual with
// respect to the design variables it depends on.
//
// Every block has Rows() rows and as many columns as the minimal dimension of
// its variable. At most one block exists per variable: repeated contributions
// are summed. Contributions for inactive variables are dropped.
//
// Dimension violations in Add, ApplyChainRule and Merge are programming errors
// on the evaluation hot path and panic with an error wrapping ErrInvalidArgument
// or ErrOutOfBounds.
type JacobianContainer interface {
	Rows() int
	Add(dv DesignVariable, block mat.Matrix)
	// ApplyChainRule left-multiplies every stored block by m.
	ApplyChainRule(m mat.Matrix)
	Merge(other JacobianContainer)
	Jacobian(dv DesignVariable) (*mat.Dense, bool)
	// DesignVariables returns the variables holding a block, in insertion order.
	DesignVariables() []DesignVariable
	Clear()
	// EvaluateHessian adds the normal equation contribution of the residual e
	// whitened by sqrtInvRᵀ into h and rhs.
	EvaluateHessian(e mat.Vector, sqrtInvR mat.Matrix, h *BlockMatrix, rhs *mat.VecDense)
}

// SparseJacobianContainer stores one dense block per design variable.
type SparseJacobianContainer struct {
	rows   int
	blocks map[DesignVariable]*mat.Dense
	order  []DesignVariable
}

// NewSparseJacobianContainer creates an empty container for a residual of the given dimension.
func NewSparseJacobianContainer(rows int) *SparseJacobianContainer {
	return &SparseJacobianContainer{rows: rows, blocks: make(map[DesignVariable]*mat.Dense)}
}

func (jc *SparseJacobianContainer) Rows() int { return jc.rows }

func (jc *SparseJacobianContainer) Add(dv DesignVariable, block mat.Matrix) {
	checkBlock("JacobianContainer.Add", jc.rows, dv, block)
	if !dv.Active() {
		return
	}
	if b, ok := jc.blocks[dv]; ok {
		b.Add(b, block)
		return
	}
	jc.blocks[dv] = mat.DenseCopyOf(block)
	jc.order = append(jc.order, dv)
}

func (jc *SparseJacobianContainer) ApplyChainRule(m mat.Matrix) {
	r, c := m.Dims()
	if c != jc.rows {
		panic(Errorf("JacobianContainer.ApplyChainRule", ErrInvalidArgument,
			"chain rule matrix has %d columns, container has %d rows", c, jc.rows))
	}
	for _, dv := range jc.order {
		var b mat.Dense
		b.Mul(m, jc.blocks[dv])
		jc.blocks[dv] = &b
	}
	jc.rows = r
}

func (jc *SparseJacobianContainer) Merge(other JacobianContainer) {
	if other.Rows() != jc.rows {
		panic(Errorf("JacobianContainer.Merge", ErrInvalidArgument,
			"merging %d rows into %d rows", other.Rows(), jc.rows))
	}
	for _, dv := range other.DesignVariables() {
		b, _ := other.Jacobian(dv)
		jc.Add(dv, b)
	}
}

func (jc *SparseJacobianContainer) Jacobian(dv DesignVariable) (*mat.Dense, bool) {
	b, ok := jc.blocks[dv]
	return b, ok
}

func (jc *SparseJacobianContainer) DesignVariables() []DesignVariable { return jc.order }

func (jc *SparseJacobianContainer) Clear() {
	clear(jc.blocks)
	jc.order = jc.order[:0]
}

// Reset clears the container and changes its residual dimension.
func (jc *SparseJacobianContainer) Reset(rows int) {
	jc.Clear()
	jc.rows = rows
}

// Clone returns a deep copy of jc.
func (jc *SparseJacobianContainer) Clone() *SparseJacobianContainer {
	c := NewSparseJacobianContainer(jc.rows)
	for _, dv := range jc.order {
		c.blocks[dv] = mat.DenseCopyOf(jc.blocks[dv])
		c.order = append(c.order, dv)
	}
	return c
}

// Scale multiplies the block of dv by s.
func (jc *SparseJacobianContainer) Scale(dv DesignVariable, s float64) {
	if b, ok := jc.blocks[dv]; ok {
		b.Scale(s, b)
	}
}

func (jc *SparseJacobianContainer) EvaluateHessian(e mat.Vector, sqrtInvR mat.Matrix, h *BlockMatrix, rhs *mat.VecDense) {
	evaluateHessian(jc, e, sqrtInvR, h, rhs)
}

// AsDense stacks the blocks side by side at their column bases into a
// Rows() × cols matrix. Variables without a column base are skipped.
func (jc *SparseJacobianContainer) AsDense(cols int) *mat.Dense {
	out := mat.NewDense(jc.rows, cols, nil)
	for _, dv := range jc.order {
		cb := dv.ColumnBase()
		if cb < 0 {
			continue
		}
		d := dv.MinimalDimensions()
		if cb+d > cols {
			panic(Errorf("JacobianContainer.AsDense", ErrOutOfBounds,
				"column base %d + %d exceeds %d columns", cb, d, cols))
		}
		out.Slice(0, jc.rows, cb, cb+d).(*mat.Dense).Copy(jc.blocks[dv])
	}
	return out
}

func checkBlock(op string, rows int, dv DesignVariable, block mat.Matrix) {
	if dv == nil {
		panic(Errorf(op, ErrInvalidArgument, "nil design variable"))
	}
	r, c := block.Dims()
	if r != rows {
		panic(Errorf(op, ErrInvalidArgument, "block has %d rows, container has %d", r, rows))
	}
	if c != dv.MinimalDimensions() {
		panic(Errorf(op, ErrInvalidArgument,
			"block has %d columns, design variable has minimal dimension %d", c, dv.MinimalDimensions()))
	}
}

// evaluateHessian whitens every block with sqrtInvRᵀ and adds the pairwise
// products into the upper triangle of h, and Jᵢᵀe into rhs.
func evaluateHessian(jc JacobianContainer, e mat.Vector, sqrtInvR mat.Matrix, h *BlockMatrix, rhs *mat.VecDense) {
	var ew mat.VecDense
	ew.MulVec(sqrtInvR.T(), e)

	dvs := jc.DesignVariables()
	whitened := make([]*mat.Dense, len(dvs))
	for i, dv := range dvs {
		J, _ := jc.Jacobian(dv)
		var w mat.Dense
		w.Mul(sqrtInvR.T(), J)
		whitened[i] = &w
	}

	for i, dvi := range dvs {
		bi := dvi.BlockIndex()
		if bi < 0 {
			continue
		}
		for j, dvj := range dvs {
			bj := dvj.BlockIndex()
			if bj < bi {
				continue
			}
			var jtj mat.Dense
			jtj.Mul(whitened[i].T(), whitened[j])
			h.AddBlock(bi, bj, &jtj)
		}
		if rhs != nil {
			cb, d := dvi.ColumnBase(), dvi.MinimalDimensions()
			if cb < 0 || cb+d > rhs.Len() {
				panic(Errorf("JacobianContainer.EvaluateHessian", ErrOutOfBounds,
					"column base %d + %d outside rhs of length %d", cb, d, rhs.Len()))
			}
			var g mat.VecDense
			g.MulVec(whitened[i].T(), &ew)
			seg := rhs.SliceVec(cb, cb+d).(*mat.VecDense)
			seg.AddVec(seg, &g)
		}
	}
}
