// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package backend holds the data model of the least-squares calibration backend:
// design variables, Jacobian containers, error terms, robust weighting policies,
// the optimization problem container and the linear system contract.
package backend

import (
	"gonum.org/v1/gonum/mat"
)

// DesignVariable is a mutable parameter block with a minimal local update.
//
// Update perturbs the variable in its local coordinates and keeps exactly one
// snapshot so that RevertUpdate restores the pre-update state bit for bit.
// Parameters and SetParameters access the full state and bypass the snapshot.
//
// The block index and column base locate the variable in a stacked unknown
// vector. They are assigned transiently by whoever builds a global system and
// are -1 while unassigned.
type DesignVariable interface {
	MinimalDimensions() int
	Update(dp []float64) error
	RevertUpdate() error
	Parameters() *mat.Dense
	SetParameters(p mat.Matrix) error
	// MinimalDifference returns the local coordinates 𝐝 such that updating
	// a variable with parameters xHat by 𝐝 yields the current state.
	MinimalDifference(xHat mat.Matrix) ([]float64, error)

	Active() bool
	SetActive(active bool)
	BlockIndex() int
	SetBlockIndex(i int)
	ColumnBase() int
	SetColumnBase(c int)
	Scaling() float64
	SetScaling(s float64)
}

// DesignVariableBase carries the bookkeeping shared by every design variable.
// Concrete variables embed it and implement the state specific methods.
type DesignVariableBase struct {
	blockIndex int
	columnBase int
	active     bool
	scaling    float64
}

// NewDesignVariableBase returns an active, unassigned base with unit scaling.
func NewDesignVariableBase() DesignVariableBase {
	return DesignVariableBase{blockIndex: -1, columnBase: -1, active: true, scaling: 1}
}

func (b *DesignVariableBase) Active() bool          { return b.active }
func (b *DesignVariableBase) SetActive(active bool) { b.active = active }
func (b *DesignVariableBase) BlockIndex() int       { return b.blockIndex }
func (b *DesignVariableBase) SetBlockIndex(i int)   { b.blockIndex = i }
func (b *DesignVariableBase) ColumnBase() int       { return b.columnBase }
func (b *DesignVariableBase) SetColumnBase(c int)   { b.columnBase = c }
func (b *DesignVariableBase) Scaling() float64      { return b.scaling }
func (b *DesignVariableBase) SetScaling(s float64)  { b.scaling = s }

// CheckUpdate validates the size of a local update for dv.
func CheckUpdate(dv DesignVariable, dp []float64) error {
	if len(dp) != dv.MinimalDimensions() {
		return Errorf("Update", ErrInvalidArgument,
			"update dimension %d doesn't match the minimal dimension %d", len(dp), dv.MinimalDimensions())
	}
	return nil
}

// CheckParameters validates the shape of a full state write.
func CheckParameters(p mat.Matrix, rows, cols int) error {
	if p == nil {
		return Errorf("SetParameters", ErrInvalidArgument, "nil parameters")
	}
	if r, c := p.Dims(); r != rows || c != cols {
		return Errorf("SetParameters", ErrInvalidArgument, "parameters are %d×%d, want %d×%d", r, c, rows, cols)
	}
	return nil
}

// Undo is a single-level snapshot of a flat parameter slice.
type Undo struct {
	saved   []float64
	pending bool
}

// Save snapshots p, replacing any earlier snapshot.
func (u *Undo) Save(p []float64) {
	u.saved = append(u.saved[:0], p...)
	u.pending = true
}

// Restore copies the snapshot back into p and consumes it.
func (u *Undo) Restore(p []float64) error {
	if !u.pending {
		return Errorf("RevertUpdate", ErrUnsupportedOperation, "no update to revert")
	}
	copy(p, u.saved)
	u.pending = false
	return nil
}

// Discard forgets the snapshot, used when the state is overwritten directly.
func (u *Undo) Discard() { u.pending = false }

// DesignVariableSet is an identity keyed set that keeps insertion order.
type DesignVariableSet struct {
	index map[DesignVariable]int
	list  []DesignVariable
}

// NewDesignVariableSet returns an empty set.
func NewDesignVariableSet() *DesignVariableSet {
	return &DesignVariableSet{index: make(map[DesignVariable]int)}
}

// Insert adds dv unless it is already present and reports whether it was added.
func (s *DesignVariableSet) Insert(dv DesignVariable) bool {
	if _, ok := s.index[dv]; ok {
		return false
	}
	s.index[dv] = len(s.list)
	s.list = append(s.list, dv)
	return true
}

// Contains reports whether dv is in the set.
func (s *DesignVariableSet) Contains(dv DesignVariable) bool {
	_, ok := s.index[dv]
	return ok
}

func (s *DesignVariableSet) Len() int { return len(s.list) }

// Slice returns the members in insertion order. The result must not be modified.
func (s *DesignVariableSet) Slice() []DesignVariable { return s.list }
