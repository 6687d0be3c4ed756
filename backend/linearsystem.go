// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import (
	"gonum.org/v1/gonum/mat"
	"golang.org/x/sync/errgroup"
)

// LinearSystemSolver assembles the linearized system of a set of error terms.
//
// Design variables must carry block indices and column bases and error terms
// row bases before InitStructure is called. EvaluateError must precede BuildSystem.
type LinearSystemSolver interface {
	InitStructure(dvs []DesignVariable, ets []ErrorTerm, useDiagonalConditioner bool) error
	// EvaluateError evaluates every term and returns the total (robust) squared error.
	EvaluateError(nThreads int, useM bool) float64
	BuildSystem(nThreads int, useM bool) error
}

// Ranges splits [0, n) into at most workers contiguous ranges of near equal size.
func Ranges(n, workers int) [][2]int {
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}
	out := make([][2]int, 0, workers)
	for w, lo := 0, 0; w < workers; w++ {
		hi := lo + (n-lo)/(workers-w)
		out = append(out, [2]int{lo, hi})
		lo = hi
	}
	return out
}

// DenseSystem stacks the whitened Jacobians of all error terms into one dense
// matrix J and their negated whitened residuals into b, so that the
// linearized problem is min ‖J dx − b‖².
//
// With the diagonal conditioner enabled, one extra row per column is
// appended holding the conditioner value of that column.
type DenseSystem struct {
	dvs         []DesignVariable
	ets         []ErrorTerm
	rows, cols  int
	condition   bool
	conditioner []float64
	jacobian    *mat.Dense
	rhs         *mat.VecDense
	evaluated   bool
}

var _ LinearSystemSolver = (*DenseSystem)(nil)

// NewDenseSystem returns an uninitialized system.
func NewDenseSystem() *DenseSystem { return &DenseSystem{} }

func (s *DenseSystem) InitStructure(dvs []DesignVariable, ets []ErrorTerm, useDiagonalConditioner bool) error {
	cols := 0
	for i, dv := range dvs {
		if dv == nil {
			return Errorf("InitStructure", ErrInvalidArgument, "design variable %d is nil", i)
		}
		cb := dv.ColumnBase()
		if cb < 0 || dv.BlockIndex() < 0 {
			return Errorf("InitStructure", ErrInvalidArgument, "design variable %d has no column base", i)
		}
		cols = max(cols, cb+dv.MinimalDimensions())
	}
	rows := 0
	for i, et := range ets {
		if et == nil {
			return Errorf("InitStructure", ErrInvalidArgument, "error term %d is nil", i)
		}
		if et.RowBase() < 0 {
			return Errorf("InitStructure", ErrInvalidArgument, "error term %d has negative row base", i)
		}
		rows = max(rows, et.RowBase()+et.Dimension())
	}

	s.dvs, s.ets = dvs, ets
	s.rows, s.cols = rows, cols
	s.condition = useDiagonalConditioner
	if useDiagonalConditioner {
		s.conditioner = make([]float64, cols)
		rows += cols
	}
	if rows == 0 || cols == 0 {
		s.jacobian, s.rhs = &mat.Dense{}, &mat.VecDense{}
	} else {
		s.jacobian = mat.NewDense(rows, cols, nil)
		s.rhs = mat.NewVecDense(rows, nil)
	}
	s.evaluated = false
	return nil
}

// SetConditioner sets the diagonal conditioner values, one per column.
func (s *DenseSystem) SetConditioner(d []float64) error {
	if !s.condition {
		return Errorf("SetConditioner", ErrUnsupportedOperation, "diagonal conditioner is disabled")
	}
	if len(d) != s.cols {
		return Errorf("SetConditioner", ErrInvalidArgument, "conditioner has %d values, want %d", len(d), s.cols)
	}
	copy(s.conditioner, d)
	return nil
}

func (s *DenseSystem) EvaluateError(nThreads int, useM bool) float64 {
	parts := Ranges(len(s.ets), nThreads)
	sums := make([]float64, len(parts))
	var g errgroup.Group
	for w, r := range parts {
		g.Go(func() error {
			for _, et := range s.ets[r[0]:r[1]] {
				chi2 := et.EvaluateError()
				if useM {
					chi2 = RobustLoss(et.MEstimator(), chi2)
				}
				sums[w] += chi2
			}
			return nil
		})
	}
	_ = g.Wait()
	s.evaluated = true
	total := 0.0
	for _, v := range sums {
		total += v
	}
	return total
}

func (s *DenseSystem) BuildSystem(nThreads int, useM bool) error {
	if s.jacobian == nil {
		return Errorf("BuildSystem", ErrUnsupportedOperation, "structure is not initialized")
	}
	if !s.evaluated {
		return Errorf("BuildSystem", ErrUnsupportedOperation, "errors must be evaluated first")
	}
	if s.rows == 0 || s.cols == 0 {
		return nil
	}
	s.jacobian.Zero()
	s.rhs.Zero()

	// Every term owns a disjoint row range, so workers write in place.
	var g errgroup.Group
	for _, r := range Ranges(len(s.ets), nThreads) {
		g.Go(func() error {
			for _, et := range s.ets[r[0]:r[1]] {
				if err := s.fill(et, useM); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if s.condition {
		for c, v := range s.conditioner {
			s.jacobian.Set(s.rows+c, c, v)
		}
	}
	return nil
}

func (s *DenseSystem) fill(et ErrorTerm, useM bool) error {
	rb, dim := et.RowBase(), et.Dimension()
	if rb+dim > s.rows {
		return Errorf("BuildSystem", ErrOutOfBounds, "error term rows %d + %d exceed %d", rb, dim, s.rows)
	}
	jc := et.WeightedJacobians(useM)
	for _, dv := range jc.DesignVariables() {
		cb, d := dv.ColumnBase(), dv.MinimalDimensions()
		if cb < 0 || cb+d > s.cols {
			return Errorf("BuildSystem", ErrOutOfBounds, "design variable columns %d + %d exceed %d", cb, d, s.cols)
		}
		J, _ := jc.Jacobian(dv)
		s.jacobian.Slice(rb, rb+dim, cb, cb+d).(*mat.Dense).Copy(J)
	}
	b := s.rhs.SliceVec(rb, rb+dim).(*mat.VecDense)
	b.ScaleVec(-1, et.WeightedError(useM))
	return nil
}

// BuildHessian assembles the normal equations JᵀJ·dx = Jᵀb of the system
// block by block, without forming J. Each worker accumulates a private
// BlockMatrix and right-hand side over its range of error terms and the
// partial sums are added once all workers are done. The diagonal
// conditioner adds its squared values to the diagonal.
//
// Block indices must enumerate the design variables and column bases must
// follow the block order.
func (s *DenseSystem) BuildHessian(nThreads int, useM bool) (*BlockMatrix, *mat.VecDense, error) {
	if s.jacobian == nil {
		return nil, nil, Errorf("BuildHessian", ErrUnsupportedOperation, "structure is not initialized")
	}
	if !s.evaluated {
		return nil, nil, Errorf("BuildHessian", ErrUnsupportedOperation, "errors must be evaluated first")
	}
	dims, err := s.blockDims()
	if err != nil {
		return nil, nil, err
	}
	h := NewBlockMatrix(dims)
	if s.cols == 0 {
		return h, &mat.VecDense{}, nil
	}
	rhs := mat.NewVecDense(s.cols, nil)

	parts := Ranges(len(s.ets), nThreads)
	hs := make([]*BlockMatrix, len(parts))
	gs := make([]*mat.VecDense, len(parts))
	var g errgroup.Group
	for w, r := range parts {
		hs[w], gs[w] = NewBlockMatrix(dims), mat.NewVecDense(s.cols, nil)
		g.Go(func() error {
			for _, et := range s.ets[r[0]:r[1]] {
				et.BuildHessian(hs[w], gs[w], useM)
			}
			return nil
		})
	}
	_ = g.Wait()

	for w := range parts {
		h.Merge(hs[w])
		rhs.AddVec(rhs, gs[w])
	}
	// the terms add Jᵀe and b = −e
	rhs.ScaleVec(-1, rhs)

	if s.condition {
		for _, dv := range s.dvs {
			cb, d := dv.ColumnBase(), dv.MinimalDimensions()
			diag := mat.NewDense(d, d, nil)
			for k := 0; k < d; k++ {
				c := s.conditioner[cb+k]
				diag.Set(k, k, c*c)
			}
			h.AddBlock(dv.BlockIndex(), dv.BlockIndex(), diag)
		}
	}
	return h, rhs, nil
}

func (s *DenseSystem) blockDims() ([]int, error) {
	n := len(s.dvs)
	dims := make([]int, n)
	byBlock := make([]DesignVariable, n)
	for i, dv := range s.dvs {
		bi := dv.BlockIndex()
		if bi >= n || byBlock[bi] != nil {
			return nil, Errorf("BuildHessian", ErrInvalidArgument, "design variable %d has block index %d, want a permutation of [0, %d)", i, bi, n)
		}
		byBlock[bi] = dv
		dims[bi] = dv.MinimalDimensions()
	}
	base := 0
	for bi, dv := range byBlock {
		if dv.ColumnBase() != base {
			return nil, Errorf("BuildHessian", ErrInvalidArgument, "block %d starts at column %d, want %d", bi, dv.ColumnBase(), base)
		}
		base += dims[bi]
	}
	return dims, nil
}

// Jacobian returns the stacked whitened Jacobian.
func (s *DenseSystem) Jacobian() *mat.Dense { return s.jacobian }

// Rhs returns the stacked negated whitened residual.
func (s *DenseSystem) Rhs() *mat.VecDense { return s.rhs }

// Dims returns the number of residual rows, conditioner excluded, and unknown columns.
func (s *DenseSystem) Dims() (rows, cols int) { return s.rows, s.cols }
