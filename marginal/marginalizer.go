// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package marginal eliminates design variables from a set of error terms and
// summarizes their information about the remaining variables in a single
// linearized prior error term.
//
// Given the stacked whitened system 𝐉Δ𝐱 ≅ 𝐛 with the removed variables in the
// leading columns, an orthogonal 𝐐 reduces it to
//
//	𝐐[𝐉:𝐛] = ⎡𝐑₁₁ 𝐑₁₂ 𝐜₁⎤
//	         ⎣ ೦  𝐑₂₂ 𝐜₂⎦
//
// so that minimizing over the removed variables leaves ‖𝐑₂₂Δ𝐱₂ - 𝐜₂‖², the
// Schur complement of the normal equations in square root form.
package marginal

import (
	"log/slog"

	"github.com/curioloop/calib/backend"
	"gonum.org/v1/gonum/mat"
)

// DefaultRankTolerance is the relative pivot threshold below which removed
// directions are considered unobservable.
const DefaultRankTolerance = 1e-10

type config struct {
	useM   bool
	tol    float64
	logger *slog.Logger
}

// Option customizes Marginalize.
type Option func(*config)

// WithMEstimator applies the M-estimators of the error terms while building the system.
func WithMEstimator(use bool) Option {
	return func(c *config) { c.useM = use }
}

// WithRankTolerance sets the relative pseudo-rank threshold of the removed block.
func WithRankTolerance(tol float64) Option {
	return func(c *config) { c.tol = tol }
}

// WithLogger sets the structured logger, slog.Default() otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// indexScope saves the positional indices of variables and terms and
// assigns contiguous ones until restore.
type indexScope struct {
	dvs    []backend.DesignVariable
	blocks []int
	cols   []int
	ets    []backend.ErrorTerm
	rows   []int
}

func assignIndices(dvs []backend.DesignVariable, ets []backend.ErrorTerm) (s *indexScope, cols, rows int) {
	s = &indexScope{
		dvs:    dvs,
		blocks: make([]int, len(dvs)),
		cols:   make([]int, len(dvs)),
		ets:    ets,
		rows:   make([]int, len(ets)),
	}
	for i, dv := range dvs {
		s.blocks[i], s.cols[i] = dv.BlockIndex(), dv.ColumnBase()
		dv.SetBlockIndex(i)
		dv.SetColumnBase(cols)
		cols += dv.MinimalDimensions()
	}
	for i, et := range ets {
		s.rows[i] = et.RowBase()
		et.SetRowBase(rows)
		rows += et.Dimension()
	}
	return
}

func (s *indexScope) restore() {
	for i, dv := range s.dvs {
		dv.SetBlockIndex(s.blocks[i])
		dv.SetColumnBase(s.cols[i])
	}
	for i, et := range s.ets {
		et.SetRowBase(s.rows[i])
	}
}

// Marginalize removes the first numToRemove of dvs from the system formed by
// ets and returns a prior error term over the remaining ones, linearized at
// their current state.
//
// Every active variable of the error terms must be in dvs. Block indices,
// column bases and row bases are restored before returning.
func Marginalize(dvs []backend.DesignVariable, ets []backend.ErrorTerm, numToRemove int, options ...Option) (*PriorErrorTerm, error) {
	cfg := config{tol: DefaultRankTolerance}
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	log := cfg.logger

	if err := checkInput(dvs, ets, numToRemove); err != nil {
		return nil, err
	}
	if cfg.tol < 0 {
		return nil, backend.Errorf("Marginalize", backend.ErrInvalidArgument, "negative rank tolerance %g", cfg.tol)
	}

	scope, cols, rows := assignIndices(dvs, ets)
	defer scope.restore()

	dimRemove := 0
	for _, dv := range dvs[:numToRemove] {
		dimRemove += dv.MinimalDimensions()
	}
	log.Debug("marginalization system initialized",
		"design_variables", len(dvs), "error_terms", len(ets), "rows", rows, "cols", cols, "removed_dim", dimRemove)

	sys := backend.NewDenseSystem()
	if err := sys.InitStructure(dvs, ets, false); err != nil {
		return nil, err
	}
	sys.EvaluateError(1, cfg.useM)
	if err := sys.BuildSystem(1, cfg.useM); err != nil {
		return nil, err
	}
	J, b := sys.Jacobian(), sys.Rhs()

	var R *mat.Dense
	var d *mat.VecDense
	if rows < cols {
		log.Debug("underdetermined system, keeping the remaining columns as is", "rows", rows, "cols", cols)
		R = mat.DenseCopyOf(J.Slice(0, rows, dimRemove, cols))
		d = mat.VecDenseCopyOf(b)
	} else {
		var rank int
		R, d, rank = reduce(J, b, dimRemove, cfg.tol)
		if rank < dimRemove {
			log.Info("removed design variables are rank deficient", "rank", rank, "removed_dim", dimRemove)
		}
	}
	return NewPriorErrorTerm(dvs[numToRemove:], R, d)
}

func checkInput(dvs []backend.DesignVariable, ets []backend.ErrorTerm, numToRemove int) error {
	switch {
	case numToRemove < 0 || numToRemove > len(dvs):
		return backend.Errorf("Marginalize", backend.ErrOutOfBounds, "cannot remove %d of %d design variables", numToRemove, len(dvs))
	case numToRemove == len(dvs):
		return backend.Errorf("Marginalize", backend.ErrInvalidArgument, "no design variable remains")
	case len(ets) == 0:
		return backend.Errorf("Marginalize", backend.ErrInvalidArgument, "no error terms")
	}
	in := backend.NewDesignVariableSet()
	for i, dv := range dvs {
		if dv == nil {
			return backend.Errorf("Marginalize", backend.ErrInvalidArgument, "design variable %d is nil", i)
		}
		if !in.Insert(dv) {
			return backend.Errorf("Marginalize", backend.ErrInvalidArgument, "design variable %d is repeated", i)
		}
	}
	for i, et := range ets {
		if et == nil {
			return backend.Errorf("Marginalize", backend.ErrInvalidArgument, "error term %d is nil", i)
		}
		for _, dv := range et.DesignVariables() {
			if dv.Active() && !in.Contains(dv) {
				return backend.Errorf("Marginalize", backend.ErrInvalidArgument,
					"error term %d depends on an active design variable that is neither removed nor kept", i)
			}
		}
	}
	return nil
}

// reduce triangulates [J:b] and returns the trailing block of R belonging to
// the columns after k, the matching segment of Qᵀb and the pseudo-rank of the
// first k columns.
func reduce(J *mat.Dense, b *mat.VecDense, k int, tol float64) (*mat.Dense, *mat.VecDense, int) {
	m, n := J.Dims()
	a := make([]float64, m*(n+1))
	for j := 0; j < n; j++ {
		for i := 0; i < m; i++ {
			a[i+m*j] = J.At(i, j)
		}
	}
	for i := 0; i < m; i++ {
		a[i+m*n] = b.AtVec(i)
	}

	r := triangulate(a, m, n, k, tol)

	keep := n - k
	R := mat.NewDense(keep, keep, nil)
	for j := 0; j < keep; j++ {
		for i := 0; i <= j; i++ {
			R.Set(i, j, a[(r+i)+m*(k+j)])
		}
	}
	d := mat.NewVecDense(keep, a[r+m*n:r+m*n+keep])
	return R, d, r
}
