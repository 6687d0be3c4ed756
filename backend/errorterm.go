// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import (
	"math"

	"github.com/curioloop/calib/numdiff"
	"gonum.org/v1/gonum/mat"
)

// ErrorTerm is a squared residual ‖sqrtInvRᵀ e‖² over a fixed list of design variables.
//
// Per optimizer iteration a term is driven through EvaluateError, then
// EvaluateJacobians, then either WeightedJacobians / WeightedError or BuildHessian.
type ErrorTerm interface {
	// Dimension returns the residual dimension.
	Dimension() int
	DesignVariables() []DesignVariable
	// SetDesignVariables binds the term once. A second call fails with
	// ErrUnsupportedOperation, a nil variable with ErrInvalidArgument.
	SetDesignVariables(dvs ...DesignVariable) error
	RowBase() int
	SetRowBase(r int)

	// EvaluateError computes the raw residual and returns the chi-squared error.
	EvaluateError() float64
	// RawSquaredError returns the chi-squared error of the last evaluation.
	RawSquaredError() float64
	// RawError returns the unwhitened residual of the last evaluation.
	RawError() *mat.VecDense
	EvaluateJacobians()
	// EvaluateJacobiansFiniteDifference fills the Jacobians by central differences.
	EvaluateJacobiansFiniteDifference() error
	Jacobians() JacobianContainer

	WeightedError(useM bool) *mat.VecDense
	WeightedJacobians(useM bool) JacobianContainer
	BuildHessian(h *BlockMatrix, rhs *mat.VecDense, useM bool)

	SetMEstimator(m MEstimator)
	MEstimator() MEstimator
}

// Residual is the model behind an ErrorTermFs.
type Residual interface {
	// EvaluateError writes the raw residual into e.
	EvaluateError(e *mat.VecDense)
	// EvaluateJacobians adds ∂e/∂x of every bound variable into jc.
	EvaluateJacobians(jc JacobianContainer)
}

// termBase carries the binding state shared by squared and scalar terms.
type termBase struct {
	dvs     []DesignVariable
	bound   bool
	rowBase int
	mest    MEstimator
}

func (t *termBase) DesignVariables() []DesignVariable { return t.dvs }

func (t *termBase) SetDesignVariables(dvs ...DesignVariable) error {
	if t.bound {
		return Errorf("SetDesignVariables", ErrUnsupportedOperation, "design variables may only be set once")
	}
	for i, dv := range dvs {
		if dv == nil {
			return Errorf("SetDesignVariables", ErrInvalidArgument, "design variable %d is nil", i)
		}
	}
	t.dvs = append([]DesignVariable(nil), dvs...)
	t.bound = true
	return nil
}

func (t *termBase) RowBase() int     { return t.rowBase }
func (t *termBase) SetRowBase(r int) { t.rowBase = r }

func (t *termBase) SetMEstimator(m MEstimator) {
	if m == nil {
		m = NoMEstimator{}
	}
	t.mest = m
}

func (t *termBase) MEstimator() MEstimator { return t.mest }

func (t *termBase) minimalDimensions() int {
	n := 0
	for _, dv := range t.dvs {
		n += dv.MinimalDimensions()
	}
	return n
}

// perturb applies dx split over the bound variables, runs eval and reverts.
func (t *termBase) perturb(dx []float64, eval func()) {
	off := 0
	for _, dv := range t.dvs {
		d := dv.MinimalDimensions()
		if err := dv.Update(dx[off : off+d]); err != nil {
			panic(err)
		}
		off += d
	}
	eval()
	for _, dv := range t.dvs {
		if err := dv.RevertUpdate(); err != nil {
			panic(err)
		}
	}
}

// ErrorTermFs is a squared error term of a runtime fixed dimension.
type ErrorTermFs struct {
	termBase
	dim      int
	model    Residual
	sqrtInvR *mat.Dense
	raw      *mat.VecDense
	chi2     float64
	jc       *SparseJacobianContainer
}

// NewErrorTermFs creates a term of dimension dim driven by model with
// identity covariance and no robust weighting.
func NewErrorTermFs(dim int, model Residual, dvs ...DesignVariable) (*ErrorTermFs, error) {
	switch {
	case dim <= 0:
		return nil, Errorf("NewErrorTermFs", ErrInvalidArgument, "dimension must be positive")
	case model == nil:
		return nil, Errorf("NewErrorTermFs", ErrInvalidArgument, "residual model is required")
	}
	et := &ErrorTermFs{
		termBase: termBase{mest: NoMEstimator{}},
		dim:      dim,
		model:    model,
		sqrtInvR: identity(dim),
		raw:      mat.NewVecDense(dim, nil),
		jc:       NewSparseJacobianContainer(dim),
	}
	if len(dvs) > 0 {
		if err := et.SetDesignVariables(dvs...); err != nil {
			return nil, err
		}
	}
	return et, nil
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func (et *ErrorTermFs) Dimension() int { return et.dim }

// SetInvR sets the inverse covariance and stores its Cholesky factor L as sqrtInvR
// so that invR = L Lᵀ.
func (et *ErrorTermFs) SetInvR(invR mat.Matrix) error {
	r, c := invR.Dims()
	if r != c || r != et.dim {
		return Errorf("SetInvR", ErrInvalidArgument, "inverse covariance is %d×%d, want %d×%d", r, c, et.dim, et.dim)
	}
	sym := mat.NewSymDense(r, nil)
	for i := 0; i < r; i++ {
		for j := i; j < r; j++ {
			sym.SetSym(i, j, 0.5*(invR.At(i, j)+invR.At(j, i)))
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(sym); !ok {
		return Errorf("SetInvR", ErrInvalidArgument, "inverse covariance is not positive definite")
	}
	var l mat.TriDense
	chol.LTo(&l)
	et.sqrtInvR = mat.DenseCopyOf(&l)
	return nil
}

// SetSqrtInvR sets the square root of the inverse covariance directly.
func (et *ErrorTermFs) SetSqrtInvR(sqrtInvR mat.Matrix) error {
	r, c := sqrtInvR.Dims()
	if r != c || r != et.dim {
		return Errorf("SetSqrtInvR", ErrInvalidArgument, "square root information is %d×%d, want %d×%d", r, c, et.dim, et.dim)
	}
	et.sqrtInvR = mat.DenseCopyOf(sqrtInvR)
	return nil
}

// SqrtInvR returns the square root of the inverse covariance.
func (et *ErrorTermFs) SqrtInvR() *mat.Dense { return et.sqrtInvR }

// InvR returns sqrtInvR sqrtInvRᵀ.
func (et *ErrorTermFs) InvR() *mat.Dense {
	var m mat.Dense
	m.Mul(et.sqrtInvR, et.sqrtInvR.T())
	return &m
}

func (et *ErrorTermFs) EvaluateError() float64 {
	et.raw.Zero()
	et.model.EvaluateError(et.raw)
	var w mat.VecDense
	w.MulVec(et.sqrtInvR.T(), et.raw)
	et.chi2 = mat.Dot(&w, &w)
	return et.chi2
}

func (et *ErrorTermFs) RawSquaredError() float64 { return et.chi2 }

func (et *ErrorTermFs) RawError() *mat.VecDense { return et.raw }

func (et *ErrorTermFs) EvaluateJacobians() {
	et.jc.Reset(et.dim)
	et.model.EvaluateJacobians(et.jc)
}

func (et *ErrorTermFs) Jacobians() JacobianContainer { return et.jc }

func (et *ErrorTermFs) EvaluateJacobiansFiniteDifference() error {
	n := et.minimalDimensions()
	if n == 0 {
		et.jc.Reset(et.dim)
		return nil
	}
	e := mat.NewVecDense(et.dim, nil)
	approx := numdiff.ApproxSpec{
		N: n, M: et.dim, Method: numdiff.Central, AbsStep: 1e-6,
		Object: func(x, y []float64) {
			et.perturb(x, func() {
				e.Zero()
				et.model.EvaluateError(e)
				copy(y, e.RawVector().Data)
			})
		},
	}
	J, err := approx.Jacobian(make([]float64, n))
	if err != nil {
		return err
	}
	et.jc.Reset(et.dim)
	off := 0
	for _, dv := range et.dvs {
		d := dv.MinimalDimensions()
		et.jc.Add(dv, J.Slice(0, et.dim, off, off+d))
		off += d
	}
	return nil
}

// sqrtWeight returns the robust square root weight of the last evaluation.
func (et *ErrorTermFs) sqrtWeight(useM bool) float64 {
	if !useM || et.mest == nil {
		return 1
	}
	return math.Sqrt(et.mest.Weight(et.chi2))
}

func (et *ErrorTermFs) WeightedError(useM bool) *mat.VecDense {
	var w mat.VecDense
	w.MulVec(et.sqrtInvR.T(), et.raw)
	w.ScaleVec(et.sqrtWeight(useM), &w)
	return &w
}

// WeightedJacobians evaluates the Jacobians and returns them whitened,
// robust weighted and multiplied by the scaling of each variable.
func (et *ErrorTermFs) WeightedJacobians(useM bool) JacobianContainer {
	et.EvaluateJacobians()
	jc := et.jc.Clone()
	var m mat.Dense
	m.Scale(et.sqrtWeight(useM), et.sqrtInvR.T())
	jc.ApplyChainRule(&m)
	for _, dv := range jc.DesignVariables() {
		jc.Scale(dv, dv.Scaling())
	}
	return jc
}

// BuildHessian evaluates the Jacobians and adds the weighted JᵀJ and Jᵀe of
// the term into h and rhs, with J multiplied by the scaling of each variable.
func (et *ErrorTermFs) BuildHessian(h *BlockMatrix, rhs *mat.VecDense, useM bool) {
	et.EvaluateJacobians()
	jc := et.jc.Clone()
	for _, dv := range jc.DesignVariables() {
		jc.Scale(dv, dv.Scaling())
	}
	var m mat.Dense
	m.Scale(et.sqrtWeight(useM), et.sqrtInvR)
	jc.EvaluateHessian(et.raw, &m, h, rhs)
}
