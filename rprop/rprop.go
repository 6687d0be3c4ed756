// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rprop minimizes the total error of an optimization problem with
// resilient backpropagation: every parameter moves against the sign of its
// gradient by an adaptive step size that grows while the sign persists and
// shrinks when it flips.
//
// The objective is
//
//	f(𝐱) = Σ ρ(‖sqrtInvRᵀ eᵢ(𝐱)‖²) + Σ wⱼ sⱼ(𝐱)
//
// over the squared error terms eᵢ and scalar error terms sⱼ of the problem,
// where ρ is the identity unless M-estimators are enabled. With M-estimators
// a scalar term contributes wⱼ·sign(sⱼ)·ρ(|sⱼ|).
package rprop

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/curioloop/calib/backend"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Status reports why an optimization stopped. Zero means it may continue.
type Status int

const (
	// ConvGradNorm the gradient norm fell below the tolerance
	ConvGradNorm Status = 1 << iota
	// ConvDx an accepted step was shorter than the tolerance
	ConvDx
	// StopStepCollapsed every step size reached the floor
	StopStepCollapsed
	// StopIterLimit the iteration limit was reached
	StopIterLimit
	// StopCanceled the context was canceled between iterations
	StopCanceled
	// StopAbnormalObjective the objective at the current state is not finite
	StopAbnormalObjective
)

// Running is the status of an optimization that has not stopped.
const Running Status = 0

const converged = ConvGradNorm | ConvDx

// Converged reports whether s is a convergence status.
func (s Status) Converged() bool { return s&converged > 0 }

func (s Status) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case ConvGradNorm:
		return "CONVERGENCE: NORM_OF_GRADIENT_<=_GTOL"
	case ConvDx:
		return "CONVERGENCE: NORM_OF_STEP_<=_DXTOL"
	case StopStepCollapsed:
		return "STOP: ALL STEP SIZES AT THE MINIMUM"
	case StopIterLimit:
		return "STOP: TOTAL NO. of ITERATIONS REACHED LIMIT"
	case StopCanceled:
		return "STOP: CONTEXT CANCELED"
	case StopAbnormalObjective:
		return "ABNORMAL_TERMINATION: OBJECTIVE IS NOT FINITE"
	}
	return "UNKNOWN STATUS"
}

// Label is a short lower case name of s.
func (s Status) Label() string {
	switch s {
	case Running:
		return "running"
	case ConvGradNorm:
		return "gradient_norm"
	case ConvDx:
		return "step_norm"
	case StopStepCollapsed:
		return "step_collapsed"
	case StopIterLimit:
		return "iteration_limit"
	case StopCanceled:
		return "canceled"
	case StopAbnormalObjective:
		return "abnormal_objective"
	}
	return "unknown"
}

// Option customizes an Optimizer.
type Option func(*Optimizer)

// WithLogger sets the iteration logger.
func WithLogger(l *Logger) Option {
	return func(o *Optimizer) { o.logger = normalizeLogger(l) }
}

// WithMetrics exports run statistics into m.
func WithMetrics(m *Metrics) Option {
	return func(o *Optimizer) { o.metrics = m }
}

// Optimizer implemented using the Rprop algorithm.
//
// An optimizer is bound to one problem at a time and must not be used
// concurrently. Only the gradient computation runs on several goroutines.
type Optimizer struct {
	opts    Options
	logger  Logger
	metrics *Metrics

	problem     backend.OptimizationProblem
	initialized bool

	dvs       []backend.DesignVariable
	cols      map[backend.DesignVariable]int
	ets       []backend.ErrorTerm
	scalar    []*backend.ScalarErrorTerm
	numParams int

	iter, failed int
	f            float64
	evaluated    bool
	gradNorm     float64
	dxNorm       float64

	grad, prevGrad []float64
	delta, dx      []float64
	dp             []float64
}

// Result contains the final result of the optimization process.
type Result struct {
	OK      bool    // Whether the optimization was converged.
	F       float64 // Final function value.
	Summary         // Optimization summary.
}

// Summary contains a summary of the optimization process.
type Summary struct {
	Status       Status  // Final status after optimization.
	NumIter      int     // Number of iterations performed.
	NumFailed    int     // Number of rejected steps.
	GradientNorm float64 // Gradient norm of the last iteration.
}

// New creates an optimizer with the given options.
func New(opts Options, options ...Option) (*Optimizer, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	o := &Optimizer{opts: opts, logger: normalizeLogger(nil)}
	for _, opt := range options {
		opt(o)
	}
	return o, nil
}

// Options returns the configured options.
func (o *Optimizer) Options() Options { return o.opts }

// SetProblem binds the optimizer to p. Initialize must be called before optimizing.
func (o *Optimizer) SetProblem(p backend.OptimizationProblem) {
	o.problem = p
	o.initialized = false
}

// Initialize collects the active design variables and all error terms of
// the problem and assigns contiguous block indices and column bases to the
// variables. Step sizes are reset to the initial step size.
func (o *Optimizer) Initialize() error {
	if o.problem == nil {
		return backend.Errorf("Initialize", backend.ErrUnsupportedOperation, "no problem is set")
	}
	p := o.problem

	o.dvs = o.dvs[:0]
	o.cols = make(map[backend.DesignVariable]int)
	n := 0
	for i := 0; i < p.NumDesignVariables(); i++ {
		dv := p.DesignVariable(i)
		if dv == nil {
			return backend.Errorf("Initialize", backend.ErrInvalidArgument, "design variable %d is nil", i)
		}
		if !dv.Active() {
			continue
		}
		if _, ok := o.cols[dv]; ok {
			continue
		}
		dv.SetBlockIndex(len(o.dvs))
		dv.SetColumnBase(n)
		o.cols[dv] = n
		o.dvs = append(o.dvs, dv)
		n += dv.MinimalDimensions()
	}

	o.ets = o.ets[:0]
	for i := 0; i < p.NumErrorTerms(); i++ {
		o.ets = append(o.ets, p.ErrorTerm(i))
	}
	o.scalar = o.scalar[:0]
	for i := 0; i < p.NumScalarErrorTerms(); i++ {
		o.scalar = append(o.scalar, p.ScalarErrorTerm(i))
	}

	o.numParams = n
	o.grad = make([]float64, n)
	o.prevGrad = make([]float64, n)
	o.dx = make([]float64, n)
	o.delta = make([]float64, n)
	for i := range o.delta {
		o.delta[i] = o.opts.InitialDelta
	}
	o.iter, o.failed = 0, 0
	o.gradNorm, o.dxNorm = math.NaN(), 0
	o.evaluated = false
	o.initialized = true
	return nil
}

// NumDesignVariables returns the number of active design variables.
func (o *Optimizer) NumDesignVariables() int { return len(o.dvs) }

// DesignVariable returns the i-th active design variable.
func (o *Optimizer) DesignVariable(i int) backend.DesignVariable {
	if i < 0 || i >= len(o.dvs) {
		panic(backend.Errorf("DesignVariable", backend.ErrOutOfBounds, "index %d outside [0, %d)", i, len(o.dvs)))
	}
	return o.dvs[i]
}

// NumParameters returns the length of the stacked local update.
func (o *Optimizer) NumParameters() int { return o.numParams }

// NumIterations returns the number of iterations since Initialize.
func (o *Optimizer) NumIterations() int { return o.iter }

// NumFailed returns the number of rejected steps since Initialize.
func (o *Optimizer) NumFailed() int { return o.failed }

// GradientNorm returns ‖∇f‖₂ of the latest iteration.
func (o *Optimizer) GradientNorm() float64 { return o.gradNorm }

// Objective returns the latest accepted objective value.
func (o *Optimizer) Objective() float64 { return o.f }

// StepSizes returns a copy of the current step sizes.
func (o *Optimizer) StepSizes() []float64 { return append([]float64(nil), o.delta...) }

// ComputeGradient evaluates every error term and writes ∇f into grad.
// The error terms are split into nThreads contiguous ranges, each summed
// into a private gradient.
func (o *Optimizer) ComputeGradient(grad []float64, nThreads int, useM bool) error {
	if !o.initialized {
		return backend.Errorf("ComputeGradient", backend.ErrUnsupportedOperation, "optimizer is not initialized")
	}
	if len(grad) != o.numParams {
		return backend.Errorf("ComputeGradient", backend.ErrInvalidArgument,
			"gradient has length %d, want %d", len(grad), o.numParams)
	}
	parts := backend.Ranges(len(o.ets)+len(o.scalar), nThreads)
	partial := make([][]float64, len(parts))
	var g errgroup.Group
	for w, r := range parts {
		partial[w] = make([]float64, o.numParams)
		g.Go(func() error {
			for i := r[0]; i < r[1]; i++ {
				if i < len(o.ets) {
					o.squaredGradient(o.ets[i], useM, partial[w])
				} else {
					o.scalarGradient(o.scalar[i-len(o.ets)], useM, partial[w])
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	for i := range grad {
		grad[i] = 0
	}
	for _, p := range partial {
		floats.Add(grad, p)
	}
	return nil
}

// squaredGradient adds 2 Jᵀe of the whitened and weighted term into grad.
func (o *Optimizer) squaredGradient(et backend.ErrorTerm, useM bool, grad []float64) {
	et.EvaluateError()
	jc := et.WeightedJacobians(useM)
	ew := et.WeightedError(useM)
	for _, dv := range jc.DesignVariables() {
		cb, ok := o.cols[dv]
		if !ok {
			continue
		}
		J, _ := jc.Jacobian(dv)
		seg := mat.NewVecDense(dv.MinimalDimensions(), grad[cb:cb+dv.MinimalDimensions()])
		var jte mat.VecDense
		jte.MulVec(J.T(), ew)
		seg.AddScaledVec(seg, 2, &jte)
	}
}

// scalarGradient adds the weighted Jacobian row of the term into grad.
func (o *Optimizer) scalarGradient(et *backend.ScalarErrorTerm, useM bool, grad []float64) {
	et.EvaluateError()
	jc := et.WeightedJacobians(useM)
	for _, dv := range jc.DesignVariables() {
		cb, ok := o.cols[dv]
		if !ok {
			continue
		}
		J, _ := jc.Jacobian(dv)
		floats.Add(grad[cb:cb+dv.MinimalDimensions()], J.RawRowView(0))
	}
}

// objective evaluates every error term and returns f.
func (o *Optimizer) objective() float64 {
	useM := o.opts.UseMEstimator
	f := 0.0
	for _, et := range o.ets {
		chi2 := et.EvaluateError()
		if useM {
			chi2 = backend.RobustLoss(et.MEstimator(), chi2)
		}
		f += chi2
	}
	for _, et := range o.scalar {
		et.EvaluateError()
		f += et.WeightedError(useM)
	}
	return f
}

// applyUpdate applies the scaled local update dx to every active variable.
// When an update fails the variables updated before it are reverted.
func (o *Optimizer) applyUpdate(dx []float64) error {
	for i, dv := range o.dvs {
		cb, d := o.cols[dv], dv.MinimalDimensions()
		o.dp = append(o.dp[:0], dx[cb:cb+d]...)
		floats.Scale(dv.Scaling(), o.dp)
		if err := dv.Update(o.dp); err != nil {
			errs := []error{err}
			for _, done := range o.dvs[:i] {
				errs = append(errs, done.RevertUpdate())
			}
			return errors.Join(errs...)
		}
	}
	return nil
}

func (o *Optimizer) revertUpdate() error {
	for _, dv := range o.dvs {
		if err := dv.RevertUpdate(); err != nil {
			return err
		}
	}
	return nil
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

// Step performs one iteration and returns Running unless a stop condition
// holds. A step that does not decrease f is reverted and counted as failed.
func (o *Optimizer) Step() (Status, error) {
	if !o.initialized {
		return Running, backend.Errorf("Step", backend.ErrUnsupportedOperation, "optimizer is not initialized")
	}
	opts := &o.opts
	if !o.evaluated {
		o.f = o.objective()
		o.evaluated = true
	}
	// No step can be accepted against a non-finite objective.
	if math.IsNaN(o.f) || math.IsInf(o.f, 0) {
		return StopAbnormalObjective, nil
	}

	if err := o.ComputeGradient(o.grad, opts.NumThreads, opts.UseMEstimator); err != nil {
		return Running, err
	}
	o.gradNorm = floats.Norm(o.grad, 2)
	if o.gradNorm < opts.ConvergenceGradientNorm {
		return ConvGradNorm, nil
	}
	if o.iter >= opts.MaxIterations {
		return StopIterLimit, nil
	}
	o.iter++

	// Adapt the step sizes to the sign agreement with the previous gradient.
	moved := false
	for i, g := range o.grad {
		switch p := g * o.prevGrad[i]; {
		case p > 0:
			o.delta[i] = min(o.delta[i]*opts.EtaPlus, opts.MaxDelta)
		case p < 0:
			o.delta[i] = max(o.delta[i]*opts.EtaMinus, opts.MinDelta)
			if opts.Method == IRpropMinus {
				g = 0
			}
		}
		o.dx[i] = -sign(g) * o.delta[i]
		o.prevGrad[i] = g
		moved = moved || o.dx[i] != 0
	}

	// A fully frozen step leaves the state untouched.
	accepted := true
	if moved {
		if err := o.applyUpdate(o.dx); err != nil {
			return Running, err
		}
		f := o.objective()
		if accepted = f < o.f; accepted {
			o.f = f
			o.dxNorm = floats.Norm(o.dx, 2)
		} else {
			if err := o.revertUpdate(); err != nil {
				return Running, err
			}
			o.failed++
			for i, d := range o.dx {
				if d != 0 {
					o.delta[i] = max(o.delta[i]*opts.EtaMinus, opts.MinDelta)
					o.prevGrad[i] = 0
				}
			}
		}
	}

	o.metrics.observeIter(o.gradNorm, o.f, accepted)
	o.printIter(accepted)

	switch {
	case moved && accepted && opts.ConvergenceDx > 0 && o.dxNorm < opts.ConvergenceDx:
		return ConvDx, nil
	case o.collapsed():
		return StopStepCollapsed, nil
	}
	return Running, nil
}

func (o *Optimizer) collapsed() bool {
	for _, d := range o.delta {
		if d > o.opts.MinDelta {
			return false
		}
	}
	return len(o.delta) > 0
}

// Optimize iterates until a stop condition holds. Cancellation of ctx is
// checked between iterations and reported as StopCanceled.
// The optimizer is initialized first if needed.
func (o *Optimizer) Optimize(ctx context.Context) (*Result, error) {
	if !o.initialized {
		if err := o.Initialize(); err != nil {
			return nil, err
		}
	}
	o.f = o.objective()
	o.evaluated = true
	o.printInit()

	status := Running
	for status == Running {
		if err := ctx.Err(); err != nil {
			status = StopCanceled
			break
		}
		var err error
		if status, err = o.Step(); err != nil {
			return nil, fmt.Errorf("rprop iteration %d: %w", o.iter, err)
		}
	}

	o.metrics.observeExit(status)
	o.printExit(status)
	return &Result{
		OK: status.Converged(),
		F:  o.f,
		Summary: Summary{
			Status:       status,
			NumIter:      o.iter,
			NumFailed:    o.failed,
			GradientNorm: o.gradNorm,
		},
	}, nil
}
