// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

// OptimizationProblem enumerates the design variables and error terms of a problem.
// Its structure must not change while an optimizer runs on it.
type OptimizationProblem interface {
	NumDesignVariables() int
	DesignVariable(i int) DesignVariable
	NumErrorTerms() int
	ErrorTerm(i int) ErrorTerm
	NumScalarErrorTerms() int
	ScalarErrorTerm(i int) *ScalarErrorTerm
	// ErrorTermsOf returns the squared and scalar terms bound to dv.
	ErrorTermsOf(dv DesignVariable) ([]ErrorTerm, []*ScalarErrorTerm)
}

// SimpleProblem keeps design variables and error terms in insertion order.
type SimpleProblem struct {
	dvs    *DesignVariableSet
	ets    []ErrorTerm
	scalar []*ScalarErrorTerm
}

// NewSimpleProblem returns an empty problem.
func NewSimpleProblem() *SimpleProblem {
	return &SimpleProblem{dvs: NewDesignVariableSet()}
}

// AddDesignVariable adds dv unless it is already part of the problem.
func (p *SimpleProblem) AddDesignVariable(dv DesignVariable) error {
	if dv == nil {
		return Errorf("AddDesignVariable", ErrInvalidArgument, "nil design variable")
	}
	p.dvs.Insert(dv)
	return nil
}

func (p *SimpleProblem) AddErrorTerm(et ErrorTerm) error {
	if et == nil {
		return Errorf("AddErrorTerm", ErrInvalidArgument, "nil error term")
	}
	p.ets = append(p.ets, et)
	return nil
}

func (p *SimpleProblem) AddScalarErrorTerm(et *ScalarErrorTerm) error {
	if et == nil {
		return Errorf("AddScalarErrorTerm", ErrInvalidArgument, "nil error term")
	}
	p.scalar = append(p.scalar, et)
	return nil
}

// Clear removes every design variable and error term.
func (p *SimpleProblem) Clear() {
	p.dvs = NewDesignVariableSet()
	p.ets, p.scalar = nil, nil
}

// Contains reports whether dv was added to the problem.
func (p *SimpleProblem) Contains(dv DesignVariable) bool { return p.dvs.Contains(dv) }

func (p *SimpleProblem) NumDesignVariables() int { return p.dvs.Len() }

func (p *SimpleProblem) DesignVariable(i int) DesignVariable {
	if i < 0 || i >= p.dvs.Len() {
		panic(Errorf("DesignVariable", ErrOutOfBounds, "index %d outside [0, %d)", i, p.dvs.Len()))
	}
	return p.dvs.Slice()[i]
}

func (p *SimpleProblem) NumErrorTerms() int { return len(p.ets) }

func (p *SimpleProblem) ErrorTerm(i int) ErrorTerm {
	if i < 0 || i >= len(p.ets) {
		panic(Errorf("ErrorTerm", ErrOutOfBounds, "index %d outside [0, %d)", i, len(p.ets)))
	}
	return p.ets[i]
}

func (p *SimpleProblem) NumScalarErrorTerms() int { return len(p.scalar) }

func (p *SimpleProblem) ScalarErrorTerm(i int) *ScalarErrorTerm {
	if i < 0 || i >= len(p.scalar) {
		panic(Errorf("ScalarErrorTerm", ErrOutOfBounds, "index %d outside [0, %d)", i, len(p.scalar)))
	}
	return p.scalar[i]
}

func (p *SimpleProblem) ErrorTermsOf(dv DesignVariable) ([]ErrorTerm, []*ScalarErrorTerm) {
	var ets []ErrorTerm
	var scalar []*ScalarErrorTerm
	for _, et := range p.ets {
		if bound(et.DesignVariables(), dv) {
			ets = append(ets, et)
		}
	}
	for _, et := range p.scalar {
		if bound(et.DesignVariables(), dv) {
			scalar = append(scalar, et)
		}
	}
	return ets, scalar
}

func bound(dvs []DesignVariable, dv DesignVariable) bool {
	for _, d := range dvs {
		if d == dv {
			return true
		}
	}
	return false
}
