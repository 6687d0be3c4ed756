// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import (
	"math"
	"strings"
)

// MEstimator is a robust weighting policy over the raw error magnitude.
//
// For squared error terms the argument is the raw squared error eᵀe, for
// scalar error terms it is the raw error. Weight returns a value in (0, 1]
// that is non-increasing in the magnitude for robust policies.
type MEstimator interface {
	Weight(e float64) float64
	Name() string
}

// Loss is implemented by policies that know their robust cost ρ(e).
// Optimizers fall back to Weight(e)·e for policies without it.
type Loss interface {
	Loss(e float64) float64
}

// RobustLoss returns ρ(e) of m, or e when m is nil.
func RobustLoss(m MEstimator, e float64) float64 {
	if m == nil {
		return e
	}
	if l, ok := m.(Loss); ok {
		return l.Loss(e)
	}
	return m.Weight(e) * e
}

// NoMEstimator disables robust weighting.
type NoMEstimator struct{}

func (NoMEstimator) Weight(float64) float64 { return 1 }
func (NoMEstimator) Loss(e float64) float64 { return e }
func (NoMEstimator) Name() string           { return "none" }

// HuberMEstimator weights squared errors beyond k² by k/|e|.
type HuberMEstimator struct {
	K float64
}

func NewHuberMEstimator(k float64) HuberMEstimator { return HuberMEstimator{K: k} }

func (m HuberMEstimator) Weight(e2 float64) float64 {
	e := math.Sqrt(math.Abs(e2))
	if e <= m.K {
		return 1
	}
	return m.K / e
}

func (m HuberMEstimator) Loss(e2 float64) float64 {
	e := math.Sqrt(math.Abs(e2))
	if e <= m.K {
		return e2
	}
	return 2*m.K*e - m.K*m.K
}

func (m HuberMEstimator) Name() string { return "huber" }

// CauchyMEstimator weights squared errors by 1/(1 + e²/σ²).
type CauchyMEstimator struct {
	Sigma2 float64
}

func NewCauchyMEstimator(sigma float64) CauchyMEstimator { return CauchyMEstimator{Sigma2: sigma * sigma} }

func (m CauchyMEstimator) Weight(e2 float64) float64 { return 1 / (1 + e2/m.Sigma2) }

func (m CauchyMEstimator) Loss(e2 float64) float64 { return m.Sigma2 * math.Log1p(e2/m.Sigma2) }

func (m CauchyMEstimator) Name() string { return "cauchy" }

// FixedWeightMEstimator applies a constant weight.
type FixedWeightMEstimator struct {
	W float64
}

func (m FixedWeightMEstimator) Weight(float64) float64 { return m.W }
func (m FixedWeightMEstimator) Loss(e float64) float64 { return m.W * e }
func (m FixedWeightMEstimator) Name() string           { return "fixed" }

// ParseMEstimator builds a policy from its name and parameter,
// e.g. "huber" with k, "cauchy" with σ, "fixed" with w or "none".
func ParseMEstimator(name string, param float64) (MEstimator, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return NoMEstimator{}, nil
	case "huber":
		if param <= 0 {
			return nil, Errorf("ParseMEstimator", ErrInvalidArgument, "huber threshold must be positive")
		}
		return NewHuberMEstimator(param), nil
	case "cauchy":
		if param <= 0 {
			return nil, Errorf("ParseMEstimator", ErrInvalidArgument, "cauchy sigma must be positive")
		}
		return NewCauchyMEstimator(param), nil
	case "fixed":
		if param <= 0 || param > 1 {
			return nil, Errorf("ParseMEstimator", ErrInvalidArgument, "fixed weight must be in (0, 1]")
		}
		return FixedWeightMEstimator{W: param}, nil
	}
	return nil, Errorf("ParseMEstimator", ErrInvalidArgument, "unknown m-estimator %q", name)
}
