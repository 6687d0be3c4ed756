// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rprop

import (
	"errors"
	"io"

	"github.com/curioloop/calib/backend"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Method selects the sign change rule.
type Method string

const (
	// IRpropMinus freezes a component for one iteration after its gradient changes sign.
	IRpropMinus Method = "irprop-"
	// RpropMinus keeps stepping with the shrunk step after a sign change.
	RpropMinus Method = "rprop-"
)

// Options configures the Rprop optimizer.
type Options struct {
	// The iteration stop when the number of iteration reaches limit.
	MaxIterations int `yaml:"maxIterations" validate:"gt=0"`
	// The iteration will stop when ‖∇f‖₂ < 𝚐𝚝𝚘𝚕
	ConvergenceGradientNorm float64 `yaml:"convergenceGradientNorm" validate:"gte=0"`
	// The iteration will stop when an accepted step satisfies ‖𝐝𝐱‖₂ < 𝚍𝚡𝚝𝚘𝚕 (0 disables)
	ConvergenceDx float64 `yaml:"convergenceDx" validate:"gte=0"`
	// Step size bounds: 0 < Δₘᵢₙ ≤ Δ₀ ≤ Δₘₐₓ
	InitialDelta float64 `yaml:"initialDelta" validate:"gt=0"`
	MinDelta     float64 `yaml:"minDelta" validate:"gt=0,ltefield=InitialDelta"`
	MaxDelta     float64 `yaml:"maxDelta" validate:"gtefield=InitialDelta"`
	// Step size factors: 0 < η⁻ < 1 < η⁺
	EtaPlus  float64 `yaml:"etaPlus" validate:"gt=1"`
	EtaMinus float64 `yaml:"etaMinus" validate:"gt=0,lt=1"`
	// Number of workers used by the gradient computation.
	NumThreads    int    `yaml:"numThreads" validate:"gte=1"`
	UseMEstimator bool   `yaml:"useMEstimator"`
	Method        Method `yaml:"method" validate:"oneof=irprop- rprop-"`
}

// DefaultOptions returns the options used when nothing else is configured.
func DefaultOptions() Options {
	return Options{
		MaxIterations:           20,
		ConvergenceGradientNorm: 1e-3,
		InitialDelta:            0.1,
		MinDelta:                1e-20,
		MaxDelta:                1,
		EtaPlus:                 1.2,
		EtaMinus:                0.5,
		NumThreads:              4,
		Method:                  IRpropMinus,
	}
}

var validate = validator.New()

// Validate reports the first invalid field.
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		var fields validator.ValidationErrors
		if errors.As(err, &fields) && len(fields) > 0 {
			f := fields[0]
			return backend.Errorf("Options.Validate", backend.ErrInvalidArgument,
				"field %s fails %q (value %v)", f.Field(), f.Tag(), f.Value())
		}
		return backend.Errorf("Options.Validate", backend.ErrInvalidArgument, "%v", err)
	}
	return nil
}

// LoadOptions reads YAML options from r on top of DefaultOptions.
// Unknown keys are rejected.
func LoadOptions(r io.Reader) (Options, error) {
	opts := DefaultOptions()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		return Options{}, backend.Errorf("LoadOptions", backend.ErrInvalidArgument, "%v", err)
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}
