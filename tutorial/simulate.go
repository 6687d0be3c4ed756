// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tutorial is a one dimensional calibration problem: a robot drives
// along a line towards a wall, measures its displacement by odometry and
// observes the distance to the wall. The robot positions and the wall
// position are estimated from both kinds of measurement.
//
// The robot starts at the origin. At step k its true position is
//
//	xₖ = xₖ₋₁ + v
//
// and the measurements are
//
//	uₖ = xₖ - xₖ₋₁ + 𝒩(0, σᵤ²)   (odometry, 1 ≤ k < K)
//	yₖ = w - xₖ + 𝒩(0, σₙ²)      (wall distance, 0 ≤ k < K)
package tutorial

import (
	"errors"
	"math/rand/v2"

	"github.com/curioloop/calib/backend"
	"github.com/go-playground/validator/v10"
)

// Config describes a simulated run.
type Config struct {
	Steps    int     `yaml:"steps" validate:"gte=2"`
	Wall     float64 `yaml:"wall"`
	Velocity float64 `yaml:"velocity"`
	// Standard deviations of the observation and odometry noise.
	SigmaN float64 `yaml:"sigmaN" validate:"gt=0"`
	SigmaU float64 `yaml:"sigmaU" validate:"gt=0"`
	Seed   uint64  `yaml:"seed"`
}

// DefaultConfig returns a short run with moderate noise.
func DefaultConfig() Config {
	return Config{
		Steps:    50,
		Wall:     10,
		Velocity: 0.1,
		SigmaN:   0.1,
		SigmaU:   0.05,
		Seed:     1,
	}
}

var validate = validator.New()

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fields validator.ValidationErrors
		if errors.As(err, &fields) && len(fields) > 0 {
			f := fields[0]
			return backend.Errorf("Config.Validate", backend.ErrInvalidArgument,
				"field %s fails %q (value %v)", f.Field(), f.Tag(), f.Value())
		}
		return backend.Errorf("Config.Validate", backend.ErrInvalidArgument, "%v", err)
	}
	return nil
}

// Dataset is the ground truth and the measurements of one run.
type Dataset struct {
	Config Config

	TrueWall      float64
	TruePositions []float64

	// Odometry[k-1] is the measured displacement from step k-1 to step k.
	Odometry []float64
	// Observations[k] is the measured distance to the wall at step k.
	Observations []float64
}

// Simulate generates a dataset from cfg.
func Simulate(cfg Config) (*Dataset, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))

	ds := &Dataset{
		Config:        cfg,
		TrueWall:      cfg.Wall,
		TruePositions: make([]float64, cfg.Steps),
		Odometry:      make([]float64, cfg.Steps-1),
		Observations:  make([]float64, cfg.Steps),
	}
	for k := range ds.TruePositions {
		if k > 0 {
			ds.TruePositions[k] = ds.TruePositions[k-1] + cfg.Velocity
			ds.Odometry[k-1] = cfg.Velocity + cfg.SigmaU*rng.NormFloat64()
		}
		ds.Observations[k] = cfg.Wall - ds.TruePositions[k] + cfg.SigmaN*rng.NormFloat64()
	}
	return ds, nil
}
