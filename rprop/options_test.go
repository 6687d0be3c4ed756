// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rprop

import (
	"strings"
	"testing"

	"github.com/curioloop/calib/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	require.NoError(t, opts.Validate())
	assert.Equal(t, IRpropMinus, opts.Method)
	assert.Greater(t, opts.EtaPlus, 1.0)
	assert.Less(t, opts.EtaMinus, 1.0)
}

func TestLoadOptions(t *testing.T) {
	opts, err := LoadOptions(strings.NewReader(`
maxIterations: 250
convergenceGradientNorm: 1.0e-8
initialDelta: 0.05
numThreads: 2
useMEstimator: true
method: rprop-
`))
	require.NoError(t, err)
	want := DefaultOptions()
	want.MaxIterations = 250
	want.ConvergenceGradientNorm = 1e-8
	want.InitialDelta = 0.05
	want.NumThreads = 2
	want.UseMEstimator = true
	want.Method = RpropMinus
	assert.Equal(t, want, opts)

	opts, err = LoadOptions(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions(), opts)
}

func TestLoadOptionsInvalid(t *testing.T) {
	for _, tc := range []struct {
		name, doc, field string
	}{
		{"unknown key", "stepSize: 1\n", "stepSize"},
		{"iterations", "maxIterations: 0\n", "MaxIterations"},
		{"eta minus", "etaMinus: 1.5\n", "EtaMinus"},
		{"eta plus", "etaPlus: 0.9\n", "EtaPlus"},
		{"min delta", "minDelta: 0.5\n", "MinDelta"},
		{"max delta", "maxDelta: 0.01\n", "MaxDelta"},
		{"threads", "numThreads: 0\n", "NumThreads"},
		{"method", "method: adam\n", "Method"},
		{"malformed", "maxIterations: [1, 2]\n", "cannot unmarshal"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadOptions(strings.NewReader(tc.doc))
			require.ErrorIs(t, err, backend.ErrInvalidArgument)
			assert.Contains(t, err.Error(), tc.field)
		})
	}
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	opts := DefaultOptions()
	opts.InitialDelta = -1
	_, err := New(opts)
	require.ErrorIs(t, err, backend.ErrInvalidArgument)
}
