// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/curioloop/calib/tutorial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err = root.Execute()
	return out.String(), errOut.String(), err
}

func writeOptions(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rprop.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestTutorialCommand(t *testing.T) {
	opts := writeOptions(t, "maxIterations: 300\nnumThreads: 2\n")
	out, logs, err := execute(t, "tutorial", "--options", opts, "--steps", "10", "--check", "--metrics", "--reference")
	require.NoError(t, err)

	assert.Contains(t, out, "RUNNING THE RPROP CODE")
	assert.Contains(t, out, "wall          true 10.0000")
	assert.Contains(t, out, "position rmse")
	assert.Contains(t, out, "gauss-newton  wall")
	assert.Contains(t, out, "calib_rprop_iterations_total")
	assert.Contains(t, out, "calib_rprop_runs_total{status=")
	assert.Contains(t, logs, "problem setup checked")
	assert.Contains(t, logs, "optimization finished")
}

func TestTutorialCommandErrors(t *testing.T) {
	_, _, err := execute(t, "tutorial", "--steps", "1")
	assert.Error(t, err)

	_, _, err = execute(t, "tutorial", "--options", writeOptions(t, "etaPlus: 0.5\n"))
	assert.ErrorContains(t, err, "EtaPlus")

	_, _, err = execute(t, "tutorial", "--options", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, _, err = execute(t, "--log-level", "loud", "tutorial")
	assert.ErrorContains(t, err, "invalid log level")
}

func TestMarginalizeCommand(t *testing.T) {
	opts := writeOptions(t, "maxIterations: 50\n")
	out, _, err := execute(t, "marginalize", "--options", opts, "--steps", "12", "--remove", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "removed 4 positions with 10 error terms")
	assert.Contains(t, out, "prior R =")
	assert.Contains(t, out, "wall true 10.0000")

	_, _, err = execute(t, "marginalize", "--steps", "12", "--remove", "11")
	assert.ErrorContains(t, err, "--remove")
}

func TestWindow(t *testing.T) {
	cfg := tutorial.DefaultConfig()
	cfg.Steps = 6
	ds, err := tutorial.Simulate(cfg)
	require.NoError(t, err)
	p, err := tutorial.Build(ds)
	require.NoError(t, err)

	dvs, ets, rest := window(p, 2)
	require.Len(t, dvs, 4)
	assert.Same(t, p.Positions[1], dvs[0])
	assert.Same(t, p.Positions[3], dvs[2])
	assert.Same(t, p.Wall, dvs[3])
	assert.Len(t, ets, 3+3)
	assert.Len(t, rest, 3+2)
}

func TestProfileCommand(t *testing.T) {
	out, _, err := execute(t, "profile", "--iterations", "10")
	require.NoError(t, err)
	for _, name := range []string{
		"ScalarExpression error",
		"ScalarExpression jacobian/sparse",
		"ScalarExpression jacobian/dense",
		"RotationExpression jacobian/dense",
	} {
		assert.Contains(t, out, name)
	}

	out, _, err = execute(t, "profile", "--iterations", "5", "--no-dense", "--no-rotation", "--no-update")
	require.NoError(t, err)
	assert.Contains(t, out, "ScalarExpression jacobian/sparse")
	assert.NotContains(t, out, "dense")
	assert.NotContains(t, out, "Rotation")

	_, _, err = execute(t, "profile", "--iterations", "0")
	assert.Error(t, err)
}
