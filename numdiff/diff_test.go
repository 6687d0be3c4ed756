// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package numdiff

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

func objV2(x, y []float64) {
	y[0] = x[0] * math.Sin(x[1])
	y[1] = x[1] * math.Cos(x[0])
	y[2] = math.Pow(x[0], 3) * math.Pow(x[1], -0.5)
}

func jacV2(x []float64) []float64 {
	return []float64{
		math.Sin(x[1]), x[0] * math.Cos(x[1]),
		-x[1] * math.Sin(x[0]), math.Cos(x[0]),
		3 * math.Pow(x[0], 2) * math.Pow(x[1], -0.5), -0.5 * math.Pow(x[0], 3) * math.Pow(x[1], -1.5),
	}
}

func objZero(x, y []float64) {
	y[0] = x[0] * x[1]
	y[1] = math.Cos(x[0] * x[1])
}

func jacZero(x []float64) []float64 {
	return []float64{
		x[1], x[0],
		-x[1] * math.Sin(x[0]*x[1]), -x[0] * math.Sin(x[0]*x[1]),
	}
}

func TestCheck(t *testing.T) {
	x0 := []float64{1, 2}
	cases := []struct {
		name string
		spec ApproxSpec
		diff []float64
	}{
		{"dimension", ApproxSpec{N: 0, M: 1, Object: objZero}, nil},
		{"method", ApproxSpec{N: 2, M: 2, Method: Method(7), Object: objZero}, make([]float64, 4)},
		{"object", ApproxSpec{N: 2, M: 2}, make([]float64, 4)},
		{"x0", ApproxSpec{N: 3, M: 2, Object: objZero}, make([]float64, 6)},
		{"diff", ApproxSpec{N: 2, M: 2, Object: objZero}, make([]float64, 3)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Error(t, c.spec.Check(x0, c.diff))
		})
	}
}

func TestComputeAbsStp(t *testing.T) {

	x0 := []float64{1e-5, 0, 1, 1e5}
	dummy := make([]float64, 4)

	// auto select relative step
	for method, relStep := range map[Method]float64{
		Forward: sqrtEps,
		Central: cubeEps,
	} {
		expected := []float64{relStep, relStep, relStep, relStep * math.Abs(x0[3])}

		as := ApproxSpec{N: 4, M: 1, Method: method, Object: objZero}
		require.NoError(t, as.Check(x0, dummy))
		as.absoluteStep(x0)
		require.True(t, relativeEqual(as.absStep, expected, 1e-12))

		negX0 := make([]float64, len(x0))
		for i, v := range x0 {
			negX0[i] = -v
			if method == Forward {
				expected[i] = math.Copysign(expected[i], -v)
			}
		}
		as.absoluteStep(negX0)
		require.True(t, relativeEqual(as.absStep, expected, 1e-12))
	}

	// user-specified relative step
	for _, relStep := range []float64{0.1, 1, 10, 100} {
		expected := []float64{relStep * x0[0], sqrtEps, relStep * x0[2], relStep * x0[3]}

		as := ApproxSpec{N: 4, M: 1, Method: Forward, RelStep: relStep, Object: objZero}
		require.NoError(t, as.Check(x0, dummy))
		as.absoluteStep(x0)
		require.True(t, relativeEqual(as.absStep, expected, 1e-12))
	}
}

// Case Sources : https://github.com/scipy/scipy/blob/main/scipy/optimize/tests/test__numdiff.py (test_absolute_step_sign)
func TestAbsStpSign(t *testing.T) {

	obj := func(x, y []float64) {
		y[0] = -math.Abs(x[0]+1) + math.Abs(x[1]+1)
	}

	x0 := []float64{-1, -1}
	grad := []float64{0, 0}

	as := ApproxSpec{N: 2, M: 1, Method: Forward, Object: obj, AbsStep: 1e-8}
	require.NoError(t, as.Diff(x0, grad))
	require.True(t, relativeEqual(grad, []float64{-1.0, 1.0}, 1e-7))

	as = ApproxSpec{N: 2, M: 1, Method: Forward, Object: obj, AbsStep: -1e-8}
	require.NoError(t, as.Diff(x0, grad))
	require.True(t, relativeEqual(grad, []float64{1.0, -1.0}, 1e-7))

	// x0 is restored after probing.
	require.Equal(t, []float64{-1, -1}, x0)
}

func TestVector(t *testing.T) {

	x0 := []float64{-100.0, 0.2}
	jac1 := jacV2(x0)
	jac2 := make([]float64, 6)
	jac3 := make([]float64, 6)

	as := ApproxSpec{N: 2, M: 3, Method: Forward, Object: objV2}
	require.NoError(t, as.Diff(x0, jac2))
	as = ApproxSpec{N: 2, M: 3, Method: Central, Object: objV2}
	require.NoError(t, as.Diff(x0, jac3))
	require.True(t, relativeEqual(jac1, jac2, 1e-5))
	require.True(t, relativeEqual(jac1, jac3, 1e-6))

	as = ApproxSpec{N: 2, M: 3, Method: Forward, Object: objV2, RelStep: 1e-4}
	require.NoError(t, as.Diff(x0, jac2))
	as = ApproxSpec{N: 2, M: 3, Method: Central, Object: objV2, RelStep: 1e-4}
	require.NoError(t, as.Diff(x0, jac3))
	require.True(t, relativeEqual(jac1, jac2, 1e-2))
	require.True(t, relativeEqual(jac1, jac3, 1e-4))
}

func TestAccuracy(t *testing.T) {

	checkDerivative := func(n, m int, x0 []float64, fun func(x, y []float64), jac func(x []float64) []float64) float64 {
		jacTest := jac(x0)
		jacDiff := make([]float64, n*m)
		approx := ApproxSpec{N: n, M: m, Method: Central, Object: fun}
		require.NoError(t, approx.Diff(x0, jacDiff))

		maxErr := 0.0
		for i := 0; i < n*m; i++ {
			absErr := math.Abs(jacTest[i] - jacDiff[i])
			absErr /= math.Max(1, math.Abs(jacDiff[i]))
			maxErr = math.Max(maxErr, absErr)
		}
		return maxErr
	}

	require.LessOrEqual(t, checkDerivative(2, 3, []float64{-10.0, 10}, objV2, jacV2), 1e-9)
	require.Zero(t, checkDerivative(2, 2, []float64{0, 0}, objZero, jacZero))
}

func TestJacobianMatchesGonum(t *testing.T) {
	x0 := []float64{1.5, 0.7}

	as := ApproxSpec{N: 2, M: 3, Method: Central, Object: objV2}
	got, err := as.Jacobian(x0)
	require.NoError(t, err)

	want := mat.NewDense(3, 2, nil)
	fd.Jacobian(want, func(y, x []float64) { objV2(x, y) }, x0, &fd.JacobianSettings{Formula: fd.Central})

	require.True(t, mat.EqualApprox(got, want, 1e-7))
}

func relativeEqual(a, b []float64, tol float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i, a := range a {
		if a == b[i] {
			continue
		}
		if math.Abs(a-b[i])/math.Max(math.Abs(a), math.Abs(b[i])) > tol {
			return false
		}
	}
	return true
}
