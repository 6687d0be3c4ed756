// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package marginal

import "math"

// reflect constructs the Householder transformation 𝐐 = 𝐈 + b⁻¹𝐮𝐮ᵀ that
// annihilates v[l:m] into the pivot v[p], where the column 𝐯 is stored
// contiguously and the rows in (p, l) are left untouched.
//
// On return v[p] holds the new pivot s = -sgn(vₚ)‖𝐯‖, v[l:m] keeps the tail
// of 𝐮 and the returned uₚ = vₚ - s completes it, so that b = s·uₚ.
// A zero uₚ denotes 𝐐 = 𝐈.
func reflect(p, l, m int, v []float64) (up float64) {

	// Check 0 ≤ p < l < m
	if p < 0 || p >= l || l >= m {
		return
	}

	// Find max|vᵢ| to scale the norm computation.
	maxV := math.Abs(v[p])
	for _, t := range v[l:m] {
		maxV = math.Max(math.Abs(t), maxV)
	}
	if maxV <= 0 {
		return
	}

	// Compute (vₚ² + ∑vᵢ²)¹ᐟ² (l ≤ i < m) with normalized v
	inv := 1 / maxV
	sum := (v[p] * inv) * (v[p] * inv)
	for _, t := range v[l:m] {
		sum += (t * inv) * (t * inv)
	}

	s := maxV * math.Sqrt(sum)
	if v[p] > 0 {
		s = -s
	}

	up = v[p] - s // uₚ = vₚ - s
	v[p] = s      // yₚ = s
	return
}

// applyReflection applies the transformation built by reflect on column u to
// ncv columns of c, the j-th one starting at c[j·ldc]:
//
//	𝐜 ← 𝐜 + b⁻¹(𝐮ᵀ𝐜)𝐮
func applyReflection(p, l, m int, u []float64, up float64, c []float64, ldc, ncv int) {

	if p < 0 || p >= l || l >= m || ncv <= 0 {
		return
	}

	b := u[p] * up // b = s·uₚ
	if b >= 0 {
		return
	}
	b = 1 / b

	for j := 0; j < ncv; j++ {
		col := c[j*ldc : j*ldc+m]
		// Compute uᵀc = uₚcₚ + ∑cᵢuᵢ (l ≤ i < m)
		sm := col[p] * up
		for i := l; i < m; i++ {
			sm += col[i] * u[i]
		}
		if sm == 0 {
			continue
		}
		sm *= b
		col[p] += sm * up
		for i := l; i < m; i++ {
			col[i] += sm * u[i]
		}
	}
}

// triangulate reduces the column-major m × (n+1) augmented matrix [𝐉:𝐛]
// with leading dimension m by Householder transformations 𝐐 such that
//
//	𝐐[𝐉:𝐛] = ⎡𝐑₁₁ 𝐑₁₂ 𝐜₁⎤ }r
//	         ⎣ ೦  𝐑₂₂ 𝐜₂⎦
//
// The first k columns are reduced with column interchanges, always taking
// the remaining column of largest norm, until that norm drops to
// tol·(largest initial norm). The pseudo-rank r ≤ k of the removed block is
// returned and the rest of it is dropped. The remaining n - k columns are
// then reduced in order starting at row r, so 𝐑₂₂ is upper triangular in
// rows r, …, r+n-k-1. Entries below the pivots hold the Householder vectors.
//
// triangulate requires m ≥ r + n - k.
func triangulate(a []float64, m, n, k int, tol float64) (r int) {

	norms := make([]float64, k)
	colNorms := func(j int) (lmax int) {
		lmax = j
		for l := j; l < k; l++ {
			sm := 0.0
			for _, t := range a[j+m*l : m+m*l] {
				sm += t * t
			}
			norms[l] = sm
			if sm > norms[lmax] {
				lmax = l
			}
		}
		return
	}

	tau := 0.0
	for r = 0; r < k && r < m; r++ {
		lmax := colNorms(r)
		if r == 0 {
			tau = tol * math.Sqrt(norms[lmax])
		}
		if math.Sqrt(norms[lmax]) <= tau {
			break
		}
		if lmax != r {
			c1, c2 := a[m*r:m*r+m], a[m*lmax:m*lmax+m]
			for i := range c1 {
				c1[i], c2[i] = c2[i], c1[i]
			}
		}
		up := reflect(r, r+1, m, a[m*r:])
		applyReflection(r, r+1, m, a[m*r:], up, a[m*(r+1):], m, n-r)
	}

	for j := k; j < n; j++ {
		p := r + j - k
		up := reflect(p, p+1, m, a[m*j:])
		applyReflection(p, p+1, m, a[m*j:], up, a[m*(j+1):], m, n-j)
	}
	return
}
