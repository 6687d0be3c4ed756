// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import (
	"slices"

	"gonum.org/v1/gonum/mat"
)

// BlockMatrix is a symmetric block sparse matrix holding only the blocks
// (i, j) with i ≤ j. Block i spans the rows and columns of the design
// variable with block index i.
type BlockMatrix struct {
	dims   []int
	bases  []int
	blocks map[[2]int]*mat.Dense
}

// NewBlockMatrix creates an empty matrix whose block i has dimension dims[i].
func NewBlockMatrix(dims []int) *BlockMatrix {
	bases := make([]int, len(dims)+1)
	for i, d := range dims {
		bases[i+1] = bases[i] + d
	}
	return &BlockMatrix{
		dims:   append([]int(nil), dims...),
		bases:  bases,
		blocks: make(map[[2]int]*mat.Dense),
	}
}

// NumBlocks returns the number of block rows.
func (m *BlockMatrix) NumBlocks() int { return len(m.dims) }

// Dim returns the scalar dimension of the matrix.
func (m *BlockMatrix) Dim() int { return m.bases[len(m.dims)] }

// AddBlock adds b into block (i, j). Only the upper triangle i ≤ j is stored.
func (m *BlockMatrix) AddBlock(i, j int, b mat.Matrix) {
	if i < 0 || j >= len(m.dims) || i > j {
		panic(Errorf("BlockMatrix.AddBlock", ErrOutOfBounds, "block (%d, %d) outside upper triangle of %d blocks", i, j, len(m.dims)))
	}
	if r, c := b.Dims(); r != m.dims[i] || c != m.dims[j] {
		panic(Errorf("BlockMatrix.AddBlock", ErrInvalidArgument, "block (%d, %d) is %d×%d, want %d×%d", i, j, r, c, m.dims[i], m.dims[j]))
	}
	key := [2]int{i, j}
	if dst, ok := m.blocks[key]; ok {
		dst.Add(dst, b)
		return
	}
	m.blocks[key] = mat.DenseCopyOf(b)
}

// Merge adds every stored block of o into m. Both must have the same block
// dimensions.
func (m *BlockMatrix) Merge(o *BlockMatrix) {
	if !slices.Equal(m.dims, o.dims) {
		panic(Errorf("BlockMatrix.Merge", ErrInvalidArgument, "block dimensions %v and %v differ", m.dims, o.dims))
	}
	for key, b := range o.blocks {
		m.AddBlock(key[0], key[1], b)
	}
}

// Block returns the stored block (i, j) with i ≤ j.
func (m *BlockMatrix) Block(i, j int) (*mat.Dense, bool) {
	b, ok := m.blocks[[2]int{i, j}]
	return b, ok
}

// NumStoredBlocks returns the number of nonzero blocks.
func (m *BlockMatrix) NumStoredBlocks() int { return len(m.blocks) }

// Clear drops all stored blocks.
func (m *BlockMatrix) Clear() { clear(m.blocks) }

// Dense expands the matrix into a full symmetric matrix.
func (m *BlockMatrix) Dense() *mat.SymDense {
	n := m.Dim()
	out := mat.NewSymDense(n, nil)
	for key, b := range m.blocks {
		i, j := key[0], key[1]
		for r := 0; r < m.dims[i]; r++ {
			for c := 0; c < m.dims[j]; c++ {
				gr, gc := m.bases[i]+r, m.bases[j]+c
				if i == j && gc < gr {
					continue
				}
				out.SetSym(gr, gc, b.At(r, c))
			}
		}
	}
	return out
}
