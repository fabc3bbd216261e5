// Package assign solves the rectangular linear assignment problem used to
// pair detections with tracks.
package assign

import (
	"errors"
	"fmt"
	"math"
)

// Forbidden marks a cost matrix entry that must never be selected. Any cost
// at or above Forbidden is treated the same way.
const Forbidden = 1e18

// ErrInvalidCost is returned for ragged matrices or entries that are NaN or
// infinite. Callers building matrices from finite geometry should never see
// it; it signals a logic defect upstream.
var ErrInvalidCost = errors.New("invalid assignment cost matrix")

// Hungarian implements the Kuhn–Munkres (Hungarian) algorithm for an n×m
// cost matrix in O(max(n,m)³). It returns assignments[i] = column assigned
// to row i, or -1 when row i is unassigned (no allowed column, or more rows
// than columns).
//
// The solver first maximises the number of allowed pairs and then minimises
// their total cost. Forbidden entries are replaced internally by a penalty
// larger than the sum of every allowed cost rather than by Forbidden itself,
// which keeps the dual potentials small enough to preserve precision.
//
// Among several optimal assignments the result depends on the solver's
// internal ordering; exact ties are not adjudicated further.
func Hungarian(cost [][]float64) ([]int, error) {
	n := len(cost)
	if n == 0 {
		return nil, nil
	}
	m := len(cost[0])
	maxAllowed := 0.0
	for i, row := range cost {
		if len(row) != m {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrInvalidCost, i, len(row), m)
		}
		for j, c := range row {
			if math.IsNaN(c) || math.IsInf(c, 0) {
				return nil, fmt.Errorf("%w: entry (%d,%d) is %v", ErrInvalidCost, i, j, c)
			}
			if c < Forbidden && math.Abs(c) > maxAllowed {
				maxAllowed = math.Abs(c)
			}
		}
	}
	if m == 0 {
		result := make([]int, n)
		for i := range result {
			result[i] = -1
		}
		return result, nil
	}

	// Make the matrix square by padding.
	dim := n
	if m > dim {
		dim = m
	}
	penalty := (maxAllowed + 1) * float64(dim+1)

	c := make([][]float64, dim)
	for i := 0; i < dim; i++ {
		c[i] = make([]float64, dim)
		for j := 0; j < dim; j++ {
			if i < n && j < m && cost[i][j] < Forbidden {
				c[i][j] = cost[i][j]
			} else {
				c[i][j] = penalty
			}
		}
	}

	// Kuhn-Munkres with potentials (Jonker-Volgenant variant).
	// Uses 1-indexed arrays internally for cleaner index arithmetic.
	const inf = math.MaxFloat64 / 2

	u := make([]float64, dim+1) // Row potentials
	v := make([]float64, dim+1) // Column potentials
	p := make([]int, dim+1)     // p[j] = row assigned to column j
	way := make([]int, dim+1)   // way[j] = previous column in augmenting path
	minv := make([]float64, dim+1)
	used := make([]bool, dim+1)

	for i := 1; i <= dim; i++ {
		p[0] = i
		j0 := 0 // Virtual column

		for j := 1; j <= dim; j++ {
			minv[j] = inf
			used[j] = false
		}

		for {
			used[j0] = true
			i0 := p[j0]
			delta := inf
			j1 := -1

			for j := 1; j <= dim; j++ {
				if used[j] {
					continue
				}
				cur := c[i0-1][j-1] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}

			if j1 < 0 {
				return nil, fmt.Errorf("%w: no augmenting column for row %d", ErrInvalidCost, i)
			}

			for j := 0; j <= dim; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}

			j0 = j1
			if p[j0] == 0 {
				break
			}
		}

		// Augment along the path.
		for j0 != 0 {
			p[j0] = p[way[j0]]
			j0 = way[j0]
		}
	}

	rowAssign := make([]int, dim)
	for i := range rowAssign {
		rowAssign[i] = -1
	}
	for j := 1; j <= dim; j++ {
		if p[j] > 0 && p[j] <= dim {
			rowAssign[p[j]-1] = j - 1
		}
	}

	// Trim to original dimensions and reject forbidden assignments.
	result := make([]int, n)
	for i := 0; i < n; i++ {
		col := rowAssign[i]
		if col < 0 || col >= m || cost[i][col] >= Forbidden {
			result[i] = -1
		} else {
			result[i] = col
		}
	}

	return result, nil
}
