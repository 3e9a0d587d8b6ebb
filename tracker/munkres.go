package tracker

import "math"

// costTolerance is how close two matching totals must be to count as a tie.
const costTolerance = 1e-9

// Munkres solves the rectangular minimum-cost assignment problem with the
// Kuhn-Munkres algorithm (row and column potentials, shortest augmenting
// paths). Among the optimal matchings it picks the lexicographically smallest
// one: row 0 gets the lowest column it can have, then row 1, and so on.
//
//	mk := Munkres{}
//	mk.Init(nrow, ncol)
//	mk.SetCostMatrix(costs)
//	mk.Run()
//	// mk.Links[row] is the matched column or -1
type Munkres struct {
	Links []int

	nrow, ncol int
	cost       [][]float64 // square, padded with zero-cost dummy cells
}

func (mk *Munkres) Init(nrow, ncol int) {
	mk.nrow = nrow
	mk.ncol = ncol
	n := max(nrow, ncol)
	mk.cost = make([][]float64, n)
	for i := range mk.cost {
		mk.cost[i] = make([]float64, n)
	}
	mk.Links = make([]int, nrow)
	for i := range mk.Links {
		mk.Links[i] = -1
	}
}

// SetCostMatrix copies an nrow x ncol matrix. Every complete matching of the
// padded matrix uses the same number of dummy cells, so padding with zeros
// does not change which matchings are optimal.
func (mk *Munkres) SetCostMatrix(costs [][]float64) {
	for i := 0; i < mk.nrow; i++ {
		copy(mk.cost[i][:mk.ncol], costs[i])
	}
}

func (mk *Munkres) Run() {
	n := len(mk.cost)
	if n == 0 {
		return
	}
	links := solveSquare(mk.cost)
	best := mk.total(links)
	links = mk.lexicographic(links, best+costTolerance)

	for r := 0; r < mk.nrow; r++ {
		if links[r] < mk.ncol {
			mk.Links[r] = links[r]
		} else {
			mk.Links[r] = -1
		}
	}
}

func (mk *Munkres) total(links []int) float64 {
	sum := 0.0
	for r, c := range links {
		sum += mk.cost[r][c]
	}
	return sum
}

// lexicographic walks the rows in order and hands each one the lowest column
// that still admits a matching within limit, given the rows already settled.
// links must be optimal on entry.
func (mk *Munkres) lexicographic(links []int, limit float64) []int {
	n := len(links)
	owner := make([]int, n)
	for r, c := range links {
		owner[c] = r
	}

	total := mk.total(links)
	settled := 0.0
	for t := 0; t < mk.nrow; t++ {
		cur := links[t]
		for d := 0; d < cur; d++ {
			r := owner[d]
			if r < t {
				continue
			}

			swapped := total - mk.cost[t][cur] - mk.cost[r][d] + mk.cost[t][d] + mk.cost[r][cur]
			if swapped <= limit {
				links[t], links[r] = d, cur
				owner[d], owner[cur] = t, r
				total = swapped
				break
			}

			if next, sum, ok := mk.reassign(links, t, d, settled, limit); ok {
				links = next
				for row, c := range links {
					owner[c] = row
				}
				total = sum
				break
			}
		}
		settled += mk.cost[t][links[t]]
	}
	return links
}

// reassign solves the rows after t with rows before t kept and row t forced
// onto column d. It reports whether the result stays within limit.
func (mk *Munkres) reassign(links []int, t, d int, settled, limit float64) ([]int, float64, bool) {
	n := len(links)
	taken := make([]bool, n)
	for r := 0; r < t; r++ {
		taken[links[r]] = true
	}
	taken[d] = true
	cols := make([]int, 0, n-t-1)
	for c := 0; c < n; c++ {
		if !taken[c] {
			cols = append(cols, c)
		}
	}

	base := settled + mk.cost[t][d]
	bound := base
	for r := t + 1; r < n; r++ {
		low := math.Inf(1)
		for _, c := range cols {
			low = math.Min(low, mk.cost[r][c])
		}
		bound += low
	}
	if bound > limit {
		return nil, 0, false
	}

	sub := make([][]float64, n-t-1)
	for i := range sub {
		sub[i] = make([]float64, len(cols))
		for k, c := range cols {
			sub[i][k] = mk.cost[t+1+i][c]
		}
	}
	subLinks := solveSquare(sub)

	sum := base
	next := make([]int, 0, n)
	next = append(next, links[:t]...)
	next = append(next, d)
	for i, k := range subLinks {
		sum += sub[i][k]
		next = append(next, cols[k])
	}
	if sum > limit {
		return nil, 0, false
	}
	return next, sum, true
}

// solveSquare returns an optimal row to column matching of a square matrix
// with finite costs. Arrays are 1-indexed with column 0 as the virtual start.
func solveSquare(c [][]float64) []int {
	n := len(c)
	u := make([]float64, n+1)
	v := make([]float64, n+1)
	p := make([]int, n+1)   // p[j] = row matched to column j
	way := make([]int, n+1) // previous column on the augmenting path
	minv := make([]float64, n+1)
	used := make([]bool, n+1)

	for i := 1; i <= n; i++ {
		p[0] = i
		j0 := 0
		for j := 1; j <= n; j++ {
			minv[j] = math.Inf(1)
			used[j] = false
		}

		for {
			used[j0] = true
			i0 := p[j0]
			delta := math.Inf(1)
			j1 := -1
			for j := 1; j <= n; j++ {
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
				break
			}
			for j := 0; j <= n; j++ {
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

		for j0 != 0 {
			p[j0] = p[way[j0]]
			j0 = way[j0]
		}
	}

	links := make([]int, n)
	for j := 1; j <= n; j++ {
		if p[j] > 0 {
			links[p[j]-1] = j - 1
		}
	}
	return links
}
