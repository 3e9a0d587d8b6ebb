package tracker

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrSolver is returned when the assignment solver cannot produce a matching.
var ErrSolver = errors.New("assignment solver failed")

// DefaultIOUThreshold is the minimum IoU for a matched pair to be accepted.
const DefaultIOUThreshold = 0.15

// Match pairs a track index with a detection index.
type Match struct {
	Track     int
	Detection int
	IOU       float64
}

// Assignment is the outcome of associating one frame. Every track index and
// every detection index appears in exactly one of the three lists.
type Assignment struct {
	Matches             []Match
	UnmatchedTracks     []int
	UnmatchedDetections []int
}

func allUnmatched(nTracks, nDets int) Assignment {
	a := Assignment{
		UnmatchedTracks:     make([]int, nTracks),
		UnmatchedDetections: make([]int, nDets),
	}
	for t := range a.UnmatchedTracks {
		a.UnmatchedTracks[t] = t
	}
	for d := range a.UnmatchedDetections {
		a.UnmatchedDetections[d] = d
	}
	return a
}

// Associate matches predicted track boxes to detections by minimizing the
// total 1-IoU cost, then rejects matched pairs whose IoU is below threshold.
// Equal-cost matchings resolve to the earliest track, then the earliest
// detection. On solver failure the returned assignment has everything
// unmatched.
func Associate(predicted []BBox, detections []Detection, iouThreshold float64) (Assignment, error) {
	lt := len(predicted)
	ld := len(detections)
	if lt == 0 || ld == 0 {
		return allUnmatched(lt, ld), nil
	}

	ious := make([][]float64, lt)
	costs := make([][]float64, lt)
	for t := 0; t < lt; t++ {
		ious[t] = make([]float64, ld)
		costs[t] = make([]float64, ld)
		for d := 0; d < ld; d++ {
			v := IOU(predicted[t], detections[d].BBox)
			ious[t][d] = v
			costs[t][d] = 1 - v
			if math.IsNaN(costs[t][d]) || math.IsInf(costs[t][d], 0) {
				return allUnmatched(lt, ld), fmt.Errorf("%w: non-finite cost at track %d detection %d", ErrSolver, t, d)
			}
		}
	}

	links, err := solve(costs, lt, ld)
	if err != nil {
		return allUnmatched(lt, ld), err
	}

	a := Assignment{}
	detMatched := make([]bool, ld)
	for t := 0; t < lt; t++ {
		d := links[t]
		if d < 0 || d >= ld || detMatched[d] {
			a.UnmatchedTracks = append(a.UnmatchedTracks, t)
			continue
		}
		// filter out matches with low IOU
		if ious[t][d] < iouThreshold {
			a.UnmatchedTracks = append(a.UnmatchedTracks, t)
			continue
		}
		detMatched[d] = true
		a.Matches = append(a.Matches, Match{Track: t, Detection: d, IOU: ious[t][d]})
	}
	for d := 0; d < ld; d++ {
		if !detMatched[d] {
			a.UnmatchedDetections = append(a.UnmatchedDetections, d)
		}
	}
	sort.Ints(a.UnmatchedTracks)
	return a, nil
}

// solve runs Munkres on the cost matrix and checks that no column is used
// twice.
func solve(costs [][]float64, nrow, ncol int) ([]int, error) {
	mk := Munkres{}
	mk.Init(nrow, ncol)
	mk.SetCostMatrix(costs)
	mk.Run()

	used := make([]bool, ncol)
	for t, d := range mk.Links {
		if d == -1 {
			continue
		}
		if d < 0 || d >= ncol || used[d] {
			return nil, fmt.Errorf("%w: bad link %d for track %d", ErrSolver, d, t)
		}
		used[d] = true
	}
	return mk.Links, nil
}
