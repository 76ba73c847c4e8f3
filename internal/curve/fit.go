package curve

import (
	"math"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
)

// Decay-rate grid for the impression fit. The outer parameter b is searched
// log-spaced; for each candidate the remaining (a, c) problem is linear and
// solved in closed form.
const (
	bGridMin  = 0.01
	bGridMax  = 50.0
	bGridSize = 60
)

// fitImpressionCurve fits impr(bid) = a·(1 − e^(−b·bid)) + c by separable
// least squares and reports the coefficient of determination. A degenerate
// geometry falls back to the flat mean with r2 = 0; the caller's R² gate
// then routes the model to piecewise-linear form.
func fitImpressionCurve(points []models.CurvePoint) (a, b, c, r2 float64) {
	n := float64(len(points))
	var sy float64
	for _, p := range points {
		sy += p.Impressions
	}
	meanY := sy / n
	var sst float64
	for _, p := range points {
		d := p.Impressions - meanY
		sst += d * d
	}

	bestSSE := math.MaxFloat64
	found := false
	for k := 0; k < bGridSize; k++ {
		t := float64(k) / float64(bGridSize-1)
		bk := bGridMin * math.Pow(bGridMax/bGridMin, t)
		ak, ck, sse, ok := solveLinearAtB(points, bk)
		if !ok {
			continue
		}
		if sse < bestSSE {
			bestSSE = sse
			a, b, c = ak, bk, ck
			found = true
		}
	}
	if !found {
		return 0, bGridMin, meanY, 0
	}
	if sst <= 0 {
		return a, b, c, 0
	}
	r2 = 1 - bestSSE/sst
	if r2 < 0 {
		r2 = 0
	}
	return a, b, c, r2
}

// solveLinearAtB solves the inner linear problem for a fixed decay rate:
// least squares of y = a·u + c over u = 1 − e^(−b·bid).
func solveLinearAtB(points []models.CurvePoint, b float64) (a, c, sse float64, ok bool) {
	n := float64(len(points))
	var su, suu, sy, suy float64
	for _, p := range points {
		u := 1 - math.Exp(-b*p.Bid)
		su += u
		suu += u * u
		sy += p.Impressions
		suy += u * p.Impressions
	}
	det := n*suu - su*su
	if math.Abs(det) < 1e-12 {
		return 0, 0, 0, false
	}
	a = (n*suy - su*sy) / det
	c = (sy - a*su) / n
	for _, p := range points {
		u := 1 - math.Exp(-b*p.Bid)
		d := p.Impressions - (a*u + c)
		sse += d * d
	}
	return a, c, sse, true
}

// fitCTRCurve fits ctr(bid) = base + posBonus·f(bid) + topBonus·g(bid) with
// f(bid) = bid/(bid+m) and g(bid) = bid²/(bid²+m²), m the median bid. The
// normal equations are weighted by impressions so thin points cannot swing
// the surface. A singular system degrades to the flat weighted-average CTR.
func fitCTRCurve(points []models.CurvePoint, median float64) (base, posBonus, topBonus float64) {
	scale := median
	if scale <= 0 {
		scale = 1
	}

	var m [3][3]float64
	var v [3]float64
	var wSum, ctrSum float64
	for _, p := range points {
		if p.Impressions <= 0 {
			continue
		}
		w := p.Impressions
		y := p.Clicks / p.Impressions
		f := p.Bid / (p.Bid + scale)
		g := (p.Bid * p.Bid) / (p.Bid*p.Bid + scale*scale)
		phi := [3]float64{1, f, g}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				m[i][j] += w * phi[i] * phi[j]
			}
			v[i] += w * phi[i] * y
		}
		wSum += w
		ctrSum += w * y
	}
	if wSum <= 0 {
		return 0, 0, 0
	}
	sol, ok := solve3(m, v)
	if !ok {
		return ctrSum / wSum, 0, 0
	}
	return sol[0], sol[1], sol[2]
}

// solve3 solves a 3x3 linear system by Gaussian elimination with partial
// pivoting. ok is false when the system is singular.
func solve3(m [3][3]float64, v [3]float64) ([3]float64, bool) {
	var aug [3][4]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			aug[i][j] = m[i][j]
		}
		aug[i][3] = v[i]
	}

	for col := 0; col < 3; col++ {
		// Find pivot.
		maxVal := math.Abs(aug[col][col])
		maxRow := col
		for row := col + 1; row < 3; row++ {
			if math.Abs(aug[row][col]) > maxVal {
				maxVal = math.Abs(aug[row][col])
				maxRow = row
			}
		}
		if maxVal < 1e-12 {
			return [3]float64{}, false
		}
		aug[col], aug[maxRow] = aug[maxRow], aug[col]

		scale := aug[col][col]
		for j := col; j < 4; j++ {
			aug[col][j] /= scale
		}
		for row := 0; row < 3; row++ {
			if row == col {
				continue
			}
			factor := aug[row][col]
			for j := col; j < 4; j++ {
				aug[row][j] -= factor * aug[col][j]
			}
		}
	}
	return [3]float64{aug[0][3], aug[1][3], aug[2][3]}, true
}
