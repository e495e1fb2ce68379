// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lmm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/mixedmodel/brent"
)

// ridgeSearch is the outcome of the bounded 1-D maximization of the
// profile log-likelihood over the ridge ratio.
type ridgeSearch struct {
	lambda  float64
	ll      float64
	evals   int
	onBound bool
}

// boundTol is the relative distance under which the refined ratio is
// snapped onto a search bound.
const boundTol = 1e-5

// remlLL evaluates the restricted profile log-likelihood
//
//	𝐿(λ) = -½[(n-p)𝑙𝑛 2π + ∑𝑙𝑛(φᵢ+λ) + (n-p)𝑙𝑛 ∑ηᵢ²/(φᵢ+λ) + (n-p) - (n-p)𝑙𝑛(n-p)]
//
// in O(n-p) given the restricted spectrum.
func (sp *spectrum) remlLL(lambda float64) float64 {
	np := float64(len(sp.phi))
	var lnDet, q float64
	for i, f := range sp.phi {
		v := f + lambda
		lnDet += math.Log(v)
		q += sp.eta[i] * sp.eta[i] / v
	}
	return -0.5 * (np*math.Log(2*math.Pi) + lnDet + np*math.Log(q) + np - np*math.Log(np))
}

// mlLL evaluates the full profile log-likelihood, refitting the fixed
// effects by generalized least squares at the trial ratio. Each call
// solves a p×p system on top of the O(n) spectral sums.
func (sp *spectrum) mlLL(lambda float64) float64 {
	beta, _, err := sp.gls(lambda)
	if err != nil {
		return math.Inf(-1)
	}

	n := len(sp.d)
	_, p := sp.tx.Dims()
	var lnDet, q float64
	for i := 0; i < n; i++ {
		v := sp.d[i] + lambda
		lnDet += math.Log(v)
		var fit float64
		for j := 0; j < p; j++ {
			fit += sp.tx.At(i, j) * beta.AtVec(j)
		}
		r := sp.ty[i] - fit
		q += r * r / v
	}
	nn := float64(n)
	return -0.5 * (nn*math.Log(2*math.Pi) + lnDet + nn*math.Log(q) + nn - nn*math.Log(nn))
}

// gls solves the generalized least squares problem for the fixed effects
// in the spectral basis with weights 1/(dᵢ+λ), returning the estimate and
// the normal matrix 𝐗ᵀ𝐇⁻¹𝐗.
func (sp *spectrum) gls(lambda float64) (*mat.VecDense, *mat.SymDense, error) {
	n := len(sp.d)
	_, p := sp.tx.Dims()

	normal := mat.NewSymDense(p, nil)
	rhs := mat.NewVecDense(p, nil)
	for i := 0; i < n; i++ {
		w := one / (sp.d[i] + lambda)
		for j := 0; j < p; j++ {
			xij := sp.tx.At(i, j)
			rhs.SetVec(j, rhs.AtVec(j)+w*xij*sp.ty[i])
			for k := j; k < p; k++ {
				normal.SetSym(j, k, normal.At(j, k)+w*xij*sp.tx.At(i, k))
			}
		}
	}

	var beta mat.VecDense
	if err := beta.SolveVec(normal, rhs); err != nil {
		return nil, nil, fmt.Errorf("%w: generalized least squares for β", ErrDecomposition)
	}
	return &beta, normal, nil
}

// maximize locates the ridge ratio maximizing the profile log-likelihood
// within the configured bounds. The search runs over 𝑙𝑛 λ: a coarse grid
// pre-scan picks the most promising bracket, then a golden-section /
// parabolic-interpolation refinement converges inside it. Unimodality of
// the profile is assumed but not guaranteed, which is what the pre-scan
// hedges against.
func (md *model) maximize(sp *spectrum) *ridgeSearch {

	ll := sp.remlLL
	if md.method == ML {
		ll = sp.mlLL
	}
	obj := func(t float64) float64 { return -ll(math.Exp(t)) }

	t0 := math.Log(md.bounds.Lower)
	t1 := math.Log(md.bounds.Upper)

	lo, hi := t0, t1
	evals := 0
	bestT, bestLL := math.NaN(), math.Inf(-1)
	if md.grid > 0 {
		step := (t1 - t0) / float64(md.grid)
		bestJ := 0
		for j := 0; j <= md.grid; j++ {
			t := t0 + float64(j)*step
			if j == md.grid {
				t = t1
			}
			v := ll(math.Exp(t))
			evals++
			if v > bestLL {
				bestLL, bestT, bestJ = v, t, j
			}
		}
		lo = t0 + float64(max(bestJ-1, 0))*step
		hi = math.Min(t0+float64(bestJ+1)*step, t1)
	}

	x, fx, ne := brent.Minimize(obj, lo, hi, math.Sqrt(eps))
	evals += ne
	if -fx < bestLL {
		// The refinement never beat the scan, trust the grid point.
		x, fx = bestT, -bestLL
	}

	sr := &ridgeSearch{lambda: math.Exp(x), ll: -fx, evals: evals}
	if b := md.bounds; sr.lambda <= b.Lower*(one+boundTol) {
		sr.lambda, sr.onBound = b.Lower, true
	} else if sr.lambda >= b.Upper*(one-boundTol) {
		sr.lambda, sr.onBound = b.Upper, true
	}
	if sr.onBound {
		sr.ll = ll(sr.lambda)
		sr.evals++
	}
	return sr
}
