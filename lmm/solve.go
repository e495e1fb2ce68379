// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lmm

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Result contains the estimates of a mixed model solve.
type Result struct {
	// Variance component of the random effects σ²ᵤ.
	Vu float64
	// Residual variance component σ²ₑ.
	Ve float64
	// Best linear unbiased estimate of the fixed effects β̂, length p.
	Beta []float64
	// Best linear unbiased predictor of the random effects û, length m.
	U []float64
	// Maximized profile log-likelihood 𝐿(λ*).
	LL float64
	// The maximizing ridge ratio λ* = σ̂²ₑ/σ̂²ᵤ.
	Lambda float64
	// Standard errors of β̂, only when requested.
	BetaSE []float64
	// Prediction error standard errors of û, only when requested.
	USE []float64
	// H⁻¹ = (𝐙𝐊𝐙ᵀ + λ*𝐈)⁻¹, only when requested.
	Hinv *mat.SymDense
	// Non-fatal numerical conditions observed during the solve.
	Warnings []Warning
	// Solve summary.
	Summary
}

// Summary describes the shape of the solved model and the search effort.
type Summary struct {
	Method  Method // likelihood profiled
	N       int    // observations after missing value removal
	P       int    // fixed effects
	M       int    // random effect levels
	NumEval int    // likelihood evaluations spent
}

func (r *Result) warn(w Warning) {
	r.Warnings = append(r.Warnings, w)
}

// Solve estimates the variance components by maximizing the profile
// likelihood over the ridge ratio λ = σ²ₑ/σ²ᵤ, then derives the effect
// estimates in closed form.
//
// The phenotypic covariance 𝐕 = 𝐙𝐊𝐙ᵀσ²ᵤ + 𝐈σ²ₑ = σ²ᵤ(𝐙𝐊𝐙ᵀ + λ𝐈) ≡ σ²ᵤ𝐇
// is diagonalized once by the spectral reduction, after which every
// likelihood evaluation and every estimator formula is a cheap weighted
// sum over the eigenvalues:
//
//	σ̂²ᵤ = ∑ ηᵢ²/(φᵢ+λ*) / (n-p)          (REML)
//	σ̂²ₑ = λ*·σ̂²ᵤ
//	β̂   = (𝐗ᵀ𝐇⁻¹𝐗)⁻¹𝐗ᵀ𝐇⁻¹𝐲
//	û   = 𝐊𝐙ᵀ𝐇⁻¹(𝐲 - 𝐗β̂)
//
// H.M. Kang et al., 'Efficient Control of Population Structure in Model
// Organism Association Mapping', Genetics 178, 2008.
func (s *Solver) Solve() (*Result, error) {

	s.log.Debug("solving mixed model",
		zap.Stringer("method", s.method),
		zap.Int("n", s.n), zap.Int("p", s.p), zap.Int("m", s.m))

	sp, err := s.reduce()
	if err != nil {
		return nil, err
	}

	sr := s.maximize(sp)
	s.log.Debug("ridge search converged",
		zap.Float64("lambda", sr.lambda),
		zap.Float64("ll", sr.ll),
		zap.Int("evals", sr.evals),
		zap.Bool("boundary", sr.onBound))

	res, err := s.finalize(sp, sr)
	if err != nil {
		return nil, err
	}
	for _, w := range res.Warnings {
		s.log.Warn("numerical warning", zap.Stringer("warning", w))
	}
	return res, nil
}

// finalize converts the optimal ridge ratio into the full result record.
func (md *model) finalize(sp *spectrum, sr *ridgeSearch) (*Result, error) {

	lam := sr.lambda
	n, p, m := md.n, md.p, md.m

	res := &Result{
		LL:     sr.ll,
		Lambda: lam,
		Summary: Summary{
			Method:  md.method,
			N:       n,
			P:       p,
			M:       m,
			NumEval: sr.evals,
		},
	}
	if sr.onBound {
		res.warn(WarnBoundary)
	}

	beta, normal, err := sp.gls(lam)
	if err != nil {
		return nil, err
	}
	res.Beta = make([]float64, p)
	copy(res.Beta, beta.RawVector().Data)

	// Residual and H⁻¹-weighted residual in the observation basis.
	r := make([]float64, n)
	var fit mat.VecDense
	fit.MulVec(md.x, beta)
	for i, v := range md.y {
		r[i] = v - fit.AtVec(i)
	}
	hr := sp.mulHinvVec(lam, r)

	var vu float64
	if md.method == REML {
		for i, f := range sp.phi {
			vu += sp.eta[i] * sp.eta[i] / (f + lam)
		}
		vu /= float64(n - p)
	} else {
		// ∑ r̃ᵢ²/(dᵢ+λ) in the spectral basis equals rᵀH⁻¹r.
		vu = floats.Dot(r, hr) / float64(n)
	}
	if vu <= zero {
		res.warn(WarnNegativeVariance)
	}
	res.Vu, res.Ve = vu, lam*vu

	res.U = md.blup(hr)

	if md.stdErr {
		if err := md.standardErrors(sp, lam, vu, normal, res); err != nil {
			return nil, err
		}
	}
	if md.retHinv {
		res.Hinv = sp.hinv(lam)
	}
	return res, nil
}

// blup maps the weighted residual 𝐇⁻¹(𝐲-𝐗β̂) to the random effect levels,
// û = 𝐊𝐙ᵀ𝐇⁻¹(𝐲-𝐗β̂), skipping the identity factors.
func (md *model) blup(hr []float64) []float64 {
	if md.identZ && md.identK {
		u := make([]float64, len(hr))
		copy(u, hr)
		return u
	}
	v := mat.NewVecDense(len(hr), hr)
	var zt mat.VecDense
	if !md.identZ {
		zt.MulVec(md.z.T(), v)
		v = &zt
	}
	if !md.identK {
		var u mat.VecDense
		u.MulVec(md.k, v)
		v = &u
	}
	out := make([]float64, md.m)
	copy(out, v.RawVector().Data)
	return out
}

// standardErrors fills BetaSE and USE on the result.
//
//	Var[β̂]   = σ̂²ᵤ(𝐗ᵀ𝐇⁻¹𝐗)⁻¹
//	Var[û-u] = σ̂²ᵤ(𝐊 - 𝐊𝐙ᵀ𝐇⁻¹𝐙𝐊 + 𝐊𝐙ᵀ𝐇⁻¹𝐗(𝐗ᵀ𝐇⁻¹𝐗)⁻¹𝐗ᵀ𝐇⁻¹𝐙𝐊)
//
// Only the diagonals are reported; a negative diagonal entry is a
// numerical artifact and yields NaN plus a warning instead of a silent
// square root.
func (md *model) standardErrors(sp *spectrum, lam, vu float64, normal *mat.SymDense, res *Result) error {

	var nvInv mat.Dense
	if err := nvInv.Inverse(normal); err != nil {
		return fmt.Errorf("%w: inverting X'H⁻¹X", ErrDecomposition)
	}

	p, m := md.p, md.m
	negSE := false

	res.BetaSE = make([]float64, p)
	for j := 0; j < p; j++ {
		if v := vu * nvInv.At(j, j); v < zero {
			res.BetaSE[j] = math.NaN()
			negSE = true
		} else {
			res.BetaSE[j] = math.Sqrt(v)
		}
	}

	zk := md.zk()
	t := sp.mulHinv(lam, zk) // 𝐇⁻¹𝐙𝐊
	var c mat.Dense          // 𝐗ᵀ𝐇⁻¹𝐙𝐊
	c.Mul(md.x.T(), t)

	res.USE = make([]float64, m)
	zkj := make([]float64, md.n)
	tj := make([]float64, md.n)
	for j := 0; j < m; j++ {
		kjj := one
		if !md.identK {
			kjj = md.k.At(j, j)
		}
		mat.Col(zkj, j, zk)
		mat.Col(tj, j, t)
		w1 := floats.Dot(zkj, tj)
		var w2 float64
		for a := 0; a < p; a++ {
			for b := 0; b < p; b++ {
				w2 += c.At(a, j) * nvInv.At(a, b) * c.At(b, j)
			}
		}
		if v := vu * (kjj - w1 + w2); v < zero {
			res.USE[j] = math.NaN()
			negSE = true
		} else {
			res.USE[j] = math.Sqrt(v)
		}
	}

	if negSE {
		res.warn(WarnNegativeSE)
	}
	return nil
}

// zk assembles 𝐙𝐊 with the identity factors skipped.
func (md *model) zk() *mat.Dense {
	z := md.z
	if md.identZ {
		z = identity(md.n)
	}
	if md.identK {
		return z
	}
	var zk mat.Dense
	zk.Mul(z, md.k)
	return &zk
}

// mulHinvVec applies 𝐇⁻¹ = 𝐔 𝑑𝑖𝑎𝑔(1/(dᵢ+λ)) 𝐔ᵀ to a vector without
// materializing the inverse.
func (sp *spectrum) mulHinvVec(lam float64, v []float64) []float64 {
	n := len(sp.d)
	out := make([]float64, n)
	if sp.u == nil {
		for i, x := range v {
			out[i] = x / (sp.d[i] + lam)
		}
		return out
	}
	var t mat.VecDense
	t.MulVec(sp.u.T(), mat.NewVecDense(n, v))
	for i := 0; i < n; i++ {
		t.SetVec(i, t.AtVec(i)/(sp.d[i]+lam))
	}
	var o mat.VecDense
	o.MulVec(sp.u, &t)
	copy(out, o.RawVector().Data)
	return out
}

// mulHinv is the matrix form of mulHinvVec.
func (sp *spectrum) mulHinv(lam float64, a *mat.Dense) *mat.Dense {
	n := len(sp.d)
	if sp.u == nil {
		var out mat.Dense
		out.CloneFrom(a)
		for i := 0; i < n; i++ {
			w := one / (sp.d[i] + lam)
			row := out.RawRowView(i)
			for j := range row {
				row[j] *= w
			}
		}
		return &out
	}
	var t mat.Dense
	t.Mul(sp.u.T(), a)
	for i := 0; i < n; i++ {
		w := one / (sp.d[i] + lam)
		row := t.RawRowView(i)
		for j := range row {
			row[j] *= w
		}
	}
	var out mat.Dense
	out.Mul(sp.u, &t)
	return &out
}

// hinv materializes H⁻¹ = 𝐔 𝑑𝑖𝑎𝑔(1/(dᵢ+λ)) 𝐔ᵀ as a dense symmetric matrix.
func (sp *spectrum) hinv(lam float64) *mat.SymDense {
	n := len(sp.d)
	if sp.u == nil {
		h := mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			h.SetSym(i, i, one/(sp.d[i]+lam))
		}
		return h
	}
	// Scale the basis columns by the weights and close the sandwich.
	var w mat.Dense
	w.CloneFrom(sp.u)
	for j := 0; j < n; j++ {
		s := one / (sp.d[j] + lam)
		for i := 0; i < n; i++ {
			w.Set(i, j, w.At(i, j)*s)
		}
	}
	var h mat.Dense
	h.Mul(&w, sp.u.T())
	return symmetrize(&h)
}
