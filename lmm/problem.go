// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lmm

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// Bound represents the search range for the ridge ratio λ = σ²e/σ²u.
type Bound struct {
	Lower, Upper float64
}

const (
	defLower = 1e-9
	defUpper = 1e9
	defGrid  = 16
)

// Problem specifies a linear mixed model
//
//	𝐲 = 𝐗𝛃 + 𝐙𝐮 + 𝛆
//
// where 𝛃 are fixed effects, 𝐮 ~ 𝒩(0, 𝐊σ²ᵤ) are random effects and
// 𝛆 ~ 𝒩(0, 𝐈σ²ₑ) is the residual error.
type Problem struct {
	// The observation vector of length n.
	// NaN entries mark missing values and are dropped together with the
	// matching rows of X and Z before any computation.
	Y []float64
	// The n×p fixed effect design. When nil a single column of ones is
	// used (intercept-only model). Must have full column rank.
	X *mat.Dense
	// The n×m random effect design mapping observations to effect levels.
	// When nil the identity is used (one random effect per observation).
	Z *mat.Dense
	// The m×m covariance structure of the random effects. When nil the
	// identity is used, which enables a faster spectral path.
	K mat.Symmetric
	// The likelihood profiled over the ridge ratio.
	Method Method
	// Search range for λ. When nil the range [1e-9, 1e9] is used.
	// Both endpoints must be positive.
	Bounds *Bound
	// Number of grid intervals scanned over ln λ before the local search,
	// guarding against a multimodal profile likelihood. Zero selects the
	// default of 16; a negative value disables the pre-scan.
	Grid int
	// Compute standard errors of the fixed effect estimates and
	// prediction error standard errors of the random effects.
	StdErr bool
	// Assemble H⁻¹ = (𝐙𝐊𝐙ᵀ + λ𝐈)⁻¹ as a dense matrix on the result.
	// The phenotypic covariance is 𝐕 = σ²ᵤ𝐇.
	ReturnHinv bool
	// Optional trace logger. When nil no output is generated.
	Log *zap.Logger
}

// model is the validated, preprocessed form of a Problem.
// It is read-only after construction.
type model struct {
	y []float64 // filtered observations, length n
	x *mat.Dense
	z *mat.Dense    // nil when the identity
	k mat.Symmetric // nil when the identity

	n, p, m int

	identZ bool
	identK bool

	method  Method
	bounds  Bound
	grid    int
	stdErr  bool
	retHinv bool

	log *zap.Logger
}

// Solver estimates the variance components and effects of a mixed model.
// It holds no state across calls: Solve only reads the preprocessed model,
// so a single Solver may be shared by concurrent goroutines.
type Solver struct {
	model
}

// New validates the problem and resolves the default designs,
// returning a Solver ready to estimate the model.
func (p *Problem) New() (*Solver, error) {

	nRaw := len(p.Y)
	if nRaw == 0 {
		return nil, fmt.Errorf("%w: empty observation vector", ErrDimension)
	}

	if p.X != nil {
		if r, _ := p.X.Dims(); r != nRaw {
			return nil, fmt.Errorf("%w: X has %d rows for %d observations", ErrDimension, r, nRaw)
		}
	}
	if p.Z != nil {
		if r, _ := p.Z.Dims(); r != nRaw {
			return nil, fmt.Errorf("%w: Z has %d rows for %d observations", ErrDimension, r, nRaw)
		}
	}

	keep := make([]int, 0, nRaw)
	for i, v := range p.Y {
		if !math.IsNaN(v) {
			keep = append(keep, i)
		}
	}
	n := len(keep)
	if n == 0 {
		return nil, fmt.Errorf("%w: all observations are missing", ErrDimension)
	}

	md := model{
		n:       n,
		identZ:  p.Z == nil,
		identK:  p.K == nil,
		method:  p.Method,
		grid:    p.Grid,
		stdErr:  p.StdErr,
		retHinv: p.ReturnHinv,
		log:     p.Log,
	}

	md.y = make([]float64, n)
	for i, j := range keep {
		md.y[i] = p.Y[j]
	}

	z := p.Z
	if z == nil && !md.identK && n < nRaw {
		// An omitted Z stands for the identity over the raw observations.
		// Dropping missing rows turns it into an explicit selection matrix
		// so the levels keep lining up with K.
		z = identity(nRaw)
		md.identZ = false
	}
	if z != nil {
		md.z = filterRows(z, keep)
		_, md.m = md.z.Dims()
	} else {
		md.m = n
	}

	if !md.identK {
		md.k = p.K
		if d := p.K.SymmetricDim(); d != md.m {
			return nil, fmt.Errorf("%w: K is %d×%d for %d random effect levels", ErrDimension, d, d, md.m)
		}
	}

	if p.X != nil {
		md.x = filterRows(p.X, keep)
	} else {
		ones := make([]float64, n)
		for i := range ones {
			ones[i] = one
		}
		md.x = mat.NewDense(n, 1, ones)
	}
	_, md.p = md.x.Dims()

	if n < md.p+1 {
		return nil, fmt.Errorf("%w: %d observations cannot support %d fixed effects", ErrDimension, n, md.p)
	}
	if r, err := rank(md.x); err != nil {
		return nil, err
	} else if r < md.p {
		return nil, fmt.Errorf("%w: X has rank %d < %d columns", ErrRankDeficient, r, md.p)
	}

	md.bounds = Bound{defLower, defUpper}
	if p.Bounds != nil {
		md.bounds = *p.Bounds
	}
	if b := md.bounds; !(b.Lower > zero) || !(b.Upper > b.Lower) {
		return nil, fmt.Errorf("lmm: ridge search bounds must satisfy 0 < lower < upper, got [%v, %v]", b.Lower, b.Upper)
	}

	if md.grid == 0 {
		md.grid = defGrid
	} else if md.grid < 0 {
		md.grid = 0
	}

	if md.log == nil {
		md.log = zap.NewNop()
	}

	return &Solver{md}, nil
}

// identity builds an explicit n×n identity matrix.
func identity(n int) *mat.Dense {
	d := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		d.Set(i, i, one)
	}
	return d
}

// filterRows copies the kept rows of a into a new matrix.
func filterRows(a *mat.Dense, keep []int) *mat.Dense {
	_, c := a.Dims()
	d := mat.NewDense(len(keep), c, nil)
	for i, j := range keep {
		d.SetRow(i, a.RawRowView(j))
	}
	return d
}

// rank computes the numerical rank of a with a rank-revealing SVD.
func rank(a *mat.Dense) (int, error) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDNone) {
		return 0, fmt.Errorf("%w: SVD of the fixed effect design", ErrDecomposition)
	}
	s := svd.Values(nil)
	if len(s) == 0 {
		return 0, nil
	}
	r, c := a.Dims()
	tol := float64(max(r, c)) * eps * s[0]
	n := 0
	for _, v := range s {
		if v > tol {
			n++
		}
	}
	return n, nil
}
