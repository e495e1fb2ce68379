// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lmm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// spectrum is the diagonalized form of the model: the eigenstructure of
// G = 𝐙𝐊𝐙ᵀ that turns the profile likelihood into a closed-form function
// of the ridge ratio alone.
//
// A nil basis marks the trivial spectrum (G = 𝐈), where every eigenvalue
// is one and all transformations are the identity.
type spectrum struct {
	d  []float64  // eigenvalues of G, descending
	u  *mat.Dense // orthonormal eigenvectors of G, column-wise
	ty []float64  // 𝐔ᵀ𝐲
	tx *mat.Dense // 𝐔ᵀ𝐗

	// Restricted spectrum of SGS on the null space of 𝐗ᵀ, REML only.
	phi []float64 // n-p leading eigenvalues
	eta []float64 // 𝚪ᵀ𝐲
}

// reduce computes the spectral decompositions required by the likelihood
// search and the estimator. The full basis of G is always built (the
// finalizer needs it for the generalized least squares step); the REML
// method additionally projects G onto the null space of the fixed effects.
func (md *model) reduce() (*spectrum, error) {

	n, p := md.n, md.p
	sp := new(spectrum)

	g := md.covariance()
	if g == nil {
		// G is already diagonal, no decomposition needed.
		sp.d = constants(n, one)
		sp.ty = make([]float64, n)
		copy(sp.ty, md.y)
		sp.tx = md.x
	} else {
		// Shifting the diagonal before factorization keeps the spectrum
		// away from zero and is undone on the eigenvalues afterwards.
		shift := math.Sqrt(float64(n))
		a := mat.NewSymDense(n, nil)
		a.CopySym(g)
		for i := 0; i < n; i++ {
			a.SetSym(i, i, a.At(i, i)+shift)
		}

		d, u, err := eigenDesc(a, "ZKZ'")
		if err != nil {
			return nil, err
		}
		if err := unshift(d, shift); err != nil {
			return nil, err
		}
		sp.d, sp.u = d, u

		yv := mat.NewVecDense(n, md.y)
		var ty mat.VecDense
		ty.MulVec(u.T(), yv)
		sp.ty = ty.RawVector().Data

		var tx mat.Dense
		tx.Mul(u.T(), md.x)
		sp.tx = &tx
	}

	if md.method != REML {
		return sp, nil
	}

	if g == nil {
		// With a flat spectrum only ‖𝛈‖² enters the restricted likelihood
		// and the variance estimate, and ‖𝛈‖² = 𝐲ᵀS𝐲 is the ordinary
		// least squares residual sum of squares. Any orthonormal basis of
		// the null space realizes it, so the norm is placed on a single
		// coordinate.
		sp.phi = constants(n-p, one)
		sp.eta = make([]float64, n-p)
		rss, err := md.olsRSS()
		if err != nil {
			return nil, err
		}
		sp.eta[0] = math.Sqrt(rss)
		return sp, nil
	}

	s, err := md.nullProjector()
	if err != nil {
		return nil, err
	}

	// S(G+δI)S maps the p fixed effect directions to zero and keeps the
	// shifted spectrum of SGS on the remaining n-p, so the two groups
	// separate cleanly in the sorted eigenvalues.
	shift := math.Sqrt(float64(n))
	var b mat.Dense
	b.Mul(s, g)
	var sb mat.Dense
	sb.Mul(&b, s)
	proj := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			proj.SetSym(i, j, 0.5*(sb.At(i, j)+sb.At(j, i))+shift*s.At(i, j))
		}
	}

	phi, gamma, err := eigenDesc(proj, "SGS")
	if err != nil {
		return nil, err
	}
	phi = phi[:n-p]
	if err := unshift(phi, shift); err != nil {
		return nil, err
	}
	sp.phi = phi

	sp.eta = make([]float64, n-p)
	for j := 0; j < n-p; j++ {
		var dot float64
		for i := 0; i < n; i++ {
			dot += gamma.At(i, j) * md.y[i]
		}
		sp.eta[j] = dot
	}

	return sp, nil
}

// covariance assembles G = 𝐙𝐊𝐙ᵀ, exploiting the identity defaults:
// an identity K drops the inner product, and a fully trivial model
// (both Z and K identity) returns nil for G = 𝐈.
func (md *model) covariance() *mat.SymDense {
	switch {
	case md.identZ && md.identK:
		return nil
	case md.identK:
		g := mat.NewSymDense(md.n, nil)
		g.SymOuterK(one, md.z)
		return g
	case md.identZ:
		g := mat.NewSymDense(md.n, nil)
		g.CopySym(md.k)
		return g
	}
	var zk mat.Dense
	zk.Mul(md.z, md.k)
	var g mat.Dense
	g.Mul(&zk, md.z.T())
	return symmetrize(&g)
}

// nullProjector builds S = 𝐈 - 𝐗(𝐗ᵀ𝐗)⁻¹𝐗ᵀ.
func (md *model) nullProjector() (*mat.Dense, error) {
	n := md.n
	xtx := mat.NewSymDense(md.p, nil)
	xtx.SymOuterK(one, md.x.T())
	var inv mat.Dense
	if err := inv.Inverse(xtx); err != nil {
		return nil, fmt.Errorf("%w: inverting X'X", ErrDecomposition)
	}
	var xi mat.Dense
	xi.Mul(md.x, &inv)
	var h mat.Dense
	h.Mul(&xi, md.x.T())
	s := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := -h.At(i, j)
			if i == j {
				v += one
			}
			s.Set(i, j, v)
		}
	}
	return s, nil
}

// olsRSS computes the ordinary least squares residual sum of squares 𝐲ᵀS𝐲.
func (md *model) olsRSS() (float64, error) {
	xtx := mat.NewSymDense(md.p, nil)
	xtx.SymOuterK(one, md.x.T())
	xty := mat.NewVecDense(md.p, nil)
	xty.MulVec(md.x.T(), mat.NewVecDense(md.n, md.y))
	var beta mat.VecDense
	if err := beta.SolveVec(xtx, xty); err != nil {
		return zero, fmt.Errorf("%w: ordinary least squares on X", ErrDecomposition)
	}
	var fit mat.VecDense
	fit.MulVec(md.x, &beta)
	var rss float64
	for i, v := range md.y {
		r := v - fit.AtVec(i)
		rss += r * r
	}
	return rss, nil
}

// eigenDesc eigendecomposes a symmetric matrix, returning the eigenvalues
// in descending order with the matching eigenvector columns.
func eigenDesc(a *mat.SymDense, what string) ([]float64, *mat.Dense, error) {
	var eig mat.EigenSym
	if !eig.Factorize(a, true) {
		return nil, nil, fmt.Errorf("%w: eigendecomposition of %s", ErrDecomposition, what)
	}
	vals := eig.Values(nil) // ascending
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	n := len(vals)
	d := make([]float64, n)
	u := mat.NewDense(n, n, nil)
	for j := 0; j < n; j++ {
		jj := n - 1 - j
		d[j] = vals[jj]
		for i := 0; i < n; i++ {
			u.Set(i, j, vecs.At(i, jj))
		}
	}
	return d, u, nil
}

// unshift removes the diagonal shift from eigenvalues, clamping roundoff
// noise at zero and rejecting genuinely negative spectra.
func unshift(d []float64, shift float64) error {
	tol := shift * math.Sqrt(eps) * float64(len(d))
	for i, v := range d {
		v -= shift
		if v < zero {
			if v < -tol {
				return fmt.Errorf("%w: covariance structure is not positive semi-definite", ErrDecomposition)
			}
			v = zero
		}
		d[i] = v
	}
	return nil
}

// symmetrize copies a nearly symmetric dense matrix into symmetric
// storage, averaging the off-diagonal pairs.
func symmetrize(a *mat.Dense) *mat.SymDense {
	n, _ := a.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}
	return s
}

func constants(n int, v float64) []float64 {
	d := make([]float64, n)
	for i := range d {
		d[i] = v
	}
	return d
}
