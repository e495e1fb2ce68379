// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lmm

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestTrivialSpectrum(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	y := make([]float64, 10)
	for i := range y {
		y[i] = rng.NormFloat64()
	}
	s, err := (&Problem{Y: y}).New()
	require.NoError(t, err)

	sp, err := s.reduce()
	require.NoError(t, err)
	require.Nil(t, sp.u)
	require.Len(t, sp.d, 10)
	for _, v := range sp.d {
		require.Equal(t, 1.0, v)
	}

	// The restricted spectrum is flat and η carries the OLS residual norm.
	require.Len(t, sp.phi, 9)
	rss, err := s.olsRSS()
	require.NoError(t, err)
	var ssq float64
	for _, v := range sp.eta {
		ssq += v * v
	}
	require.InDelta(t, rss, ssq, 1e-10)
}

func TestSpectralReconstruction(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	const n, m = 8, 4

	y := make([]float64, n)
	for i := range y {
		y[i] = rng.NormFloat64()
	}
	z := mat.NewDense(n, m, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			z.Set(i, j, rng.NormFloat64())
		}
	}
	// K = AAᵀ/m is symmetric positive semi-definite.
	a := mat.NewDense(m, m, nil)
	for i := 0; i < m; i++ {
		for j := 0; j < m; j++ {
			a.Set(i, j, rng.NormFloat64())
		}
	}
	k := mat.NewSymDense(m, nil)
	k.SymOuterK(1.0/m, a)

	s, err := (&Problem{Y: y, Z: z, K: k}).New()
	require.NoError(t, err)
	sp, err := s.reduce()
	require.NoError(t, err)

	require.True(t, sort.IsSorted(sort.Reverse(sort.Float64Slice(sp.d))))
	require.True(t, sort.IsSorted(sort.Reverse(sort.Float64Slice(sp.phi))))
	require.Len(t, sp.phi, n-1)
	require.Len(t, sp.eta, n-1)

	// Basis orthonormality: UᵀU = I.
	var utu mat.Dense
	utu.Mul(sp.u.T(), sp.u)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			require.InDelta(t, want, utu.At(i, j), 1e-10)
		}
	}

	// Eigenvalue sum matches the trace of ZKZᵀ.
	g := s.covariance()
	var trace, sum float64
	for i := 0; i < n; i++ {
		trace += g.At(i, i)
	}
	for _, v := range sp.d {
		sum += v
	}
	require.InDelta(t, trace, sum, 1e-8)

	// Reconstruction: U diag(d) Uᵀ = G.
	rec := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			var v float64
			for l := 0; l < n; l++ {
				v += sp.u.At(i, l) * sp.d[l] * sp.u.At(j, l)
			}
			rec.Set(i, j, v)
		}
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			require.InDelta(t, g.At(i, j), rec.At(i, j), 1e-8)
		}
	}
}

func TestIdentityKCovariance(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	const n, m = 6, 3
	z := mat.NewDense(n, m, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			z.Set(i, j, rng.NormFloat64())
		}
	}
	y := make([]float64, n)
	for i := range y {
		y[i] = rng.NormFloat64()
	}

	s, err := (&Problem{Y: y, Z: z}).New()
	require.NoError(t, err)
	g := s.covariance()

	// G = ZZᵀ without the inner product.
	var want mat.Dense
	want.Mul(z, z.T())
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			require.InDelta(t, want.At(i, j), g.At(i, j), 1e-12)
		}
	}
}

func TestNonPSDRejected(t *testing.T) {
	y := []float64{1, 2, 3, 4, 5, 6}
	k := mat.NewSymDense(6, nil)
	for i := 0; i < 6; i++ {
		k.SetSym(i, i, 1)
	}
	k.SetSym(0, 0, -5) // indefinite

	s, err := (&Problem{Y: y, K: k}).New()
	require.NoError(t, err)
	_, err = s.Solve()
	require.ErrorIs(t, err, ErrDecomposition)
}
