// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lmm

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestDefaults(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	y := make([]float64, 12)
	for i := range y {
		y[i] = rng.NormFloat64()
	}

	s, err := (&Problem{Y: y}).New()
	require.NoError(t, err)
	require.Equal(t, 12, s.n)
	require.Equal(t, 1, s.p)
	require.Equal(t, 12, s.m)
	require.True(t, s.identZ)
	require.True(t, s.identK)
	require.Equal(t, Bound{defLower, defUpper}, s.bounds)
	require.Equal(t, defGrid, s.grid)

	// Default X is a single intercept column.
	r, c := s.x.Dims()
	require.Equal(t, 12, r)
	require.Equal(t, 1, c)
	for i := 0; i < r; i++ {
		require.Equal(t, 1.0, s.x.At(i, 0))
	}
}

func TestMissingRemoval(t *testing.T) {
	y := []float64{1, math.NaN(), 3, 4, math.NaN(), 6}
	x := mat.NewDense(6, 2, []float64{
		1, 0,
		1, 1,
		1, 2,
		1, 3,
		1, 4,
		1, 5,
	})

	s, err := (&Problem{Y: y, X: x}).New()
	require.NoError(t, err)
	require.Equal(t, 4, s.n)
	require.Equal(t, []float64{1, 3, 4, 6}, s.y)
	require.Equal(t, 2.0, s.x.At(1, 1))
	require.Equal(t, 5.0, s.x.At(3, 1))
}

func TestMissingKeepsLevels(t *testing.T) {
	// With K supplied and Z omitted, dropping observations must keep the
	// random effect levels aligned with K via an explicit selection Z.
	y := []float64{1, math.NaN(), 3, 4}
	k := mat.NewSymDense(4, nil)
	for i := 0; i < 4; i++ {
		k.SetSym(i, i, 1)
	}

	s, err := (&Problem{Y: y, K: k}).New()
	require.NoError(t, err)
	require.Equal(t, 3, s.n)
	require.Equal(t, 4, s.m)
	require.False(t, s.identZ)
	r, c := s.z.Dims()
	require.Equal(t, 3, r)
	require.Equal(t, 4, c)
	require.Equal(t, 1.0, s.z.At(1, 2)) // second kept row selects level 2
	require.Equal(t, 0.0, s.z.At(1, 1))
}

func TestRankDeficientX(t *testing.T) {
	y := []float64{1, 2, 3, 4, 5}
	x := mat.NewDense(5, 2, nil)
	for i := 0; i < 5; i++ {
		x.Set(i, 0, 1)
		x.Set(i, 1, 2) // second column is a multiple of the first
	}
	_, err := (&Problem{Y: y, X: x}).New()
	require.ErrorIs(t, err, ErrRankDeficient)
}

func TestDimensionMismatch(t *testing.T) {
	y := []float64{1, 2, 3}

	_, err := (&Problem{Y: y, X: mat.NewDense(4, 1, nil)}).New()
	require.ErrorIs(t, err, ErrDimension)

	_, err = (&Problem{Y: y, Z: mat.NewDense(2, 3, nil)}).New()
	require.ErrorIs(t, err, ErrDimension)

	z := mat.NewDense(3, 2, []float64{1, 0, 0, 1, 1, 1})
	_, err = (&Problem{Y: y, Z: z, K: mat.NewSymDense(3, nil)}).New()
	require.ErrorIs(t, err, ErrDimension)

	_, err = (&Problem{Y: nil}).New()
	require.ErrorIs(t, err, ErrDimension)

	_, err = (&Problem{Y: []float64{math.NaN(), math.NaN()}}).New()
	require.ErrorIs(t, err, ErrDimension)
}

func TestTooFewObservations(t *testing.T) {
	y := []float64{1, 2}
	x := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	_, err := (&Problem{Y: y, X: x}).New()
	require.ErrorIs(t, err, ErrDimension)
}

func TestBadBounds(t *testing.T) {
	y := []float64{1, 2, 3, 4}
	_, err := (&Problem{Y: y, Bounds: &Bound{0, 1}}).New()
	require.Error(t, err)
	_, err = (&Problem{Y: y, Bounds: &Bound{2, 1}}).New()
	require.Error(t, err)
}
