// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package lmm estimates linear mixed models with a single random effect
// by spectral decomposition of the phenotypic covariance.
package lmm

import (
	"errors"
)

const (
	zero = 0.0
	one  = 1.0
	eps  = float64(7)/3 - float64(4)/3 - 1.
)

// Method selects the likelihood profiled over the ridge ratio.
type Method int

const (
	// REML maximizes the restricted likelihood of the data projected
	// onto the null space of the fixed effect design.
	REML Method = iota
	// ML maximizes the full likelihood, refitting the fixed effects by
	// generalized least squares at every trial ratio.
	ML
)

func (m Method) String() string {
	switch m {
	case REML:
		return "REML"
	case ML:
		return "ML"
	}
	return "unknown"
}

// Warning flags a non-fatal numerical condition observed during a solve.
// A warned result is still valid but should be inspected by the caller.
type Warning int

const (
	// WarnBoundary the optimal ridge ratio landed on a search bound,
	// evidence that the supplied range was too narrow.
	WarnBoundary Warning = iota
	// WarnNegativeVariance the random effect variance estimate is not
	// positive after rounding.
	WarnNegativeVariance
	// WarnNegativeSE a variance matrix diagonal entry is negative,
	// the corresponding standard error is reported as NaN.
	WarnNegativeSE
)

func (w Warning) String() string {
	switch w {
	case WarnBoundary:
		return "ridge ratio on search bound"
	case WarnNegativeVariance:
		return "non-positive variance estimate"
	case WarnNegativeSE:
		return "negative standard error diagonal"
	}
	return "unknown"
}

var (
	// ErrRankDeficient the fixed effect design has linearly dependent
	// columns, so β is not identifiable.
	ErrRankDeficient = errors.New("lmm: fixed effect design is rank deficient")
	// ErrDimension the shapes of y, X, Z and K are inconsistent.
	ErrDimension = errors.New("lmm: inconsistent dimensions")
	// ErrDecomposition a matrix factorization failed, typically because
	// the relationship matrix is not positive semi-definite.
	ErrDecomposition = errors.New("lmm: matrix decomposition failed")
)
