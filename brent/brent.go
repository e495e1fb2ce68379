// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package brent provides bounded scalar minimization without derivatives.
package brent

import (
	"math"
)

var sqrtEps = math.Sqrt(math.Nextafter(1, 2) - 1)
var invPhi2 = 1 / (math.Phi * math.Phi) // golden section ratio

// Minimize find the argument x where the function f(x) takes its minimum
// over the interval [lower, upper] with a combination of golden section
// and successive quadratic interpolation.
//
// The function is never evaluated outside the interval and never at two
// points closer together than sqrt(ε)·|x| + tol/3, so f need not be smooth.
// If f is unimodal the returned x approximates the global minimizer with
// an error less than 3·sqrt(ε)·|x| + tol, otherwise some local minimizer
// is located to the same accuracy.
//
// The number of evaluations spent is returned alongside the solution.
//
// Richard P. Brent, 'Algorithms for Minimization without Derivatives', Prentice Hall, 1973.
// Chapters 5.
func Minimize(f func(float64) float64, lower, upper, tol float64) (x, fx float64, evals int) {

	if f == nil || math.IsNaN(lower) || math.IsNaN(upper) || lower > upper {
		panic("brent: invalid minimization interval")
	}
	if tol < 0 {
		tol = 0
	}

	c := invPhi2
	a, b := lower, upper

	var d, e float64
	x = a + c*(b-a)
	w, v := x, x
	fx = f(x)
	fw, fv := fx, fx
	evals = 1

	for {
		m := 0.5 * (a + b)
		tol1 := sqrtEps*math.Abs(x) + tol
		tol2 := 2 * tol1

		// Test for convergence
		if math.Abs(x-m) <= tol2-0.5*(b-a) {
			return x, fx, evals
		}

		// Parabolic interpolation or golden-section step
		var r, q, p float64
		if math.Abs(e) > tol1 {
			// Fit parabola through (x,fx), (w,fw), (v,fv)
			r = (x - w) * (fx - fv)
			q = (x - v) * (fx - fw)
			p = (x-v)*q - (x-w)*r
			q = 2 * (q - r)
			if q > 0 {
				p = -p
			}
			if q < 0 {
				q = -q
			}
			r, e = e, d
		}

		if math.Abs(p) >= 0.5*math.Abs(q*r) || p <= q*(a-x) || p >= q*(b-x) {
			// Golden-section step
			if x >= m {
				e = a - x
			} else {
				e = b - x
			}
			d = c * e
		} else {
			// Parabolic interpolation step
			d = p / q
			if u := x + d; u-a < tol2 || b-u < tol2 {
				// Ensure not too close to bounds
				d = math.Copysign(tol1, m-x)
			}
		}

		// Ensure not too close to x
		if math.Abs(d) < tol1 {
			d = math.Copysign(tol1, d)
		}

		u := x + d
		fu := f(u)
		evals++

		// Update a, b, v, w, and x
		if fu > fx {
			if u < x {
				a = u
			} else {
				b = u
			}
			if fu <= fw || math.Abs(w-x) <= 0 {
				v, fv = w, fw
				w, fw = u, fu
			} else if fu <= fv || math.Abs(v-x) <= 0 || math.Abs(v-w) <= 0 {
				v, fv = u, fu
			}
		} else {
			if u >= x {
				a = x
			} else {
				b = x
			}
			v, fv = w, fw
			w, fw = x, fx
			x, fx = u, fu
		}
	}
}
