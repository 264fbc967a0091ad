// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package numdiff

import (
	"errors"
	"math"
)

var sqrtEps = math.Sqrt(math.Nextafter(1, 2) - 1)
var cubeEps = math.Pow(math.Nextafter(1, 2)-1, float64(1)/3)

type Method int

const (
	// Forward use the first order accuracy forward difference.
	Forward Method = iota
	// Central use the second order accuracy central difference.
	Central
)

// ApproxSpec represents a numerical differentiation algorithms to estimate the derivative of a mathematical function.
//
// The trust-region solver uses it with N = 1 to differentiate the Riemannian gradient
// along a retraction curve, which yields a Hessian-vector product without a Hessian.
//
// # Reference:
//
//   - https://en.wikipedia.org/wiki/Finite_difference
//   - https://github.com/scipy/scipy/blob/main/scipy/optimize/_numdiff.py
type ApproxSpec struct {
	N, M int
	// Function of which to estimate the derivatives.
	// The argument x passed to this function is an n-vector.
	// The result is store in an m-vector y.
	Object func(x, y []float64)
	// Finite difference method to use.
	Method Method
	// Relative step size used to compute absolute step size.
	// The default absolute step size is computed as h = RelStep * sign(x0) * max(1, abs(x0)) with RelStep being selected automatically.
	// Otherwise, absolute step size is computed as h = RelStep * sign(x0) * abs(x0) when RelStep is provided.
	RelStep float64
	// Absolute step size to use.
	// The RelStep is used when AbsStep is not provide.
	// For Central method the sign of AbsStep is ignored.
	AbsStep float64
	// Optional m-vector holding Object(x0).
	// Forward method skips the evaluation at x0 when it is provided.
	F0 []float64
	approxCtx
}

type approxCtx struct {
	f0, fx  []float64
	absStep []float64
}

// Check the parameters and initialize approxCtx.
func (as *ApproxSpec) Check(x0, diff []float64) (err error) {

	switch {
	case as.N <= 0 || as.M <= 0:
		err = errors.New("negative dimensions")
	case as.Method != Forward && as.Method != Central:
		err = errors.New("unknown method")
	case as.Object == nil:
		err = errors.New("object function is required")
	case as.N != len(x0):
		err = errors.New("invalid x0 dimensions")
	case as.N*as.M != len(diff):
		err = errors.New("invalid diff dimensions")
	case as.F0 != nil && len(as.F0) != as.M:
		err = errors.New("invalid f0 dimensions")
	}
	if err != nil {
		return
	}

	if len(as.fx) != as.M*(int(as.Method)+1) {
		as.f0 = make([]float64, as.M)
		as.fx = make([]float64, as.M*(int(as.Method)+1))
	}
	if len(as.absStep) != as.N {
		as.absStep = make([]float64, as.N)
	}
	return
}

// Diff calculate approximation of derivatives by finite differences.
// The result is an m×n Jacobian store in row-major order: diff[i+j*n] = ∂yⱼ/∂xᵢ.
func (as *ApproxSpec) Diff(x0, diff []float64) error {

	if err := as.Check(x0, diff); err != nil {
		return err
	}

	as.absoluteStep(x0)

	if as.Method == Central {
		as.approxCentral(x0, diff)
	} else {
		as.approxForward(x0, diff)
	}

	return nil
}

// Gradient approximates the gradient of scalar function f at x0 and store it in g.
func Gradient(f func(x []float64) float64, x0, g []float64, method Method) error {
	as := ApproxSpec{
		N: len(x0), M: 1,
		Method: method,
		Object: func(x, y []float64) {
			y[0] = f(x)
		},
	}
	return as.Diff(x0, g)
}

func (as *ApproxSpec) absoluteStep(x0 []float64) {
	h := as.absStep
	if len(h) != len(x0) {
		panic("bound check error")
	}

	var eps float64
	switch as.Method {
	case Forward:
		eps = sqrtEps
	case Central:
		eps = cubeEps
	default:
		panic("unknown method")
	}

	abs := as.AbsStep
	rel := as.RelStep
	if abs == 0 && rel == 0 {
		for i, v := range x0 {
			h[i] = math.Copysign(eps, v) * math.Max(1.0, math.Abs(v))
		}
	} else {
		for i, v := range x0 {
			s := abs
			if s == 0 {
				s = math.Copysign(rel, v) * math.Abs(v)
			}
			d := (v + s) - v
			if d == 0 {
				s = math.Copysign(eps, v) * math.Max(1.0, math.Abs(v))
			}
			h[i] = s
		}
	}

	if as.Method == Central {
		for i, v := range h {
			h[i] = math.Abs(v)
		}
	}
}

func (as *ApproxSpec) approxForward(x0, df []float64) {

	f0, fx, h, n := as.f0, as.fx, as.absStep, as.N
	if len(h) != len(x0) || len(f0) != len(fx) {
		panic("bound check error")
	}

	fun := as.Object
	if as.F0 != nil {
		copy(f0, as.F0)
	} else {
		fun(x0, f0)
	}
	for i, s := range h {
		t := x0[i]
		x0[i] = t + s
		fun(x0, fx)
		d := 1.0 / s
		for j := range f0 {
			df[i+j*n] = (fx[j] - f0[j]) * d
		}
		x0[i] = t
	}
}

func (as *ApproxSpec) approxCentral(x0, df []float64) {

	h, n, m := as.absStep, as.N, as.M
	f1, f2 := as.fx[:m], as.fx[m:]
	if len(h) != len(x0) || len(f1) != len(f2) {
		panic("bound check error")
	}

	fun := as.Object
	for i, s := range h {
		x := x0[i]
		d := 1.0 / (2 * s)
		x0[i] = x - s
		fun(x0, f1)
		x0[i] = x + s
		fun(x0, f2)
		for j := range f1 {
			df[i+j*n] = (f2[j] - f1[j]) * d
		}
		x0[i] = x
	}
}
