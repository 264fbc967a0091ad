// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stiefel implements the geometry of the Stiefel manifold
//
//	St(n,p) = { X ∈ ℝⁿˣᵖ : XᵀX = Iₚ }
//
// as a Riemannian submanifold of ℝⁿˣᵖ with the Euclidean (Frobenius) metric.
//
// # Reference:
//
//   - P.-A. Absil, R. Mahony, R. Sepulchre. Optimization Algorithms on Matrix Manifolds. 2008
//   - https://github.com/pymanopt/pymanopt/blob/master/src/pymanopt/manifolds/stiefel.py
package stiefel

import (
	"errors"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Manifold is the Stiefel manifold of n×p matrices with orthonormal columns.
type Manifold struct {
	n, p int
}

// New creates the manifold St(n,p).
func New(n, p int) (*Manifold, error) {
	switch {
	case n <= 0 || p <= 0:
		return nil, errors.New("manifold dimension must greater than 0")
	case p > n:
		return nil, errors.New("column number must not greater than row number")
	}
	return &Manifold{n: n, p: p}, nil
}

// Dims returns the shape n×p of points on the manifold.
func (m *Manifold) Dims() (n, p int) {
	return m.n, m.p
}

// Dim returns the intrinsic dimension np - ½p(p+1).
func (m *Manifold) Dim() int {
	return m.n*m.p - m.p*(m.p+1)/2
}

// TypicalDist returns the typical distance between two points, used to scale trust-region radius.
func (m *Manifold) TypicalDist() float64 {
	return math.Sqrt(float64(m.p))
}

// Inner returns the Frobenius inner product ⟨u,v⟩ = tr(uᵀv) of two tangent vectors at x.
func (m *Manifold) Inner(x, u, v *mat.Dense) float64 {
	m.check(u)
	m.check(v)
	ru, rv := u.RawMatrix(), v.RawMatrix()
	var s float64
	for i := 0; i < m.n; i++ {
		a := ru.Data[i*ru.Stride : i*ru.Stride+m.p]
		b := rv.Data[i*rv.Stride : i*rv.Stride+m.p]
		for j, a := range a {
			s += a * b[j]
		}
	}
	return s
}

// Norm returns the norm of tangent vector u at x.
func (m *Manifold) Norm(x, u *mat.Dense) float64 {
	return mat.Norm(u, 2)
}

// Proj orthogonally projects an ambient u onto the tangent space at x:
//
//	𝙿ₓ(u) = u - x·𝚜𝚢𝚖(xᵀu)
//
// dst may alias u.
func (m *Manifold) Proj(x, u, dst *mat.Dense) {
	m.check(x)
	m.check(u)
	m.check(dst)
	var xtu, xs mat.Dense
	xtu.Mul(x.T(), u)
	symmetrize(&xtu)
	xs.Mul(x, &xtu)
	dst.Sub(u, &xs)
}

// EuclideanToRiemannianGradient converts the Euclidean gradient at x into the Riemannian one.
// With the embedded metric it is the tangent projection.
func (m *Manifold) EuclideanToRiemannianGradient(x, egrad, dst *mat.Dense) {
	m.Proj(x, egrad, dst)
}

// EuclideanToRiemannianHessian converts the Euclidean Hessian applied to tangent z at x
// into the Riemannian Hessian applied to z:
//
//	𝙷𝚎𝚜𝚜 f(x)[z] = 𝙿ₓ( ∇²f(x)[z] - z·𝚜𝚢𝚖(xᵀ∇f(x)) )
func (m *Manifold) EuclideanToRiemannianHessian(x, egrad, ehess, z, dst *mat.Dense) {
	m.check(egrad)
	m.check(ehess)
	m.check(z)
	var xtg, zs, w mat.Dense
	xtg.Mul(x.T(), egrad)
	symmetrize(&xtg)
	zs.Mul(z, &xtg)
	w.Sub(ehess, &zs)
	m.Proj(x, &w, dst)
}

// Retract maps the tangent vector v at x back to the manifold using the QR based retraction
//
//	𝚁ₓ(v) = 𝚚𝚏(x + v)
//
// where 𝚚𝚏 is the Q factor of a thin QR decomposition with positive diagonal in R.
// dst may alias x or v.
func (m *Manifold) Retract(x, v, dst *mat.Dense) {
	m.check(x)
	m.check(v)
	m.check(dst)
	var y mat.Dense
	y.Add(x, v)
	qf(&y, dst)
}

// Transport moves the tangent vector v to the tangent space at x1 by projection.
// dst may alias v.
func (m *Manifold) Transport(x1, v, dst *mat.Dense) {
	m.Proj(x1, v, dst)
}

// Random store a point drawn uniformly (Haar measure) from the manifold into dst.
func (m *Manifold) Random(rnd *rand.Rand, dst *mat.Dense) {
	m.check(dst)
	g := mat.NewDense(m.n, m.p, nil)
	fillNormal(rnd, g)
	qf(g, dst)
}

// RandomTangent store a random unit tangent vector at x into dst.
func (m *Manifold) RandomTangent(x *mat.Dense, rnd *rand.Rand, dst *mat.Dense) {
	m.check(dst)
	fillNormal(rnd, dst)
	m.Proj(x, dst, dst)
	if nrm := mat.Norm(dst, 2); nrm > 0 {
		dst.Scale(1/nrm, dst)
	}
}

// Zero returns the zero tangent vector.
func (m *Manifold) Zero() *mat.Dense {
	return mat.NewDense(m.n, m.p, nil)
}

// Orthonormality returns ‖xᵀx - I‖_F which vanishes on the manifold.
func Orthonormality(x mat.Matrix) float64 {
	_, p := x.Dims()
	var g mat.Dense
	g.Mul(x.T(), x)
	for i := 0; i < p; i++ {
		g.Set(i, i, g.At(i, i)-1)
	}
	return mat.Norm(&g, 2)
}

func (m *Manifold) check(a *mat.Dense) {
	if r, c := a.Dims(); r != m.n || c != m.p {
		panic("bound check error")
	}
}

// symmetrize replaces the square matrix a with ½(a + aᵀ) in place.
func symmetrize(a *mat.Dense) {
	n, _ := a.Dims()
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			v := 0.5 * (a.At(i, j) + a.At(j, i))
			a.Set(i, j, v)
			a.Set(j, i, v)
		}
	}
}

// qf store the Q factor of the thin QR decomposition of a into dst,
// with column signs chosen so that diag(R) > 0.
func qf(a, dst *mat.Dense) {
	_, p := a.Dims()
	var qr mat.QR
	qr.Factorize(a)

	var q, r mat.Dense
	qr.QTo(&q)
	qr.RTo(&r)

	n, _ := q.Dims()
	for j := 0; j < p; j++ {
		s := 1.0
		if r.At(j, j) < 0 {
			s = -1.0
		}
		for i := 0; i < n; i++ {
			dst.Set(i, j, s*q.At(i, j))
		}
	}
}

func fillNormal(rnd *rand.Rand, a *mat.Dense) {
	r, c := a.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			a.Set(i, j, rnd.NormFloat64())
		}
	}
}
