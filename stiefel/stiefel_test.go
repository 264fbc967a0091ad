// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stiefel

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func newRand() *rand.Rand {
	return rand.New(rand.NewPCG(7, 11))
}

func TestNew(t *testing.T) {
	_, err := New(0, 1)
	require.Error(t, err)
	_, err = New(3, 4)
	require.Error(t, err)

	m, err := New(6, 3)
	require.NoError(t, err)
	n, p := m.Dims()
	assert.Equal(t, 6, n)
	assert.Equal(t, 3, p)
	assert.Equal(t, 12, m.Dim())
	assert.InDelta(t, math.Sqrt(3), m.TypicalDist(), 1e-15)
}

func TestRandomIsOrthonormal(t *testing.T) {
	m, err := New(8, 4)
	require.NoError(t, err)

	x := m.Zero()
	m.Random(newRand(), x)
	assert.Less(t, Orthonormality(x), 1e-12)
}

func TestProjIsTangent(t *testing.T) {
	m, err := New(7, 3)
	require.NoError(t, err)
	rnd := newRand()

	x := m.Zero()
	m.Random(rnd, x)

	u := m.Zero()
	fillNormal(rnd, u)
	v := m.Zero()
	m.Proj(x, u, v)

	// xᵀv + vᵀx = 0 on the tangent space
	var xtv, s mat.Dense
	xtv.Mul(x.T(), v)
	s.Add(&xtv, xtv.T())
	assert.Less(t, mat.Norm(&s, 2), 1e-12)

	// projection is idempotent
	w := m.Zero()
	m.Proj(x, v, w)
	assert.True(t, mat.EqualApprox(v, w, 1e-12))

	// the residual is normal to the tangent space
	var r mat.Dense
	r.Sub(u, v)
	z := m.Zero()
	m.RandomTangent(x, rnd, z)
	assert.InDelta(t, 0, m.Inner(x, &r, z), 1e-12)
	assert.InDelta(t, 1, m.Norm(x, z), 1e-12)
}

func TestRetract(t *testing.T) {
	m, err := New(9, 4)
	require.NoError(t, err)
	rnd := newRand()

	x := m.Zero()
	m.Random(rnd, x)

	// zero step stays put
	y := m.Zero()
	m.Retract(x, m.Zero(), y)
	assert.True(t, mat.EqualApprox(x, y, 1e-12))

	// retraction is first order: ‖R(x, tv) - (x + tv)‖ = O(t²)
	v := m.Zero()
	m.RandomTangent(x, rnd, v)
	for _, step := range []float64{1e-2, 1e-3} {
		var tv, lin, diff mat.Dense
		tv.Scale(step, v)
		m.Retract(x, &tv, y)
		assert.Less(t, Orthonormality(y), 1e-12)
		lin.Add(x, &tv)
		diff.Sub(y, &lin)
		assert.Less(t, mat.Norm(&diff, 2), 10*step*step)
	}

	// aliasing the output with the input point
	m.Retract(x, v, x)
	assert.Less(t, Orthonormality(x), 1e-12)
}

// Brockett cost f(X) = tr(XᵀAXN) has Euclidean gradient 2AXN and Hessian 2AZN.
func TestRiemannianHessian(t *testing.T) {
	const n, p = 6, 2
	m, err := New(n, p)
	require.NoError(t, err)
	rnd := newRand()

	a := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			v := rnd.NormFloat64()
			a.Set(i, j, v)
			a.Set(j, i, v)
		}
	}
	nd := mat.NewDiagDense(p, []float64{1, 2})

	egrad := func(x, dst *mat.Dense) {
		var ax mat.Dense
		ax.Mul(a, x)
		dst.Mul(&ax, nd)
		dst.Scale(2, dst)
	}

	x := m.Zero()
	m.Random(rnd, x)
	z := m.Zero()
	m.RandomTangent(x, rnd, z)

	g0 := m.Zero()
	egrad(x, g0)
	ehess := m.Zero()
	egrad(z, ehess)

	h := m.Zero()
	m.EuclideanToRiemannianHessian(x, g0, ehess, z, h)

	// finite difference of the Riemannian gradient along the retraction curve
	const step = 1e-6
	var tz mat.Dense
	tz.Scale(step, z)
	x1 := m.Zero()
	m.Retract(x, &tz, x1)
	g1 := m.Zero()
	egrad(x1, g1)
	m.EuclideanToRiemannianGradient(x1, g1, g1)
	m.Transport(x, g1, g1)

	r0 := m.Zero()
	m.EuclideanToRiemannianGradient(x, g0, r0)

	var fd mat.Dense
	fd.Sub(g1, r0)
	fd.Scale(1/step, &fd)

	var diff mat.Dense
	diff.Sub(&fd, h)
	assert.Less(t, mat.Norm(&diff, 2)/mat.Norm(h, 2), 1e-4)
}

func TestCheckPanics(t *testing.T) {
	m, err := New(4, 2)
	require.NoError(t, err)
	x := m.Zero()
	assert.Panics(t, func() {
		m.Proj(x, mat.NewDense(3, 2, nil), x)
	})
}
