// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trustregion

import (
	"bytes"
	"io"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/orthospace/stiefel"
)

// brockett is the cost f(X) = tr(XᵀAXN) on St(n,p) with A = diag(1,…,n) and N = diag(p,…,1).
// The minimum pairs the p smallest eigenvalues of A with N in reverse order.
type brockett struct {
	n, p int
	a    *mat.DiagDense
	w    *mat.DiagDense
}

func newBrockett(n, p int) *brockett {
	a := make([]float64, n)
	for i := range a {
		a[i] = float64(i + 1)
	}
	w := make([]float64, p)
	for i := range w {
		w[i] = float64(p - i)
	}
	return &brockett{n: n, p: p, a: mat.NewDiagDense(n, a), w: mat.NewDiagDense(p, w)}
}

func (b *brockett) optimum() float64 {
	f := 0.0
	for j := 0; j < b.p; j++ {
		f += float64(b.p-j) * float64(j+1)
	}
	return f
}

func (b *brockett) cost(x *mat.Dense) float64 {
	var ax, xax, m mat.Dense
	ax.Mul(b.a, x)
	xax.Mul(x.T(), &ax)
	m.Mul(&xax, b.w)
	return mat.Trace(&m)
}

func (b *brockett) grad(x, g *mat.Dense) {
	var ax mat.Dense
	ax.Mul(b.a, x)
	g.Mul(&ax, b.w)
	g.Scale(2, g)
}

func (b *brockett) hess(x, z, h *mat.Dense) {
	b.grad(z, h)
}

func startPoint(m *stiefel.Manifold) *mat.Dense {
	x := m.Zero()
	m.Random(rand.New(rand.NewPCG(1, 2)), x)
	return x
}

func silentLogger() *Logger {
	return &Logger{Level: LogNoop, Msg: io.Discard, Out: io.Discard}
}

func TestBrockettFiniteDifference(t *testing.T) {

	const n, k = 8, 3
	b := newBrockett(n, k)
	man, err := stiefel.New(n, k)
	require.NoError(t, err)

	prob := Problem{
		Manifold: man,
		Cost:     b.cost,
		Gradient: b.grad,
		Stop:     DefaultTermination(),
	}
	s, err := prob.New(silentLogger())
	require.NoError(t, err)

	r := s.Fit(startPoint(man), s.Init())

	require.True(t, r.OK, "status %s", r.Status)
	assert.InDelta(t, b.optimum(), r.F, 1e-8)
	assert.Less(t, stiefel.Orthonormality(r.X), 1e-10)
	// Hessian-vector products come from extra gradient evaluations
	assert.Positive(t, r.NumHess)
	assert.Greater(t, r.NumGrad, r.NumIter)
}

func TestBrockettExactHessian(t *testing.T) {

	const n, k = 10, 4
	b := newBrockett(n, k)
	man, err := stiefel.New(n, k)
	require.NoError(t, err)

	prob := Problem{
		Manifold: man,
		Cost:     b.cost,
		Gradient: b.grad,
		Hessian:  b.hess,
		Stop:     DefaultTermination(),
	}
	s, err := prob.New(silentLogger())
	require.NoError(t, err)

	w := s.Init()
	x0 := startPoint(man)
	x0Copy := mat.DenseCopyOf(x0)
	r := s.Fit(x0, w)

	require.True(t, r.OK, "status %s", r.Status)
	assert.InDelta(t, b.optimum(), r.F, 1e-8)
	assert.LessOrEqual(t, r.GradNorm, 1e-6)
	assert.Less(t, stiefel.Orthonormality(r.X), 1e-10)

	// the initial point is not modified and the workspace is reusable
	again := s.Fit(x0, w)
	assert.Equal(t, r.F, again.F)
	assert.Equal(t, r.NumIter, again.NumIter)
	assert.True(t, mat.Equal(x0, x0Copy))
}

func TestIterationLimit(t *testing.T) {

	const n, k = 12, 5
	b := newBrockett(n, k)
	man, _ := stiefel.New(n, k)

	stop := DefaultTermination()
	stop.MaxIterations = 2

	prob := Problem{Manifold: man, Cost: b.cost, Gradient: b.grad, Stop: stop}
	s, err := prob.New(nil)
	require.NoError(t, err)

	x0 := startPoint(man)
	f0 := b.cost(x0)
	r := s.Fit(x0, s.Init())

	assert.False(t, r.OK)
	assert.Equal(t, OverIterLimit, r.Status)
	assert.Equal(t, 2, r.NumIter)
	assert.LessOrEqual(t, r.F, f0, "best iterate not kept")
	assert.Less(t, stiefel.Orthonormality(r.X), 1e-10)
}

func TestEvalLimit(t *testing.T) {

	b := newBrockett(6, 2)
	man, _ := stiefel.New(6, 2)

	stop := DefaultTermination()
	stop.MaxCostEvals = 3

	prob := Problem{Manifold: man, Cost: b.cost, Gradient: b.grad, Stop: stop}
	s, err := prob.New(nil)
	require.NoError(t, err)
	r := s.Fit(startPoint(man), s.Init())

	assert.Equal(t, OverEvalLimit, r.Status)
	assert.Equal(t, 3, r.NumEval)
}

func TestTimeLimit(t *testing.T) {

	b := newBrockett(6, 2)
	man, _ := stiefel.New(6, 2)

	stop := DefaultTermination()
	stop.MaxTime = time.Nanosecond

	prob := Problem{Manifold: man, Cost: b.cost, Gradient: b.grad, Stop: stop}
	s, err := prob.New(nil)
	require.NoError(t, err)
	r := s.Fit(startPoint(man), s.Init())

	assert.False(t, r.OK)
	assert.Equal(t, OverTimeLimit, r.Status)
	assert.GreaterOrEqual(t, r.Elapsed, time.Nanosecond)
	assert.Less(t, stiefel.Orthonormality(r.X), 1e-10)
}

func TestStepSize(t *testing.T) {

	b := newBrockett(6, 2)
	man, _ := stiefel.New(6, 2)

	// every step is bounded by the trust-region radius Δ̄ = √2
	stop := DefaultTermination()
	stop.MinGradNorm = 0
	stop.MinStepSize = 10

	prob := Problem{Manifold: man, Cost: b.cost, Gradient: b.grad, Stop: stop}
	s, err := prob.New(nil)
	require.NoError(t, err)
	r := s.Fit(startPoint(man), s.Init())

	assert.True(t, r.OK)
	assert.Equal(t, ConvStepSize, r.Status)
	assert.Equal(t, 1, r.NumIter)
}

func TestEvalPanic(t *testing.T) {

	b := newBrockett(6, 2)
	man, _ := stiefel.New(6, 2)

	calls := 0
	cost := func(x *mat.Dense) float64 {
		if calls++; calls > 2 {
			panic("boom")
		}
		return b.cost(x)
	}

	prob := Problem{Manifold: man, Cost: cost, Gradient: b.grad, Stop: DefaultTermination()}
	s, err := prob.New(silentLogger())
	require.NoError(t, err)
	r := s.Fit(startPoint(man), s.Init())

	assert.False(t, r.OK)
	assert.Equal(t, HaltEvalPanic, r.Status)
	assert.Less(t, stiefel.Orthonormality(r.X), 1e-10)
}

func TestNonFinite(t *testing.T) {

	b := newBrockett(5, 2)
	man, _ := stiefel.New(5, 2)

	cost := func(x *mat.Dense) float64 { return math.NaN() }
	prob := Problem{Manifold: man, Cost: cost, Gradient: b.grad, Stop: DefaultTermination()}
	s, err := prob.New(nil)
	require.NoError(t, err)
	r := s.Fit(startPoint(man), s.Init())

	assert.Equal(t, HaltNonFinite, r.Status)
	assert.Zero(t, r.NumIter)
}

func TestProblemCheck(t *testing.T) {

	b := newBrockett(5, 2)
	man, _ := stiefel.New(5, 2)
	stop := DefaultTermination()

	for name, prob := range map[string]Problem{
		"manifold":   {Cost: b.cost, Gradient: b.grad, Stop: stop},
		"cost":       {Manifold: man, Gradient: b.grad, Stop: stop},
		"gradient":   {Manifold: man, Cost: b.cost, Stop: stop},
		"iterations": {Manifold: man, Cost: b.cost, Gradient: b.grad},
		"time":       {Manifold: man, Cost: b.cost, Gradient: b.grad, Stop: Termination{MaxIterations: 1, MaxTime: -time.Second}},
		"gradtol":    {Manifold: man, Cost: b.cost, Gradient: b.grad, Stop: Termination{MaxIterations: 1, MinGradNorm: -1}},
		"steptol":    {Manifold: man, Cost: b.cost, Gradient: b.grad, Stop: Termination{MaxIterations: 1, MinStepSize: -1}},
		"radius":     {Manifold: man, Cost: b.cost, Gradient: b.grad, Stop: stop, Region: Region{Radius: 2, MaxRadius: 1}},
		"rho":        {Manifold: man, Cost: b.cost, Gradient: b.grad, Stop: stop, Region: Region{RhoPrime: 0.3}},
		"inner":      {Manifold: man, Cost: b.cost, Gradient: b.grad, Stop: stop, Inner: InnerSolve{MinInner: 5, MaxInner: 2}},
		"kappa":      {Manifold: man, Cost: b.cost, Gradient: b.grad, Stop: stop, Inner: InnerSolve{Kappa: 1.5}},
	} {
		_, err := prob.New(nil)
		assert.Error(t, err, name)
	}

	prob := Problem{Manifold: man, Cost: b.cost, Gradient: b.grad, Stop: stop}
	s, err := prob.New(nil)
	require.NoError(t, err)
	assert.Equal(t, man.TypicalDist(), s.region.MaxRadius)
	assert.Equal(t, man.TypicalDist()/8, s.region.Radius)
	assert.Equal(t, man.Dim(), s.inner.MaxInner)
	assert.Equal(t, 1, s.inner.MinInner)

	assert.Panics(t, func() { s.Fit(mat.NewDense(4, 2, nil), s.Init()) })
}

func TestLogger(t *testing.T) {

	b := newBrockett(6, 2)
	man, _ := stiefel.New(6, 2)

	var msg, out bytes.Buffer
	logger := &Logger{Level: LogVerbose, Msg: &msg, Out: &out}

	prob := Problem{Manifold: man, Cost: b.cost, Gradient: b.grad, Stop: DefaultTermination()}
	s, err := prob.New(logger)
	require.NoError(t, err)
	r := s.Fit(startPoint(man), s.Init())

	require.True(t, r.OK)
	assert.Contains(t, msg.String(), "RUNNING THE RIEMANNIAN TRUST-REGION METHOD")
	assert.Contains(t, msg.String(), "CONVERGENCE")
	assert.Contains(t, msg.String(), "num_inner")
	assert.NotZero(t, out.Len())
}
