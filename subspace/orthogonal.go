// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package subspace finds two mutually orthogonal subspaces of a population's activity space
// that jointly capture the most normalized variance of two covariance structures.
//
// A single basis Q with orthonormal columns is optimized on the Stiefel manifold St(n, dPotent+dNull).
// The first dPotent columns span the potent subspace, scored against the potent covariance,
// and the last dNull columns span the null subspace, scored against the null covariance.
//
// The cost is non-convex on the manifold. The trust-region solver only guarantees a local optimum,
// so different starting points may end in different answers.
package subspace

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/orthospace/stiefel"
	"github.com/curioloop/orthospace/trustregion"
)

var (
	// ErrNotSquare a covariance matrix is missing or not square.
	ErrNotSquare = errors.New("covariance is not square")
	// ErrAsymmetric a covariance matrix is not symmetric.
	ErrAsymmetric = errors.New("covariance is not symmetric")
	// ErrShapeMismatch the two covariance matrices differ in shape.
	ErrShapeMismatch = errors.New("covariance shapes differ")
	// ErrNegativeEigen a covariance matrix has a negative eigenvalue.
	ErrNegativeEigen = errors.New("covariance has negative eigenvalue")
	// ErrDecomposition the eigendecomposition did not converge.
	ErrDecomposition = errors.New("eigendecomposition failed")
	// ErrDimension the subspace dimensions do not fit the covariance size.
	ErrDimension = errors.New("invalid subspace dimension")
	// ErrNormalization a normalization scalar is not positive and finite.
	ErrNormalization = errors.New("degenerate normalization")
	// ErrInitial the initial point is not an orthonormal n×d matrix.
	ErrInitial = errors.New("invalid initial point")
)

// Order selects how the eigenvalues are ordered before the normalization window is taken.
type Order int

const (
	// Descending sorts eigenvalues from largest to smallest.
	Descending Order = iota
	// AsComputed keeps the order returned by a general (non-symmetric) eigendecomposition, which is unspecified.
	AsComputed
)

// HessianMode selects how the solver obtains Hessian-vector products.
type HessianMode int

const (
	// FiniteDifference approximates the Hessian from the gradient along the retraction.
	FiniteDifference HessianMode = iota
	// Exact uses the closed form Hessian of the quadratic cost.
	Exact
)

// Options configures Orthogonal. The zero value is ready to use.
type Options struct {
	// Normalization window of the eigen-spectra.
	Normalization Normalization
	// Order of the eigen-spectra.
	Order Order
	// Largest accepted |Cᵢⱼ - Cⱼᵢ| (0 demands exact symmetry).
	SymmetryTol float64
	// Eigenvalues λ ≥ -EigenTol are accepted (0 demands λ ≥ 0).
	EigenTol float64
	// Hessian-vector product mode.
	Hessian HessianMode
	// Seed of the random starting point.
	Seed uint64
	// Optional starting point with orthonormal columns, used instead of a random one.
	Initial *mat.Dense
	// Stopping criteria (default trustregion.DefaultTermination).
	Stop *trustregion.Termination
	// Optional trust-region config.
	Region trustregion.Region
	// Optional truncated CG config.
	Inner trustregion.InnerSolve
	// Optional solver logger.
	Logger *trustregion.Logger
}

// Result contains the optimized basis and the solver summary.
type Result struct {
	// Q is n×d with orthonormal columns: potent columns first, null columns last.
	Q *mat.Dense
	// Ppotent is the d×dPotent selector: Q·Ppotent is the potent basis.
	Ppotent *mat.Dense
	// Pnull is the d×dNull selector: Q·Pnull is the null basis.
	Pnull *mat.Dense

	OK       bool    // Whether the solver converged. The best iterate is returned either way.
	Cost     float64 // Final cost.
	GradNorm float64 // Norm of the final Riemannian gradient.

	NormPotent, NormNull         float64 // Normalization scalars.
	CapturedPotent, CapturedNull float64 // Fractions of total variance captured.

	trustregion.Summary
}

// Potent returns the n×dPotent potent basis Q·Ppotent.
func (r *Result) Potent() *mat.Dense {
	var qp mat.Dense
	qp.Mul(r.Q, r.Ppotent)
	return &qp
}

// Null returns the n×dNull null basis Q·Pnull.
func (r *Result) Null() *mat.Dense {
	var qn mat.Dense
	qn.Mul(r.Q, r.Pnull)
	return &qn
}

// Orthogonal finds the basis Q of dPotent + dNull orthonormal columns that minimizes
//
//	f(Q) = -½ 𝚝𝚛((Q𝐏ₚ)ᵀ𝐂ₚ(Q𝐏ₚ))/νₚ - ½ 𝚝𝚛((Q𝐏ₙ)ᵀ𝐂ₙ(Q𝐏ₙ))/νₙ
//
// where νₚ and νₙ are sums of eigenvalues of covPotent and covNull selected by the normalization.
//
// The inputs are validated before any optimization work and never retained.
// A solver that stops on a budget rather than on a tolerance is not an error:
// the best iterate is returned with Result.OK set to false and Result.Status naming the exhausted budget.
func Orthogonal(nNeurons, dNull, dPotent int, covNull, covPotent mat.Matrix, opts *Options) (*Result, error) {

	if opts == nil {
		opts = new(Options)
	}

	cn, err := symmetric("covNull", covNull, opts.SymmetryTol)
	if err != nil {
		return nil, err
	}
	cp, err := symmetric("covPotent", covPotent, opts.SymmetryTol)
	if err != nil {
		return nil, err
	}

	n := cn.SymmetricDim()
	if cp.SymmetricDim() != n {
		return nil, fmt.Errorf("%w: covNull is %d×%d but covPotent is %d×%d",
			ErrShapeMismatch, n, n, cp.SymmetricDim(), cp.SymmetricDim())
	}

	d := dNull + dPotent
	switch {
	case nNeurons != n:
		return nil, fmt.Errorf("%w: %d neurons but covariance is %d×%d", ErrDimension, nNeurons, n, n)
	case dNull <= 0 || dPotent <= 0:
		return nil, fmt.Errorf("%w: dNull=%d and dPotent=%d must be positive", ErrDimension, dNull, dPotent)
	case d > n:
		return nil, fmt.Errorf("%w: dNull+dPotent=%d exceeds %d neurons", ErrDimension, d, n)
	}

	eigPotent, err := spectrum("covPotent", cp, opts)
	if err != nil {
		return nil, err
	}
	eigNull, err := spectrum("covNull", cn, opts)
	if err != nil {
		return nil, err
	}

	pPotent, pNull := Selectors(dNull, dPotent)

	form := Formulation{
		EigNull: eigNull, EigPotent: eigPotent,
		DNull: dNull, DPotent: dPotent,
		Ppotent: pPotent, Pnull: pNull,
		CovNull: cn, CovPotent: cp,
		Normalization: opts.Normalization,
	}
	obj, err := form.New()
	if err != nil {
		return nil, err
	}

	man, err := stiefel.New(n, d)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDimension, err)
	}

	x0, err := initialPoint(man, opts)
	if err != nil {
		return nil, err
	}

	stop := trustregion.DefaultTermination()
	if opts.Stop != nil {
		stop = *opts.Stop
	}

	prob := trustregion.Problem{
		Manifold: man,
		Cost:     obj.Cost,
		Gradient: obj.Gradient,
		Stop:     stop,
		Region:   opts.Region,
		Inner:    opts.Inner,
	}
	if opts.Hessian == Exact {
		prob.Hessian = obj.Hessian
	}

	solver, err := prob.New(opts.Logger)
	if err != nil {
		return nil, err
	}

	res := solver.Fit(x0, solver.Init())

	out := &Result{
		Q:        res.X,
		Ppotent:  pPotent,
		Pnull:    pNull,
		OK:       res.OK,
		Cost:     res.F,
		GradNorm: res.GradNorm,
		Summary:  res.Summary,
	}
	out.NormPotent, out.NormNull = obj.Norms()
	out.CapturedPotent, out.CapturedNull = obj.Captured(res.X)
	return out, nil
}

// symmetric checks that a is square and symmetric within tol and returns a private copy.
func symmetric(name string, a mat.Matrix, tol float64) (*mat.SymDense, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: %s is nil", ErrNotSquare, name)
	}
	r, c := a.Dims()
	if r != c {
		return nil, fmt.Errorf("%w: %s is %d×%d", ErrNotSquare, name, r, c)
	}
	s := mat.NewSymDense(r, nil)
	for i := 0; i < r; i++ {
		for j := i; j < r; j++ {
			u, l := a.At(i, j), a.At(j, i)
			if !(math.Abs(u-l) <= tol) {
				return nil, fmt.Errorf("%w: %s[%d,%d]=%g but %s[%d,%d]=%g", ErrAsymmetric, name, i, j, u, name, j, i, l)
			}
			s.SetSym(i, j, u)
		}
	}
	return s, nil
}

// spectrum returns the eigenvalues of a in the configured order after checking they are not negative.
func spectrum(name string, a *mat.SymDense, opts *Options) ([]float64, error) {
	var eig []float64
	switch opts.Order {
	case Descending:
		var es mat.EigenSym
		if ok := es.Factorize(a, false); !ok {
			return nil, fmt.Errorf("%w: %s", ErrDecomposition, name)
		}
		eig = es.Values(nil)
		slices.Reverse(eig)
	case AsComputed:
		var ge mat.Eigen
		if ok := ge.Factorize(a, mat.EigenNone); !ok {
			return nil, fmt.Errorf("%w: %s", ErrDecomposition, name)
		}
		for _, v := range ge.Values(nil) {
			eig = append(eig, real(v))
		}
	default:
		return nil, fmt.Errorf("unknown eigenvalue order %d", opts.Order)
	}

	for i, v := range eig {
		if v < -opts.EigenTol || math.IsNaN(v) {
			return nil, fmt.Errorf("%w: %s λ[%d]=%g", ErrNegativeEigen, name, i, v)
		}
	}
	return eig, nil
}

// initialPoint returns a copy of the configured starting point, or a seeded random one.
func initialPoint(man *stiefel.Manifold, opts *Options) (*mat.Dense, error) {
	n, d := man.Dims()
	if x := opts.Initial; x != nil {
		if r, c := x.Dims(); r != n || c != d {
			return nil, fmt.Errorf("%w: shape %d×%d, want %d×%d", ErrInitial, r, c, n, d)
		}
		if e := stiefel.Orthonormality(x); !(e <= 1e-8) {
			return nil, fmt.Errorf("%w: ‖XᵀX - I‖ = %g", ErrInitial, e)
		}
		return mat.DenseCopyOf(x), nil
	}
	x := man.Zero()
	man.Random(rand.New(rand.NewPCG(opts.Seed, 0x9e3779b97f4a7c15)), x)
	return x, nil
}
