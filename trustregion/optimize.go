// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package trustregion implements the Riemannian trust-region method (RTR)
// with a truncated conjugate gradient (Steihaug-Toint) inner solver.
//
// # Reference:
//
//   - P.-A. Absil, C. G. Baker, K. A. Gallivan. Trust-region methods on Riemannian manifolds. 2007
//   - https://github.com/NicolasBoumal/manopt/blob/master/manopt/solvers/trustregions/trustregions.m
//   - https://github.com/pymanopt/pymanopt/blob/master/src/pymanopt/optimizers/trust_regions.py
package trustregion

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/orthospace/numdiff"
)

// LogLevel controls the frequency and type of logger output
type LogLevel int

const (
	// LogNoop no output is generated (level < 0)
	LogNoop LogLevel = -1
	// LogLast print only the summary at the last iteration
	LogLast LogLevel = 0
	// LogEval print also f and |grad| every `level` iterations for any (0 < level < 99)
	LogEval LogLevel = 1
	// LogTrace print details of every iteration including the trust-region decisions
	LogTrace LogLevel = 99
	// LogVerbose print details of every iteration including x and grad (level > 100)
	LogVerbose LogLevel = 101
)

// Logger handles logging output for the optimizer.
// Note the writers must be thread-safe.
type Logger struct {
	Level LogLevel
	Msg   io.Writer // Writer to output log messages.
	Out   io.Writer // Writer for output data.
}

func (l *Logger) enable(level LogLevel) bool {
	return l.Level >= level
}

func (l *Logger) log(format string, a ...any) {
	if len(a) > 0 {
		_, _ = fmt.Fprintf(l.Msg, format, a...)
	} else {
		_, _ = fmt.Fprint(l.Msg, format)
	}
}

func (l *Logger) out(format string, a ...any) {
	if len(a) > 0 {
		_, _ = fmt.Fprintf(l.Out, format, a...)
	} else {
		_, _ = fmt.Fprint(l.Out, format)
	}
}

// Manifold is the geometry the optimizer works on.
// Points and tangent vectors are r×c matrices.
type Manifold interface {
	// Dims returns the shape of points and tangent vectors.
	Dims() (r, c int)
	// Dim returns the intrinsic dimension of the manifold.
	Dim() int
	// TypicalDist returns the typical distance between two points.
	TypicalDist() float64
	// Inner returns the Riemannian metric of tangent vectors u and v at x.
	Inner(x, u, v *mat.Dense) float64
	// Proj projects an ambient vector onto the tangent space at x.
	Proj(x, u, dst *mat.Dense)
	// Retract maps the tangent vector v at x back to the manifold.
	Retract(x, v, dst *mat.Dense)
	// Transport moves a tangent vector to the tangent space at x1.
	Transport(x1, v, dst *mat.Dense)
	// EuclideanToRiemannianGradient converts the Euclidean gradient at x.
	EuclideanToRiemannianGradient(x, egrad, dst *mat.Dense)
	// EuclideanToRiemannianHessian converts the Euclidean Hessian applied to tangent z at x.
	EuclideanToRiemannianHessian(x, egrad, ehess, z, dst *mat.Dense)
}

// Cost evaluates the objective function f(x).
type Cost func(x *mat.Dense) float64

// Gradient evaluates the Euclidean gradient ∇f(x) and store it in g.
type Gradient func(x, g *mat.Dense)

// Hessian evaluates the Euclidean Hessian ∇²f(x) applied to direction z and store it in h.
type Hessian func(x, z, h *mat.Dense)

// Termination specifies the stopping criteria for the optimization algorithm.
type Termination struct {
	// The iteration stop when the number of iteration exceeds limit.
	MaxIterations int
	// The iteration stop when the number of cost evaluation exceeds limit (0 means unlimited).
	MaxCostEvals int
	// The iteration stop when the elapsed time exceeds limit (0 means unlimited).
	MaxTime time.Duration
	// The iteration will stop when the Riemannian gradient satisfied:
	//   ‖ 𝚐𝚛𝚊𝚍 f(xₖ) ‖ ≤ 𝚐𝚝𝚘𝚕
	MinGradNorm float64
	// The iteration will stop when the last step satisfied:
	//   ‖ ηₖ ‖ ≤ 𝚜𝚝𝚎𝚙𝚝𝚘𝚕
	MinStepSize float64
}

// DefaultTermination returns the stopping criteria used by pymanopt and Manopt.
func DefaultTermination() Termination {
	return Termination{
		MaxIterations: 1000,
		MinGradNorm:   1e-6,
		MinStepSize:   1e-10,
	}
}

// Region specifies the trust-region radius control.
// Zero fields are replaced with the defaults.
type Region struct {
	// Initial radius Δ₀ (default Δ̄/8).
	Radius float64
	// Maximum radius Δ̄ (default manifold typical distance).
	MaxRadius float64
	// Accept a step when the ratio of actual to predicted reduction satisfied ρ > ρ′ (default 0.1).
	RhoPrime float64
	// Regularize ρ against round-off when f is close to convergence (default 1e3).
	RhoRegularization float64
}

// InnerSolve specifies the truncated CG inner solver.
// Zero fields are replaced with the defaults.
type InnerSolve struct {
	// Minimum number of inner iterations (default 1).
	MinInner int
	// Maximum number of inner iterations (default manifold dimension).
	MaxInner int
	// The inner iteration stop when the residual satisfied:
	//   ‖ rⱼ ‖ ≤ ‖ r₀ ‖ 𝚖𝚒𝚗( ‖ r₀ ‖ᶿ, κ )
	Kappa float64 // default 0.1
	Theta float64 // default 1.0
}

// Problem specifies the problem for RTR optimizer.
type Problem struct {
	Manifold Manifold    // The search space
	Cost     Cost        // Objective function f(x)
	Gradient Gradient    // Euclidean gradient ∇f(x)
	Hessian  Hessian     // Optional Euclidean Hessian, approximated by finite difference when nil
	Stop     Termination // Stop condition
	Region   Region      // Optional trust-region config
	Inner    InnerSolve  // Optional truncated CG config
}

// New creates a new RTR optimizer for given problem.
func (p *Problem) New(logger *Logger) (optimizer *Optimizer, err error) {

	log := Logger{Level: LogNoop}
	if logger != nil {
		log = *logger
	}
	if log.Msg == nil {
		log.Msg = os.Stdout
	}
	if log.Out == nil {
		log.Out = os.Stdout
	}

	man, stop, region, inner := p.Manifold, p.Stop, p.Region, p.Inner
	if man == nil {
		err = errors.New("manifold is required")
		return
	}

	n, m := man.Dims()
	dim := man.Dim()

	if region.MaxRadius == zero {
		region.MaxRadius = man.TypicalDist()
	}
	if region.Radius == zero {
		region.Radius = region.MaxRadius / 8
	}
	if region.RhoPrime == zero {
		region.RhoPrime = 0.1
	}
	if region.RhoRegularization == zero {
		region.RhoRegularization = 1e3
	}
	if inner.MinInner == 0 {
		inner.MinInner = 1
	}
	if inner.MaxInner == 0 {
		inner.MaxInner = dim
	}
	if inner.Kappa == zero {
		inner.Kappa = 0.1
	}
	if inner.Theta == zero {
		inner.Theta = one
	}

	switch {
	case n <= 0 || m <= 0 || dim <= 0:
		err = errors.New("problem dimension must greater than 0")
	case p.Cost == nil:
		err = errors.New("cost function is required")
	case p.Gradient == nil:
		err = errors.New("gradient function is required")
	case stop.MaxIterations <= 0:
		err = errors.New("max iteration must greater than 1")
	case stop.MaxCostEvals < 0:
		err = errors.New("max cost evaluations must not less than 0")
	case stop.MaxTime < 0:
		err = errors.New("max time must not less than 0")
	case stop.MinGradNorm < zero || math.IsNaN(stop.MinGradNorm):
		err = errors.New("gradient norm tolerance must not less than 0")
	case stop.MinStepSize < zero || math.IsNaN(stop.MinStepSize):
		err = errors.New("step size tolerance must not less than 0")
	case region.MaxRadius < zero || region.Radius < zero || region.Radius > region.MaxRadius:
		err = errors.New("trust-region radius must satisfy 0 < Δ₀ ≤ Δ̄")
	case region.RhoPrime < zero || region.RhoPrime >= quarter:
		err = errors.New("acceptance threshold must satisfy 0 ≤ ρ′ < ¼")
	case region.RhoRegularization < zero:
		err = errors.New("rho regularization must not less than 0")
	case inner.MinInner < 0 || inner.MaxInner < inner.MinInner:
		err = errors.New("inner iterations must satisfy 0 ≤ min ≤ max")
	case inner.Kappa <= zero || inner.Kappa >= one:
		err = errors.New("kappa must satisfy 0 < κ < 1")
	case inner.Theta < zero:
		err = errors.New("theta must not less than 0")
	}

	if err != nil {
		return
	}

	if stop.MaxCostEvals == 0 {
		stop.MaxCostEvals = math.MaxInt
	}
	if stop.MaxTime == 0 {
		stop.MaxTime = time.Duration(math.MaxInt64)
	}

	optimizer = &Optimizer{
		iterSpec{
			n: n, m: m, dim: dim,
			manifold: man,
			cost:     p.Cost,
			grad:     p.Gradient,
			hess:     p.Hessian,
			stop:     stop,
			region:   region,
			inner:    inner,
			logger:   log,
		},
	}
	return
}

type iterSpec struct {
	n, m, dim int
	manifold  Manifold
	cost      Cost
	grad      Gradient
	hess      Hessian
	stop      Termination
	region    Region
	inner     InnerSolve
	logger    Logger
}

// Optimizer implemented using the Riemannian trust-region algorithm.
type Optimizer struct {
	iterSpec
}

// Workspace contains the state and context of the optimization process.
// Given point shape n×m, total work space is approximately float64[14×nm].
type Workspace struct {
	n, m int
	iterCtx
	fd numdiff.ApproxSpec
}

// Result contains the final result of the optimization process.
type Result struct {
	OK       bool       // Whether the optimization was converged.
	F        float64    // Final function value.
	X, G     *mat.Dense // Final solution and Riemannian gradient.
	GradNorm float64    // Norm of the final Riemannian gradient.
	Summary             // Optimization summary.
}

// Summary contains a summary of the optimization process.
type Summary struct {
	Status   Status        // Final task status after optimization.
	NumIter  int           // Number of iterations performed.
	NumEval  int           // Number of cost evaluations performed.
	NumGrad  int           // Number of gradient evaluations performed.
	NumHess  int           // Number of Hessian-vector products performed.
	NumInner int           // Total number of truncated CG iterations.
	Radius   float64       // Final trust-region radius.
	Elapsed  time.Duration // Wall time of the run.
}

// Init allocate the workspace for RTR optimizer.
// To avoid race conditions, separate workspaces need to be created for each goroutine.
// But multiple workspaces could share one optimizer.
func (o *Optimizer) Init() *Workspace {
	w := new(Workspace)
	w.n, w.m = o.n, o.m
	w.init(w.n, w.m)
	return w
}

// Fit runs the optimization process using the initial point x on the manifold and workspace w.
func (o *Optimizer) Fit(x *mat.Dense, w *Workspace) *Result {

	if r, c := x.Dims(); r != o.n || c != o.m {
		panic("initial x dimension not match spec")
	}

	if w.n != o.n || w.m != o.m {
		panic("workspace dimension not match spec")
	}

	loc := iterLoc{
		x:  mat.DenseCopyOf(x),
		eg: mat.NewDense(o.n, o.m, nil),
		g:  mat.NewDense(o.n, o.m, nil),
	}

	driver := iterDriver{
		optimizer: o,
		workspace: w,
		location:  &loc,
	}

	start := time.Now()
	res := driver.mainLoop()
	return &Result{
		OK: res.Converged(),
		X:  loc.x, F: loc.f, G: loc.g,
		GradNorm: loc.gNorm,
		Summary: Summary{
			Status:   res,
			NumIter:  w.iter,
			NumEval:  w.totalEval,
			NumGrad:  w.totalGrad,
			NumHess:  w.totalHess,
			NumInner: w.sumInner,
			Radius:   w.radius,
			Elapsed:  time.Since(start),
		},
	}
}
