// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trustregion

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	zero    = 0.0
	one     = 1.0
	quarter = 0.25
	half    = 0.5
)

var epsilon = math.Nextafter(1, 2) - 1

// fdStep is the length of the retraction curve used by the finite difference Hessian.
var fdStep = math.Pow(2, -14)

// Status is the final task status after optimization.
type Status int

const (
	iterLoop Status = 0
	iterConv Status = 1 << 4
	iterStop Status = 1 << 5
	iterHalt Status = 1 << 6
)

const (
	// ConvGradNorm the norm of the Riemannian gradient fell below MinGradNorm.
	ConvGradNorm = iterConv | 1
	// ConvStepSize the norm of the last step fell below MinStepSize.
	ConvStepSize = iterConv | 2
	// OverIterLimit the number of iterations reached MaxIterations.
	OverIterLimit = iterStop | 1
	// OverTimeLimit the elapsed time exceeded MaxTime.
	OverTimeLimit = iterStop | 2
	// OverEvalLimit the number of cost evaluations reached MaxCostEvals.
	OverEvalLimit = iterStop | 3
	// HaltEvalPanic the cost, gradient or Hessian evaluation panicked.
	HaltEvalPanic = iterHalt | 1
	// HaltNonFinite the cost at the initial point is not finite.
	HaltNonFinite = iterHalt | 2
)

// Converged reports whether the status is a convergence status.
func (s Status) Converged() bool {
	return s&iterConv > 0
}

func (s Status) String() string {
	switch s {
	case ConvGradNorm:
		return "CONVERGENCE: NORM_OF_GRADIENT_<=_MIN_GRAD_NORM"
	case ConvStepSize:
		return "CONVERGENCE: NORM_OF_STEP_<=_MIN_STEP_SIZE"
	case OverIterLimit:
		return "STOP: TOTAL NO. of ITERATIONS REACHED LIMIT"
	case OverTimeLimit:
		return "STOP: TIME EXCEEDING THE LIMIT"
	case OverEvalLimit:
		return "STOP: TOTAL NO. of COST EVALUATIONS EXCEEDS LIMIT"
	case HaltEvalPanic:
		return "HALT: EVALUATION PANICKED"
	case HaltNonFinite:
		return "HALT: INITIAL COST IS NOT FINITE"
	default:
		return "UNKNOWN TASK"
	}
}

// innerStop is the reason the truncated CG stopped.
type innerStop int

const (
	innerNegCurvature innerStop = iota
	innerExceededTR
	innerLinear
	innerSuperlinear
	innerMaxInner
	innerModelIncreased
)

func (s innerStop) String() string {
	switch s {
	case innerNegCurvature:
		return "negative curvature"
	case innerExceededTR:
		return "exceeded trust region"
	case innerLinear:
		return "reached target residual-kappa (linear)"
	case innerSuperlinear:
		return "reached target residual-theta (superlinear)"
	case innerMaxInner:
		return "maximum inner iterations"
	case innerModelIncreased:
		return "model increased"
	default:
		return "unknown"
	}
}

// iterLoc is the accepted location of the outer iteration.
type iterLoc struct {
	f     float64
	x     *mat.Dense // point on the manifold
	eg    *mat.Dense // Euclidean gradient at x
	g     *mat.Dense // Riemannian gradient at x
	gNorm float64
}

// iterCtx holds the scratch space and counters of one optimization run.
type iterCtx struct {
	iter      int
	totalEval int // cost evaluations
	totalGrad int // gradient evaluations
	totalHess int // Hessian-vector products
	numInner  int // tCG iterations of the last outer iteration
	sumInner  int
	radius    float64
	rho       float64
	stepNorm  float64
	accepted  bool
	stop      innerStop
	minus     int // consecutive radius reductions

	// truncated CG
	eta, heta       *mat.Dense
	newEta, newHeta *mat.Dense
	r, delta, hdel  *mat.Dense

	// candidate location
	fProp         float64
	xProp, egProp *mat.Dense
	gProp         *mat.Dense

	// Hessian-vector products
	dir, x1, eg1, g1 *mat.Dense
	ehess            *mat.Dense
	shift            []float64
}

func (c *iterCtx) init(n, p int) {
	alloc := func() *mat.Dense { return mat.NewDense(n, p, nil) }
	c.eta, c.heta = alloc(), alloc()
	c.newEta, c.newHeta = alloc(), alloc()
	c.r, c.delta, c.hdel = alloc(), alloc(), alloc()
	c.xProp, c.egProp, c.gProp = alloc(), alloc(), alloc()
	c.dir, c.x1, c.eg1, c.g1 = alloc(), alloc(), alloc(), alloc()
	c.ehess = alloc()
	c.shift = []float64{0}
}

func (c *iterCtx) clear() {
	c.iter, c.totalEval, c.totalGrad, c.totalHess = 0, 0, 0, 0
	c.numInner, c.sumInner, c.minus = 0, 0, 0
	c.rho, c.stepNorm = math.NaN(), math.NaN()
	c.accepted = false
}

// vec exposes the backing array of a matrix allocated by mat.NewDense.
func vec(a *mat.Dense) []float64 {
	return a.RawMatrix().Data
}
