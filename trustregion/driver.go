// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trustregion

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/orthospace/numdiff"
)

// iterDriver is the main driver for iterations in an optimization process,
// responsible for managing the flow of the optimization.
type iterDriver struct {
	optimizer *Optimizer
	workspace *Workspace
	location  *iterLoc
	start     time.Time
	change    int // radius change of the last iteration: -1, 0 or +1
}

// guard runs fn and turns a panic raised by user callbacks into HaltEvalPanic.
func (d *iterDriver) guard(task Status, fn func()) (res Status) {
	res = task
	defer func() {
		if r := recover(); r != nil {
			res = HaltEvalPanic
			if log := d.optimizer.logger; log.enable(LogLast) {
				log.log("Evaluation panicked: %v\n", r)
			}
		}
	}()
	fn()
	return
}

// evalCost evaluates f(x).
func (d *iterDriver) evalCost(x *mat.Dense) float64 {
	d.workspace.totalEval++
	return d.optimizer.cost(x)
}

// evalGrad evaluates ∇f(x) into eg and 𝚐𝚛𝚊𝚍 f(x) into g, returning ‖ 𝚐𝚛𝚊𝚍 f(x) ‖.
func (d *iterDriver) evalGrad(x, eg, g *mat.Dense) float64 {
	o := d.optimizer
	o.grad(x, eg)
	d.workspace.totalGrad++
	o.manifold.EuclideanToRiemannianGradient(x, eg, g)
	return math.Sqrt(o.manifold.Inner(x, g, g))
}

// checkStop checks the stopping criteria at the top of an outer iteration.
func (d *iterDriver) checkStop() Status {
	o, w, loc := d.optimizer, d.workspace, d.location
	switch {
	case loc.gNorm <= o.stop.MinGradNorm:
		return ConvGradNorm
	case w.iter > 0 && w.stepNorm <= o.stop.MinStepSize:
		return ConvStepSize
	case w.iter >= o.stop.MaxIterations:
		return OverIterLimit
	case w.totalEval >= o.stop.MaxCostEvals:
		return OverEvalLimit
	case time.Since(d.start) >= o.stop.MaxTime:
		return OverTimeLimit
	}
	return iterLoop
}

// mainLoop is the main execution loop of the iteration process: it solves the
// trust-region sub-problem, evaluates the candidate and updates the radius.
func (d *iterDriver) mainLoop() (task Status) {

	o, w, loc := d.optimizer, d.workspace, d.location

	w.clear()
	w.radius = o.region.Radius
	w.fd.N, w.fd.M = 1, o.n*o.m
	w.fd.Method = numdiff.Forward
	w.fd.Object = d.gradAlong
	d.start = time.Now()

	// Calculate f₀ and 𝚐𝚛𝚊𝚍 f₀
	task = d.guard(iterLoop, func() {
		loc.f = d.evalCost(loc.x)
		loc.gNorm = d.evalGrad(loc.x, loc.eg, loc.g)
	})
	if task == iterLoop && (math.IsNaN(loc.f) || math.IsInf(loc.f, 0)) {
		task = HaltNonFinite
	}

	d.printInit()

	for task == iterLoop {
		if task = d.checkStop(); task != iterLoop {
			break
		}
		if task = d.guard(task, d.step); task != iterLoop {
			break
		}
		d.printIter()
	}

	d.printExit(task)
	return
}

// step performs one outer iteration.
func (d *iterDriver) step() {

	o, w, loc := d.optimizer, d.workspace, d.location
	man, reg := o.manifold, o.region

	// Solve the trust-region sub-problem
	//   minimize   mₓ(η) = f(x) + ⟨𝚐𝚛𝚊𝚍 f(x), η⟩ + ½⟨𝙷𝚎𝚜𝚜 f(x)[η], η⟩
	//   subject to ‖ η ‖ ≤ Δ
	w.stop = d.truncatedCG()
	w.stepNorm = math.Sqrt(man.Inner(loc.x, w.eta, w.eta))

	man.Retract(loc.x, w.eta, w.xProp)
	w.fProp = d.evalCost(w.xProp)

	// ρ = (f(x) - f(Rₓ(η))) / (mₓ(0) - mₓ(η))
	// both terms are shifted by a tiny amount so that ρ → 1 when they are dominated by round-off.
	rhoNum := loc.f - w.fProp
	rhoDen := -man.Inner(loc.x, loc.g, w.eta) - half*man.Inner(loc.x, w.eta, w.heta)
	rhoReg := math.Max(one, math.Abs(loc.f)) * epsilon * reg.RhoRegularization
	rhoNum += rhoReg
	rhoDen += rhoReg
	decreased := rhoDen >= zero
	w.rho = rhoNum / rhoDen

	d.change = 0
	switch {
	case w.rho < quarter || !decreased || math.IsNaN(w.rho):
		w.radius *= quarter
		w.minus++
		d.change = -1
	case w.rho > 0.75 && (w.stop == innerNegCurvature || w.stop == innerExceededTR):
		w.radius = math.Min(2*w.radius, reg.MaxRadius)
		w.minus = 0
		d.change = 1
	default:
		w.minus = 0
	}

	if log := o.logger; log.enable(LogLast) && w.minus >= 5 && w.radius <= reg.MaxRadius*1e-6 {
		log.log("Trust-region radius decreased %d times in a row; cost or gradient may be inaccurate.\n", w.minus)
	}

	w.accepted = decreased && w.rho > reg.RhoPrime
	if w.accepted {
		gNorm := d.evalGrad(w.xProp, w.egProp, w.gProp)
		loc.x.Copy(w.xProp)
		loc.eg.Copy(w.egProp)
		loc.g.Copy(w.gProp)
		loc.f = w.fProp
		loc.gNorm = gNorm
	}

	w.iter++
}

// printInit logs the problem setting before the first iteration.
func (d *iterDriver) printInit() {
	o, w, loc := d.optimizer, d.workspace, d.location
	log := o.logger
	if !log.enable(LogLast) {
		return
	}
	log.log("RUNNING THE RIEMANNIAN TRUST-REGION METHOD\n")
	log.log("           * * *\n")
	log.log("Point shape = %d x %d    manifold dimension = %d\n", o.n, o.m, o.dim)
	log.log("Δ₀ = %12.5e    Δ̄ = %12.5e    ρ′ = %g\n", w.radius, o.region.MaxRadius, o.region.RhoPrime)
	if o.hess == nil {
		log.log("Hessian is approximated by finite difference of the gradient.\n")
	}
	if log.enable(LogEval) {
		log.log("At iterate %5d    f= %12.5e    |grad|= %12.5e\n", 0, loc.f, loc.gNorm)
		log.out("\n   it   nf   ng  inner       radius          rho            f        |grad|\n")
	}
}

func (d *iterDriver) printIter() {

	o, w, loc := d.optimizer, d.workspace, d.location
	log := o.logger

	if log.enable(LogTrace) {
		acc := "REJ"
		if w.accepted {
			acc = "acc"
		}
		tr := "   "
		switch d.change {
		case 1:
			tr = "TR+"
		case -1:
			tr = "TR-"
		}
		log.log("%s %s   k: %5d     num_inner: %5d     f: %+.16e   |grad|: %e   %s\n",
			acc, tr, w.iter, w.numInner, loc.f, loc.gNorm, w.stop)
		if log.enable(LogVerbose) {
			log.log("\n X = %v\n", mat.Formatted(loc.x, mat.Prefix("     "), mat.Squeeze()))
			log.log("\n G = %v\n", mat.Formatted(loc.g, mat.Prefix("     "), mat.Squeeze()))
		}
	} else if log.enable(LogEval) {
		if w.iter%int(log.Level) == 0 {
			log.log("At iterate %5d    f= %12.5e    |grad|= %12.5e\n", w.iter, loc.f, loc.gNorm)
		}
	}

	if log.enable(LogEval) {
		log.out(" %4d %4d %4d %6d %12.5e %12.5e %12.5e %12.5e\n",
			w.iter, w.totalEval, w.totalGrad, w.numInner, w.radius, w.rho, loc.f, loc.gNorm)
	}
}

// printExit logs the final statistics and exit conditions of the optimization process.
func (d *iterDriver) printExit(task Status) {

	o, w, loc := d.optimizer, d.workspace, d.location
	log := o.logger
	if !log.enable(LogLast) {
		return
	}

	log.log("\n           * * *\n")
	log.log("Tit   = total number of iterations\n")
	log.log("Tnf   = total number of cost evaluations\n")
	log.log("Tng   = total number of gradient evaluations\n")
	log.log("Tnh   = total number of Hessian-vector products\n")
	log.log("Tin   = total number of inner CG iterations\n")
	log.log("Grad  = norm of the final Riemannian gradient\n")
	log.log("F     = final function value\n")
	log.log("\n           * * *\n")
	log.log("\n   N      Tit      Tnf     Tng     Tnh     Tin     Grad         F\n")
	log.log("%5d %6d %7d %7d %7d %7d %6.2e %9.5e\n",
		o.dim, w.iter, w.totalEval, w.totalGrad, w.totalHess, w.sumInner, loc.gNorm, loc.f)

	if log.enable(LogVerbose) {
		log.log("\n X = %v\n", mat.Formatted(loc.x, mat.Prefix("     "), mat.Squeeze()))
	}

	log.log("\n%s\n", task)
	log.log("\n Total User time: %s\n", formatNs(time.Since(d.start).Nanoseconds()))
}

func formatNs(nanoseconds int64) string {
	switch {
	case nanoseconds >= 1e9: // Convert to seconds
		return fmt.Sprintf("%.2f s", float64(nanoseconds)/1e9)
	case nanoseconds >= 1e6: // Convert to milliseconds
		return fmt.Sprintf("%.2f ms", float64(nanoseconds)/1e6)
	case nanoseconds >= 1e3: // Convert to microseconds
		return fmt.Sprintf("%.2f µs", float64(nanoseconds)/1e3)
	default: // Keep in nanoseconds
		return fmt.Sprintf("%.2f ns", float64(nanoseconds))
	}
}
