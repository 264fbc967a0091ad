// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trustregion

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// truncatedCG (tCG)
//
// Approximately solves the trust-region sub-problem at x
//
//	minimize   m(η) = ⟨g, η⟩ + ½⟨H[η], η⟩
//	subject to ⟨η, η⟩ ≤ Δ²
//
// by Steihaug-Toint truncated conjugate gradient in the tangent space.
// The iteration stops when
//   - negative curvature ⟨δ, H[δ]⟩ ≤ 0 is met, the step then moves to the boundary
//   - the next iterate leaves the trust region, the step then moves to the boundary
//   - the model value increases, the previous iterate is kept
//   - the residual satisfied ‖ rⱼ ‖ ≤ ‖ r₀ ‖ 𝚖𝚒𝚗( ‖ r₀ ‖ᶿ, κ )
//
// On exit ctx.eta holds η and ctx.heta holds H[η].
func (d *iterDriver) truncatedCG() (stop innerStop) {

	o, w, loc := d.optimizer, d.workspace, d.location
	man, inner := o.manifold, o.inner

	x, g := loc.x, loc.g
	eta, heta := w.eta, w.heta
	r, delta, hdel := w.r, w.delta, w.hdel
	radius2 := w.radius * w.radius

	eta.Zero()
	heta.Zero()
	r.Copy(g)

	rr := man.Inner(x, r, r)
	normR0 := math.Sqrt(rr)
	w.numInner = 0
	if normR0 == zero {
		return innerLinear
	}

	// without preconditioner z = r
	zr := rr
	ePe, ePd, dPd := zero, zero, zr // ⟨η,η⟩ ⟨η,δ⟩ ⟨δ,δ⟩
	delta.Scale(-1, r)

	model := zero
	stop = innerMaxInner

	for j := 1; j <= inner.MaxInner; j++ {
		w.numInner = j

		d.hessVec(delta, hdel)
		dHd := man.Inner(x, delta, hdel)
		alpha := zr / dHd

		// ‖ η + αδ ‖²
		ePeNew := ePe + 2*alpha*ePd + alpha*alpha*dPd

		if dHd <= zero || ePeNew >= radius2 {
			// τ ≥ 0 such that ‖ η + τδ ‖ = Δ
			tau := (-ePd + math.Sqrt(ePd*ePd+dPd*(radius2-ePe))) / dPd
			floats.AddScaled(vec(eta), tau, vec(delta))
			floats.AddScaled(vec(heta), tau, vec(hdel))
			if dHd <= zero {
				stop = innerNegCurvature
			} else {
				stop = innerExceededTR
			}
			break
		}

		ePe = ePeNew
		floats.AddScaledTo(vec(w.newEta), vec(eta), alpha, vec(delta))
		floats.AddScaledTo(vec(w.newHeta), vec(heta), alpha, vec(hdel))

		// m(η) - f(x) at the new iterate
		newModel := man.Inner(x, w.newEta, g) + half*man.Inner(x, w.newEta, w.newHeta)
		if newModel >= model {
			stop = innerModelIncreased
			break
		}

		eta.Copy(w.newEta)
		heta.Copy(w.newHeta)
		model = newModel

		// rⱼ₊₁ = rⱼ + αH[δ]
		floats.AddScaled(vec(r), alpha, vec(hdel))
		rr = man.Inner(x, r, r)
		normR := math.Sqrt(rr)

		if j >= inner.MinInner {
			target := math.Pow(normR0, inner.Theta)
			if normR <= normR0*math.Min(target, inner.Kappa) {
				if inner.Kappa < target {
					stop = innerLinear
				} else {
					stop = innerSuperlinear
				}
				break
			}
		}

		// δ = -r + βδ
		zrOld := zr
		zr = rr
		beta := zr / zrOld
		floats.Scale(beta, vec(delta))
		floats.AddScaled(vec(delta), -1, vec(r))

		// keep δ in the tangent space despite round-off
		man.Proj(x, delta, w.newEta)
		delta.Copy(w.newEta)

		ePd = beta * (ePd + alpha*dPd)
		dPd = zr + beta*beta*dPd
	}

	w.sumInner += w.numInner
	return
}

// hessVec evaluates the Riemannian Hessian at the current location applied to tangent z.
//
// Without a Hessian function the product is approximated by the forward difference
// of the gradient along the retraction curve c(t) = Rₓ(tz), transported back to x:
//
//	𝙷𝚎𝚜𝚜 f(x)[z] ≈ ( 𝚃ₓ 𝚐𝚛𝚊𝚍 f(Rₓ(hz)) - 𝚐𝚛𝚊𝚍 f(x) ) / h,  h = 2⁻¹⁴ / ‖ z ‖
func (d *iterDriver) hessVec(z, dst *mat.Dense) {

	o, w, loc := d.optimizer, d.workspace, d.location
	man := o.manifold
	w.totalHess++

	if o.hess != nil {
		o.hess(loc.x, z, w.ehess)
		man.EuclideanToRiemannianHessian(loc.x, loc.eg, w.ehess, z, dst)
		return
	}

	nrm := math.Sqrt(man.Inner(loc.x, z, z))
	if nrm < epsilon {
		dst.Zero()
		return
	}

	w.dir.Copy(z)
	w.fd.AbsStep = fdStep / nrm
	w.fd.F0 = vec(loc.g)
	w.shift[0] = zero
	if err := w.fd.Diff(w.shift, vec(dst)); err != nil {
		panic(err)
	}
}

// gradAlong evaluates the transported Riemannian gradient at Rₓ(t·dir) into y.
func (d *iterDriver) gradAlong(t, y []float64) {
	o, w, loc := d.optimizer, d.workspace, d.location
	man := o.manifold

	w.eg1.Scale(t[0], w.dir)
	man.Retract(loc.x, w.eg1, w.x1)

	o.grad(w.x1, w.eg1)
	w.totalGrad++
	man.EuclideanToRiemannianGradient(w.x1, w.eg1, w.g1)
	man.Transport(loc.x, w.g1, w.eg1)
	copy(y, vec(w.eg1))
}
