// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package subspace

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Normalization selects which part of a descending eigen-spectrum scales each subspace term.
type Normalization int

const (
	// SkipLeading sums eigenvalues λ₁ … λ_{k-1} of a k-dimensional subspace, leaving out λ₀.
	// A one-dimensional subspace then has an empty sum and is rejected.
	SkipLeading Normalization = iota
	// IncludeLeading sums eigenvalues λ₀ … λ_{k-1}, the largest variance a k-dimensional subspace can capture.
	IncludeLeading
)

func (n Normalization) String() string {
	switch n {
	case SkipLeading:
		return "skip-leading"
	case IncludeLeading:
		return "include-leading"
	default:
		return fmt.Sprintf("Normalization(%d)", int(n))
	}
}

// Selectors builds the fixed block selectors of a basis with d = dNull + dPotent columns:
//
//	𝐏ₚ = [ I_dPotent ; 0 ]  (d × dPotent)
//	𝐏ₙ = [ 0 ; I_dNull ]    (d × dNull)
//
// so that Q𝐏ₚ is the first dPotent columns of Q and Q𝐏ₙ the remaining dNull columns.
func Selectors(dNull, dPotent int) (pPotent, pNull *mat.Dense) {
	d := dNull + dPotent
	pPotent = mat.NewDense(d, dPotent, nil)
	for i := 0; i < dPotent; i++ {
		pPotent.Set(i, i, 1)
	}
	pNull = mat.NewDense(d, dNull, nil)
	for i := 0; i < dNull; i++ {
		pNull.Set(dPotent+i, i, 1)
	}
	return
}

// Formulation holds the inputs the objective closes over.
// Eigenvalues are expected in the order the normalization window is taken from.
type Formulation struct {
	EigNull, EigPotent []float64
	DNull, DPotent     int
	Ppotent, Pnull     *mat.Dense
	CovNull, CovPotent mat.Symmetric
	Normalization      Normalization
}

// New builds the objective, computing the normalization scalars from the spectra.
func (f *Formulation) New() (*Objective, error) {

	dn, dp := f.DNull, f.DPotent

	switch {
	case dn <= 0 || dp <= 0:
		return nil, errors.New("subspace dimension must greater than 0")
	case f.CovNull == nil || f.CovPotent == nil:
		return nil, errors.New("covariance is required")
	case f.CovNull.SymmetricDim() != f.CovPotent.SymmetricDim():
		return nil, errors.New("covariance dimension not match")
	case len(f.EigNull) < dn || len(f.EigPotent) < dp:
		return nil, errors.New("spectrum shorter than subspace dimension")
	case f.Ppotent == nil || f.Pnull == nil:
		return nil, errors.New("selectors are required")
	}
	if r, c := f.Ppotent.Dims(); r != dn+dp || c != dp {
		return nil, errors.New("potent selector dimension not match")
	}
	if r, c := f.Pnull.Dims(); r != dn+dp || c != dn {
		return nil, errors.New("null selector dimension not match")
	}

	normPotent, err := normalize(f.EigPotent, dp, f.Normalization)
	if err != nil {
		return nil, fmt.Errorf("%w: covPotent %v", ErrNormalization, err)
	}
	normNull, err := normalize(f.EigNull, dn, f.Normalization)
	if err != nil {
		return nil, fmt.Errorf("%w: covNull %v", ErrNormalization, err)
	}

	o := &Objective{
		covNull:    f.CovNull,
		covPotent:  f.CovPotent,
		pPotent:    f.Ppotent,
		pNull:      f.Pnull,
		normPotent: normPotent,
		normNull:   normNull,
	}
	o.projPotent.Mul(f.Ppotent, f.Ppotent.T())
	o.projNull.Mul(f.Pnull, f.Pnull.T())
	return o, nil
}

// normalize sums the normalization window of a spectrum.
func normalize(eig []float64, dim int, norm Normalization) (float64, error) {
	var from int
	switch norm {
	case SkipLeading:
		from = 1
	case IncludeLeading:
		from = 0
	default:
		return 0, fmt.Errorf("unknown normalization %v", norm)
	}
	s := 0.0
	for _, v := range eig[from:dim] {
		s += v
	}
	if !(s > 0) || math.IsInf(s, 0) {
		return 0, fmt.Errorf("sum of eigenvalues [%d,%d) is %g", from, dim, s)
	}
	return s, nil
}

// Objective is the negative normalized variance captured by the two column blocks of Q:
//
//	f(Q) = -½ 𝚝𝚛((Q𝐏ₚ)ᵀ𝐂ₚ(Q𝐏ₚ))/νₚ - ½ 𝚝𝚛((Q𝐏ₙ)ᵀ𝐂ₙ(Q𝐏ₙ))/νₙ
//
// It carries no state besides the matrices and scalars it was built from.
type Objective struct {
	covNull, covPotent   mat.Symmetric
	pPotent, pNull       *mat.Dense
	projPotent, projNull mat.Dense // 𝐏ₚ𝐏ₚᵀ, 𝐏ₙ𝐏ₙᵀ
	normPotent, normNull float64
}

// Norms returns the normalization scalars νₚ and νₙ.
func (o *Objective) Norms() (potent, null float64) {
	return o.normPotent, o.normNull
}

// Cost evaluates f(Q).
func (o *Objective) Cost(q *mat.Dense) float64 {
	return -0.5*quadTrace(q, o.pPotent, o.covPotent)/o.normPotent -
		0.5*quadTrace(q, o.pNull, o.covNull)/o.normNull
}

// Gradient store the Euclidean gradient of f at Q into g:
//
//	∇f(Q) = -𝐂ₚQ𝐏ₚ𝐏ₚᵀ/νₚ - 𝐂ₙQ𝐏ₙ𝐏ₙᵀ/νₙ
func (o *Objective) Gradient(q, g *mat.Dense) {
	o.apply(q, g)
}

// Hessian store the Euclidean Hessian of f applied to direction z into h.
// The cost is quadratic so ∇²f(Q)[Z] = ∇f(Z) regardless of Q.
func (o *Objective) Hessian(q, z, h *mat.Dense) {
	o.apply(z, h)
}

func (o *Objective) apply(q, dst *mat.Dense) {
	var cq, a, b mat.Dense
	cq.Mul(o.covPotent, q)
	a.Mul(&cq, &o.projPotent)
	cq.Reset()
	cq.Mul(o.covNull, q)
	b.Mul(&cq, &o.projNull)
	a.Scale(-1/o.normPotent, &a)
	b.Scale(-1/o.normNull, &b)
	dst.Add(&a, &b)
}

// Captured returns the fraction of total variance of 𝐂ₚ captured by Q𝐏ₚ
// and the fraction of total variance of 𝐂ₙ captured by Q𝐏ₙ.
func (o *Objective) Captured(q *mat.Dense) (potent, null float64) {
	potent = quadTrace(q, o.pPotent, o.covPotent) / mat.Trace(o.covPotent)
	null = quadTrace(q, o.pNull, o.covNull) / mat.Trace(o.covNull)
	return
}

// quadTrace returns 𝚝𝚛((QP)ᵀC(QP)).
func quadTrace(q, p *mat.Dense, c mat.Symmetric) float64 {
	var qp, cqp mat.Dense
	qp.Mul(q, p)
	cqp.Mul(c, &qp)
	_, k := qp.Dims()
	s := 0.0
	for j := 0; j < k; j++ {
		s += mat.Dot(qp.ColView(j), cqp.ColView(j))
	}
	return s
}
