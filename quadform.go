// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mrp

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/integrate/quad"
	"gonum.org/v1/gonum/stat/distuv"
)

// quadFormTail returns P(Q > q) where Q = sum(lambda[j] * X_j^2) and
// X_j are independent standard normal variables. All lambda must be
// positive.
type quadFormTail func(q float64, lambda []float64) (float64, error)

var quadFormTails = map[string]quadFormTail{
	"farebrother": farebrotherTail,
	"davies":      daviesTail,
	"imhof":       imhofTail,
}

// pValueMethods lists the names accepted by lookupQuadFormTail.
var pValueMethods = func() []string {
	var names []string
	for name := range quadFormTails {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}()

func lookupQuadFormTail(name string) (quadFormTail, error) {
	tail, ok := quadFormTails[name]
	if !ok {
		return nil, fmt.Errorf("unknown p-value method %q", name)
	}
	return tail, nil
}

var errNotConverged = errors.New("required accuracy not achieved")

// trivialTail handles the cases that don't need a series or an
// integral. ok is false if the caller has to do the work.
func trivialTail(q float64, lambda []float64) (p float64, ok bool) {
	if len(lambda) == 0 {
		if q <= 0 {
			return 1, true
		}
		return 0, true
	}
	if q <= 0 {
		return 1, true
	}
	return 0, false
}

const (
	farebrotherMaxTerms = 100000
	farebrotherEps      = 1e-16
)

// farebrotherTail expands the distribution of Q as a mixture of
// central chi-square distributions (Ruben 1962, as in Farebrother's
// AS 204).
func farebrotherTail(q float64, lambda []float64) (float64, error) {
	if p, ok := trivialTail(q, lambda); ok {
		return p, nil
	}
	minLambda := lambda[0]
	for _, l := range lambda {
		if !(l > 0) {
			return math.NaN(), fmt.Errorf("non-positive eigenvalue %g", l)
		}
		if l < minLambda {
			minLambda = l
		}
	}
	n := len(lambda)
	beta := 0.90625 * minLambda
	gamma := make([]float64, n)
	pow := make([]float64, n)
	a0 := 0.0
	for j, l := range lambda {
		gamma[j] = 1 - beta/l
		pow[j] = 1
		a0 += 0.5 * math.Log(beta/l)
	}
	x := q / beta

	// g[k] = sum(gamma^k)/2; a[k] = sum(g[k-r]*a[r], r<k)/k
	g := []float64{0}
	a := []float64{math.Exp(a0)}
	mass := a[0]
	tail := a[0] * distuv.ChiSquared{K: float64(n)}.Survival(x)
	for k := 1; k < farebrotherMaxTerms; k++ {
		if 1-mass <= farebrotherEps {
			return tail, nil
		}
		gk := 0.0
		for j := range pow {
			pow[j] *= gamma[j]
			gk += pow[j]
		}
		g = append(g, gk/2)
		ak := 0.0
		for r := 0; r < k; r++ {
			ak += g[k-r] * a[r]
		}
		ak /= float64(k)
		a = append(a, ak)
		if mass+ak == mass && 1-mass < 1e-10 {
			// Remaining mass is below float64 resolution.
			return tail, nil
		}
		mass += ak
		tail += ak * distuv.ChiSquared{K: float64(n + 2*k)}.Survival(x)
	}
	if 1-mass > 1e-8 {
		return tail, errNotConverged
	}
	return tail, nil
}

const (
	daviesAccuracy = 1e-4
	daviesLimit    = 10000
)

// daviesTail inverts the characteristic function of Q with the
// algorithm of Davies (1980, AS 155). The result is accurate to
// daviesAccuracy in absolute terms.
func daviesTail(q float64, lambda []float64) (float64, error) {
	if p, ok := trivialTail(q, lambda); ok {
		return p, nil
	}
	for _, l := range lambda {
		if !(l > 0) {
			return math.NaN(), fmt.Errorf("non-positive eigenvalue %g", l)
		}
	}
	qf := &daviesQF{lambda: lambda, c: q, lim: daviesLimit}
	cdf, err := qf.cdf(daviesAccuracy)
	if err != nil {
		return math.NaN(), err
	}
	return 1 - cdf, nil
}

// errDaviesLimit is raised (via panic) inside daviesQF when the
// number of bound evaluations exceeds lim, and recovered by cdf.
var errDaviesLimit = errors.New("too many integration terms")

// daviesQF holds the state of one AS 155 evaluation for the central
// case: every term has one degree of freedom and no non-centrality.
type daviesQF struct {
	lambda []float64
	c      float64
	lim    int

	sigsq      float64
	lmax, lmin float64
	mean       float64
	intl, ersm float64
	count      int
	fail       bool
	order      []int // indices of lambda by decreasing |lambda|
}

func (qf *daviesQF) counter() {
	qf.count++
	if qf.count > qf.lim {
		panic(errDaviesLimit)
	}
}

func exp1(x float64) float64 {
	if x < -50 {
		return 0
	}
	return math.Exp(x)
}

// log1 returns log(1+x) if first, otherwise log(1+x)-x, keeping
// precision for small x.
func log1(x float64, first bool) float64 {
	if math.Abs(x) > 0.1 {
		if first {
			return math.Log1p(x)
		}
		return math.Log1p(x) - x
	}
	y := x / (2 + x)
	term := 2 * y * y * y
	ak := 3.0
	s := -x * y
	if first {
		s = 2 * y
	}
	y *= y
	for s1 := s + term/ak; s1 != s; s1 = s + term/ak {
		ak += 2
		term *= y
		s = s1
	}
	return s
}

// errbd returns an upper bound on the tail probability using the
// moment generating function at u, and the matching cutoff.
func (qf *daviesQF) errbd(u float64) (bound, cutoff float64) {
	qf.counter()
	xconst := u * qf.sigsq
	sum1 := u * xconst
	u *= 2
	for _, l := range qf.lambda {
		x := u * l
		y := 1 - x
		xconst += l / y
		sum1 += x*x/y + log1(-x, false)
	}
	return exp1(-0.5 * sum1), xconst
}

// ctff finds a cutoff beyond which the tail probability is below
// accx. upn is the starting value of the search and is updated.
func (qf *daviesQF) ctff(accx float64, upn *float64) float64 {
	u2 := *upn
	u1 := 0.0
	c1 := qf.mean
	rb := 2 * qf.lmin
	if u2 > 0 {
		rb = 2 * qf.lmax
	}
	var c2 float64
	for {
		var bound float64
		bound, c2 = qf.errbd(u2 / (1 + u2*rb))
		if bound <= accx {
			break
		}
		u1, c1 = u2, c2
		u2 *= 2
	}
	for (c1-qf.mean)/(c2-qf.mean) < 0.9 {
		u := (u1 + u2) / 2
		bound, xconst := qf.errbd(u / (1 + u*rb))
		if bound > accx {
			u1, c1 = u, xconst
		} else {
			u2, c2 = u, xconst
		}
	}
	*upn = u2
	return c2
}

// truncation bounds the error of cutting off the integral at u.
func (qf *daviesQF) truncation(u, tausq float64) float64 {
	qf.counter()
	sum2 := (qf.sigsq + tausq) * u * u
	prod1 := 2 * sum2
	u *= 2
	var prod2, prod3, s float64
	for _, l := range qf.lambda {
		x := (u * l) * (u * l)
		if x > 1 {
			prod2 += math.Log(x)
			prod3 += log1(x, true)
			s++
		} else {
			prod1 += log1(x, true)
		}
	}
	prod2 += prod1
	prod3 += prod1
	x := exp1(-0.25*prod2) / math.Pi
	y := exp1(-0.25*prod3) / math.Pi
	err1 := 1.0
	if s != 0 {
		err1 = 2 * x / s
	}
	err2 := 1.0
	if prod3 > 1 {
		err2 = 2.5 * y
	}
	err1 = math.Min(err1, err2)
	x = 0.5 * sum2
	err2 = 1.0
	if x > y {
		err2 = y / x
	}
	return math.Min(err1, err2)
}

// findu finds u such that the truncation error at u is below accx.
func (qf *daviesQF) findu(utx *float64, accx float64) {
	ut := *utx
	u := ut / 4
	if qf.truncation(u, 0) > accx {
		for u = ut; qf.truncation(u, 0) > accx; u = ut {
			ut *= 4
		}
	} else {
		ut = u
		for u /= 4; qf.truncation(u, 0) <= accx; u /= 4 {
			ut = u
		}
	}
	for _, d := range []float64{2, 1.4, 1.2, 1.1} {
		u = ut / d
		if qf.truncation(u, 0) <= accx {
			ut = u
		}
	}
	*utx = ut
}

// integrate adds nterm+1 terms of the inversion sum with step interv
// to intl, and their absolute values to ersm. If !mainx, the terms
// are multiplied by the convergence factor for tausq.
func (qf *daviesQF) integrate(nterm int, interv, tausq float64, mainx bool) {
	inpi := interv / math.Pi
	for k := nterm; k >= 0; k-- {
		u := (float64(k) + 0.5) * interv
		sum1 := -2 * u * qf.c
		sum2 := math.Abs(sum1)
		sum3 := -0.5 * qf.sigsq * u * u
		for _, l := range qf.lambda {
			x := 2 * l * u
			sum3 -= 0.25 * log1(x*x, true)
			z := math.Atan(x)
			sum1 += z
			sum2 += math.Abs(z)
		}
		x := inpi * exp1(sum3) / u
		if !mainx {
			x *= 1 - exp1(-0.5*tausq*u*u)
		}
		qf.intl += math.Sin(0.5*sum1) * x
		qf.ersm += 0.5 * sum2 * x
	}
}

const log28 = 0.0866 // log(2)/8

// cfe returns a bound on the convergence factor for x, or sets fail
// if it would be too large.
func (qf *daviesQF) cfe(x float64) float64 {
	qf.counter()
	if qf.order == nil {
		qf.order = make([]int, len(qf.lambda))
		for i := range qf.order {
			qf.order[i] = i
		}
		sort.SliceStable(qf.order, func(i, j int) bool {
			return math.Abs(qf.lambda[qf.order[i]]) > math.Abs(qf.lambda[qf.order[j]])
		})
	}
	axl := math.Abs(x)
	sxl := 1.0
	if x < 0 {
		sxl = -1
	}
	sum1 := 0.0
	for j := len(qf.order) - 1; j >= 0; j-- {
		t := qf.order[j]
		if qf.lambda[t]*sxl <= 0 {
			continue
		}
		lj := math.Abs(qf.lambda[t])
		axl1 := axl - lj
		axl2 := lj / log28
		if axl1 > axl2 {
			axl = axl1
			continue
		}
		if axl > axl2 {
			axl = axl2
		}
		sum1 = (axl-axl1)/lj + float64(j)
		break
	}
	if sum1 > 100 {
		qf.fail = true
		return 1
	}
	return math.Pow(2, sum1/4) / (math.Pi * axl * axl)
}

// cdf returns P(Q < c) to absolute accuracy acc.
func (qf *daviesQF) cdf(acc float64) (qfval float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			if r != errDaviesLimit {
				panic(r)
			}
			qfval, err = math.NaN(), errNotConverged
		}
	}()
	sd := qf.sigsq
	for _, l := range qf.lambda {
		if qf.lmax < l {
			qf.lmax = l
		} else if qf.lmin > l {
			qf.lmin = l
		}
		sd += 2 * l * l
		qf.mean += l
	}
	if sd == 0 {
		if qf.c > 0 {
			return 1, nil
		}
		return 0, nil
	}
	sd = math.Sqrt(sd)
	almx := math.Max(qf.lmax, -qf.lmin)

	utx := 16 / sd
	up := 4.5 / sd
	un := -up
	xlim := float64(qf.lim)
	acc1 := acc
	qf.findu(&utx, 0.5*acc1)
	if qf.c != 0 && almx > 0.07*sd {
		tausq := 0.25 * acc1 / qf.cfe(qf.c)
		if qf.fail {
			qf.fail = false
		} else if qf.truncation(utx, tausq) < 0.2*acc1 {
			qf.sigsq += tausq
			qf.findu(&utx, 0.25*acc1)
		}
	}
	acc1 *= 0.5

	var intv, xnt float64
	for {
		d1 := qf.ctff(acc1, &up) - qf.c
		if d1 < 0 {
			return 1, nil
		}
		d2 := qf.c - qf.ctff(acc1, &un)
		if d2 < 0 {
			return 0, nil
		}
		intv = 2 * math.Pi / math.Max(d1, d2)
		xnt = utx / intv
		xntm := 3 / math.Sqrt(acc1)
		if xnt <= xntm*1.5 {
			break
		}
		// Too many terms: add a convergence factor and try again.
		if xntm > xlim {
			return math.NaN(), errNotConverged
		}
		ntm := math.Floor(xntm + 0.5)
		intv1 := utx / ntm
		x := 2 * math.Pi / intv1
		if x <= math.Abs(qf.c) {
			break
		}
		tausq := 0.33 * acc1 / (1.1 * (qf.cfe(qf.c-x) + qf.cfe(qf.c+x)))
		if qf.fail {
			break
		}
		acc1 *= 0.67
		qf.integrate(int(ntm), intv1, tausq, false)
		xlim -= xntm
		qf.sigsq += tausq
		qf.findu(&utx, 0.25*acc1)
		acc1 *= 0.75
	}
	if xnt > xlim {
		return math.NaN(), errNotConverged
	}
	qf.integrate(int(math.Floor(xnt+0.5)), intv, 0, true)
	return 0.5 - qf.intl, nil
}

const (
	imhofEps       = 1e-13
	imhofPanelTol  = 1e-15
	imhofMaxPanels = 10000
	imhofNodes     = 20
	imhofMaxDepth  = 16
	imhofWynnTerms = 30
)

// imhofTail evaluates Imhof's (1961) integral
//
//	P(Q > q) = 1/2 + 1/pi * integral(sin(theta(u)) / (u*rho(u)), u=0..inf)
//
// Past the maximum of theta, the integral is split at the zeros of
// sin(theta) and the resulting alternating series is summed with
// Wynn's epsilon algorithm.
func imhofTail(q float64, lambda []float64) (float64, error) {
	if p, ok := trivialTail(q, lambda); ok {
		return p, nil
	}
	sumLambda, maxLambda := 0.0, 0.0
	for _, l := range lambda {
		if !(l > 0) {
			return math.NaN(), fmt.Errorf("non-positive eigenvalue %g", l)
		}
		sumLambda += l
		maxLambda = math.Max(maxLambda, l)
	}
	theta := func(u float64) float64 {
		t := -0.5 * q * u
		for _, l := range lambda {
			t += 0.5 * math.Atan(l*u)
		}
		return t
	}
	dtheta := func(u float64) float64 {
		d := -0.5 * q
		for _, l := range lambda {
			d += 0.5 * l / (1 + l*l*u*u)
		}
		return d
	}
	integrand := func(u float64) float64 {
		if u == 0 {
			return 0.5 * (sumLambda - q)
		}
		s := 0.0
		for _, l := range lambda {
			s += 0.25 * math.Log1p(l*l*u*u)
		}
		return math.Sin(theta(u)) * math.Exp(-s) / u
	}

	// theta rises to a single maximum at peak and decreases after it.
	peak := 0.0
	if dtheta(0) > 0 {
		lo, hi := 0.0, 1/maxLambda
		for dtheta(hi) > 0 {
			lo, hi = hi, 2*hi
		}
		for i := 0; i < 200 && hi-lo > 1e-15*hi; i++ {
			if mid := (lo + hi) / 2; dtheta(mid) > 0 {
				lo = mid
			} else {
				hi = mid
			}
		}
		peak = hi
	}
	integral := 0.0
	if peak > 0 {
		integral = adaptiveLegendre(integrand, 0, peak, imhofPanelTol, imhofMaxDepth)
	}

	// findZero returns the u > lo where theta(u) == target, given
	// theta(lo) > target.
	step0 := 2 * math.Pi / q
	findZero := func(lo, target float64) float64 {
		a, b, step := lo, lo+step0, step0
		for theta(b) > target {
			a = b
			step *= 2
			b += step
		}
		for i := 0; i < 200 && b-a > 1e-15*b; i++ {
			if mid := (a + b) / 2; theta(mid) > target {
				a = mid
			} else {
				b = mid
			}
		}
		return b
	}

	target := math.Floor(theta(peak)/math.Pi) * math.Pi
	if target >= theta(peak) {
		target -= math.Pi
	}
	sums := []float64{integral}
	var est, prevEst float64
	agree := 0
	lo := peak
	for i := 0; i < imhofMaxPanels; i++ {
		hi := findZero(lo, target)
		term := adaptiveLegendre(integrand, lo, hi, imhofPanelTol, imhofMaxDepth)
		integral += term
		if math.Abs(term) < imhofPanelTol*1e-2 {
			return 0.5 + integral/math.Pi, nil
		}
		sums = append(sums, integral)
		if len(sums) > imhofWynnTerms {
			sums = sums[1:]
		}
		lo = hi
		target -= math.Pi
		if len(sums) < 3 {
			continue
		}
		prevEst, est = est, wynnEpsilon(sums)
		if math.Abs(est-prevEst) <= imhofEps {
			agree++
		} else {
			agree = 0
		}
		if agree >= 2 {
			return 0.5 + est/math.Pi, nil
		}
	}
	return 0.5 + est/math.Pi, errNotConverged
}

// adaptiveLegendre integrates f over [a,b], bisecting until the
// Gauss-Legendre estimates of each half agree with the whole to tol.
func adaptiveLegendre(f func(float64) float64, a, b, tol float64, depth int) float64 {
	whole := quad.Fixed(f, a, b, imhofNodes, quad.Legendre{}, 0)
	return adaptiveLegendreStep(f, a, b, whole, tol, depth)
}

func adaptiveLegendreStep(f func(float64) float64, a, b, whole, tol float64, depth int) float64 {
	mid := (a + b) / 2
	left := quad.Fixed(f, a, mid, imhofNodes, quad.Legendre{}, 0)
	right := quad.Fixed(f, mid, b, imhofNodes, quad.Legendre{}, 0)
	if depth <= 0 || math.Abs(left+right-whole) <= tol*math.Max(1, math.Abs(whole)) {
		return left + right
	}
	return adaptiveLegendreStep(f, a, mid, left, tol, depth-1) +
		adaptiveLegendreStep(f, mid, b, right, tol, depth-1)
}

// wynnEpsilon returns the limit of the sequence of partial sums s as
// extrapolated by Wynn's epsilon algorithm.
func wynnEpsilon(s []float64) float64 {
	best := s[len(s)-1]
	prev := make([]float64, len(s)+1)
	cur := append([]float64(nil), s...)
	for k := 1; len(cur) > 1; k++ {
		next := make([]float64, len(cur)-1)
		for i := range next {
			d := cur[i+1] - cur[i]
			if d == 0 {
				if k%2 == 1 {
					// cur is an even column and has converged.
					return cur[i+1]
				}
				return best
			}
			next[i] = prev[i+1] + 1/d
		}
		prev, cur = cur, next
		if k%2 == 0 {
			best = cur[len(cur)-1]
		}
	}
	return best
}
