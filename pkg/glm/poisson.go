// Package glm fits single-predictor Poisson regressions with per-observation
// exposure weights and compares nested fits with a likelihood-ratio test.
package glm

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrLengthMismatch indicates that y, x and exposure differ in length.
	ErrLengthMismatch = errors.New("glm: y, x and exposure lengths differ")
	// ErrTooFewObservations indicates fewer than two observations.
	ErrTooFewObservations = errors.New("glm: at least 2 observations are required")
	// ErrInvalidExposure indicates a non-positive or non-finite exposure.
	ErrInvalidExposure = errors.New("glm: exposures must be positive and finite")
	// ErrInvalidResponse indicates a negative or non-finite response value.
	ErrInvalidResponse = errors.New("glm: responses must be non-negative and finite")
	// ErrInvalidPredictor indicates a non-finite predictor value.
	ErrInvalidPredictor = errors.New("glm: predictor values must be finite")
	// ErrNotConverged indicates the solver stopped before reaching tolerance.
	// Fits returning it still carry the best coefficients found.
	ErrNotConverged = errors.New("glm: solver did not converge")
)

// ConvergenceError describes a fit that stopped before reaching tolerance.
type ConvergenceError struct {
	Iterations int
	GradNorm   float64
	Reason     string
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("glm: solver did not converge after %d iterations (|grad|=%g): %s", e.Iterations, e.GradNorm, e.Reason)
}

// Unwrap allows errors.Is(err, ErrNotConverged).
func (e *ConvergenceError) Unwrap() error { return ErrNotConverged }

// Coef holds the two coefficients of a single-predictor log-linear model.
type Coef struct {
	Slope     float64 `json:"slope"`
	Intercept float64 `json:"intercept"`
}

// Predict returns the linear predictor slope*x + intercept.
func (c Coef) Predict(x float64) float64 {
	return c.Slope*x + c.Intercept
}

// Options controls the Poisson solver.
type Options struct {
	// Alpha is the L2 penalty on the slope. The intercept is never penalized.
	Alpha float64 `json:"alpha" yaml:"alpha"`
	// Tol is the stopping tolerance on the largest absolute gradient entry.
	Tol float64 `json:"tol" yaml:"tol"`
	// MaxIter caps the number of Newton iterations.
	MaxIter int `json:"max_iter" yaml:"max_iter"`
}

// DefaultOptions returns an unregularized solver with a tight tolerance.
func DefaultOptions() Options {
	return Options{
		Alpha:   0,
		Tol:     1e-10,
		MaxIter: 500,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Tol <= 0 {
		o.Tol = d.Tol
	}
	if o.MaxIter <= 0 {
		o.MaxIter = d.MaxIter
	}
	if o.Alpha < 0 {
		o.Alpha = 0
	}
	return o
}

// maxHalvings bounds the backtracking line search of a single Newton step.
const maxHalvings = 60

// FitPoisson fits y_i/e_i ~ Poisson(exp(slope*x_i + intercept)) with e_i used
// as the sample weight of observation i.
//
// The objective is the weighted mean half deviance
//
//	Σ w_i (μ_i − r_i η_i) + ½·Alpha·slope²,  w_i = e_i/Σe, r_i = y_i/e_i,
//
// whose unpenalized optimum is the Poisson MLE with a log(e) offset. A
// *ConvergenceError is returned together with the best coefficients when the
// solver stops early.
func FitPoisson(y, x, exposure []float64, opt Options) (Coef, error) {
	nan := Coef{Slope: math.NaN(), Intercept: math.NaN()}
	if err := validate(y, x, exposure); err != nil {
		return nan, err
	}
	opt = opt.withDefaults()

	n := len(y)
	total := floats.Sum(exposure)
	w := make([]float64, n)
	r := make([]float64, n)
	for i := range n {
		w[i] = exposure[i] / total
		r[i] = y[i] / exposure[i]
	}
	rbar := floats.Dot(w, r)

	if rbar == 0 {
		// All-zero response: the likelihood increases without bound as the
		// intercept goes to -Inf.
		return Coef{Slope: 0, Intercept: math.Inf(-1)}, &ConvergenceError{Reason: "all responses are zero"}
	}
	if opt.Alpha == 0 && isConstant(x) {
		// Slope and intercept are not identifiable; the flat fit is closed form.
		return Coef{Slope: 0, Intercept: math.Log(rbar)}, nil
	}

	c := Coef{Slope: 0, Intercept: math.Log(rbar)}
	obj := objective(c, x, w, r, opt.Alpha)

	var (
		grad = mat.NewVecDense(2, nil)
		step = mat.NewVecDense(2, nil)
		hess = mat.NewSymDense(2, nil)
		chol mat.Cholesky
	)
	gnorm := math.Inf(1)
	for iter := 0; iter < opt.MaxIter; iter++ {
		var g0, g1, h00, h01, h11 float64
		for i, xi := range x {
			mu := math.Exp(c.Slope*xi + c.Intercept)
			d := w[i] * (mu - r[i])
			g0 += d
			g1 += d * xi
			wm := w[i] * mu
			h00 += wm
			h01 += wm * xi
			h11 += wm * xi * xi
		}
		g1 += opt.Alpha * c.Slope
		h11 += opt.Alpha

		gnorm = math.Max(math.Abs(g0), math.Abs(g1))
		if gnorm <= opt.Tol {
			return c, nil
		}
		if math.IsNaN(gnorm) || math.IsInf(gnorm, 0) {
			return c, &ConvergenceError{Iterations: iter, GradNorm: gnorm, Reason: "non-finite gradient"}
		}

		// Intercept is component 0, slope component 1.
		grad.SetVec(0, g0)
		grad.SetVec(1, g1)
		hess.SetSym(0, 0, h00)
		hess.SetSym(0, 1, h01)
		hess.SetSym(1, 1, h11)
		if ok := chol.Factorize(hess); !ok {
			return c, &ConvergenceError{Iterations: iter, GradNorm: gnorm, Reason: "hessian is not positive definite"}
		}
		if err := chol.SolveVecTo(step, grad); err != nil {
			return c, &ConvergenceError{Iterations: iter, GradNorm: gnorm, Reason: err.Error()}
		}

		slack := 4 * epsilon * (1 + math.Abs(obj))
		t := 1.0
		accepted := false
		for range maxHalvings {
			cand := Coef{
				Slope:     c.Slope - t*step.AtVec(1),
				Intercept: c.Intercept - t*step.AtVec(0),
			}
			if v := objective(cand, x, w, r, opt.Alpha); v <= obj+slack {
				c, obj = cand, v
				accepted = true
				break
			}
			t /= 2
		}
		if !accepted {
			return c, &ConvergenceError{Iterations: iter + 1, GradNorm: gnorm, Reason: "line search failed"}
		}
	}
	return c, &ConvergenceError{Iterations: opt.MaxIter, GradNorm: gnorm, Reason: "iteration cap reached"}
}

// epsilon is the float64 machine epsilon.
const epsilon = 2.220446049250313e-16

func objective(c Coef, x, w, r []float64, alpha float64) float64 {
	var v float64
	for i, xi := range x {
		eta := c.Slope*xi + c.Intercept
		v += w[i] * (math.Exp(eta) - r[i]*eta)
	}
	if math.IsNaN(v) {
		return math.Inf(1)
	}
	return v + 0.5*alpha*c.Slope*c.Slope
}

func validate(y, x, exposure []float64) error {
	if len(y) != len(x) || len(y) != len(exposure) {
		return fmt.Errorf("%w: len(y)=%d len(x)=%d len(exposure)=%d", ErrLengthMismatch, len(y), len(x), len(exposure))
	}
	if len(y) < 2 {
		return fmt.Errorf("%w: got %d", ErrTooFewObservations, len(y))
	}
	for i, e := range exposure {
		if !(e > 0) || math.IsInf(e, 1) {
			return fmt.Errorf("%w: exposure[%d]=%g", ErrInvalidExposure, i, e)
		}
	}
	for i, v := range y {
		if !(v >= 0) || math.IsInf(v, 1) {
			return fmt.Errorf("%w: y[%d]=%g", ErrInvalidResponse, i, v)
		}
	}
	for i, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: x[%d]=%g", ErrInvalidPredictor, i, v)
		}
	}
	return nil
}

func isConstant(x []float64) bool {
	for _, v := range x[1:] {
		if v != x[0] {
			return false
		}
	}
	return true
}

// PoissonLogLikelihood returns Σ y_i·log(λ_i) − λ_i with
// λ_i = e_i·exp(slope·x_i + intercept). The log(y_i!) term is omitted since
// it cancels in likelihood ratios.
func PoissonLogLikelihood(c Coef, y, x, exposure []float64) float64 {
	var ll float64
	for i := range y {
		lam := exposure[i] * math.Exp(c.Slope*x[i]+c.Intercept)
		ll += y[i]*math.Log(lam) - lam
	}
	return ll
}
