package glm

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// LLRResult is the outcome of a null-vs-alternative likelihood-ratio test.
type LLRResult struct {
	Null       Coef    `json:"null"`
	Alt        Coef    `json:"alt"`
	NullLogLik float64 `json:"null_loglik"`
	AltLogLik  float64 `json:"alt_loglik"`
	// Statistic is 2·(AltLogLik − NullLogLik) clamped at zero.
	Statistic float64 `json:"statistic"`
	// RawStatistic is the unclamped statistic; it is negative only when the
	// alternative fit stopped short of the null optimum.
	RawStatistic float64 `json:"raw_statistic"`
	PValue       float64 `json:"pvalue"`
	// Converged is false when either fit returned ErrNotConverged.
	Converged bool `json:"converged"`
}

// chiSquared1 is the reference distribution of the statistic under the null.
var chiSquared1 = distuv.ChiSquared{K: 1}

// ChiSquaredSurvival returns P(X > stat) for X ~ χ²(1).
func ChiSquaredSurvival(stat float64) float64 {
	return chiSquared1.Survival(stat)
}

// LikelihoodRatioTest fits a flat model (predictor forced to zero) and a
// sloped model to the same data and tests the slope with a χ²(1)
// likelihood-ratio test. Both likelihoods are evaluated on the true predictor.
//
// A non-nil error wrapping ErrNotConverged is returned with a populated
// result; any other error means the inputs were rejected.
func LikelihoodRatioTest(y, x, exposure []float64, opt Options) (LLRResult, error) {
	flat := make([]float64, len(x))
	null, nullErr := FitPoisson(y, flat, exposure, opt)
	if nullErr != nil && !errors.Is(nullErr, ErrNotConverged) {
		return LLRResult{}, nullErr
	}
	alt, altErr := FitPoisson(y, x, exposure, opt)
	if altErr != nil && !errors.Is(altErr, ErrNotConverged) {
		return LLRResult{}, altErr
	}

	res := LLRResult{
		Null:       null,
		Alt:        alt,
		NullLogLik: PoissonLogLikelihood(null, y, x, exposure),
		AltLogLik:  PoissonLogLikelihood(alt, y, x, exposure),
		Converged:  nullErr == nil && altErr == nil,
	}
	res.RawStatistic = 2 * (res.AltLogLik - res.NullLogLik)
	res.Statistic = math.Max(res.RawStatistic, 0)
	if math.IsNaN(res.RawStatistic) {
		res.Statistic = math.NaN()
	}
	res.PValue = ChiSquaredSurvival(res.Statistic)

	if nullErr != nil {
		return res, nullErr
	}
	return res, altErr
}
