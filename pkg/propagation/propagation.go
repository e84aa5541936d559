// Package propagation implements delta-method variance propagation for
// proportion data: variances of replicate averages, differences, ratios
// and log-ratios derived from per-replicate binomial variance estimates.
package propagation

import (
	"fmt"
	"math"
)

// Config holds the propagation constants. All of them are modeling
// assumptions about the experimental design and must be supplied
// explicitly rather than inferred from the data.
type Config struct {
	// ReplicateCorrelation is the assumed correlation r between replicate
	// proportion estimates within one unit, r in [0,1]. The correction
	// term in MeanVariance approximates every pairwise covariance with
	// r times a single representative variance.
	ReplicateCorrelation float64 `json:"replicateCorrelation" env:"REPLICATE_CORRELATION"`

	// ReplicateVariance is the representative per-replicate proportion
	// variance used in the covariance correction when individual
	// covariances are not observable.
	ReplicateVariance float64 `json:"replicateVariance" env:"REPLICATE_VARIANCE"`

	// ReplicateCount is the number of replicates per unit assumed when a
	// record does not carry its own count.
	ReplicateCount int `json:"replicateCount" env:"REPLICATE_COUNT"`

	// AssumedTrialCount is the binomial trial count assumed for a
	// replicate whose scored-individual count was not recorded.
	AssumedTrialCount float64 `json:"assumedTrialCount" env:"ASSUMED_TRIAL_COUNT"`
}

// DefaultConfig returns the constants of the original experimental design:
// four replicates per unit, replicate correlation 0.8, representative
// per-replicate variance 5e-4, and 100 scored individuals assumed when a
// replicate's count is missing.
func DefaultConfig() Config {
	return Config{
		ReplicateCorrelation: 0.8,
		ReplicateVariance:    0.0005,
		ReplicateCount:       4,
		AssumedTrialCount:    100,
	}
}

// Validate checks that the constants are usable.
func (c Config) Validate() error {
	if c.ReplicateCorrelation < 0 || c.ReplicateCorrelation > 1 {
		return fmt.Errorf("replicate correlation %v outside [0,1]", c.ReplicateCorrelation)
	}
	if c.ReplicateVariance < 0 || math.IsNaN(c.ReplicateVariance) {
		return fmt.Errorf("replicate variance %v must be non-negative", c.ReplicateVariance)
	}
	if c.ReplicateCount < 1 {
		return fmt.Errorf("replicate count %d must be at least 1", c.ReplicateCount)
	}
	if c.AssumedTrialCount <= 0 {
		return fmt.Errorf("assumed trial count %v must be positive", c.AssumedTrialCount)
	}
	return nil
}

// BinomialVariance returns the sampling variance p(1-p)/n of a proportion
// estimated from n binomial trials. A DomainError is returned when p lies
// outside (0,1) or n is not positive.
func BinomialVariance(p, trials float64) (float64, error) {
	if p <= 0 || p >= 1 || math.IsNaN(p) {
		return 0, &DomainError{Op: "BinomialVariance", Quantity: "proportion", Value: p}
	}
	if trials <= 0 || math.IsNaN(trials) {
		return 0, &DomainError{Op: "BinomialVariance", Quantity: "trials", Value: trials}
	}
	return p * (1 - p) / trials, nil
}

// MeanVariance returns the variance of the mean of n replicate estimates
// with the given per-replicate variances:
//
//	(sum var_i)/n^2 + 2*C(n,2)*r*v0
//
// where r is the configured replicate correlation and v0 the representative
// per-replicate variance standing in for sqrt(var_i*var_j) of every pair.
// With r = 0 the correction vanishes and the result is the independent-case
// variance of the mean.
func (c Config) MeanVariance(variances []float64) (float64, error) {
	n := len(variances)
	if n == 0 {
		return 0, &DomainError{Op: "MeanVariance", Quantity: "replicates", Value: 0}
	}
	var sum float64
	for _, v := range variances {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, &DomainError{Op: "MeanVariance", Quantity: "variance", Value: v}
		}
		sum += v
	}
	pairs := float64(n*(n-1)) / 2
	return sum/float64(n*n) + 2*pairs*c.ReplicateCorrelation*c.ReplicateVariance, nil
}

// DifferenceVariance returns the variance of a difference of two quantities
// treated as independent. The covariance term is intentionally omitted: the
// experimental and reference estimates come from disjoint sets of replicates.
func DifferenceVariance(varA, varB float64) float64 {
	return varA + varB
}

// RatioVariance returns the delta-method variance of num/denom:
//
//	(num/denom)^2 * (varNum/num^2 + varDenom/denom^2)
func RatioVariance(meanNum, varNum, meanDenom, varDenom float64) (float64, error) {
	if meanNum <= 0 {
		return 0, &DomainError{Op: "RatioVariance", Quantity: "numerator mean", Value: meanNum}
	}
	if meanDenom <= 0 {
		return 0, &DomainError{Op: "RatioVariance", Quantity: "denominator mean", Value: meanDenom}
	}
	ratio := meanNum / meanDenom
	return ratio * ratio * (varNum/(meanNum*meanNum) + varDenom/(meanDenom*meanDenom)), nil
}

// LogRatioVariance returns the delta-method variance of ln(num/denom):
//
//	varNum/num^2 + varDenom/denom^2
//
// the squared-gradient expansion of the log-ratio around the two means.
func LogRatioVariance(meanNum, varNum, meanDenom, varDenom float64) (float64, error) {
	if meanNum <= 0 {
		return 0, &DomainError{Op: "LogRatioVariance", Quantity: "numerator mean", Value: meanNum}
	}
	if meanDenom <= 0 {
		return 0, &DomainError{Op: "LogRatioVariance", Quantity: "denominator mean", Value: meanDenom}
	}
	return varNum/(meanNum*meanNum) + varDenom/(meanDenom*meanDenom), nil
}
