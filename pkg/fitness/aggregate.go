package fitness

import (
	"github.com/example/evofit/pkg/propagation"
)

// SummarizeReplicates reduces raw replicate proportions to their mean and
// the propagated variance of that mean. Each replicate contributes its
// binomial variance p(1-p)/trials, with the configured assumed trial count
// standing in for replicates whose count was not recorded, and the
// replicate-correlation correction applied to the variance of the mean.
func SummarizeReplicates(cfg propagation.Config, unit string, reps []Replicate) (mean, variance float64, err error) {
	if len(reps) == 0 {
		return 0, 0, &propagation.DomainError{Op: "fitness.SummarizeReplicates", Unit: unit, Quantity: "replicates", Value: 0}
	}
	vars := make([]float64, len(reps))
	var sum float64
	for i, r := range reps {
		trials := r.Trials
		if trials == 0 {
			trials = cfg.AssumedTrialCount
		}
		v, err := propagation.BinomialVariance(r.Proportion, trials)
		if err != nil {
			return 0, 0, tagUnit(err, unit)
		}
		vars[i] = v
		sum += r.Proportion
	}
	variance, err = cfg.MeanVariance(vars)
	if err != nil {
		return 0, 0, tagUnit(err, unit)
	}
	return sum / float64(len(reps)), variance, nil
}

// Resolve returns a copy of the unit with its proportion summaries derived
// from raw replicates when those are present, and the configured default
// replicate count filled in when the record carries none. Units that
// already carry summaries pass through unchanged.
func (u ObservationUnit) Resolve(cfg propagation.Config) (ObservationUnit, error) {
	if len(u.StartReplicates) > 0 {
		mean, v, err := SummarizeReplicates(cfg, u.BlockID, u.StartReplicates)
		if err != nil {
			return ObservationUnit{}, err
		}
		u.MeanStart, u.VarStart = mean, v
	}
	if len(u.EndReplicates) > 0 {
		mean, v, err := SummarizeReplicates(cfg, u.BlockID, u.EndReplicates)
		if err != nil {
			return ObservationUnit{}, err
		}
		u.MeanEnd, u.VarEnd = mean, v
	}
	if u.Replicates == 0 {
		u.Replicates = cfg.ReplicateCount
	}
	return u, nil
}

// Resolve is the ReferenceUnit counterpart of ObservationUnit.Resolve.
func (u ReferenceUnit) Resolve(cfg propagation.Config) (ReferenceUnit, error) {
	if len(u.StartReplicates) > 0 {
		mean, v, err := SummarizeReplicates(cfg, u.BlockID, u.StartReplicates)
		if err != nil {
			return ReferenceUnit{}, err
		}
		u.MeanStart, u.VarStart = mean, v
	}
	if len(u.EndReplicates) > 0 {
		mean, v, err := SummarizeReplicates(cfg, u.BlockID, u.EndReplicates)
		if err != nil {
			return ReferenceUnit{}, err
		}
		u.MeanEnd, u.VarEnd = mean, v
	}
	if u.Replicates == 0 {
		u.Replicates = cfg.ReplicateCount
	}
	return u, nil
}
