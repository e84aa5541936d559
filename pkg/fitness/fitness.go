// Package fitness turns start/end proportion summaries into per-unit
// fitness estimates on one of three scales, carrying the delta-method
// variance of the chosen transform along with the point value.
package fitness

import (
	"fmt"
	"math"

	"github.com/example/evofit/pkg/propagation"
)

// Transform selects the fitness scale computed from the start and end
// proportions of a unit.
type Transform string

const (
	// TransformDifference is mean_end - mean_start.
	TransformDifference Transform = "difference"
	// TransformRatio is mean_end / mean_start.
	TransformRatio Transform = "ratio"
	// TransformLogRatio is ln(mean_end / mean_start), the scale the
	// selection analysis reports on.
	TransformLogRatio Transform = "log-ratio"
)

// Valid reports whether t names a known transform.
func (t Transform) Valid() bool {
	switch t {
	case TransformDifference, TransformRatio, TransformLogRatio:
		return true
	}
	return false
}

// Compute derives the fitness estimate of a unit from its start and end
// proportion summaries. Proportions must lie in (0,1) for the ratio scales;
// violations surface as a DomainError naming the unit.
func Compute(t Transform, unit string, meanStart, varStart, meanEnd, varEnd float64, replicates int) (Estimate, error) {
	if replicates < 1 {
		return Estimate{}, &propagation.DomainError{Op: "fitness.Compute", Unit: unit, Quantity: "replicates", Value: float64(replicates)}
	}
	for _, q := range []struct {
		name  string
		value float64
	}{
		{"var_start", varStart},
		{"var_end", varEnd},
	} {
		if q.value < 0 || math.IsNaN(q.value) || math.IsInf(q.value, 0) {
			return Estimate{}, &propagation.DomainError{Op: "fitness.Compute", Unit: unit, Quantity: q.name, Value: q.value}
		}
	}

	est := Estimate{Transform: t, Replicates: replicates}
	switch t {
	case TransformDifference:
		est.Value = meanEnd - meanStart
		est.Variance = propagation.DifferenceVariance(varEnd, varStart)
	case TransformRatio:
		v, err := propagation.RatioVariance(meanEnd, varEnd, meanStart, varStart)
		if err != nil {
			return Estimate{}, tagUnit(err, unit)
		}
		est.Value = meanEnd / meanStart
		est.Variance = v
	case TransformLogRatio:
		v, err := propagation.LogRatioVariance(meanEnd, varEnd, meanStart, varStart)
		if err != nil {
			return Estimate{}, tagUnit(err, unit)
		}
		est.Value = math.Log(meanEnd / meanStart)
		est.Variance = v
	default:
		return Estimate{}, fmt.Errorf("unknown fitness transform %q", t)
	}
	return est, nil
}

// Observed derives the fitness estimate of an experimental unit.
func Observed(t Transform, u ObservationUnit) (Estimate, error) {
	return Compute(t, u.BlockID, u.MeanStart, u.VarStart, u.MeanEnd, u.VarEnd, u.Replicates)
}

// Ancestral derives the fitness estimate of a reference unit.
func Ancestral(t Transform, u ReferenceUnit) (Estimate, error) {
	return Compute(t, u.BlockID, u.MeanStart, u.VarStart, u.MeanEnd, u.VarEnd, u.Replicates)
}

func tagUnit(err error, unit string) error {
	if de, ok := err.(*propagation.DomainError); ok {
		tagged := *de
		tagged.Unit = unit
		return &tagged
	}
	return err
}
