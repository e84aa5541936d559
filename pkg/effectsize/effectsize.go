// Package effectsize computes bias-corrected standardized effect sizes
// (Hedges' g) contrasting an experimental fitness estimate against its
// paired ancestral reference, together with the sampling variance of the
// effect size.
package effectsize

import (
	"math"

	"github.com/example/evofit/pkg/fitness"
	"github.com/example/evofit/pkg/propagation"
)

// Record is one effect-size row: the standardized difference d, its
// sampling variance, and the moderator and grouping fields copied from the
// source observation. ESID is the unique per-row identifier used as the
// residual random-effect level in the meta-regression.
type Record struct {
	ESID         string  `json:"esid"`              // Unique per-row identifier
	BlockID      string  `json:"block_id"`          // Experimental block
	Population   string  `json:"population"`        // Source population
	Isoline      string  `json:"isoline"`           // Isoline factor level
	Temperature  string  `json:"temperature"`       // Rearing temperature level
	Reproduction string  `json:"reproduction_type"` // Reproduction mode level
	Generation   float64 `json:"generation"`        // Generations of selection
	D            float64 `json:"d"`                 // Standardized effect size
	VarD         float64 `json:"var_d"`             // Sampling variance of D
}

// Hedges combines an experimental and a reference fitness estimate into a
// small-sample bias-corrected standardized effect size and its sampling
// variance. The calculator is agnostic to the transform that produced the
// estimates; it only reads means, variances, and replicate counts.
//
//	pooledSD = sqrt(((nE-1)varE + (nR-1)varR) / (nE+nR-2))
//	J        = 1 - 3/(4(nE+nR-2) - 1)
//	d        = J (meanE - meanR) / pooledSD
//	var_d    = (nE+nR)/(nE nR) + d^2/(2(nE+nR))
//
// For the four-versus-four replicate design this is var_d = 1/2 + d^2/16.
func Hedges(exp, ref fitness.Estimate) (d, varD float64, err error) {
	nE, nR := float64(exp.Replicates), float64(ref.Replicates)
	if nE < 1 || nR < 1 || nE+nR < 3 {
		return 0, 0, &propagation.DomainError{Op: "effectsize.Hedges", Quantity: "replicates", Value: nE + nR}
	}

	df := nE + nR - 2
	pooled := math.Sqrt(((nE-1)*exp.Variance + (nR-1)*ref.Variance) / df)
	if pooled == 0 || math.IsNaN(pooled) || math.IsInf(pooled, 0) {
		return 0, 0, &propagation.DomainError{Op: "effectsize.Hedges", Quantity: "pooled SD", Value: pooled}
	}

	j := 1 - 3/(4*df-1)
	d = j * (exp.Value - ref.Value) / pooled
	varD = (nE+nR)/(nE*nR) + d*d/(2*(nE+nR))
	return d, varD, nil
}

// NewRecord builds the effect-size row for one observation, pairing its
// experimental estimate with the ancestral one and copying the moderator
// and grouping fields forward. Domain failures are tagged with the block.
func NewRecord(esid string, obs fitness.ObservationUnit, exp, ref fitness.Estimate) (Record, error) {
	d, varD, err := Hedges(exp, ref)
	if err != nil {
		if de, ok := err.(*propagation.DomainError); ok && de.Unit == "" {
			tagged := *de
			tagged.Unit = obs.BlockID
			err = &tagged
		}
		return Record{}, err
	}
	return Record{
		ESID:         esid,
		BlockID:      obs.BlockID,
		Population:   obs.Population,
		Isoline:      obs.Isoline,
		Temperature:  obs.Temperature,
		Reproduction: obs.Reproduction,
		Generation:   obs.Generation,
		D:            d,
		VarD:         varD,
	}, nil
}
