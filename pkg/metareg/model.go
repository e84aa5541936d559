package metareg

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// VarianceComponent is one estimated random-effect variance, tied to the
// grouping it belongs to. Levels is the number of distinct levels the
// grouping had in the fitted data; a grouping with one observation per
// level acts as the residual heterogeneity component.
type VarianceComponent struct {
	Name   string  `json:"name"`   // Grouping name
	Tau2   float64 `json:"tau2"`   // Estimated variance, >= 0
	Levels int     `json:"levels"` // Distinct levels in the data
}

// Model is one fitted meta-regression: the fixed-effect coefficient vector
// with its covariance, the estimated variance components, and the REML
// convergence state. A Model is immutable once returned; refitting yields a
// new instance.
type Model struct {
	Columns    []string            `json:"columns"`            // Coefficient names, design order
	Coef       []float64           `json:"coefficients"`       // Fixed-effect estimates
	Tau2       []VarianceComponent `json:"varianceComponents"` // One per random-effect grouping
	Criterion  float64             `json:"remlCriterion"`      // -2 restricted log-likelihood, up to a constant
	Converged  bool                `json:"converged"`          // False when the iteration budget was exhausted
	Iterations int                 `json:"iterations"`         // REML iterations used
	N          int                 `json:"observations"`       // Observations fitted

	// Cov is the coefficient covariance matrix (X' V^-1 X)^-1 at the
	// final variance-component estimates.
	Cov *mat.SymDense `json:"-"`
}

// Coefficient is one row of the fixed-effect summary table.
type Coefficient struct {
	Name     string  `json:"name"`
	Estimate float64 `json:"estimate"`
	StdError float64 `json:"stdError"`
	ZValue   float64 `json:"zValue"`
	PValue   float64 `json:"pValue"`
}

// Coefficients returns the fixed-effect summary table with Wald z tests
// against the standard normal.
func (m *Model) Coefficients() []Coefficient {
	out := make([]Coefficient, len(m.Coef))
	for i, b := range m.Coef {
		se := math.Sqrt(m.Cov.At(i, i))
		z := b / se
		out[i] = Coefficient{
			Name:     m.Columns[i],
			Estimate: b,
			StdError: se,
			ZValue:   z,
			PValue:   2 * distuv.UnitNormal.Survival(math.Abs(z)),
		}
	}
	return out
}

// OmnibusTest is a joint Wald chi-square test of a coefficient block
// against zero.
type OmnibusTest struct {
	Statistic float64 `json:"statistic"` // b' C^-1 b over the tested block
	DF        int     `json:"df"`        // Size of the tested block
	PValue    float64 `json:"pValue"`    // Upper chi-square tail
}

// ModeratorTest jointly tests every non-intercept coefficient against
// zero, referring b' C^-1 b on the moderator block of the coefficient
// covariance to chi-square with the block size as degrees of freedom. An
// intercept-only model has no moderators and reports df 0, p 1.
func (m *Model) ModeratorTest() (OmnibusTest, error) {
	var idx []int
	for i, name := range m.Columns {
		if name != "(Intercept)" {
			idx = append(idx, i)
		}
	}
	k := len(idx)
	if k == 0 {
		return OmnibusTest{PValue: 1}, nil
	}

	b := mat.NewVecDense(k, nil)
	sub := mat.NewSymDense(k, nil)
	for a, i := range idx {
		b.SetVec(a, m.Coef[i])
		for c := a; c < k; c++ {
			sub.SetSym(a, c, m.Cov.At(i, idx[c]))
		}
	}

	var chol mat.Cholesky
	if !chol.Factorize(sub) {
		return OmnibusTest{}, &SingularDesignError{Reason: "moderator covariance block is not positive definite"}
	}
	sol := mat.NewVecDense(k, nil)
	if err := chol.SolveVecTo(sol, b); err != nil {
		return OmnibusTest{}, &SingularDesignError{Reason: "moderator covariance block is not invertible"}
	}

	wald := mat.Dot(b, sol)
	chi := distuv.ChiSquared{K: float64(k)}
	return OmnibusTest{Statistic: wald, DF: k, PValue: chi.Survival(wald)}, nil
}

// Component returns the estimated variance of the named grouping.
func (m *Model) Component(name string) (VarianceComponent, bool) {
	for _, vc := range m.Tau2 {
		if vc.Name == name {
			return vc, true
		}
	}
	return VarianceComponent{}, false
}
