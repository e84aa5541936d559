package analysis

import (
	"time"

	"github.com/example/evofit/pkg/effectsize"
	"github.com/example/evofit/pkg/fitness"
	"github.com/example/evofit/pkg/metareg"
)

// VariableSpec names one model variable; categorical levels are discovered
// from the data at run time, sorted, with the first level as reference.
type VariableSpec struct {
	Name       string `json:"name"`
	Continuous bool   `json:"continuous"`
}

// ModelSpec is one meta-regression to fit: its fixed-effect terms over the
// declared variables, and the random-effect groupings to pool on
// ("population", "block", "esid").
type ModelSpec struct {
	Name      string         `json:"name"`
	Variables []VariableSpec `json:"variables"`
	Terms     []metareg.Term `json:"terms"`
	Groupings []string       `json:"groupings"`
	Intercept bool           `json:"intercept"`
}

// Report is the full analysis output: every effect-size row plus one
// fitted-model report per requested model.
type Report struct {
	GeneratedAt time.Time           `json:"generatedAt"` // Analysis timestamp
	Transform   fitness.Transform   `json:"transform"`   // Fitness scale used
	Records     []effectsize.Record `json:"records"`     // One row per observation
	Models      []ModelReport       `json:"models"`      // One per ModelSpec
}

// ModelReport is the rendered outcome of one fitted model.
type ModelReport struct {
	Name               string                      `json:"name"`                    // ModelSpec name
	Coefficients       []metareg.Coefficient       `json:"coefficients"`            // Fixed-effect table
	VarianceComponents []metareg.VarianceComponent `json:"varianceComponents"`      // tau2 per grouping
	REMLCriterion      float64                     `json:"remlCriterion"`           // -2 restricted log-likelihood
	Converged          bool                        `json:"converged"`               // REML convergence status
	Iterations         int                         `json:"iterations"`              // REML iterations used
	Observations       int                         `json:"observations"`            // Rows fitted
	ModeratorTest      *metareg.OmnibusTest        `json:"moderatorTest,omitempty"` // Wald test over all non-intercept terms
	Predictions        []CellPrediction            `json:"predictions"`             // Per-cell predicted effect sizes
}

// CellPrediction is the predicted effect size for one factor-level cell,
// continuous covariates held at their weighted mean.
type CellPrediction struct {
	Levels map[string]string `json:"levels"`
	metareg.Prediction
}
