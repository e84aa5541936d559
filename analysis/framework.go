// Package analysis orchestrates the effect-size pipeline: observation and
// reference units in, fitness transforms, standardized effect sizes, and a
// set of fitted meta-regression models out.
package analysis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/example/evofit/pkg/effectsize"
	"github.com/example/evofit/pkg/fitness"
	"github.com/example/evofit/pkg/metareg"
	"github.com/example/evofit/pkg/propagation"
)

// Config holds the analysis run settings.
type Config struct {
	Transform       fitness.Transform  `json:"transform"`       // Fitness scale
	Propagation     propagation.Config `json:"propagation"`     // Delta-method constants
	ConfidenceLevel float64            `json:"confidenceLevel"` // Prediction interval level
	Models          []ModelSpec        `json:"models"`          // Models to fit
}

// DefaultConfig returns the standard selection analysis: log-ratio fitness,
// the full three-way moderator model, and a reduced model with the
// generation covariate. Random effects pool on population, block, and the
// per-row residual level.
func DefaultConfig() *Config {
	groupings := []string{"population", "block", "esid"}
	moderators := []VariableSpec{
		{Name: "isoline"},
		{Name: "temperature"},
		{Name: "reproduction"},
	}
	return &Config{
		Transform:       fitness.TransformLogRatio,
		Propagation:     propagation.DefaultConfig(),
		ConfidenceLevel: 0.95,
		Models: []ModelSpec{
			{
				Name:      "selection-full",
				Variables: moderators,
				Terms:     metareg.FullFactorial("isoline", "temperature", "reproduction"),
				Groupings: groupings,
				Intercept: true,
			},
			{
				Name: "selection-generation",
				Variables: append(append([]VariableSpec(nil), moderators...),
					VariableSpec{Name: "generation", Continuous: true}),
				Terms: []metareg.Term{
					{Variables: []string{"isoline"}},
					{Variables: []string{"temperature"}},
					{Variables: []string{"reproduction"}},
					{Variables: []string{"generation"}},
				},
				Groupings: groupings,
				Intercept: true,
			},
		},
	}
}

// Framework runs the full pipeline. All state is per-Run; a single
// Framework can serve concurrent runs on independent data.
type Framework struct {
	logger *zap.Logger
	config *Config
	engine *metareg.Engine
}

// NewFramework constructs a framework with the given configuration, falling
// back to DefaultConfig when nil.
func NewFramework(logger *zap.Logger, config *Config) (*Framework, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config == nil {
		config = DefaultConfig()
	}
	if !config.Transform.Valid() {
		return nil, fmt.Errorf("unknown fitness transform %q", config.Transform)
	}
	if err := config.Propagation.Validate(); err != nil {
		return nil, fmt.Errorf("propagation config: %w", err)
	}
	if config.ConfidenceLevel <= 0 || config.ConfidenceLevel >= 1 {
		return nil, fmt.Errorf("confidence level %v outside (0,1)", config.ConfidenceLevel)
	}
	return &Framework{
		logger: logger,
		config: config,
		engine: metareg.NewEngine(logger),
	}, nil
}

// Run executes the pipeline over one batch of paired units.
func (f *Framework) Run(ctx context.Context, obs []fitness.ObservationUnit, refs []fitness.ReferenceUnit) (*Report, error) {
	f.logger.Info("starting selection analysis",
		zap.Int("observations", len(obs)),
		zap.Int("references", len(refs)),
		zap.String("transform", string(f.config.Transform)))

	records, err := f.effectSizes(obs, refs)
	if err != nil {
		return nil, err
	}

	report := &Report{
		GeneratedAt: time.Now(),
		Transform:   f.config.Transform,
		Records:     records,
	}
	for _, spec := range f.config.Models {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mr, err := f.fitModel(spec, records)
		if err != nil {
			return nil, fmt.Errorf("model %q: %w", spec.Name, err)
		}
		report.Models = append(report.Models, *mr)
	}

	f.logger.Info("selection analysis completed",
		zap.Int("effectSizes", len(records)),
		zap.Int("models", len(report.Models)))
	return report, nil
}

// effectSizes pairs every observation with its ancestral reference and
// derives the standardized effect sizes.
func (f *Framework) effectSizes(obs []fitness.ObservationUnit, refs []fitness.ReferenceUnit) ([]effectsize.Record, error) {
	byID := make(map[string]fitness.ReferenceUnit, len(refs))
	for _, r := range refs {
		if _, dup := byID[r.BlockID]; dup {
			return nil, fmt.Errorf("duplicate reference unit %q", r.BlockID)
		}
		byID[r.BlockID] = r
	}

	records := make([]effectsize.Record, 0, len(obs))
	for i, o := range obs {
		ref, ok := byID[o.ReferenceID]
		if !ok {
			return nil, fmt.Errorf("block %q: no reference unit %q", o.BlockID, o.ReferenceID)
		}
		o, err := o.Resolve(f.config.Propagation)
		if err != nil {
			return nil, err
		}
		ref, err = ref.Resolve(f.config.Propagation)
		if err != nil {
			return nil, fmt.Errorf("block %q: reference: %w", o.BlockID, err)
		}
		expEst, err := fitness.Observed(f.config.Transform, o)
		if err != nil {
			return nil, err
		}
		refEst, err := fitness.Ancestral(f.config.Transform, ref)
		if err != nil {
			return nil, fmt.Errorf("block %q: reference: %w", o.BlockID, err)
		}
		rec, err := effectsize.NewRecord(fmt.Sprintf("es-%03d", i+1), o, expEst, refEst)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (f *Framework) fitModel(spec ModelSpec, records []effectsize.Record) (*ModelReport, error) {
	variables, err := resolveVariables(spec, records)
	if err != nil {
		return nil, err
	}
	design := metareg.DesignSpec{
		Intercept: spec.Intercept,
		Variables: variables,
		Terms:     spec.Terms,
	}

	modelObs := make([]metareg.Observation, len(records))
	y := make([]float64, len(records))
	sampVar := make([]float64, len(records))
	for i, rec := range records {
		modelObs[i] = observationFor(rec)
		y[i] = rec.D
		sampVar[i] = rec.VarD
	}

	built, err := design.Build(modelObs)
	if err != nil {
		return nil, err
	}

	groupings := make([]metareg.Grouping, 0, len(spec.Groupings))
	for _, name := range spec.Groupings {
		g, err := groupingFor(name, records)
		if err != nil {
			return nil, err
		}
		groupings = append(groupings, g)
	}

	model, err := f.engine.Fit(built, y, sampVar, groupings)
	if err != nil {
		return nil, err
	}
	if !model.Converged {
		f.logger.Warn("model did not converge within the iteration budget",
			zap.String("model", spec.Name),
			zap.Int("iterations", model.Iterations))
	}

	preds, err := f.cellPredictions(design, variables, records, model)
	if err != nil {
		return nil, err
	}
	mr := &ModelReport{
		Name:               spec.Name,
		Coefficients:       model.Coefficients(),
		VarianceComponents: model.Tau2,
		REMLCriterion:      model.Criterion,
		Converged:          model.Converged,
		Iterations:         model.Iterations,
		Observations:       model.N,
		Predictions:        preds,
	}
	omnibus, err := model.ModeratorTest()
	if err != nil {
		return nil, err
	}
	if omnibus.DF > 0 {
		mr.ModeratorTest = &omnibus
	}
	return mr, nil
}

// cellPredictions evaluates the fitted model on every combination of the
// categorical moderator levels, holding continuous covariates at their
// precision-weighted mean.
func (f *Framework) cellPredictions(design metareg.DesignSpec, variables []metareg.Variable, records []effectsize.Record, model *metareg.Model) ([]CellPrediction, error) {
	var categorical []metareg.Variable
	continuous := map[string]float64{}
	for _, v := range variables {
		if v.Continuous {
			m, err := weightedCovariateMean(v.Name, records)
			if err != nil {
				return nil, err
			}
			continuous[v.Name] = m
			continue
		}
		categorical = append(categorical, v)
	}

	cells := enumerateCells(categorical)
	predictor, err := metareg.NewPredictorWithConfig(model, &metareg.PredictConfig{Level: f.config.ConfidenceLevel})
	if err != nil {
		return nil, err
	}

	out := make([]CellPrediction, 0, len(cells))
	for _, cell := range cells {
		row, err := design.Row(metareg.Observation{Categorical: cell, Continuous: continuous})
		if err != nil {
			return nil, err
		}
		preds, err := predictor.Predict([][]float64{row})
		if err != nil {
			return nil, err
		}
		out = append(out, CellPrediction{Levels: cell, Prediction: preds[0]})
	}
	return out, nil
}

// resolveVariables fills the level sets of the spec's variables from the
// data: sorted distinct levels, first level as reference.
func resolveVariables(spec ModelSpec, records []effectsize.Record) ([]metareg.Variable, error) {
	out := make([]metareg.Variable, 0, len(spec.Variables))
	for _, vs := range spec.Variables {
		if vs.Continuous {
			out = append(out, metareg.Variable{Name: vs.Name, Continuous: true})
			continue
		}
		seen := map[string]bool{}
		var levels []string
		for _, rec := range records {
			l, err := moderatorLevel(vs.Name, rec)
			if err != nil {
				return nil, err
			}
			if !seen[l] {
				seen[l] = true
				levels = append(levels, l)
			}
		}
		if len(levels) < 2 {
			return nil, fmt.Errorf("moderator %q has %d level(s), need at least 2", vs.Name, len(levels))
		}
		sort.Strings(levels)
		out = append(out, metareg.Variable{Name: vs.Name, Levels: levels})
	}
	return out, nil
}

func moderatorLevel(name string, rec effectsize.Record) (string, error) {
	switch name {
	case "isoline":
		return rec.Isoline, nil
	case "temperature":
		return rec.Temperature, nil
	case "reproduction":
		return rec.Reproduction, nil
	case "population":
		return rec.Population, nil
	}
	return "", fmt.Errorf("unknown moderator %q", name)
}

func observationFor(rec effectsize.Record) metareg.Observation {
	return metareg.Observation{
		Categorical: map[string]string{
			"isoline":      rec.Isoline,
			"temperature":  rec.Temperature,
			"reproduction": rec.Reproduction,
			"population":   rec.Population,
		},
		Continuous: map[string]float64{
			"generation": rec.Generation,
		},
	}
}

func groupingFor(name string, records []effectsize.Record) (metareg.Grouping, error) {
	levels := make([]string, len(records))
	for i, rec := range records {
		switch name {
		case "population":
			levels[i] = rec.Population
		case "block":
			levels[i] = rec.BlockID
		case "esid":
			levels[i] = rec.ESID
		default:
			return metareg.Grouping{}, fmt.Errorf("unknown random-effect grouping %q", name)
		}
	}
	return metareg.Grouping{Name: name, Levels: levels}, nil
}

func covariateValue(name string, rec effectsize.Record) (float64, error) {
	switch name {
	case "generation":
		return rec.Generation, nil
	}
	return 0, fmt.Errorf("unknown continuous covariate %q", name)
}

// weightedCovariateMean averages a continuous covariate across records,
// weighting by effect-size precision.
func weightedCovariateMean(name string, records []effectsize.Record) (float64, error) {
	values := make([]float64, len(records))
	weights := make([]float64, len(records))
	for i, rec := range records {
		v, err := covariateValue(name, rec)
		if err != nil {
			return 0, err
		}
		values[i] = v
		if rec.VarD > 0 {
			weights[i] = 1 / rec.VarD
		} else {
			weights[i] = 1
		}
	}
	return stat.Mean(values, weights), nil
}

// enumerateCells lists every combination of the categorical variables'
// levels, in level order.
func enumerateCells(variables []metareg.Variable) []map[string]string {
	cells := []map[string]string{{}}
	for _, v := range variables {
		next := make([]map[string]string, 0, len(cells)*len(v.Levels))
		for _, cell := range cells {
			for _, level := range v.Levels {
				c := make(map[string]string, len(cell)+1)
				for k, val := range cell {
					c[k] = val
				}
				c[v.Name] = level
				next = append(next, c)
			}
		}
		cells = next
	}
	if len(cells) == 1 && len(cells[0]) == 0 {
		return nil
	}
	return cells
}
