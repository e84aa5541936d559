package metareg

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// PredictConfig controls interval construction.
type PredictConfig struct {
	// Level is the confidence level of the interval, e.g. 0.95.
	Level float64 `json:"level"`

	// DF, when positive, switches the critical value from the standard
	// normal to Student's t with that many degrees of freedom.
	DF float64 `json:"df"`
}

// DefaultPredictConfig returns two-sided 95% normal intervals.
func DefaultPredictConfig() *PredictConfig {
	return &PredictConfig{Level: 0.95}
}

// Prediction is the evaluated linear combination of fixed effects for one
// design row.
type Prediction struct {
	Value    float64 `json:"value"`    // x b
	StdError float64 `json:"stdError"` // sqrt(x Cov(b) x')
	Lower    float64 `json:"lower"`    // Lower confidence bound
	Upper    float64 `json:"upper"`    // Upper confidence bound
}

// Predictor evaluates fitted-model predictions for custom design rows. It
// only reads the model.
type Predictor struct {
	model  *Model
	config *PredictConfig
}

// NewPredictor constructs a predictor with 95% normal intervals.
func NewPredictor(model *Model) *Predictor {
	return &Predictor{model: model, config: DefaultPredictConfig()}
}

// NewPredictorWithConfig constructs a predictor with explicit interval
// settings. The confidence level must lie in (0,1) and DF must not be
// negative.
func NewPredictorWithConfig(model *Model, config *PredictConfig) (*Predictor, error) {
	if config == nil {
		config = DefaultPredictConfig()
	}
	if config.Level <= 0 || config.Level >= 1 {
		return nil, fmt.Errorf("confidence level %v outside (0,1)", config.Level)
	}
	if config.DF < 0 {
		return nil, fmt.Errorf("degrees of freedom %v must not be negative", config.DF)
	}
	return &Predictor{model: model, config: config}, nil
}

// Predict evaluates every design row. Rows must use exactly the column
// layout of the fitted design matrix; a mismatched row fails with a
// DimensionMismatchError naming the row index.
func (p *Predictor) Predict(rows [][]float64) ([]Prediction, error) {
	out := make([]Prediction, len(rows))
	for i, row := range rows {
		pred, err := p.predictRow(i, row)
		if err != nil {
			return nil, err
		}
		out[i] = pred
	}
	return out, nil
}

func (p *Predictor) predictRow(idx int, row []float64) (Prediction, error) {
	m := p.model
	if len(row) != len(m.Coef) {
		return Prediction{}, &DimensionMismatchError{Row: idx, Got: len(row), Want: len(m.Coef)}
	}

	var value, variance float64
	for i, x := range row {
		value += x * m.Coef[i]
		for j, z := range row {
			variance += x * z * m.Cov.At(i, j)
		}
	}
	se := math.Sqrt(variance)
	crit := p.criticalValue()
	return Prediction{
		Value:    value,
		StdError: se,
		Lower:    value - crit*se,
		Upper:    value + crit*se,
	}, nil
}

func (p *Predictor) criticalValue() float64 {
	q := 1 - (1-p.config.Level)/2
	if p.config.DF > 0 {
		t := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: p.config.DF}
		return t.Quantile(q)
	}
	return distuv.UnitNormal.Quantile(q)
}
